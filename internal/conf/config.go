package conf

import (
	"gopkg.in/yaml.v2"
	"os"
	"path/filepath"
	"raven/internal/blobstorage"
)

type Config struct {
	Domain         string             `yaml:"domain"`
	AuthServerURL  string             `yaml:"auth_server_url"`
	SaslSigningKey string             `yaml:"sasl_signing_key"`
	BlobStorage    blobstorage.Config `yaml:"blob_storage"`
	// ClientCAPath, if set, points at a PEM bundle of CA certificates
	// trusted to sign client certificates presented during STARTTLS.
	// Left empty, the server still accepts STARTTLS but never requests
	// a client certificate.
	ClientCAPath string `yaml:"client_ca_path"`
}

func LoadConfig() (*Config, error) {
	var cfg Config

	// Try multiple possible paths
	configPaths := []string{
		"/etc/raven/raven.yaml",
		"./config/raven.yaml",
		"./raven.yaml",
		"config/raven.yaml",
	}

	var data []byte
	var err error
	for _, path := range configPaths {
		data, err = os.ReadFile(filepath.Clean(path))
		if err == nil {
			break
		}
	}
	if err != nil {
		return nil, err
	}

	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}
