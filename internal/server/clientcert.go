package server

import (
	"crypto/x509"
	"encoding/pem"
	"os"

	"raven/internal/certstore"
	"raven/internal/trust"
)

// loadClientTrustStore reads a bundle of CA certificates trusted to sign
// STARTTLS client certificates. An empty or unreadable path yields an
// empty store, which the auth package treats as "don't request a client
// certificate" rather than as an error. Each PEM block is run through
// certstore.ReadCertificates before parsing, since CA bundles exported
// from a Windows or PKCS#11 key store are commonly wrapped in a PKCS#7
// SignedData envelope rather than bare certificate DER.
func loadClientTrustStore(path string) *trust.Store {
	store := trust.NewStore()
	if path == "" {
		return store
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return store
	}
	for {
		var block *pem.Block
		block, data = pem.Decode(data)
		if block == nil {
			break
		}
		if block.Type != "CERTIFICATE" && block.Type != "PKCS7" {
			continue
		}
		blobs, err := certstore.ReadCertificates(block.Bytes)
		if err != nil {
			continue
		}
		for _, blob := range blobs {
			cert, err := x509.ParseCertificate(blob)
			if err != nil {
				continue
			}
			store.Add(cert)
		}
	}
	return store
}

// GetClientTrustStore returns the CA set configured to sign STARTTLS
// client certificates, loaded once at construction time.
func (s *IMAPServer) GetClientTrustStore() *trust.Store {
	return s.clientTrustStore
}
