package auth

import (
	"crypto"
	"crypto/x509"
	"encoding/asn1"
	"fmt"
	"log"
	"time"

	"raven/internal/certattr"
	"raven/internal/certstore"
	"raven/internal/certvalidate"
	"raven/internal/dn"
	"raven/internal/trust"
)

// clientExtensionTable lists the extensions a client certificate
// presented during STARTTLS is expected to carry; anything else marked
// critical fails RFC 5280 §4.2's unhandled-critical-extension rule.
var clientExtensionTable = []certattr.EncodingRow{
	{FieldID: 1, OID: asn1.ObjectIdentifier{2, 5, 29, 19}, Type: certattr.FieldBlob, Flags: certattr.FlagIdentifier},                              // basicConstraints
	{FieldID: 2, OID: asn1.ObjectIdentifier{2, 5, 29, 15}, Type: certattr.FieldBitString, Flags: certattr.FlagIdentifier | certattr.FlagCritical}, // keyUsage
	{FieldID: 3, OID: asn1.ObjectIdentifier{2, 5, 29, 17}, Type: certattr.FieldBlob, Flags: certattr.FlagIdentifier},                              // subjectAltName
	{FieldID: 4, OID: asn1.ObjectIdentifier{2, 5, 29, 37}, Type: certattr.FieldBlob, Flags: certattr.FlagIdentifier},                              // extKeyUsage
	{FieldID: 5, OID: asn1.ObjectIdentifier{2, 5, 29, 14}, Type: certattr.FieldBlob, Flags: certattr.FlagIdentifier},                              // subjectKeyIdentifier
	{FieldID: 6, OID: asn1.ObjectIdentifier{2, 5, 29, 35}, Type: certattr.FieldBlob, Flags: certattr.FlagIdentifier},                              // authorityKeyIdentifier
}

// parseClientCertificateChain recovers bare X.509 certificates from the
// raw TLS Certificate message entries VerifyPeerCertificate hands over.
// TLS clients always send bare DER, but some client stacks (notably
// smartcard/PKCS#11-backed ones) forward whatever blob their store
// handed them, which can be a PKCS#7 SignedData chain or a Netscape
// certificate sequence; certstore.ReadCertificates peels that wrapper
// before parsing so those clients aren't rejected outright.
func parseClientCertificateChain(rawCerts [][]byte) ([]*x509.Certificate, error) {
	chain := make([]*x509.Certificate, 0, len(rawCerts))
	for _, raw := range rawCerts {
		blobs, err := certstore.ReadCertificates(raw)
		if err != nil {
			return nil, fmt.Errorf("clientcert: %w", err)
		}
		for _, blob := range blobs {
			parsed, err := x509.ParseCertificate(blob)
			if err != nil {
				return nil, fmt.Errorf("clientcert: %w", err)
			}
			chain = append(chain, parsed)
		}
	}
	return chain, nil
}

// validateClientCertificate walks chain (leaf first, the order
// tls.Config's VerifyPeerCertificate callback hands certificates over
// in) against store at certvalidate.Standard, rejects any unhandled
// critical extension on the leaf, and logs the validated subject DN
// and OCSP CertID.
func validateClientCertificate(store *trust.Store, chain []*x509.Certificate) error {
	if len(chain) == 0 {
		return fmt.Errorf("clientcert: empty certificate chain")
	}
	leaf := chain[0]

	if der, err := asn1.Marshal(leaf.Extensions); err == nil {
		if _, err := certattr.NewReader(clientExtensionTable).Read(der); err != nil {
			return fmt.Errorf("clientcert: %w", err)
		}
	}

	validator := certvalidate.NewValidator(store, certvalidate.Standard)
	result, err := validator.Validate(leaf, chain[1:], time.Now())
	if err != nil {
		return fmt.Errorf("clientcert: %w", err)
	}

	subject := dn.Parse(leaf.Subject.String())
	log.Printf("STARTTLS client certificate accepted: subject=%q issuer=%q", subject.String(), result.Anchor.Subject)
	for _, w := range result.Warning {
		log.Printf("STARTTLS client certificate warning: %s", w)
	}

	if certID, err := certstore.ComputeCertID(result.Anchor, leaf.SerialNumber, crypto.SHA256); err == nil {
		log.Printf("STARTTLS client certificate CertID: issuerNameHash=%x serial=%s", certID.IssuerNameHash, certID.SerialNumber)
	}
	return nil
}
