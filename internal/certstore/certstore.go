// Package certstore implements the certificate reader: it sniffs an
// arbitrary DER blob to find out whether it's a bare X.509 certificate, a
// PKCS#7 SignedData certificate chain, a Netscape certificate sequence, or
// a certificate wrapped in the oddball X.509 userCertificate attribute
// container, then peels the wrapper to recover the bare certificate DER
// blobs underneath. It also builds OCSP CertID values for cert-status
// lookups against the resulting certificates.
package certstore

import (
	"crypto"
	"crypto/x509"
	"encoding/asn1"
	"errors"
	"fmt"
	"math/big"
)

// Wrapper identifies the container format a blob was found to be wrapped
// in, mirroring the cases decodeCertWrapper distinguishes by content OID.
type Wrapper int

const (
	WrapperNone Wrapper = iota
	WrapperPKCS7Chain
	WrapperNetscapeSequence
	WrapperUserCertificate
)

var (
	oidPKCS7SignedData     = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 7, 2}
	oidNetscapeCertSeq     = asn1.ObjectIdentifier{2, 16, 840, 1, 113730, 2, 5}
	oidX509UserCertificate = asn1.ObjectIdentifier{2, 5, 4, 36}
)

// ErrUnknownWrapper is returned when a blob's leading OID matches none of
// the recognized wrapper formats.
var ErrUnknownWrapper = errors.New("certstore: unrecognized certificate wrapper")

// ErrBadWrapper is returned when a recognized wrapper's structure doesn't
// parse the way that wrapper format requires.
var ErrBadWrapper = errors.New("certstore: malformed certificate wrapper")

// Sniff inspects der's outer structure and reports which wrapper format
// (if any) it is in, without unwrapping it. A blob whose first inner
// element is itself a SEQUENCE (rather than an OID) is a bare certificate:
// Certificate ::= SEQUENCE { tbsCertificate SEQUENCE, ... }, so there is
// nothing to sniff into.
func Sniff(der []byte) (Wrapper, error) {
	var outer asn1.RawValue
	if _, err := asn1.Unmarshal(der, &outer); err != nil {
		return WrapperNone, fmt.Errorf("certstore: %w", err)
	}
	if outer.Class != asn1.ClassUniversal || outer.Tag != asn1.TagSequence {
		return WrapperNone, ErrBadWrapper
	}
	if len(outer.Bytes) == 0 {
		return WrapperNone, ErrBadWrapper
	}
	if outer.Bytes[0] == 0x30 {
		// inner element is a SEQUENCE: this is a bare certificate (or the
		// first element of a certificate chain the caller already split)
		return WrapperNone, nil
	}

	var oid asn1.ObjectIdentifier
	if _, err := asn1.Unmarshal(outer.Bytes, &oid); err != nil {
		return WrapperNone, ErrBadWrapper
	}
	switch {
	case oid.Equal(oidPKCS7SignedData):
		return WrapperPKCS7Chain, nil
	case oid.Equal(oidNetscapeCertSeq):
		return WrapperNetscapeSequence, nil
	case oid.Equal(oidX509UserCertificate):
		return WrapperUserCertificate, nil
	default:
		return WrapperNone, ErrUnknownWrapper
	}
}

// explicitWrapper is the shape shared by the Netscape cert-sequence and
// userCertificate wrappers: SEQUENCE { OID, [0] EXPLICIT content }.
type explicitWrapper struct {
	OID     asn1.ObjectIdentifier
	Content asn1.RawValue `asn1:"explicit,tag:0"`
}

// signedData is the subset of PKCS#7 SignedData this reader cares about:
// the certificates field, ignoring signer info and digest algorithms
// beyond validating the version number is in range.
type signedData struct {
	Version          int
	DigestAlgorithms asn1.RawValue
	ContentInfo      asn1.RawValue
	Certificates     []asn1.RawValue `asn1:"optional,tag:0"`
}

// ReadCertificates sniffs der and returns the bare DER-encoded certificate
// blobs it contains, in wire order. A bare certificate blob yields a
// single-element slice containing der unchanged.
func ReadCertificates(der []byte) ([][]byte, error) {
	wrapper, err := Sniff(der)
	if err != nil {
		return nil, err
	}

	switch wrapper {
	case WrapperNone:
		return [][]byte{der}, nil

	case WrapperUserCertificate:
		var w explicitWrapper
		if _, err := asn1.Unmarshal(der, &w); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrBadWrapper, err)
		}
		return [][]byte{w.Content.Bytes}, nil

	case WrapperNetscapeSequence:
		var w explicitWrapper
		if _, err := asn1.Unmarshal(der, &w); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrBadWrapper, err)
		}
		var certs []asn1.RawValue
		if _, err := asn1.Unmarshal(w.Content.Bytes, &certs); err != nil {
			return nil, fmt.Errorf("%w: netscape cert sequence: %v", ErrBadWrapper, err)
		}
		out := make([][]byte, len(certs))
		for i, c := range certs {
			out[i] = c.FullBytes
		}
		return out, nil

	case WrapperPKCS7Chain:
		var outer struct {
			OID     asn1.ObjectIdentifier
			Content asn1.RawValue `asn1:"explicit,tag:0"`
		}
		if _, err := asn1.Unmarshal(der, &outer); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrBadWrapper, err)
		}
		var sd signedData
		if _, err := asn1.Unmarshal(outer.Content.Bytes, &sd); err != nil {
			return nil, fmt.Errorf("%w: pkcs7 signedData: %v", ErrBadWrapper, err)
		}
		if sd.Version < 1 || sd.Version > 3 {
			return nil, fmt.Errorf("%w: pkcs7 version %d out of range", ErrBadWrapper, sd.Version)
		}
		out := make([][]byte, len(sd.Certificates))
		for i, c := range sd.Certificates {
			out[i] = c.FullBytes
		}
		return out, nil

	default:
		return nil, ErrUnknownWrapper
	}
}

// CertID is an OCSP CertID (RFC 6960 §4.1.1): the issuer identified by the
// hash of its name and public key under a chosen digest, plus the
// subject's serial number.
type CertID struct {
	HashAlgorithm  crypto.Hash
	IssuerNameHash []byte
	IssuerKeyHash  []byte
	SerialNumber   *big.Int
}

// ComputeCertID builds the CertID for subjectSerial issued by issuer,
// under the given digest. SHA-1 is the variant most OCSP responders still
// expect; SHA-256 is accepted for responders that support RFC 6960's
// extended hash algorithm set.
func ComputeCertID(issuer *x509.Certificate, subjectSerial *big.Int, hash crypto.Hash) (*CertID, error) {
	if !hash.Available() {
		return nil, fmt.Errorf("certstore: hash algorithm %v unavailable", hash)
	}
	h := hash.New()
	h.Write(issuer.RawSubject)
	nameHash := h.Sum(nil)

	var spki struct {
		Algorithm asn1.RawValue
		PublicKey asn1.BitString
	}
	if _, err := asn1.Unmarshal(issuer.RawSubjectPublicKeyInfo, &spki); err != nil {
		return nil, fmt.Errorf("certstore: issuer SPKI: %w", err)
	}
	h = hash.New()
	h.Write(spki.PublicKey.RightAlign())
	keyHash := h.Sum(nil)

	return &CertID{
		HashAlgorithm:  hash,
		IssuerNameHash: nameHash,
		IssuerKeyHash:  keyHash,
		SerialNumber:   subjectSerial,
	}, nil
}
