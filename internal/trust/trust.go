// Package trust implements the TrustStore: a fixed 256-bucket hash table
// of trust anchors keyed by a cheap checksum of the subject name (and,
// separately, of the subject key identifier) with a SHA-1 hash as the
// tie-breaker, so looking up whether a given issuer is trusted — or
// finding the trusted issuer of a given certificate — stays O(1) even with
// thousands of anchors loaded.
package trust

import (
	"crypto/sha1"
	"crypto/x509"
)

// bucketCount matches TRUSTINFO_SIZE: a power of two so bucket selection
// is a mask, not a modulo.
const bucketCount = 256

// Entry is one trust anchor: the checksum/hash pair of its subject name
// and (if present) its subject key identifier, plus the certificate
// itself. Entries in the same bucket are chained through next.
type Entry struct {
	Cert *x509.Certificate

	subjectChecksum uint32
	subjectHash     [sha1.Size]byte
	keyChecksum     uint32
	keyHash         [sha1.Size]byte
	hasKeyHash      bool

	next *Entry
}

// Store is the trust anchor table.
type Store struct {
	subjectBuckets [bucketCount]*Entry
	keyBuckets     [bucketCount]*Entry
	count          int
}

// NewStore returns an empty trust store.
func NewStore() *Store {
	return &Store{}
}

// checksum is a cheap, non-cryptographic rolling sum used only to pick a
// bucket and weed out non-matches before paying for a SHA-1 compare; it is
// not a security boundary; the subjectHash/keyHash compare is.
func checksum(data []byte) uint32 {
	var c uint32
	for _, b := range data {
		c = c<<5 - c + uint32(b)
	}
	return c
}

func bucketIndex(c uint32) uint32 {
	return c & (bucketCount - 1)
}

// Add inserts cert as a trust anchor, indexed by its subject name and (if
// present) its subject key identifier.
func (s *Store) Add(cert *x509.Certificate) {
	e := &Entry{
		Cert:            cert,
		subjectChecksum: checksum(cert.RawSubject),
		subjectHash:     sha1.Sum(cert.RawSubject),
	}
	idx := bucketIndex(e.subjectChecksum)
	e.next = s.subjectBuckets[idx]
	s.subjectBuckets[idx] = e

	if len(cert.SubjectKeyId) > 0 {
		ke := &Entry{
			Cert:        cert,
			keyChecksum: checksum(cert.SubjectKeyId),
			keyHash:     sha1.Sum(cert.SubjectKeyId),
			hasKeyHash:  true,
		}
		kidx := bucketIndex(ke.keyChecksum)
		ke.next = s.keyBuckets[kidx]
		s.keyBuckets[kidx] = ke
	}
	s.count++
}

// Remove deletes every entry (subject-keyed and key-id-keyed) pointing at
// cert.
func (s *Store) Remove(cert *x509.Certificate) {
	sc := checksum(cert.RawSubject)
	idx := bucketIndex(sc)
	s.subjectBuckets[idx] = removeFromChain(s.subjectBuckets[idx], cert)

	if len(cert.SubjectKeyId) > 0 {
		kc := checksum(cert.SubjectKeyId)
		kidx := bucketIndex(kc)
		s.keyBuckets[kidx] = removeFromChain(s.keyBuckets[kidx], cert)
	}
	s.count--
}

func removeFromChain(head *Entry, cert *x509.Certificate) *Entry {
	dummy := &Entry{next: head}
	prev := dummy
	for e := head; e != nil; e = e.next {
		if e.Cert.Equal(cert) {
			prev.next = e.next
		} else {
			prev = e
		}
	}
	return dummy.next
}

// FindBySubject returns the trust anchor whose subject name equals
// subjectDN (the raw DER-encoded Name), or nil.
func (s *Store) FindBySubject(subjectDN []byte) *x509.Certificate {
	c := checksum(subjectDN)
	h := sha1.Sum(subjectDN)
	for e := s.subjectBuckets[bucketIndex(c)]; e != nil; e = e.next {
		if e.subjectChecksum == c && e.subjectHash == h {
			return e.Cert
		}
	}
	return nil
}

// FindBySubjectKeyID returns the trust anchor whose subject key
// identifier equals ski, or nil.
func (s *Store) FindBySubjectKeyID(ski []byte) *x509.Certificate {
	if len(ski) == 0 {
		return nil
	}
	c := checksum(ski)
	h := sha1.Sum(ski)
	for e := s.keyBuckets[bucketIndex(c)]; e != nil; e = e.next {
		if e.hasKeyHash && e.keyChecksum == c && e.keyHash == h {
			return e.Cert
		}
	}
	return nil
}

// FindIssuer returns the trust anchor that issued cert, or nil if none is
// trusted directly. A self-signed certificate never resolves an issuer
// from itself: subject and issuer DN are identical on a root, so without
// this check looking up "the issuer of a root" would just return the root
// again and the chain walk above this store would never terminate.
func (s *Store) FindIssuer(cert *x509.Certificate) *x509.Certificate {
	selfSigned := string(cert.RawIssuer) == string(cert.RawSubject)
	if selfSigned {
		return nil
	}
	if anchor := s.FindBySubject(cert.RawIssuer); anchor != nil {
		return anchor
	}
	if len(cert.AuthorityKeyId) > 0 {
		return s.FindBySubjectKeyID(cert.AuthorityKeyId)
	}
	return nil
}

// Count returns the number of trust anchors loaded.
func (s *Store) Count() int {
	return s.count
}
