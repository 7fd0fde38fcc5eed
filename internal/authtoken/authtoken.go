// Package authtoken mints and verifies the signed tokens raven hands out
// in place of the bare access-key rows the original URLAUTH scheme
// stored in plaintext: a JWT carries the {user, mailbox, access, exp}
// claims, and the URLAUTH token itself is still the HMAC-MD5-over-the-
// rump digest the IMAP URLAUTH extension (RFC 4467) expects, computed
// from the key this package mints.
package authtoken

import (
	"crypto/hmac"
	"crypto/md5"
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	ErrExpired     = errors.New("authtoken: expired")
	ErrBadSignature = errors.New("authtoken: bad signature")
)

// AccessClaims is the claim set carried by a minted access key. Access
// is the URLAUTH "access identifier" (RFC 4467 §3, e.g. "submit" or
// "anyone"); it is opaque to this package.
type AccessClaims struct {
	UserID    int64  `json:"uid"`
	MailboxID int64  `json:"mbx"`
	Access    string `json:"access"`
	jwt.RegisteredClaims
}

// Minter signs and verifies access tokens with one HMAC signing key.
type Minter struct {
	signingKey []byte
}

func NewMinter(signingKey []byte) *Minter {
	return &Minter{signingKey: signingKey}
}

// Mint signs a token binding userID+mailboxID+access, valid until ttl
// elapses.
func (m *Minter) Mint(userID, mailboxID int64, access string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := AccessClaims{
		UserID:    userID,
		MailboxID: mailboxID,
		Access:    access,
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return tok.SignedString(m.signingKey)
}

// Verify checks signature and expiry and returns the claims.
func (m *Minter) Verify(token string) (*AccessClaims, error) {
	claims := &AccessClaims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, ErrBadSignature
		}
		return m.signingKey, nil
	})
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrExpired
		}
		return nil, fmt.Errorf("%w: %v", ErrBadSignature, err)
	}
	if !parsed.Valid {
		return nil, ErrBadSignature
	}
	return claims, nil
}

// BearerClaims is the claim set a SASL frontend presents to the
// external auth server in place of a bare username/password POST body.
type BearerClaims struct {
	Username string `json:"username"`
	Password string `json:"password"`
	jwt.RegisteredClaims
}

// MintBearer signs a short-lived assertion binding username and
// password, for the SASL authenticator's HTTP call to the auth
// server: the server's possession of the signing key, not the bare
// credentials on the wire, is what the auth server trusts.
func (m *Minter) MintBearer(username, password string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := BearerClaims{
		Username: username,
		Password: password,
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return tok.SignedString(m.signingKey)
}

// VerifyBearer checks signature and expiry on a bearer assertion and
// returns the embedded credentials.
func (m *Minter) VerifyBearer(token string) (*BearerClaims, error) {
	claims := &BearerClaims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, ErrBadSignature
		}
		return m.signingKey, nil
	})
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrExpired
		}
		return nil, fmt.Errorf("%w: %v", ErrBadSignature, err)
	}
	if !parsed.Valid {
		return nil, ErrBadSignature
	}
	return claims, nil
}

// GenerateKeyMaterial returns random bytes suitable for the HMAC-MD5
// access key an access_keys row stores, base64 encoded the way the
// URLAUTH rump digest computation expects to decode it back.
func GenerateKeyMaterial() (string, error) {
	raw := make([]byte, 16)
	if _, err := rand.Read(raw); err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(raw), nil
}

// URLAuthToken computes the "0<hex-hmac-md5>" URLAUTH token for rump
// (the URL text up to but excluding ";URLAUTH=") using key, exactly as
// RFC 4467 §3 and the aox IMAP URL fetcher define it: the mechanism
// name "0" followed by the lower-case hex HMAC-MD5 digest of rump
// keyed by the mailbox's access key.
func URLAuthToken(key, rump string) (string, error) {
	raw, err := base64.StdEncoding.DecodeString(key)
	if err != nil {
		return "", fmt.Errorf("authtoken: bad key encoding: %w", err)
	}
	mac := hmac.New(md5.New, raw)
	mac.Write([]byte(rump))
	return "0" + hex.EncodeToString(mac.Sum(nil)), nil
}

// VerifyURLAuthToken reports whether token matches the digest computed
// from key and rump.
func VerifyURLAuthToken(key, rump, token string) bool {
	want, err := URLAuthToken(key, rump)
	if err != nil {
		return false
	}
	return hmac.Equal([]byte(want), []byte(token))
}
