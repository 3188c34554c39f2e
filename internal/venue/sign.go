package venue

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
)

// Signer produces the venue's request authentication: an HMAC-SHA256 digest
// of the urlencoded query string, keyed with the API secret and hex-encoded.
// The digest is appended to the query as the `signature` parameter; the API
// key travels in the X-MBX-APIKEY header and the secret never goes on the
// wire.
type Signer struct {
	apiKey string
	secret []byte
}

// NewSigner creates a Signer from the configured credential pair.
func NewSigner(apiKey, secret string) *Signer {
	return &Signer{apiKey: apiKey, secret: []byte(secret)}
}

// APIKey returns the header credential.
func (s *Signer) APIKey() string {
	return s.apiKey
}

// Sign computes the hex HMAC-SHA256 of an encoded query string. The query
// must already contain the timestamp and recvWindow parameters; the venue
// verifies the digest over the string exactly as transmitted.
func (s *Signer) Sign(query string) string {
	mac := hmac.New(sha256.New, s.secret)
	mac.Write([]byte(query))
	return hex.EncodeToString(mac.Sum(nil))
}
