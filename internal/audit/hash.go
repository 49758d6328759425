package audit

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// Field selects the fixed salt mixed into the hash key.
type Field string

const (
	FieldIP        Field = "ip-salt"
	FieldEmail     Field = "email-salt"
	FieldUserAgent Field = "ua-salt"
)

// Hasher produces keyed one-way digests of PII so rows can be matched for
// equality without storing the plaintext.
type Hasher struct {
	secret []byte
}

// NewHasher returns a Hasher keyed by secret. An empty secret still yields
// salted digests.
func NewHasher(secret string) Hasher {
	return Hasher{secret: []byte(secret)}
}

// Hash returns the hex HMAC-SHA256 of value for field. Emails are
// lower-cased first. Empty input hashes to the empty string.
func (h Hasher) Hash(field Field, value string) string {
	value = strings.TrimSpace(value)
	if value == "" {
		return ""
	}
	if field == FieldEmail {
		value = strings.ToLower(value)
	}
	key := make([]byte, 0, len(field)+len(h.secret))
	key = append(key, field...)
	key = append(key, h.secret...)
	mac := hmac.New(sha256.New, key)
	mac.Write([]byte(value))
	return hex.EncodeToString(mac.Sum(nil))
}

func (h Hasher) IP(ip string) string { return h.Hash(FieldIP, ip) }
func (h Hasher) Email(email string) string { return h.Hash(FieldEmail, email) }
func (h Hasher) UserAgent(ua string) string { return h.Hash(FieldUserAgent, ua) }
