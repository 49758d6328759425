package auth

import (
	"net/http"
	"strings"
)

// Cookie names carrying the access token. Both are checked, in this order,
// for compatibility with older console builds.
const (
	AccessCookie       = "arka_access_token"
	LegacyAccessCookie = "arka_token"
)

const bearerPrefix = "bearer "

// ExtractCredential finds the raw access token on a request: cookies first,
// then the Authorization bearer header.
func ExtractCredential(r *http.Request) (string, error) {
	for _, name := range []string{AccessCookie, LegacyAccessCookie} {
		if c, err := r.Cookie(name); err == nil {
			if v := strings.TrimSpace(c.Value); v != "" {
				return v, nil
			}
		}
	}
	return BearerToken(r.Header.Get("Authorization"))
}

// BearerToken parses an Authorization header value.
func BearerToken(header string) (string, error) {
	header = strings.TrimSpace(header)
	if header == "" {
		return "", ErrMissingCredential
	}
	if len(header) < len(bearerPrefix) || !strings.EqualFold(header[:len(bearerPrefix)], bearerPrefix) {
		return "", ErrMissingCredential
	}
	token := strings.TrimSpace(header[len(bearerPrefix):])
	if token == "" {
		return "", ErrMissingCredential
	}
	return token, nil
}
