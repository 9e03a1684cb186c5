package security

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/http"
	"strings"

	"inboxbot/internal/domain"
)

// APIKeys authenticates data-API callers by bearer token.
type APIKeys struct {
	keys [][]byte
}

func NewAPIKeys(keys []string) *APIKeys {
	a := &APIKeys{}
	for _, k := range keys {
		k = strings.TrimSpace(k)
		if k != "" {
			a.keys = append(a.keys, []byte(k))
		}
	}
	return a
}

// Enabled reports whether any key is configured.
func (a *APIKeys) Enabled() bool { return len(a.keys) > 0 }

// Authenticate returns a stable, non-secret identity for the caller's key.
func (a *APIKeys) Authenticate(r *http.Request) (string, error) {
	auth := r.Header.Get("Authorization")
	if !strings.HasPrefix(auth, "Bearer ") {
		return "", fmt.Errorf("missing bearer token: %w", domain.ErrUnauthorized)
	}
	token := strings.TrimPrefix(auth, "Bearer ")
	for _, k := range a.keys {
		if constantTimeEqual(token, string(k)) {
			return Fingerprint(token), nil
		}
	}
	return "", fmt.Errorf("unknown api key: %w", domain.ErrUnauthorized)
}

// Fingerprint returns a short hash of key suitable for logs and limiter keys.
func Fingerprint(key string) string {
	sum := sha256.Sum256([]byte(key))
	return "key:" + hex.EncodeToString(sum[:6])
}
