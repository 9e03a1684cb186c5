// Package security authenticates inbound requests: webhook challenge and
// payload signatures, Telegram secret tokens and data-API keys.
package security

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"log/slog"
	"strings"

	"inboxbot/internal/domain"
)

const signaturePrefix = "sha256="

// GatekeeperConfig holds the secrets shared with the chat platforms.
type GatekeeperConfig struct {
	AppSecret           string
	VerifyToken         string
	TelegramSecretToken string
	Logger              *slog.Logger
}

// Gatekeeper checks that webhook traffic really comes from the platform.
type Gatekeeper struct {
	appSecret   []byte
	verifyToken string
	tgSecret    string
	logger      *slog.Logger
}

func NewGatekeeper(cfg GatekeeperConfig) *Gatekeeper {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Gatekeeper{
		appSecret:   []byte(cfg.AppSecret),
		verifyToken: cfg.VerifyToken,
		tgSecret:    cfg.TelegramSecretToken,
		logger:      cfg.Logger,
	}
}

// VerifyChallenge answers the subscription handshake. It returns the
// challenge unchanged when mode is "subscribe" and token matches.
func (g *Gatekeeper) VerifyChallenge(mode, token, challenge string) (string, error) {
	if g.verifyToken == "" {
		return "", fmt.Errorf("verify token not configured: %w", domain.ErrUnauthorized)
	}
	if mode != "subscribe" {
		return "", fmt.Errorf("unexpected hub.mode %q: %w", mode, domain.ErrUnauthorized)
	}
	if !constantTimeEqual(token, g.verifyToken) {
		return "", fmt.Errorf("verify token mismatch: %w", domain.ErrUnauthorized)
	}
	return challenge, nil
}

// VerifySignature checks an X-Hub-Signature-256 header against the raw
// request body. It must be called before the body is parsed.
func (g *Gatekeeper) VerifySignature(body []byte, header string) error {
	if len(g.appSecret) == 0 {
		return fmt.Errorf("app secret not configured: %w", domain.ErrUnauthorized)
	}
	if header == "" {
		return fmt.Errorf("missing signature: %w", domain.ErrUnauthorized)
	}
	if !strings.HasPrefix(header, signaturePrefix) {
		return fmt.Errorf("malformed signature prefix: %w", domain.ErrUnauthorized)
	}
	got, err := hex.DecodeString(header[len(signaturePrefix):])
	if err != nil || len(got) != sha256.Size {
		return fmt.Errorf("malformed signature digest: %w", domain.ErrUnauthorized)
	}
	if !hmac.Equal(got, Sign(g.appSecret, body)) {
		return fmt.Errorf("signature mismatch: %w", domain.ErrUnauthorized)
	}
	return nil
}

// VerifySecretToken checks the X-Telegram-Bot-Api-Secret-Token header.
// With no secret configured every request is rejected.
func (g *Gatekeeper) VerifySecretToken(header string) error {
	if g.tgSecret == "" {
		return fmt.Errorf("telegram secret token not configured: %w", domain.ErrUnauthorized)
	}
	if !constantTimeEqual(header, g.tgSecret) {
		return fmt.Errorf("telegram secret token mismatch: %w", domain.ErrUnauthorized)
	}
	return nil
}

// Sign returns the raw HMAC-SHA256 of body.
func Sign(secret, body []byte) []byte {
	mac := hmac.New(sha256.New, secret)
	mac.Write(body)
	return mac.Sum(nil)
}

// SignatureHeader formats body's signature the way the platform sends it.
func SignatureHeader(secret, body []byte) string {
	return signaturePrefix + hex.EncodeToString(Sign(secret, body))
}

func constantTimeEqual(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}
