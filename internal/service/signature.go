package service

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"strings"

	"github.com/odvcencio/assetsync/internal/models"
)

// SignatureVerifier checks a webhook delivery against its signature.
type SignatureVerifier interface {
	Verify(payload []byte, signature string) bool
}

// HMACVerifier checks hex HMAC-SHA256 signatures, optionally prefixed (e.g. "sha256=").
type HMACVerifier struct {
	Secret string
	Prefix string
}

func (v HMACVerifier) Verify(payload []byte, signature string) bool {
	if v.Secret == "" || signature == "" {
		return false
	}
	expected := v.Prefix + signBody(v.Secret, payload)
	return hmac.Equal([]byte(expected), []byte(strings.TrimSpace(signature)))
}

// VerifierFor returns the platform's verifier for the configured secret.
func VerifierFor(platform models.Platform, secret string) SignatureVerifier {
	switch platform {
	case models.PlatformTikTok:
		return HMACVerifier{Secret: secret}
	default:
		return HMACVerifier{Secret: secret, Prefix: "sha256="}
	}
}

// SignatureHeader names the header carrying a platform's delivery signature.
func SignatureHeader(platform models.Platform) string {
	switch platform {
	case models.PlatformTikTok:
		return "X-TikTok-Signature"
	case models.PlatformTwitter:
		return "X-Twitter-Webhooks-Signature"
	default:
		return "X-Hub-Signature-256"
	}
}

// Sign produces the signature header value a platform would send for payload.
func Sign(platform models.Platform, secret string, payload []byte) string {
	if platform == models.PlatformTikTok {
		return signBody(secret, payload)
	}
	return "sha256=" + signBody(secret, payload)
}

func signBody(secret string, body []byte) string {
	m := hmac.New(sha256.New, []byte(secret))
	m.Write(body)
	return hex.EncodeToString(m.Sum(nil))
}
