package source

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"strings"
	"unicode"
)

const signaturePrefix = "sha256="

// VerifySignature checks an HMAC-SHA256 hex signature over the raw body.
//
// The header value is normalized first: surrounding whitespace and an
// optional "sha256=" prefix are removed, inner whitespace is dropped and hex
// digits are lower-cased. Comparison is constant time.
func VerifySignature(body []byte, signature, secret string) bool {
	if secret == "" {
		return false
	}
	provided, err := hex.DecodeString(normalizeSignature(signature))
	if err != nil || len(provided) == 0 {
		return false
	}

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	expected := mac.Sum(nil)

	return subtle.ConstantTimeCompare(expected, provided) == 1
}

// Sign returns the bare hex HMAC-SHA256 of body.
func Sign(body []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// SignGitHub returns body's signature in X-Hub-Signature-256 form.
func SignGitHub(body []byte, secret string) string {
	return signaturePrefix + Sign(body, secret)
}

func normalizeSignature(signature string) string {
	s := strings.TrimSpace(signature)
	if len(s) >= len(signaturePrefix) && strings.EqualFold(s[:len(signaturePrefix)], signaturePrefix) {
		s = s[len(signaturePrefix):]
	}
	s = strings.Map(func(r rune) rune {
		if unicode.IsSpace(r) {
			return -1
		}
		return r
	}, s)
	return strings.ToLower(s)
}
