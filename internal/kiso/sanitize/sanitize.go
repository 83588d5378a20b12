// Package sanitize strips known secret values out of text before it is
// persisted or sent to an LLM, and wraps untrusted text in random-token
// fences so a planner or reviewer prompt can never confuse injected
// content for trusted instructions.
package sanitize

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"net/url"
	"strings"
)

const redactedPlaceholder = "«REDACTED»"

// Sanitize replaces every occurrence of each secret in secrets, plus its
// base64 and URL-encoded forms, with a fixed placeholder. Values shorter
// than 4 characters are skipped to avoid redacting incidental substrings.
func Sanitize(text string, secrets map[string]string) string {
	for _, v := range secrets {
		if len(v) < 4 {
			continue
		}
		text = strings.ReplaceAll(text, v, redactedPlaceholder)
		text = strings.ReplaceAll(text, base64.StdEncoding.EncodeToString([]byte(v)), redactedPlaceholder)
		text = strings.ReplaceAll(text, base64.RawStdEncoding.EncodeToString([]byte(v)), redactedPlaceholder)
		text = strings.ReplaceAll(text, url.QueryEscape(v), redactedPlaceholder)
	}
	return text
}

const (
	fenceOpenPrefix  = "<<<"
	fenceClosePrefix = ">>>"
)

// homoglyphReplacer substitutes the ASCII delimiter characters inside
// untrusted content with visually similar Unicode lookalikes, so a fenced
// payload cannot forge a closing delimiter of its own.
var homoglyphReplacer = strings.NewReplacer(
	"<", "＜", // fullwidth less-than sign
	">", "＞", // fullwidth greater-than sign
)

// NewToken generates a random 128-bit fence token, hex-encoded.
func NewToken() (string, error) {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate fence token: %w", err)
	}
	return hex.EncodeToString(buf), nil
}

// Fence wraps text in <<<token>>> ... <<<token>>> delimiters after
// homoglyph-substituting any literal <<< or >>> sequences already present
// in text, so untrusted content can never spoof the fence boundary.
func Fence(text, token string) string {
	safe := homoglyphSubstituteDelimiters(text)
	marker := fenceOpenPrefix + token + fenceClosePrefix
	return marker + safe + marker
}

// Unfence strips a known fence from text if present, returning the inner
// content unchanged. If the fence markers are absent, text is returned as-is.
func Unfence(text, token string) string {
	marker := fenceOpenPrefix + token + fenceClosePrefix
	text = strings.TrimPrefix(text, marker)
	text = strings.TrimSuffix(text, marker)
	return text
}

func homoglyphSubstituteDelimiters(text string) string {
	if !strings.Contains(text, fenceOpenPrefix) && !strings.Contains(text, fenceClosePrefix) {
		return text
	}
	return homoglyphReplacer.Replace(text)
}
