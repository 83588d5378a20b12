// Package pubtoken mints and verifies the capability tokens used by
// GET /pub/{token}/{filename}. The token is the capability: there is no
// database lookup, only an HMAC over (session, filename) keyed by a
// per-process server secret.
package pubtoken

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
)

// New computes the token authorizing access to filename within session's
// pub/ directory.
func New(serverSecret, session, filename string) string {
	mac := hmac.New(sha256.New, []byte(serverSecret))
	mac.Write([]byte(session))
	mac.Write([]byte{0})
	mac.Write([]byte(filename))
	return hex.EncodeToString(mac.Sum(nil))
}

// Verify reports whether token authorizes filename within session.
func Verify(serverSecret, session, filename, token string) bool {
	want := New(serverSecret, session, filename)
	return hmac.Equal([]byte(want), []byte(token))
}
