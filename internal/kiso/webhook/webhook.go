// Package webhook delivers msg task outputs to a session-registered
// connector URL: signed, HTTPS-validated, retried.
package webhook

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/kiso-run/kiso/common/retry"
)

// DefaultMaxPayloadBytes is the default cap on a delivered body before the
// content field is truncated.
const DefaultMaxPayloadBytes = 1 << 20

// Payload is the JSON body POSTed to a registered webhook URL.
type Payload struct {
	Session string `json:"session"`
	TaskID  int64  `json:"task_id"`
	Type    string `json:"type"`
	Content string `json:"content"`
	Final   bool   `json:"final"`
}

// Config governs validation and delivery behaviour.
type Config struct {
	// MaxPayloadBytes caps the body size; Content is truncated to fit.
	MaxPayloadBytes int
	// RequireHTTPS rejects plain-http targets unless allow-listed.
	RequireHTTPS bool
	// AllowList exempts these hosts from the HTTPS and private-IP checks,
	// enabling a localhost development path.
	AllowList []string
}

// Deliverer signs and POSTs webhook payloads with bounded retry.
type Deliverer struct {
	cfg        Config
	httpClient *http.Client
}

// New returns a Deliverer. Zero-value Config fields take their defaults.
func New(cfg Config) *Deliverer {
	if cfg.MaxPayloadBytes <= 0 {
		cfg.MaxPayloadBytes = DefaultMaxPayloadBytes
	}
	return &Deliverer{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: 15 * time.Second},
	}
}

// ValidateURL reports whether targetURL is an acceptable webhook
// destination: parseable, http(s) scheme, HTTPS when required, and not a
// private/loopback/link-local address — unless the host is allow-listed.
func (d *Deliverer) ValidateURL(targetURL string) error {
	u, err := url.Parse(targetURL)
	if err != nil {
		return fmt.Errorf("webhook: invalid url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("webhook: unsupported scheme %q", u.Scheme)
	}

	if d.allowListed(u.Hostname()) {
		return nil
	}

	if d.cfg.RequireHTTPS && u.Scheme != "https" {
		return fmt.Errorf("webhook: https required for %q", targetURL)
	}

	if isPrivateHost(u.Hostname()) {
		return fmt.Errorf("webhook: target %q resolves to a private address", targetURL)
	}

	return nil
}

func (d *Deliverer) allowListed(host string) bool {
	for _, allowed := range d.cfg.AllowList {
		if strings.EqualFold(allowed, host) {
			return true
		}
	}
	return false
}

func isPrivateHost(host string) bool {
	ip := net.ParseIP(host)
	if ip == nil {
		// Not a literal IP (a DNS name); the caller's TLS verification and
		// the default-deny exec policy are the remaining guardrails.
		return false
	}
	return ip.IsLoopback() || ip.IsPrivate() || ip.IsLinkLocalUnicast() || ip.IsUnspecified()
}

// Deliver signs and POSTs payload to targetURL, making up to 3 attempts on
// transport errors or 5xx responses. retry.Do doubles the delay, so the
// waits between attempts are 1s and then 2s. secret may be empty, in
// which case no X-Kiso-Signature header is attached.
func (d *Deliverer) Deliver(ctx context.Context, targetURL, secret string, payload Payload) error {
	if err := d.ValidateURL(targetURL); err != nil {
		return err
	}

	payload.Content = truncate(payload.Content, d.cfg.MaxPayloadBytes)
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("webhook: marshal payload: %w", err)
	}

	cfg := retry.Config{
		MaxAttempts:  3,
		InitialDelay: time.Second,
		MaxDelay:     9 * time.Second,
		ShouldRetry:  shouldRetry,
	}

	return retry.Do(ctx, cfg, func() error {
		return d.send(ctx, targetURL, secret, body)
	})
}

func (d *Deliverer) send(ctx context.Context, targetURL, secret string, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, targetURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("webhook: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if secret != "" {
		req.Header.Set("X-Kiso-Signature", "sha256="+sign(secret, body))
	}

	resp, err := d.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("webhook: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 500 {
		return fmt.Errorf("webhook: server error %d", resp.StatusCode)
	}
	if resp.StatusCode >= 400 {
		// A 4xx is the receiver rejecting the payload; retrying will not help.
		return retryDisabledError{fmt.Errorf("webhook: client error %d", resp.StatusCode)}
	}
	return nil
}

// retryDisabledError marks an error as non-retryable for shouldRetry.
type retryDisabledError struct{ err error }

func (e retryDisabledError) Error() string { return e.err.Error() }
func (e retryDisabledError) Unwrap() error { return e.err }

func shouldRetry(err error) bool {
	var disabled retryDisabledError
	return err != nil && !asRetryDisabled(err, &disabled)
}

func asRetryDisabled(err error, target *retryDisabledError) bool {
	if rd, ok := err.(retryDisabledError); ok {
		*target = rd
		return true
	}
	return false
}

func sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

func truncate(content string, max int) string {
	// Budget for the JSON envelope around content; a few hundred bytes is
	// generous for {session,task_id,type,final} plus quoting overhead.
	const envelope = 256
	limit := max - envelope
	if limit < 0 {
		limit = 0
	}
	if len(content) <= limit {
		return content
	}
	return content[:limit] + "\n...[truncated]"
}
