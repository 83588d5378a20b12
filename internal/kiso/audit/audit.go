// Package audit provides Kiso's append-only JSONL audit log. Every event
// carries a trace id and a masked field set so secrets never reach disk.
package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/kiso-run/kiso/common/redact"
	"github.com/kiso-run/kiso/common/trace"
)

// Kind is a machine-readable event category.
type Kind string

const (
	KindMessageEnqueued  Kind = "message.enqueued"
	KindMessageRejected  Kind = "message.rejected"
	KindPlanCreated      Kind = "plan.created"
	KindPlanReplanned    Kind = "plan.replanned"
	KindPlanFailed       Kind = "plan.failed"
	KindPlanCancelled    Kind = "plan.cancelled"
	KindTaskFailed       Kind = "task.failed"
	KindLLMCall          Kind = "llm.call"
	KindWebhookDelivered Kind = "webhook.delivered"
	KindWebhookFailed    Kind = "webhook.failed"
	KindAdminReload      Kind = "admin.reload"
	KindError            Kind = "error"
)

// Event is one audit log entry.
type Event struct {
	Kind      Kind           `json:"kind"`
	Session   string         `json:"session,omitempty"`
	TraceID   string         `json:"trace_id"`
	Message   string         `json:"message"`
	Fields    map[string]any `json:"fields,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// Logger appends masked JSON events to a single file. Safe for concurrent
// use; writes are serialized by an internal mutex since os.File does not
// guarantee atomic appends under concurrent writers.
type Logger struct {
	mu   sync.Mutex
	file *os.File
}

// Open appends to (creating if necessary) the audit log at path.
func Open(path string) (*Logger, error) {
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, fmt.Errorf("audit: open %s: %w", path, err)
	}
	return &Logger{file: f}, nil
}

// Close closes the underlying file.
func (l *Logger) Close() error {
	return l.file.Close()
}

// Log writes evt as one JSON line. Fields whose keys look sensitive
// (password, token, key, secret, credential, auth) are masked via
// common/redact before serialization. Missing TraceID/Timestamp are filled
// from ctx and time.Now() respectively.
func (l *Logger) Log(ctx context.Context, evt Event) {
	if evt.TraceID == "" {
		evt.TraceID = trace.FromContext(ctx)
	}
	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now()
	}
	if evt.Fields != nil {
		evt.Fields = redact.Map(evt.Fields)
	}

	encoded, err := json.Marshal(evt)
	if err != nil {
		return
	}
	encoded = append(encoded, '\n')

	l.mu.Lock()
	defer l.mu.Unlock()
	_, _ = l.file.Write(encoded)
}
