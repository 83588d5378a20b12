package audit

import (
	"bufio"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/kiso-run/kiso/common/trace"
)

func readLines(t *testing.T, path string) []string {
	t.Helper()
	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("open %s: %v", path, err)
	}
	defer f.Close()

	var lines []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		lines = append(lines, scanner.Text())
	}
	return lines
}

func TestLogAppendsJSONLines(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.log")
	l, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer l.Close()

	l.Log(context.Background(), Event{Kind: KindMessageEnqueued, Session: "s1", Message: "queued"})
	l.Log(context.Background(), Event{Kind: KindPlanCreated, Session: "s1", Message: "plan created"})

	lines := readLines(t, path)
	if len(lines) != 2 {
		t.Fatalf("expected 2 log lines, got %d", len(lines))
	}

	var evt Event
	if err := json.Unmarshal([]byte(lines[0]), &evt); err != nil {
		t.Fatalf("unmarshal line: %v", err)
	}
	if evt.Kind != KindMessageEnqueued || evt.Session != "s1" {
		t.Fatalf("unexpected decoded event: %+v", evt)
	}
	if evt.Timestamp.IsZero() {
		t.Fatal("expected Log to stamp a timestamp")
	}
}

func TestLogFillsTraceIDFromContext(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.log")
	l, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer l.Close()

	ctx := trace.WithTraceID(context.Background(), "t_fixed")
	l.Log(ctx, Event{Kind: KindTaskFailed, Message: "boom"})

	lines := readLines(t, path)
	var evt Event
	if err := json.Unmarshal([]byte(lines[0]), &evt); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if evt.TraceID != "t_fixed" {
		t.Fatalf("expected trace id from context, got %q", evt.TraceID)
	}
}

func TestLogRedactsSensitiveFields(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.log")
	l, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer l.Close()

	l.Log(context.Background(), Event{
		Kind:    KindLLMCall,
		Message: "call",
		Fields: map[string]any{
			"api_key": "sk-should-not-appear",
			"status":  "ok",
		},
	})

	lines := readLines(t, path)
	if len(lines) != 1 {
		t.Fatalf("expected 1 line, got %d", len(lines))
	}
	if strings.Contains(lines[0], "sk-should-not-appear") {
		t.Fatalf("expected api_key field to be redacted, got %q", lines[0])
	}
	if !strings.Contains(lines[0], `"status":"ok"`) {
		t.Fatalf("expected non-sensitive field to survive, got %q", lines[0])
	}
}
