package webhook

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestValidateURL(t *testing.T) {
	d := New(Config{RequireHTTPS: true})

	cases := []struct {
		url     string
		wantErr bool
	}{
		{"https://example.test/hook", false},
		{"http://example.test/hook", true},
		{"ftp://example.test/hook", true},
		{"https://127.0.0.1/hook", true},
		{"https://10.0.0.5/hook", true},
		{"not a url at all\x7f", true},
	}
	for _, c := range cases {
		err := d.ValidateURL(c.url)
		if (err != nil) != c.wantErr {
			t.Errorf("ValidateURL(%q) error = %v, wantErr %v", c.url, err, c.wantErr)
		}
	}
}

func TestValidateURLAllowList(t *testing.T) {
	d := New(Config{RequireHTTPS: true, AllowList: []string{"localhost"}})
	if err := d.ValidateURL("http://localhost:8080/hook"); err != nil {
		t.Fatalf("allow-listed host should pass: %v", err)
	}
}

func TestDeliverSignsAndSendsPayload(t *testing.T) {
	var gotSig string
	var gotBody Payload

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotSig = r.Header.Get("X-Kiso-Signature")
		_ = json.NewDecoder(r.Body).Decode(&gotBody)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	d := New(Config{RequireHTTPS: false, AllowList: []string{"127.0.0.1"}})
	err := d.Deliver(context.Background(), srv.URL, "s3cret", Payload{
		Session: "s1", TaskID: 7, Type: "msg", Content: "hello", Final: true,
	})
	if err != nil {
		t.Fatalf("Deliver: %v", err)
	}
	if gotSig == "" || gotSig[:7] != "sha256=" {
		t.Errorf("missing or malformed signature header: %q", gotSig)
	}
	if gotBody.Session != "s1" || gotBody.TaskID != 7 || !gotBody.Final {
		t.Errorf("unexpected payload: %+v", gotBody)
	}
}

func TestDeliverTruncatesOversizedContent(t *testing.T) {
	big := make([]byte, 2000)
	for i := range big {
		big[i] = 'x'
	}

	var gotBody Payload
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewDecoder(r.Body).Decode(&gotBody)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	d := New(Config{MaxPayloadBytes: 512, AllowList: []string{"127.0.0.1"}})
	err := d.Deliver(context.Background(), srv.URL, "", Payload{
		Session: "s1", TaskID: 1, Type: "msg", Content: string(big),
	})
	if err != nil {
		t.Fatalf("Deliver: %v", err)
	}
	if len(gotBody.Content) >= len(big) {
		t.Errorf("expected content to be truncated, got length %d", len(gotBody.Content))
	}
}

func TestDeliverDoesNotRetryClientErrors(t *testing.T) {
	attempts := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts++
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	d := New(Config{AllowList: []string{"127.0.0.1"}})
	_ = d.Deliver(context.Background(), srv.URL, "", Payload{Session: "s1"})
	if attempts != 1 {
		t.Errorf("expected exactly one attempt on 4xx, got %d", attempts)
	}
}
