package logger

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"testing"
)

func newTestLogger(t *testing.T, buf *bytes.Buffer) Logger {
	t.Helper()
	l, err := New(Config{Level: "debug", Format: "json", Output: buf})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	return l
}

func TestRedactsSensitiveKeys(t *testing.T) {
	var buf bytes.Buffer
	l := newTestLogger(t, &buf)

	l.Info("issued token", "auth_token", "abc123xyz", "node_id", "node-1")

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("Unmarshal() error = %v, line = %s", err, buf.String())
	}
	if entry["auth_token"] != redactedValue {
		t.Errorf("auth_token = %v, want redacted", entry["auth_token"])
	}
	if entry["node_id"] != "node-1" {
		t.Errorf("node_id = %v, want untouched", entry["node_id"])
	}
}

func TestRedactsApiKeyField(t *testing.T) {
	var buf bytes.Buffer
	l := newTestLogger(t, &buf)

	l.Info("authenticate", "api_key", "demo-key")

	if strings.Contains(buf.String(), "demo-key") {
		t.Errorf("log output leaked api_key value: %s", buf.String())
	}
}

func TestContextCarriesLoggerAndIDs(t *testing.T) {
	var buf bytes.Buffer
	l := newTestLogger(t, &buf)

	ctx := WithLogger(context.Background(), l)
	ctx = WithRequestID(ctx, "req-1")
	ctx = WithTraceID(ctx, "trace-1")

	L(ctx).Info("handled request")

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("Unmarshal() error = %v", err)
	}
	if entry["request_id"] != "req-1" || entry["trace_id"] != "trace-1" {
		t.Errorf("entry = %v, want request_id/trace_id enriched", entry)
	}
}

func TestFromContextFallsBackToDefault(t *testing.T) {
	l := FromContext(context.Background())
	if l == nil {
		t.Error("FromContext() on a bare context should return the default logger")
	}
}

func TestNewRequestIDIsUniqueAndSortable(t *testing.T) {
	a := NewRequestID()
	b := NewRequestID()
	if a == "" || b == "" {
		t.Fatal("NewRequestID() returned an empty ID")
	}
	if a == b {
		t.Error("NewRequestID() returned the same ID twice")
	}
	if a > b {
		t.Errorf("NewRequestID() IDs not sortable by mint order: %q minted before %q", a, b)
	}
}

func TestWithNewRequestIDStoresMintedID(t *testing.T) {
	ctx, id := WithNewRequestID(context.Background())
	if id == "" {
		t.Fatal("WithNewRequestID() returned an empty ID")
	}
	if got := RequestIDFromContext(ctx); got != id {
		t.Errorf("RequestIDFromContext() = %q, want %q", got, id)
	}
}

func TestIsSensitiveKey(t *testing.T) {
	cases := map[string]bool{
		"auth_token": true,
		"api_key":    true,
		"password":   true,
		"node_id":    false,
		"key":        false,
	}
	for key, want := range cases {
		if got := IsSensitiveKey(key); got != want {
			t.Errorf("IsSensitiveKey(%q) = %v, want %v", key, got, want)
		}
	}
}
