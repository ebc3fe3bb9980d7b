package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"testing"
	"time"
)

func TestWithContextAddsCorrelationFields(t *testing.T) {
	var buf bytes.Buffer
	l := New("vaultd", "debug", "json")
	l.SetOutput(&buf)

	ctx := WithUserID(WithTraceID(context.Background(), "trace-1"), "user-9")
	l.WithContext(ctx).WithField("owner", "NX").Info("deposit confirmed")

	var entry map[string]interface{}
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("decode log line: %v", err)
	}
	for k, want := range map[string]string{"service": "vaultd", "trace_id": "trace-1", "user_id": "user-9", "owner": "NX", "msg": "deposit confirmed"} {
		if entry[k] != want {
			t.Errorf("%s = %v, want %s", k, entry[k], want)
		}
	}
}

func TestLevelFallback(t *testing.T) {
	l := New("x", "not-a-level", "text")
	if l.GetLevel().String() != "info" {
		t.Fatalf("expected info fallback, got %s", l.GetLevel())
	}
}

func TestLogRequestUsesErrorLevelFor5xx(t *testing.T) {
	var buf bytes.Buffer
	l := New("x", "info", "json")
	l.SetOutput(&buf)

	l.LogRequest(context.Background(), "POST", "/v1/vaults", 502, 15*time.Millisecond)

	var entry map[string]interface{}
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if entry["level"] != "error" {
		t.Fatalf("expected error level, got %v", entry["level"])
	}
}

func TestContextHelpersOnEmptyContext(t *testing.T) {
	ctx := context.Background()
	if GetTraceID(ctx) != "" || GetUserID(ctx) != "" || GetRole(ctx) != "" {
		t.Fatal("expected empty values")
	}
	if NewTraceID() == NewTraceID() {
		t.Fatal("trace IDs must be unique")
	}
}
