package httputil

import (
	"errors"
	"strings"
	"testing"
)

func TestReadAllWithLimit(t *testing.T) {
	body, truncated, err := ReadAllWithLimit(strings.NewReader("hello"), 5)
	if err != nil || truncated || string(body) != "hello" {
		t.Fatalf("exact fit: body=%q truncated=%v err=%v", body, truncated, err)
	}

	body, truncated, err = ReadAllWithLimit(strings.NewReader("hello world"), 5)
	if err != nil || !truncated || string(body) != "hello" {
		t.Fatalf("overflow: body=%q truncated=%v err=%v", body, truncated, err)
	}

	if _, _, err := ReadAllWithLimit(strings.NewReader("x"), 0); err == nil {
		t.Fatal("expected error for zero limit")
	}
}

func TestReadAllStrict(t *testing.T) {
	if _, err := ReadAllStrict(strings.NewReader("hello world"), 5); !errors.Is(err, ErrBodyTooLarge) {
		t.Fatalf("expected ErrBodyTooLarge, got %v", err)
	}
	body, err := ReadAllStrict(strings.NewReader("ok"), 5)
	if err != nil || string(body) != "ok" {
		t.Fatalf("body=%q err=%v", body, err)
	}
}
