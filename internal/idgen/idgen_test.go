package idgen

import (
	"strings"
	"testing"
)

func TestWithPrefix(t *testing.T) {
	id := WithPrefix(PrefixEscrow)
	if !strings.HasPrefix(id, "esc_") {
		t.Fatalf("expected esc_ prefix, got %s", id)
	}
	if len(id) != len("esc_")+32 {
		t.Errorf("expected 32 hex chars after prefix, got %d", len(id)-len("esc_"))
	}
	if id == WithPrefix(PrefixEscrow) {
		t.Error("expected unique ids")
	}
}

func TestShort(t *testing.T) {
	if got := Short("esc_abcdef0123456789", 8); got != "ABCDEF01" {
		t.Errorf("Short = %s, want ABCDEF01", got)
	}
	if got := Short("abc", 8); got != "ABC" {
		t.Errorf("Short = %s, want ABC", got)
	}
}
