package config

import (
	"testing"
	"time"
)

func TestEnvReadersFallback(t *testing.T) {
	t.Setenv("DROIDFLEET_TEST_INT", "not-a-number")
	t.Setenv("DROIDFLEET_TEST_DUR", "1500ms")
	t.Setenv("DROIDFLEET_TEST_BOOL", "Yes")
	t.Setenv("DROIDFLEET_TEST_STR", "  value  ")

	if got := Int("DROIDFLEET_TEST_INT", 7); got != 7 {
		t.Fatalf("expected fallback 7, got %d", got)
	}
	if got := Duration("DROIDFLEET_TEST_DUR", time.Second); got != 1500*time.Millisecond {
		t.Fatalf("unexpected duration %s", got)
	}
	if !Bool("DROIDFLEET_TEST_BOOL", false) {
		t.Fatal("expected bool true")
	}
	if got := String("DROIDFLEET_TEST_STR", "x"); got != "value" {
		t.Fatalf("expected trimmed value, got %q", got)
	}
	if got := String("DROIDFLEET_TEST_UNSET", "fallback"); got != "fallback" {
		t.Fatalf("expected fallback, got %q", got)
	}
}
