package main

import (
	"slices"
	"testing"
	"time"
)

func TestEnvDefaults(t *testing.T) {
	t.Setenv("SPANREED_TEST_INT", "42")
	t.Setenv("SPANREED_TEST_BAD_INT", "forty-two")
	t.Setenv("SPANREED_TEST_DURATION", "250ms")
	t.Setenv("SPANREED_TEST_BOOL", "true")
	t.Setenv("SPANREED_TEST_EMPTY", "")

	if got := envInt("SPANREED_TEST_INT", 1); got != 42 {
		t.Fatalf("envInt: got %d", got)
	}
	if got := envInt("SPANREED_TEST_BAD_INT", 1); got != 1 {
		t.Fatalf("expected malformed int to fall back, got %d", got)
	}
	if got := envDuration("SPANREED_TEST_DURATION", time.Second); got != 250*time.Millisecond {
		t.Fatalf("envDuration: got %v", got)
	}
	if !envBool("SPANREED_TEST_BOOL", false) {
		t.Fatal("envBool: expected true")
	}
	if got := envString("SPANREED_TEST_EMPTY", "fallback"); got != "fallback" {
		t.Fatalf("expected empty string to fall back, got %q", got)
	}
	if got := envFloat("SPANREED_TEST_UNSET", 2.5); got != 2.5 {
		t.Fatalf("envFloat: got %v", got)
	}
}

func TestSplitList(t *testing.T) {
	if got := splitList(" a:1, ,b:2,"); !slices.Equal(got, []string{"a:1", "b:2"}) {
		t.Fatalf("unexpected split %v", got)
	}
	if got := splitList(""); len(got) != 0 {
		t.Fatalf("expected no entries, got %v", got)
	}
}
