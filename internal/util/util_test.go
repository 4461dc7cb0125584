package util

import (
	"strings"
	"testing"

	"go.uber.org/zap"
)

func TestSanitizeLogField(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"  user-42 ", "user-42"},
		{"a\nb\tc", "abc"},
		{"<script>", "&lt;script&gt;"},
	}
	for _, tt := range tests {
		if got := SanitizeLogField(tt.in); got != tt.want {
			t.Errorf("SanitizeLogField(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}

	long := SanitizeLogField(strings.Repeat("x", 500))
	if len(long) != maxLoggedFieldLen+3 {
		t.Fatalf("long field not capped: len=%d", len(long))
	}
}

func TestContainsSuspicious(t *testing.T) {
	if !ContainsSuspicious("<img onerror=alert(1)>") {
		t.Fatal("markup should be flagged")
	}
	if ContainsSuspicious("session-7f3a") {
		t.Fatal("plain id flagged")
	}
}

func TestSetAndGet(t *testing.T) {
	nop := zap.NewNop()
	Set(nop)
	if Get() != nop {
		t.Fatal("Get should return the installed logger")
	}
}
