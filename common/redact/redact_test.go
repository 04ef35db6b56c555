package redact_test

import (
	"testing"

	"github.com/bdobrica/vito/common/redact"
)

func TestString_RedactsAPIKeyInURL(t *testing.T) {
	key := "AIzaSyExampleKey123"
	line := `Post "https://generativelanguage.googleapis.com/v1beta/models/m:generateContent?key=AIzaSyExampleKey123": dial tcp: timeout`
	got := redact.String(line, key)
	const want = `Post "https://generativelanguage.googleapis.com/v1beta/models/m:generateContent?key=[REDACTED]": dial tcp: timeout`
	if got != want {
		t.Fatalf("expected %q, got %q", want, got)
	}
}

func TestString_SkipsShortValues(t *testing.T) {
	line := "abc token"
	// "abc" is only 3 chars, so it is left alone
	got := redact.String(line, "abc")
	if got != line {
		t.Fatalf("short value should not be redacted; got %q", got)
	}
}

func TestString_MultipleValues(t *testing.T) {
	line := "gemini=gm-secret-1 openrouter=sk-or-secret-2 end"
	got := redact.String(line, "gm-secret-1", "sk-or-secret-2", "")
	if got != "gemini=[REDACTED] openrouter=[REDACTED] end" {
		t.Fatalf("unexpected result: %q", got)
	}
}

func TestSecret(t *testing.T) {
	if got := redact.Secret("").String(); got != "" {
		t.Errorf("empty secret should render empty, got %q", got)
	}
	if got := redact.Secret("sk-or-abc").String(); got != "[REDACTED]" {
		t.Errorf("set secret should render [REDACTED], got %q", got)
	}
}

func TestSensitiveKey(t *testing.T) {
	tests := map[string]bool{
		"api_key":        true,
		"access_token":   true,
		"Redis.Password": true,
		"Authorization":  true,
		"user_id":        false,
		"room_id":        false,
		"fact":           false,
	}
	for key, want := range tests {
		if got := redact.SensitiveKey(key); got != want {
			t.Errorf("SensitiveKey(%q) = %v, want %v", key, got, want)
		}
	}
}
