package server

import (
	"errors"
	"testing"
)

func TestH2CConnectionTokens(t *testing.T) {
	tests := []struct {
		values []string
		want   bool
	}{
		{[]string{"Upgrade, HTTP2-Settings"}, true},
		{[]string{"upgrade", "http2-settings"}, true},
		{[]string{"keep-alive, Upgrade, HTTP2-Settings"}, true},
		{[]string{"Upgrade"}, false},
		{[]string{"HTTP2-Settings"}, false},
		{nil, false},
	}
	for _, tt := range tests {
		if got := h2cConnectionTokens(tt.values); got != tt.want {
			t.Errorf("h2cConnectionTokens(%q) = %v, want %v", tt.values, got, tt.want)
		}
	}
}

func TestDecodeHTTP2Settings(t *testing.T) {
	// SETTINGS_MAX_CONCURRENT_STREAMS=100, SETTINGS_INITIAL_WINDOW_SIZE=65535
	payload, err := decodeHTTP2Settings("AAMAAABkAAQAAP__")
	if err != nil {
		t.Fatalf("decodeHTTP2Settings() error: %v", err)
	}
	want := []byte{0, 3, 0, 0, 0, 100, 0, 4, 0, 0, 255, 255}
	if string(payload) != string(want) {
		t.Fatalf("payload = %v, want %v", payload, want)
	}

	if _, err := decodeHTTP2Settings("AAMAAABkAAQAAP__=="); err != nil {
		t.Fatalf("padded value rejected: %v", err)
	}
	if p, err := decodeHTTP2Settings(""); err != nil || len(p) != 0 {
		t.Fatalf("empty value = %v, %v", p, err)
	}
}

func TestDecodeHTTP2Settings_Invalid(t *testing.T) {
	tests := map[string]string{
		"not base64":      "!!!",
		"partial entry":   "AAMAAA",
		"bad enable_push": "AAIAAAAC",
	}
	for name, v := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := decodeHTTP2Settings(v)
			if err == nil {
				t.Fatalf("decodeHTTP2Settings(%q) = nil error", v)
			}
			if !errors.Is(err, ErrProtocolViolation) {
				t.Fatalf("error %v is not ErrProtocolViolation", err)
			}
		})
	}
}
