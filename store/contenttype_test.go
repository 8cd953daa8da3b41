package store

import "testing"

func TestNormalizeContentType(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected string
	}{
		{"empty defaults", "", "application/octet-stream"},
		{"passthrough", "application/json", "application/json"},
		{"case folded", "Application/JSON", "application/json"},
		{"parameters stripped", "application/json; charset=utf-8", "application/json"},
		{"whitespace trimmed", "  text/plain  ", "text/plain"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := NormalizeContentType(tt.input); got != tt.expected {
				t.Errorf("expected %q, got %q", tt.expected, got)
			}
		})
	}
}

func TestIsJSONContentType(t *testing.T) {
	tests := []struct {
		input    string
		expected bool
	}{
		{"application/json", true},
		{"application/json; charset=utf-8", true},
		{"Application/JSON", true},
		{"application/vnd.example+json", true},
		{"text/plain", false},
		{"text/json", false},
		{"application/octet-stream", false},
		{"", false},
	}

	for _, tt := range tests {
		if got := IsJSONContentType(tt.input); got != tt.expected {
			t.Errorf("IsJSONContentType(%q) = %v, want %v", tt.input, got, tt.expected)
		}
	}
}

func TestContentTypeMatches(t *testing.T) {
	tests := []struct {
		a, b     string
		expected bool
	}{
		{"application/json", "application/json; charset=utf-8", true},
		{"Text/Plain", "text/plain", true},
		{"", "application/octet-stream", true},
		{"application/json", "text/plain", false},
	}

	for _, tt := range tests {
		if got := ContentTypeMatches(tt.a, tt.b); got != tt.expected {
			t.Errorf("ContentTypeMatches(%q, %q) = %v, want %v", tt.a, tt.b, got, tt.expected)
		}
	}
}
