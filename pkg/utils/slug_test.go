package utils

import (
	"strings"
	"testing"
)

func TestNormalizeSlug(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected string
	}{
		{
			name:     "Basic text with spaces",
			input:    "Nightly Report",
			expected: "nightly-report",
		},
		{
			name:     "Turkish characters",
			input:    "Günlük Özet Raporu",
			expected: "gunluk-ozet-raporu",
		},
		{
			name:     "German special characters",
			input:    "Tägliche Bereinigung",
			expected: "tagliche-bereinigung",
		},
		{
			name:     "Separators collapse",
			input:    "sync  orders  EU",
			expected: "sync-orders-eu",
		},
		{
			name:     "Empty string",
			input:    "",
			expected: "",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := NormalizeSlug(tt.input)
			if result != tt.expected {
				t.Errorf("NormalizeSlug(%q) = %q, want %q", tt.input, result, tt.expected)
			}
		})
	}
}

func TestGenerateJobSlug(t *testing.T) {
	if got := GenerateJobSlug("Cache Warmup"); got != "cache-warmup" {
		t.Errorf("expected cache-warmup, got %q", got)
	}

	a := GenerateJobSlug("!!!")
	b := GenerateJobSlug("???")
	if !strings.HasPrefix(a, "job-") || !strings.HasPrefix(b, "job-") {
		t.Fatalf("expected hash based slugs, got %q and %q", a, b)
	}
	if a == b {
		t.Errorf("different names should not share a slug: %q", a)
	}
	if a != GenerateJobSlug("!!!") {
		t.Error("slug should be stable")
	}
	if got := GenerateJobSlug(""); !strings.HasPrefix(got, "job-") {
		t.Errorf("empty name should still produce a slug, got %q", got)
	}
}

func TestGenerateJobKey(t *testing.T) {
	a := GenerateJobKey("Nightly Sync")
	b := GenerateJobKey("nightly sync")
	if a == b {
		t.Fatalf("case variants must not share a key: %q", a)
	}
	if !strings.HasPrefix(a, "nightly-sync-") || !strings.HasPrefix(b, "nightly-sync-") {
		t.Errorf("expected readable slug prefix, got %q and %q", a, b)
	}
	if a != GenerateJobKey("Nightly Sync") {
		t.Error("key should be stable")
	}
	if got := len(a) - len("nightly-sync-"); got != 12 {
		t.Errorf("expected 12 hex chars of hash, got %d in %q", got, a)
	}
}
