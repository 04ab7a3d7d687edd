package utils

import (
	"strings"
	"testing"
)

func TestToSlug(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected string
	}{
		{"simple name", "report.zip", "report"},
		{"uppercase lowered", "Annual Report.zip", "annual-report"},
		{"spaces become hyphens", "city budget 2024.zip", "city-budget-2024"},
		{"single underscore kept", "tax_data.zip", "tax_data"},
		{"separator run collapses", "a--b__c.zip", "a-b-c"},
		{"mixed run collapses", "a-_b.zip", "a-b"},
		{"disallowed characters dropped", "Café (final)!.zip", "caf-final"},
		{"leading and trailing separators trimmed", "--data--.zip", "data"},
		{"inner dots dropped", "report.v2.final.zip", "reportv2final"},
		{"no extension", "plain name", "plain-name"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ToSlug(tt.input); got != tt.expected {
				t.Errorf("ToSlug(%q) = %q, expected %q", tt.input, got, tt.expected)
			}
		})
	}
}

func TestToSlugTruncation(t *testing.T) {
	long := strings.Repeat("a", 98) + "-bcd.zip"
	got := ToSlug(long)
	if len(got) != MaxSlugLength {
		t.Errorf("expected length %d, got %d (%q)", MaxSlugLength, len(got), got)
	}

	// truncation right after a separator must not leave it dangling
	trailing := strings.Repeat("a", 99) + "-b.zip"
	got = ToSlug(trailing)
	if strings.HasSuffix(got, "-") || strings.HasSuffix(got, "_") {
		t.Errorf("truncated slug ends with a separator: %q", got)
	}
	if len(got) != 99 {
		t.Errorf("expected length 99 after trimming the dangling separator, got %d (%q)", len(got), got)
	}
}

func TestToSlugFallback(t *testing.T) {
	got := ToSlug("!!!.zip")
	if !strings.HasPrefix(got, "item-") {
		t.Errorf("expected a timestamp fallback starting with 'item-', got %q", got)
	}
}

func TestToTitle(t *testing.T) {
	tests := []struct {
		input    string
		expected string
	}{
		{"annual_report.zip", "Annual Report"},
		{"city-budget-2024.zip", "City Budget 2024"},
		{"mixed_name-style.zip", "Mixed Name Style"},
		{"already Title.zip", "Already Title"},
		{"multi   spaces.zip", "Multi Spaces"},
	}
	for _, tt := range tests {
		if got := ToTitle(tt.input); got != tt.expected {
			t.Errorf("ToTitle(%q) = %q, expected %q", tt.input, got, tt.expected)
		}
	}
}

func TestStripExtension(t *testing.T) {
	tests := []struct {
		input    string
		expected string
	}{
		{"report.pdf", "report"},
		{"archive.tar.gz", "archive.tar"},
		{"noext", "noext"},
		{".hidden", ""},
	}
	for _, tt := range tests {
		if got := StripExtension(tt.input); got != tt.expected {
			t.Errorf("StripExtension(%q) = %q, expected %q", tt.input, got, tt.expected)
		}
	}
}

func TestSafeResourceName(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		maxLen   int
		expected string
	}{
		{"short name unchanged", "data.csv", 100, "data.csv"},
		{"stem truncated, extension kept", "abcdefghij.csv", 10, "abcdef.csv"},
		{"no extension plain truncation", "abcdefghij", 5, "abcde"},
		{"extension longer than limit", "a.verylongext", 5, "a.ver"},
		{"exact limit unchanged", "abcd.csv", 8, "abcd.csv"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := SafeResourceName(tt.input, tt.maxLen); got != tt.expected {
				t.Errorf("SafeResourceName(%q, %d) = %q, expected %q", tt.input, tt.maxLen, got, tt.expected)
			}
		})
	}
}
