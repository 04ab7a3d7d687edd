package metadata

import (
	"testing"
	"time"
)

func TestFormatFor(t *testing.T) {
	tests := []struct {
		input    string
		expected string
	}{
		{"report.pdf", "PDF"},
		{"REPORT.PDF", "PDF"},
		{"picture.jpg", "JPEG"},
		{"picture.jpeg", "JPEG"},
		{"map.geojson", "GEOJSON"},
		{"table.csv", "CSV"},
		{"archive.zip", "ZIP"},
		{"custom.xyz", "xyz"},
		{"noextension", "data"},
	}
	for _, tt := range tests {
		if got := FormatFor(tt.input); got != tt.expected {
			t.Errorf("FormatFor(%q) = %q, expected %q", tt.input, got, tt.expected)
		}
	}
}

func TestExtensionProviderDescribe(t *testing.T) {
	fixed := time.Date(2024, 3, 15, 10, 30, 0, 0, time.UTC)
	provider := &ExtensionProvider{Now: func() time.Time { return fixed }}

	desc := provider.Describe("/staging/x/sub/report.pdf", "sub/report.pdf", "budget.zip")
	expected := "File 'sub/report.pdf' from archive 'budget.zip', processed on 2024-03-15 10:30:00 UTC."
	if desc.Description != expected {
		t.Errorf("Description = %q, expected %q", desc.Description, expected)
	}
	if desc.Format != "PDF" {
		t.Errorf("Format = %q, expected PDF", desc.Format)
	}
}
