package export

import (
	"strings"
	"testing"
)

func TestExportFilename(t *testing.T) {
	cases := []struct {
		title, format, want string
	}{
		{"Refund Policy Q&A", FormatJSON, "refund-policy-qa.json"},
		{"Budget   planning / 2026!", FormatText, "budget-planning-2026.txt"},
		{"  ---  ", FormatHTML, "conversation.html"},
		{"", FormatPDF, "conversation.pdf"},
		{"Notes", FormatMarkdown, "notes.md"},
		{"déjà vu", FormatJSON, "dj-vu.json"}, // \w is ASCII in Go regexp
	}
	for _, tc := range cases {
		if got := ExportFilename(tc.title, tc.format); got != tc.want {
			t.Fatalf("ExportFilename(%q, %q) = %q, want %q", tc.title, tc.format, got, tc.want)
		}
	}
}

func TestExportFilename_CapsLength(t *testing.T) {
	long := strings.Repeat("a", 150)
	got := ExportFilename(long, FormatJSON)
	if got != strings.Repeat("a", 100)+".json" {
		t.Fatalf("long title: %q", got)
	}
}
