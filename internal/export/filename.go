// Download filename derivation.
package export

import (
	"regexp"
	"strings"
)

// filenameMaxLen caps the base name, excluding the extension.
const filenameMaxLen = 100

var (
	filenameDropRE = regexp.MustCompile(`[^\w\s-]`)
	filenameSepRE  = regexp.MustCompile(`[\s_-]+`)
)

// ExportFilename derives a safe download filename from a conversation title:
// lowercased, punctuation stripped, whitespace and separators collapsed to
// single hyphens, capped at 100 characters before the extension.
func ExportFilename(title, format string) string {
	name := strings.ToLower(strings.TrimSpace(title))
	name = filenameDropRE.ReplaceAllString(name, "")
	name = filenameSepRE.ReplaceAllString(name, "-")
	name = strings.Trim(name, "-")
	if name == "" {
		name = "conversation"
	}
	if len(name) > filenameMaxLen {
		name = strings.Trim(name[:filenameMaxLen], "-")
	}

	ext := format
	if format == FormatMarkdown {
		ext = "md"
	}
	return name + "." + ext
}
