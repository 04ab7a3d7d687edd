package utils

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"
	"unicode"
)

// MaxSlugLength is the catalog's maximum length for package and resource names.
const MaxSlugLength = 100

// StripExtension returns the file name without its final extension ("report.pdf" -> "report").
func StripExtension(name string) string {
	ext := filepath.Ext(name)
	return name[:len(name)-len(ext)]
}

// isSeparator reports whether the rune is a slug separator.
func isSeparator(r rune) bool {
	return r == '-' || r == '_'
}

// ToSlug derives a catalog-safe identifier from a file name.
// The result always matches [a-z0-9_-]{1,100}: the extension is stripped, the name is
// lowercased, spaces become hyphens, every other disallowed character is dropped, runs
// of separators collapse to a single hyphen and leading/trailing separators are trimmed.
// If nothing remains, a timestamp-derived fallback of the form "item-<epoch-millis>"
// is returned - the only non-deterministic path of this function.
func ToSlug(name string) string {
	base := strings.ToLower(StripExtension(name))

	var b strings.Builder
	b.Grow(len(base))
	for _, r := range base {
		switch {
		case r == ' ':
			b.WriteRune('-')
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', isSeparator(r):
			b.WriteRune(r)
		}
		// every other character is dropped
	}

	cleaned := collapseSeparators(b.String())
	cleaned = strings.TrimFunc(cleaned, isSeparator)

	if len(cleaned) > MaxSlugLength {
		cleaned = cleaned[:MaxSlugLength]
		// truncation may leave a trailing separator behind
		cleaned = strings.TrimRightFunc(cleaned, isSeparator)
	}

	if cleaned == "" {
		return fmt.Sprintf("item-%d", time.Now().UnixMilli())
	}
	return cleaned
}

// collapseSeparators replaces every run of two or more separator characters with a single hyphen.
func collapseSeparators(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	run := 0
	var first rune
	for _, r := range s {
		if isSeparator(r) {
			if run == 0 {
				first = r
			}
			run++
			continue
		}
		switch run {
		case 0:
		case 1:
			b.WriteRune(first) // a single separator is kept as-is
		default:
			b.WriteRune('-')
		}
		run = 0
		b.WriteRune(r)
	}
	switch run {
	case 0:
	case 1:
		b.WriteRune(first)
	default:
		b.WriteRune('-')
	}
	return b.String()
}

// ToTitle derives a human-readable title from a file name: the extension is stripped,
// underscores and hyphens become spaces, whitespace runs collapse, and the first letter
// of every word is capitalized.
func ToTitle(name string) string {
	base := StripExtension(name)
	base = strings.NewReplacer("_", " ", "-", " ").Replace(base)
	words := strings.Fields(base)
	for i, w := range words {
		r := []rune(w)
		r[0] = unicode.ToUpper(r[0])
		words[i] = string(r)
	}
	return strings.Join(words, " ")
}

// SafeResourceName shortens a resource name to at most maxLen characters,
// truncating the stem on the extension boundary so the extension survives.
func SafeResourceName(name string, maxLen int) string {
	if len(name) <= maxLen {
		return name
	}
	ext := filepath.Ext(name)
	if ext == "" || len(ext) >= maxLen {
		return name[:maxLen]
	}
	stem := name[:len(name)-len(ext)]
	return stem[:maxLen-len(ext)] + ext
}
