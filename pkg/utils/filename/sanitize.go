// Package filename turns media file names into stems that are safe to use
// for artifact files on any filesystem.
package filename

import (
	"path/filepath"
	"regexp"
	"strings"
	"unicode/utf8"
)

var (
	unsafeRe = regexp.MustCompile(`[<>:"/\\|?*\x00-\x1f\s]+`)
	runsRe   = regexp.MustCompile(`[-_.]{2,}`)
)

// Sanitize replaces unsafe characters and whitespace with dashes, collapses
// separator runs and trims leading or trailing separators. The result is at
// most maxLen bytes and never ends inside a UTF-8 sequence. maxLen <= 0 means
// 120.
func Sanitize(name string, maxLen int) string {
	if maxLen <= 0 {
		maxLen = 120
	}
	s := unsafeRe.ReplaceAllString(strings.TrimSpace(name), "-")
	s = runsRe.ReplaceAllStringFunc(s, func(run string) string { return run[:1] })
	s = strings.Trim(s, "-_.")
	if len(s) > maxLen {
		s = s[:maxLen]
		for len(s) > 0 && !utf8.ValidString(s) {
			s = s[:len(s)-1]
		}
		s = strings.TrimRight(s, "-_.")
	}
	return s
}

// Stem returns the sanitized base name of path without its extension, or
// fallback when nothing usable remains.
func Stem(path string, maxLen int, fallback string) string {
	base := filepath.Base(path)
	s := Sanitize(strings.TrimSuffix(base, filepath.Ext(base)), maxLen)
	if s == "" {
		return fallback
	}
	return s
}
