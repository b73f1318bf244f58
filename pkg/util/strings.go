// Package util provides shared utility functions for mockd.
package util

import (
	"path/filepath"
	"strings"
)

// MaxLogBodySize is the default maximum body size for logging (10KB).
const MaxLogBodySize = 10 * 1024

// SafeFilePath cleans input and rejects anything that escapes the current
// directory (a leading ".." after cleaning) or is absolute. Used by the file
// handler kind (§4.4) so a registered path can never read outside the
// server's working directory.
func SafeFilePath(input string) (string, bool) {
	return safeFilePath(input, false)
}

// SafeFilePathAllowAbsolute is SafeFilePath but permits absolute paths,
// still rejecting any relative escape above the path's own root.
func SafeFilePathAllowAbsolute(input string) (string, bool) {
	return safeFilePath(input, true)
}

func safeFilePath(input string, allowAbsolute bool) (string, bool) {
	if input == "" {
		return "", false
	}
	if strings.ContainsRune(input, '\\') {
		return "", false
	}
	cleaned := filepath.Clean(input)
	if filepath.IsAbs(cleaned) {
		if !allowAbsolute {
			return "", false
		}
		return cleaned, true
	}
	if cleaned == ".." || strings.HasPrefix(cleaned, "../") {
		return "", false
	}
	return cleaned, true
}

// TruncateBody truncates a string to maxSize bytes, appending "...(truncated)" if truncated.
// If maxSize <= 0, uses MaxLogBodySize.
func TruncateBody(data string, maxSize int) string {
	if maxSize <= 0 {
		maxSize = MaxLogBodySize
	}
	if len(data) > maxSize {
		return data[:maxSize] + "...(truncated)"
	}
	return data
}
