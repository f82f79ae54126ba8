package utils

import "unicode/utf8"

// Truncate returns at most n runes of s, appending "..." when it cut something.
func Truncate(s string, n int) string {
	if n <= 0 {
		return ""
	}
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	r := []rune(s)
	return string(r[:n]) + "..."
}
