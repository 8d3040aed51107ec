package models

import "strings"

func normalize(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

// ParseDangerLevel maps free text to a DangerLevel. Empty input is safe;
// anything unrecognised is treated as dangerous.
func ParseDangerLevel(s string) DangerLevel {
	switch DangerLevel(normalize(s)) {
	case "", DangerSafe:
		return DangerSafe
	case DangerCritical:
		return DangerCritical
	default:
		return DangerDangerous
	}
}

func quoteArg(a string) string {
	if a == "" {
		return `""`
	}
	if strings.ContainsAny(a, " \t\"'") {
		return `"` + strings.ReplaceAll(a, `"`, `\"`) + `"`
	}
	return a
}

// Truncate shortens s to at most n bytes, marking the cut.
func Truncate(s string, n int) string {
	if n <= 0 || len(s) <= n {
		return s
	}
	return s[:n] + "\n... (truncated)"
}
