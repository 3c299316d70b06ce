package util

// SafeTruncate returns at most maxLen leading bytes of s. Log lines show
// only a prefix of states, verifiers, and client agents; this keeps that
// slicing from panicking when the value is shorter than the prefix length.
// A non-positive maxLen yields the empty string.
func SafeTruncate(s string, maxLen int) string {
	if maxLen <= 0 {
		return ""
	}
	if len(s) > maxLen {
		return s[:maxLen]
	}
	return s
}
