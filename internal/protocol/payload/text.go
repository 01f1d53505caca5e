package payload

import (
	"bytes"
	"unicode/utf8"
)

// TextLen is the fixed size of on-wire UI labels (about 12 Cyrillic characters).
const TextLen = 24

// PutText writes s into a fixed TextLen buffer, NUL padded. Over-long input is cut at
// the last complete UTF-8 sequence that fits, never in the middle of a code point.
func PutText(s string) [TextLen]byte {
	var out [TextLen]byte
	copy(out[:], TruncateText(s, TextLen))
	return out
}

// TruncateText returns the longest prefix of s that fits in max bytes on a code point boundary.
func TruncateText(s string, max int) string {
	if len(s) <= max {
		return s
	}
	cut := 0
	for cut < len(s) {
		_, size := utf8.DecodeRuneInString(s[cut:])
		if cut+size > max {
			break
		}
		cut += size
	}
	return s[:cut]
}

// GetText reads a NUL padded label.
func GetText(b [TextLen]byte) string {
	if i := bytes.IndexByte(b[:], 0); i >= 0 {
		return string(b[:i])
	}
	return string(b[:])
}
