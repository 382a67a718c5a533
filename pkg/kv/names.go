package kv

import (
	"fmt"
	"strings"
)

// EncodeTreeName maps an arbitrary tree name to a backend-safe alphabet
// (ASCII letters, digits and underscore). Every other byte is escaped as
// "~XX" (hex). The mapping is reversible via DecodeTreeName so ListTrees
// can hand back the original names a caller opened.
func EncodeTreeName(name string) string {
	var b strings.Builder
	b.Grow(len(name))
	for i := 0; i < len(name); i++ {
		c := name[i]
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9', c == '_':
			b.WriteByte(c)
		default:
			fmt.Fprintf(&b, "~%02x", c)
		}
	}
	return b.String()
}

// DecodeTreeName reverses EncodeTreeName.
func DecodeTreeName(encoded string) (string, error) {
	var b strings.Builder
	b.Grow(len(encoded))
	for i := 0; i < len(encoded); i++ {
		c := encoded[i]
		if c != '~' {
			b.WriteByte(c)
			continue
		}
		if i+2 >= len(encoded) {
			return "", fmt.Errorf("kv: truncated escape in tree name %q", encoded)
		}
		var v byte
		if _, err := fmt.Sscanf(encoded[i+1:i+3], "%02x", &v); err != nil {
			return "", fmt.Errorf("kv: invalid escape in tree name %q: %w", encoded, err)
		}
		b.WriteByte(v)
		i += 2
	}
	return b.String(), nil
}
