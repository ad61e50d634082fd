package naming

import (
	"fmt"
	"strings"
)

// Prefix is prepended to every managed instance name.
const Prefix = "proxy-child-"

// InstanceName maps an artifact reference to a runtime instance name.
//
// Lower case letters, digits, '.' and '-' are kept. Everything else becomes an
// escape sequence introduced by '_', and '_' itself is doubled, so decoding is
// unambiguous and two distinct references can never share a name. The result
// only contains characters accepted by container runtimes in names. It is not
// a valid DNS label; instances are addressed by their network IP.
func InstanceName(ref string) string {
	var b strings.Builder
	b.Grow(len(Prefix) + len(ref)*2)
	b.WriteString(Prefix)
	for i := 0; i < len(ref); i++ {
		c := ref[i]
		switch {
		case c >= 'a' && c <= 'z', c >= '0' && c <= '9', c == '.', c == '-':
			b.WriteByte(c)
		case c == '_':
			b.WriteString("__")
		case c == '/':
			b.WriteString("_s")
		case c == ':':
			b.WriteString("_t")
		case c == '@':
			b.WriteString("_d")
		case c >= 'A' && c <= 'Z':
			b.WriteString("_u")
			b.WriteByte(c + ('a' - 'A'))
		default:
			fmt.Fprintf(&b, "_x%02x", c)
		}
	}
	return b.String()
}
