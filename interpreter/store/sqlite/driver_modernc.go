package sqlite

import (
	"strings"

	_ "modernc.org/sqlite"
)

const driverName = "sqlite"

// dsn builds a modernc.org/sqlite DSN from a path and pragma
// key-value pairs, each rendered as _pragma=key(value).
func dsn(path string, pragmas [][2]string) string {
	var b strings.Builder
	b.WriteString(path)
	for i, p := range pragmas {
		if i == 0 {
			b.WriteByte('?')
		} else {
			b.WriteByte('&')
		}
		b.WriteString("_pragma=")
		b.WriteString(p[0])
		b.WriteByte('(')
		b.WriteString(p[1])
		b.WriteByte(')')
	}
	return b.String()
}
