// Package unitname composes and parses systemd template unit names for
// libvirt domains, and implements systemd's "_XX" escaping rules so a
// domain name survives the round trip through a unit instance string.
package unitname

import (
	"fmt"
	"strconv"
	"strings"
)

// reserved reports whether b must be escaped. Only plain ASCII
// alphanumerics pass through unescaped; everything else — including
// '-', '@', '.', '_' and ':' — becomes "_XX". This is the same rule
// systemd uses to fold a unit name into a single D-Bus object path
// segment under /org/freedesktop/systemd1/unit/, which is the
// definition this package's escaping is grounded on (it is stricter
// than systemd's separate unit-instance escaping, which tolerates a
// few of those bytes unescaped).
func reserved(b byte) bool {
	switch {
	case b >= 'a' && b <= 'z', b >= 'A' && b <= 'Z', b >= '0' && b <= '9':
		return false
	default:
		return true
	}
}

// Escape applies the "_XX" hex-escaping described above to s.
func Escape(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for i := 0; i < len(s); i++ {
		c := s[i]
		if reserved(c) {
			fmt.Fprintf(&b, "_%02x", c)
			continue
		}
		b.WriteByte(c)
	}
	return b.String()
}

// Unescape reverses Escape. Malformed "_XX" sequences are passed through
// verbatim rather than erroring, since a unit name read back off the bus
// is not expected to ever contain one unless something produced it wrong.
func Unescape(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for i := 0; i < len(s); i++ {
		if s[i] == '_' && i+2 < len(s) {
			if v, err := strconv.ParseUint(s[i+1:i+3], 16, 8); err == nil {
				b.WriteByte(byte(v))
				i += 2
				continue
			}
		}
		b.WriteByte(s[i])
	}
	return b.String()
}

// Compose builds the template unit name "<prefix>@<escape(domain)>.service".
func Compose(prefix, domain string) string {
	return prefix + "@" + Escape(domain) + ".service"
}

// Parse splits an arbitrary unit name into (prefix, instance, suffix).
// ok is false if name has no "@" instance part, since this daemon only
// manages templated units.
func Parse(name string) (prefix, instance, suffix string, ok bool) {
	dot := strings.LastIndexByte(name, '.')
	if dot < 0 {
		return "", "", "", false
	}
	stem, suf := name[:dot], name[dot+1:]

	at := strings.LastIndexByte(stem, '@')
	if at < 0 {
		return "", "", "", false
	}
	p, inst := stem[:at], stem[at+1:]
	return p, Unescape(inst), suf, true
}

// Domain extracts the domain name from a unit name known to match
// prefix, or "" with ok=false if it doesn't match or isn't templated.
func Domain(name, prefix string) (domain string, ok bool) {
	p, inst, suf, valid := Parse(name)
	if !valid || p != prefix || suf != "service" {
		return "", false
	}
	return inst, true
}
