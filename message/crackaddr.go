package message

import (
	"strings"
)

// MacroExpand starts a macro reference in templates: MacroExpand followed by the
// macro name. Macro values are looked up when a template is expanded.
const MacroExpand = 0x81

// MacroAddr is the reference to the address in templates returned by
// CrackAddr.
const MacroAddr = "\x81g"

// MacroLookup returns the value of a macro, and whether it is defined.
type MacroLookup func(name byte) (string, bool)

// ExpandMacros replaces macro references in template with their values.
// Undefined macros expand to the empty string.
func ExpandMacros(template string, lookup MacroLookup) string {
	if strings.IndexByte(template, MacroExpand) < 0 {
		return template
	}
	var b strings.Builder
	for i := 0; i < len(template); i++ {
		c := template[i]
		if c != MacroExpand || i+1 >= len(template) {
			b.WriteByte(c)
			continue
		}
		i++
		if lookup != nil {
			if v, ok := lookup(template[i]); ok {
				b.WriteString(v)
			}
		}
	}
	return b.String()
}

// macroForm turns "$x" references in configured values into macro references,
// with "$$" for a literal dollar sign.
func macroForm(s string) string {
	if !strings.Contains(s, "$") {
		return s
	}
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		if s[i] != '$' || i+1 >= len(s) {
			b.WriteByte(s[i])
			continue
		}
		i++
		if s[i] == '$' {
			b.WriteByte('$')
		} else {
			b.WriteByte(MacroExpand)
			b.WriteByte(s[i])
		}
	}
	return b.String()
}

// Characters in the phrase before an angle address that require the phrase to
// be quoted. A dot on its own does not, "John Q. Public" is a common and valid
// (obsolete) phrase.
const mustQuoteChars = `@,;:\()[]'`

func isSpace(c byte) bool {
	return c == ' ' || c == '\t' || c == '\n' || c == '\r'
}

// CrackAddr turns an address field value into a template with the address
// replaced by MacroAddr, keeping comments, display names and group syntax.
// Display names that need it are quoted. Unbalanced quotes, comments and
// angle brackets are closed at the end, unmatched closing characters are
// dropped.
//
// For example, "Public, John <jqp@example.com>" becomes
// "\"Public, John\" <" + MacroAddr + ">".
func CrackAddr(addr string) string {
	addr = strings.TrimLeft(addr, " \t\r\n")

	var buf []byte
	bufhead := 0  // Start of current address in buf, after a group name.
	addrhead := 0 // Start of current address in addr.
	var cmtlev, anglelev, copylev, bracklev int
	var qmode, realqmode, putgmac, quoteit, gotangle, gotcolon bool

	// Emit the address reference, once, outside of copied text.
	putg := func() {
		if copylev <= 0 && !putgmac {
			if len(buf) > bufhead && buf[len(buf)-1] == ')' {
				buf = append(buf, ' ')
			}
			buf = append(buf, MacroAddr...)
			putgmac = true
		}
	}

	// Replace the output with the phrase from addrhead up to position end (a
	// '<' or ':' at p-1), quoted if needed.
	rephrase := func(p int) {
		end := p - 1
		buf = buf[:bufhead]
		if !quoteit {
			buf = append(buf, addr[addrhead:p]...)
			return
		}
		e := end
		for e > addrhead && isSpace(addr[e-1]) {
			e--
		}
		buf = append(buf, '"')
		for _, c := range []byte(addr[addrhead:e]) {
			if c == '"' {
				buf = append(buf, '\\')
			}
			buf = append(buf, c)
		}
		if len(buf) == bufhead+1 {
			buf = buf[:bufhead]
		} else {
			buf = append(buf, '"')
		}
		buf = append(buf, addr[e:p]...)
	}

	p := 0
	for p < len(addr) {
		c := addr[p]
		p++

		if copylev > 0 {
			buf = append(buf, c)
		}

		// Backslash escapes the next character.
		if c == '\\' {
			if cmtlev <= 0 && !qmode {
				quoteit = true
			}
			if p < len(addr) {
				if copylev > 0 {
					buf = append(buf, addr[p])
				}
				p++
			}
			putg()
			continue
		}

		if c == '"' && cmtlev <= 0 {
			qmode = !qmode
			if copylev > 0 {
				realqmode = !realqmode
			}
			continue
		}
		if qmode {
			putg()
			continue
		}

		if c == '(' {
			cmtlev++
			if copylev <= 0 {
				if len(buf) > bufhead {
					buf = append(buf, ' ')
				}
				buf = append(buf, c)
			}
			copylev++
		}
		if cmtlev > 0 {
			if c == ')' {
				cmtlev--
				copylev--
			}
			continue
		} else if c == ')' && copylev > 0 {
			// Unmatched, drop it.
			buf = buf[:len(buf)-1]
		}

		// Nesting of domain literals, for IPv6 addresses.
		if c == '[' {
			bracklev++
		} else if c == ']' {
			bracklev--
		}

		// Group syntax, "name: addr, addr;".
		if c == ':' && anglelev <= 0 && bracklev <= 0 && !gotcolon {
			// DECnet "host::user" and "DEC:.tay" syntax are not groups.
			if p < len(addr) && (addr[p] == ':' || addr[p] == '.') {
				if cmtlev <= 0 && !qmode {
					quoteit = true
				}
				if copylev > 0 {
					buf = append(buf, c, addr[p])
				}
				p++
				putg()
				continue
			}

			gotcolon = true
			rephrase(p)
			for p < len(addr) && isSpace(addr[p]) {
				buf = append(buf, addr[p])
				p++
			}
			copylev = 0
			putgmac = false
			quoteit = false
			bufhead = len(buf)
			addrhead = p
			continue
		}

		if c == ';' && copylev <= 0 {
			buf = append(buf, c)
		}

		if strings.IndexByte(mustQuoteChars, c) >= 0 && cmtlev <= 0 && !qmode {
			quoteit = true
		}

		if c == '<' {
			// A second angle address means the first was part of the phrase.
			if gotangle {
				quoteit = true
			}
			gotangle = true
			anglelev = 1
			rephrase(p)
			copylev = 0
			putgmac = false
			quoteit = false
			continue
		}

		if c == '>' {
			if anglelev > 0 {
				anglelev--
			} else {
				// Unmatched, drop it.
				if copylev > 0 {
					buf = buf[:len(buf)-1]
				}
				quoteit = true
				continue
			}
			if copylev <= 0 {
				buf = append(buf, c)
			}
			copylev++
			continue
		}

		putg()
	}

	// Close what is still open.
	if realqmode {
		buf = append(buf, '"')
	}
	for ; cmtlev > 0; cmtlev-- {
		buf = append(buf, ')')
	}
	if anglelev > 0 {
		buf = append(buf, '>')
	}
	return string(buf)
}

// AddrSpec returns the address that MacroAddr stands for in the template
// returned by CrackAddr: the contents of the angle brackets if present,
// otherwise the value without comments. For group syntax, the part after the
// colon is used, up to a semicolon. Returns an empty string if no address is
// present.
func AddrSpec(addr string) string {
	var b strings.Builder
	var cmtlev int
	var qmode, inangle, gotangle, gotcolon bool
	for i := 0; i < len(addr); i++ {
		c := addr[i]
		switch {
		case c == '\\' && cmtlev == 0:
			if !gotangle || inangle {
				b.WriteByte(c)
				if i+1 < len(addr) {
					i++
					b.WriteByte(addr[i])
				}
			} else {
				i++
			}
			continue
		case c == '\\':
			i++
			continue
		case c == '"' && cmtlev == 0:
			qmode = !qmode
		case qmode:
		case c == '(':
			cmtlev++
			continue
		case c == ')' && cmtlev > 0:
			cmtlev--
			continue
		case cmtlev > 0:
			continue
		case c == '<' && !gotangle:
			gotangle = true
			inangle = true
			b.Reset()
			continue
		case c == '>' && inangle:
			inangle = false
			continue
		case c == ':' && !gotangle && !gotcolon && !strings.Contains(b.String(), "@"):
			gotcolon = true
			b.Reset()
			continue
		case c == ';' && gotcolon && !inangle:
			continue
		}
		if gotangle && !inangle {
			continue
		}
		b.WriteByte(c)
	}
	return strings.TrimSpace(b.String())
}
