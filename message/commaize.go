package message

import (
	"strings"
)

// Rewriter rewrites an address from a header field with the given flags, e.g.
// to qualify it with a domain. An empty result removes the address.
type Rewriter func(addr string, flags Flags) string

// Commaize formats an address field as lines for output. The addresses in
// value are separated by commas, or, for old-style lists, by whitespace.
// Whitespace around an "@" does not separate addresses in old-style lists.
// Each address is rewritten with rewrite, if not nil.
//
// Lines are filled up to lineLimit-2 characters, at most 78. Continuation lines
// start with 8 spaces, the previous line ends with a comma. Addresses are never
// split over lines. The returned lines have no line ending.
func Commaize(name, value string, oldStyle bool, rewrite Rewriter, flags Flags, lineLimit int) []string {
	var lines []string

	var b strings.Builder
	b.WriteString(name)
	b.WriteString(": ")
	opos := min(len(name)+2, 202)

	// Leading whitespace is kept as spaces.
	p := 0
	for p < len(value) && isSpace(value[p]) {
		p++
	}
	if p > 0 {
		b.WriteString(strings.Repeat(" ", p))
		opos += p
	}

	omax := lineLimit - 2
	if omax < 0 || omax > 78 {
		omax = 78
	}

	delim := byte(',')
	if oldStyle {
		delim = ' '
	}

	first := true
	for p < len(value) {
		for p < len(value) && (isSpace(value[p]) || value[p] == ',') {
			p++
		}
		start := p
		for {
			end := scanAddress(value, p, delim)
			q := end
			for q < len(value) && isSpace(value[q]) {
				q++
			}
			if q >= len(value) || value[q] != '@' {
				p = end
				break
			}
			// Old-style "user @ host", keep going.
			q++
			for q < len(value) && isSpace(value[q]) {
				q++
			}
			p = q
		}
		end := p
		for end > start && (isSpace(value[end-1]) || value[end-1] == ',') {
			end--
		}
		if end == start {
			continue
		}

		addr := value[start:end]
		if rewrite != nil {
			addr = rewrite(addr, flags)
		}
		if addr == "" {
			continue
		}
		addr = strings.NewReplacer("\r\n", " ", "\n", " ", "\r", " ").Replace(addr)

		opos += len(addr)
		if !first {
			opos += 2
		}
		if opos > omax && !first {
			b.WriteString(",")
			lines = append(lines, b.String())
			b.Reset()
			b.WriteString("        ")
			opos = 8 + len(addr)
		} else if !first {
			b.WriteString(", ")
		}
		b.WriteString(addr)
		first = false
	}
	lines = append(lines, b.String())
	return lines
}

// scanAddress returns the position in s, starting at p, of the delimiter that
// ends the address, or the end of s. Delimiters inside quoted strings, comments
// and angle brackets are skipped. A space as delimiter matches any whitespace.
func scanAddress(s string, p int, delim byte) int {
	var cmtlev, anglelev int
	var qmode bool
	for ; p < len(s); p++ {
		c := s[p]
		switch {
		case c == '\\':
			p++
		case c == '"' && cmtlev == 0:
			qmode = !qmode
		case qmode:
		case c == '(':
			cmtlev++
		case c == ')' && cmtlev > 0:
			cmtlev--
		case cmtlev > 0:
		case c == '<':
			anglelev++
		case c == '>' && anglelev > 0:
			anglelev--
		case anglelev > 0:
		case c == delim, delim == ' ' && isSpace(c):
			return p
		}
	}
	return len(s)
}
