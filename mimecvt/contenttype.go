package mimecvt

import (
	"strings"

	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"
)

// ContentType is a parsed Content-Type header value.
type ContentType struct {
	Type    string // Lower case, e.g. "text". Empty if absent.
	Subtype string // Lower case, e.g. "plain".
	Params  map[string]string
}

// ParseContentType parses a Content-Type header value. Parsing is lenient:
// comments are ignored, invalid parameters are skipped, the last of duplicate
// parameters wins. Parameter names are lower case, quoted values unquoted.
// Callers supply defaults for an empty type.
func ParseContentType(s string) ContentType {
	ct := ContentType{Params: map[string]string{}}
	l := splitParams(stripComments(s))
	t, st, _ := strings.Cut(strings.TrimSpace(l[0]), "/")
	ct.Type = strings.ToLower(strings.TrimSpace(t))
	ct.Subtype = strings.ToLower(strings.TrimSpace(st))
	for _, p := range l[1:] {
		k, v, ok := strings.Cut(p, "=")
		k = strings.ToLower(strings.TrimSpace(k))
		if !ok || k == "" {
			continue
		}
		ct.Params[k] = unquote(strings.TrimSpace(v))
	}
	return ct
}

// MediaType returns "type/subtype".
func (ct ContentType) MediaType() string {
	return ct.Type + "/" + ct.Subtype
}

// String returns a header value for the content type, with parameters sorted
// by name.
func (ct ContentType) String() string {
	var b strings.Builder
	b.WriteString(ct.MediaType())
	keys := maps.Keys(ct.Params)
	slices.Sort(keys)
	for _, k := range keys {
		b.WriteString("; ")
		b.WriteString(k)
		b.WriteString("=")
		v := ct.Params[k]
		if v == "" || strings.ContainsAny(v, tspecials+" \t") {
			v = `"` + strings.NewReplacer(`\`, `\\`, `"`, `\"`).Replace(v) + `"`
		}
		b.WriteString(v)
	}
	return b.String()
}

const tspecials = `()<>@,;:\"/[]?=`

// stripComments removes parenthesized comments outside quoted strings.
func stripComments(s string) string {
	if !strings.Contains(s, "(") {
		return s
	}
	var b strings.Builder
	var cmtlev int
	var qmode bool
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c == '\\' && i+1 < len(s):
			if cmtlev == 0 {
				b.WriteByte(c)
				b.WriteByte(s[i+1])
			}
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
		}
		if cmtlev == 0 {
			b.WriteByte(c)
		}
	}
	return b.String()
}

// splitParams splits at semicolons outside quoted strings. Empty parameters
// are dropped, the first element is always present.
func splitParams(s string) []string {
	var l []string
	var qmode bool
	start := 0
	for i := 0; i < len(s); i++ {
		switch s[i] {
		case '\\':
			i++
		case '"':
			qmode = !qmode
		case ';':
			if !qmode {
				if len(l) == 0 || strings.TrimSpace(s[start:i]) != "" {
					l = append(l, s[start:i])
				}
				start = i + 1
			}
		}
	}
	if len(l) == 0 || strings.TrimSpace(s[start:]) != "" {
		l = append(l, s[start:])
	}
	return l
}

func unquote(s string) string {
	if len(s) < 2 || s[0] != '"' {
		return s
	}
	s = strings.TrimSuffix(s[1:], `"`)
	if !strings.Contains(s, `\`) {
		return s
	}
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		if s[i] == '\\' && i+1 < len(s) {
			i++
		}
		b.WriteByte(s[i])
	}
	return b.String()
}
