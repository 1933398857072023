package mimecvt

import (
	"strings"

	"golang.org/x/text/encoding/ianaindex"
)

// wideCharset returns whether charset uses 16 or 32 bit code units. Newlines in
// such text are not single bytes, so no line ending mapping can be done.
func wideCharset(charset string) bool {
	if charset == "" {
		return false
	}
	name := strings.ToUpper(charset)
	enc, _ := ianaindex.MIME.Encoding(charset)
	if enc == nil {
		enc, _ = ianaindex.IANA.Encoding(charset)
	}
	if enc != nil {
		if n, err := ianaindex.IANA.Name(enc); err == nil {
			name = strings.ToUpper(n)
		}
	}
	return strings.HasPrefix(name, "UTF-16") || strings.HasPrefix(name, "UTF-32") || strings.HasPrefix(name, "ISO-10646-UCS") || strings.HasPrefix(name, "UCS-")
}
