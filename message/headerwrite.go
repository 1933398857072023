package message

import (
	"mime"
	"strings"
)

// WriteOpts influence which header fields are written, and how.
type WriteOpts struct {
	Mailer Mailer

	// For expanding macros in default fields, and ?$x? conditions.
	Macros MacroLookup

	// Rewrites addresses in address fields, which are then reformatted. If nil,
	// address fields are written as is.
	Rewrite Rewriter

	// Skip Content-Transfer-Encoding, the MIME converter writes it.
	SkipCTE bool

	// Write Bcc fields, normally left out.
	KeepBcc bool

	// Leave out Return-Receipt-To and similar fields.
	NoReceipt bool

	// Encode 8-bit values of Encodable fields with RFC 2047 "Q" encoding with
	// this charset. Set when converting to 7-bit.
	EncodeCharset string
}

// Write writes the header fields with lw, without the empty line that ends the
// header. Cleared fields are skipped, as are conditional default fields that do
// not apply to the mailer.
func (h *Header) Write(lw *LineWriter, opts WriteOpts) error {
	for _, f := range h.fields {
		if !h.include(f, opts) {
			continue
		}

		value := f.Value
		if f.Flags&IsDefault != 0 {
			value = ExpandMacros(value, opts.Macros)
			// Default fields that expand to nothing are not written.
			if strings.TrimSpace(value) == "" {
				continue
			}
		}

		if f.Flags&(IsFrom|IsRecipient) != 0 && opts.Rewrite != nil {
			// Originator fields never use old-style lists.
			oldStyle := h.OldStyle && f.Flags&IsFrom == 0
			for _, line := range Commaize(f.Name, value, oldStyle, opts.Rewrite, f.Flags, opts.Mailer.LineLimit) {
				if err := lw.PutHeader(line); err != nil {
					return err
				}
			}
			continue
		}

		if opts.EncodeCharset != "" && f.Flags&Encodable != 0 && has8bit(value) {
			value = mime.QEncoding.Encode(opts.EncodeCharset, value)
		}
		if err := putVanillaHeader(lw, f.Name, value); err != nil {
			return err
		}
	}
	return nil
}

func (h *Header) include(f *Field, opts WriteOpts) bool {
	if f.Macro != 0 {
		if opts.Macros == nil {
			return false
		}
		if _, ok := opts.Macros(f.Macro); !ok {
			return false
		}
	}
	switch {
	case f.Cleared:
		return false
	case f.Flags&IsContentTransferEncoding != 0 && opts.SkipCTE:
		return false
	case f.Flags&IsBcc != 0 && !opts.KeepBcc:
		return false
	case f.Flags&Checked != 0 && !opts.Mailer.HasAny(f.MailerFlags):
		return false
	case f.Flags&Resent != 0 && !h.Resent:
		return false
	case f.Flags&IsReceiptTo != 0 && opts.NoReceipt:
		return false
	}
	return true
}

// putVanillaHeader writes a field with its continuation lines. A continuation
// line that does not start with whitespace gets a leading space.
func putVanillaHeader(lw *LineWriter, name, value string) error {
	lines := strings.Split(value, "\n")
	var b strings.Builder
	b.WriteString(name)
	b.WriteString(": ")
	b.WriteString(strings.TrimSuffix(lines[0], "\r"))
	for _, l := range lines[1:] {
		l = strings.TrimSuffix(l, "\r")
		b.WriteByte('\n')
		if !strings.HasPrefix(l, " ") && !strings.HasPrefix(l, "\t") {
			b.WriteByte(' ')
		}
		b.WriteString(l)
	}
	return lw.PutHeader(b.String())
}

func has8bit(s string) bool {
	for _, c := range []byte(s) {
		if c&0x80 != 0 {
			return true
		}
	}
	return false
}
