package message

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrHeader    = errors.New("bad message header")
	errCondition = errors.New("bad header condition")
)

// Flags describe how a header field is treated.
type Flags uint32

const (
	IsDefault                 Flags = 1 << iota // Supplied by configuration, superseded by a field from the message.
	EndOfHeader                                 // Field terminates the header.
	Resent                                      // Resent-* field.
	Trace                                       // Trace field, counted as hop.
	IsFrom                                      // Originator address field.
	IsRecipient                                 // Recipient address field.
	Checked                                     // Only included for mailers with one of the field's mailer flags.
	ForceInclude                                // Never superseded.
	IsReceiptTo                                 // Return-Receipt-To and similar.
	IsErrorsTo                                  // Errors-To.
	IsContentTransferEncoding                   // Content-Transfer-Encoding.
	IsContentType                               // Content-Type.
	IsBcc                                       // Blind carbon copy, not written.
	AddressCheck                                // Value is checked as address.
	Encodable                                   // Value can be encoded when converting to 7-bit.
)

var flagNames = []string{
	"default",
	"eoh",
	"resent",
	"trace",
	"from",
	"rcpt",
	"check",
	"force",
	"receiptto",
	"errorsto",
	"cte",
	"ctype",
	"bcc",
	"acheck",
	"encodable",
}

// String returns the names of the flags that are set, separated by "|".
func (f Flags) String() string {
	var l []string
	for i, name := range flagNames {
		if f&(1<<i) != 0 {
			l = append(l, name)
		}
	}
	if len(l) == 0 {
		return "none"
	}
	return strings.Join(l, "|")
}

// Well-known header fields, keyed by lower-case name.
var headerInfo = map[string]Flags{
	// Originator fields.
	"resent-sender":               IsFrom | Resent,
	"resent-from":                 IsFrom | Resent,
	"resent-reply-to":             IsFrom | Resent,
	"sender":                      IsFrom,
	"from":                        IsFrom,
	"reply-to":                    IsFrom,
	"errors-to":                   IsFrom | IsErrorsTo,
	"full-name":                   AddressCheck,
	"return-receipt-to":           IsReceiptTo,
	"delivery-receipt-to":         IsReceiptTo,
	"disposition-notification-to": IsFrom,

	// Destination fields.
	"to":            IsRecipient,
	"resent-to":     IsRecipient | Resent,
	"cc":            IsRecipient,
	"resent-cc":     IsRecipient | Resent,
	"bcc":           IsRecipient | IsBcc,
	"resent-bcc":    IsRecipient | IsBcc | Resent,
	"apparently-to": IsRecipient,

	// Message identification and control.
	"message-id":        0,
	"resent-message-id": Resent,
	"message":           EndOfHeader,
	"text":              EndOfHeader,

	// Date fields.
	"date":        0,
	"resent-date": Resent,

	// Trace fields.
	"received":      Trace | ForceInclude,
	"x400-received": Trace | ForceInclude,
	"via":           Trace | ForceInclude,
	"mail-from":     Trace | ForceInclude,

	// Miscellaneous fields.
	"comments":                  ForceInclude | Encodable,
	"return-path":               ForceInclude | AddressCheck,
	"content-transfer-encoding": IsContentTransferEncoding,
	"content-type":              IsContentType,
	"content-length":            AddressCheck,
	"subject":                   Encodable,
	"x-authentication-warning":  ForceInclude,
	"precedence":                0,
}

// Classify returns the flags for a header field name, case-insensitive. Fields
// that are not well-known have no flags.
func Classify(name string) Flags {
	return headerInfo[strings.ToLower(name)]
}

// Field is a single header field.
type Field struct {
	Name  string // As it appeared in the message.
	Value string // Without the leading space. Continuation lines are kept, with their newlines.
	Flags Flags

	// For default fields with a ?flags? condition, the mailer flags of which one
	// must be set for the field to be written.
	MailerFlags string

	// For default fields with a ?$x? condition, the macro that must be defined
	// for the field to be written.
	Macro byte

	// Cleared is set when a default field is superseded by a later field with
	// the same name. The field stays in the header.
	Cleared bool
}

// Header is the ordered list of header fields of a message.
type Header struct {
	fields []*Field

	// UnknownFlags are the flags for fields not in the table of well-known fields.
	UnknownFlags Flags

	// OldStyle is cleared when an address field is seen with a comma, angle
	// bracket, comment or semicolon. Address lists of old-style headers are
	// separated by whitespace instead of commas.
	OldStyle bool

	// Resent is set when a field with Resent flag is read from the message.
	Resent bool
}

// NewHeader returns an empty Header.
func NewHeader() *Header {
	return &Header{OldStyle: true}
}

// HeaderFromFields returns a header with copies of fields, e.g. as stored in
// a queue.
func HeaderFromFields(fields []Field, oldStyle, resent bool) *Header {
	h := &Header{OldStyle: oldStyle, Resent: resent}
	for _, f := range fields {
		f := f
		h.fields = append(h.fields, &f)
	}
	return h
}

// Classify returns the flags for name, falling back to UnknownFlags.
func (h *Header) Classify(name string) Flags {
	if f, ok := headerInfo[strings.ToLower(name)]; ok {
		return f
	}
	return h.UnknownFlags
}

// Insert parses a header line and adds it to the header. The line may contain
// continuation lines and may end with a newline. For default fields, a
// "?flags?" or "?$x?" prefix makes the field conditional, and "$x" in the
// value refers to macro x.
//
// A field from the message clears earlier default fields with the same name,
// unless they are ForceInclude. The flags of the field are returned. If EndOfHeader is set,
// the caller should stop reading the header. End of header fields without a
// value are not stored.
func (h *Header) Insert(line string, isDefault bool) (Flags, error) {
	line = strings.TrimSuffix(line, "\n")
	line = strings.TrimSuffix(line, "\r")

	var mflags string
	var macro byte
	if isDefault && strings.HasPrefix(line, "?") {
		t := strings.SplitN(line[1:], "?", 2)
		if len(t) != 2 || t[0] == "" {
			return 0, fmt.Errorf("%w: unterminated condition in %q", errCondition, line)
		}
		if t[0][0] == '$' {
			if len(t[0]) != 2 {
				return 0, fmt.Errorf("%w: macro condition must be a single character in %q", errCondition, line)
			}
			macro = t[0][1]
		} else {
			mflags = t[0]
		}
		line = t[1]
	}

	i := strings.IndexByte(line, ':')
	if i < 0 {
		return 0, fmt.Errorf("%w: missing colon in %q", ErrHeader, line)
	}
	name := strings.TrimRight(line[:i], " \t")
	if name == "" || strings.ContainsAny(name, " \t\r\n") {
		return 0, fmt.Errorf("%w: bad field name %q", ErrHeader, name)
	}
	value := strings.TrimPrefix(line[i+1:], " ")
	if isDefault {
		value = macroForm(value)
	}

	flags := h.Classify(name)
	if isDefault {
		flags |= IsDefault
	}
	if mflags != "" {
		flags |= Checked
	}

	if !isDefault {
		for _, f := range h.fields {
			if f.Flags&IsDefault != 0 && f.Flags&ForceInclude == 0 && strings.EqualFold(f.Name, name) {
				f.Cleared = true
			}
		}
	}

	if flags&EndOfHeader != 0 && strings.TrimSpace(value) == "" {
		return flags, nil
	}

	h.fields = append(h.fields, &Field{name, value, flags, mflags, macro, false})

	if !isDefault {
		if flags&Resent != 0 {
			h.Resent = true
		}
		if flags&(IsFrom|IsRecipient) != 0 && strings.ContainsAny(value, ",(<;") {
			h.OldStyle = false
		}
	}
	return flags, nil
}

// Add adds a field from the message, e.g. a synthetic field.
func (h *Header) Add(name, value string) {
	h.fields = append(h.fields, &Field{Name: name, Value: value, Flags: h.Classify(name)})
}

// Fields returns all fields, including cleared fields.
func (h *Header) Fields() []*Field {
	return h.fields
}

// Get returns the value of the first field with name that is not cleared, or
// the empty string.
func (h *Header) Get(name string) string {
	for _, f := range h.fields {
		if !f.Cleared && strings.EqualFold(f.Name, name) {
			return f.Value
		}
	}
	return ""
}

// Values returns the values of all fields with name that are not cleared.
func (h *Header) Values(name string) []string {
	var l []string
	for _, f := range h.fields {
		if !f.Cleared && strings.EqualFold(f.Name, name) {
			l = append(l, f.Value)
		}
	}
	return l
}

// IsHeader returns whether line has the syntax of a header field: a name of
// printable characters other than colon, optional whitespace and a colon. A
// line starting with "--" is never a header, it could be a MIME boundary.
func IsHeader(line []byte) bool {
	if len(line) >= 2 && line[0] == '-' && line[1] == '-' {
		return false
	}
	i := 0
	for i < len(line) && line[i] > ' ' && line[i] < 0x7f && line[i] != ':' {
		i++
	}
	if i == 0 {
		return false
	}
	for i < len(line) && (line[i] == ' ' || line[i] == '\t') {
		i++
	}
	return i < len(line) && line[i] == ':'
}
