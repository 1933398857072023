package message

import (
	"strings"

	"github.com/mjl-/mtacore/config"
)

// Mailer flags with a fixed meaning. Other flags are only used to match the
// ?flags? conditions of default headers.
const (
	MailerSevenBit   = '7' // Only 7-bit data can be sent, 8-bit bodies are encoded.
	MailerEightBit   = '8' // 8-bit data can be sent as is.
	MailerMake8Bit   = '9' // Decode base64/quoted-printable bodies to 8-bit.
	MailerEBCDIC     = '3' // Also encode characters that do not survive EBCDIC gateways.
	MailerDotStuff   = 'X' // Lines starting with a dot get an extra dot.
	MailerEscapeFrom = 'E' // Body lines starting with "From " get a ">".
)

// Mailer is a delivery agent as seen by the message writers: flags, line
// length limit and line ending.
type Mailer struct {
	Name      string
	Flags     string
	LineLimit int    // Zero means no limit.
	EOL       string // "\r\n" or "\n".
}

// NewMailer returns a Mailer for the configured mailer c.
func NewMailer(name string, c config.Mailer) Mailer {
	eol := "\r\n"
	if c.EOL == "lf" {
		eol = "\n"
	}
	return Mailer{name, c.Flags, c.LineLimit, eol}
}

// Has returns whether flag is set for the mailer.
func (m Mailer) Has(flag byte) bool {
	return strings.IndexByte(m.Flags, flag) >= 0
}

// HasAny returns whether any of the characters in flags is set for the mailer.
func (m Mailer) HasAny(flags string) bool {
	return strings.ContainsAny(m.Flags, flags)
}
