package config

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/mjl-/sconf"

	"github.com/mjl-/mtacore/mlog"
)

// DefaultMaxMsgSize is the maximum message size used when none is configured.
const DefaultMaxMsgSize = 100 * 1024 * 1024

// Static is the parsed form of the configuration file.
type Static struct {
	Hostname         string            `sconf-doc:"Hostname of this system, used in X-MIME-Autoconverted headers and as default domain for unqualified addresses, e.g. mail.<domain>."`
	DataDir          string            `sconf:"optional" sconf-doc:"Directory where the queue database and message files are stored. Default: data."`
	LogLevel         string            `sconf:"optional" sconf-doc:"Default log level, one of: error, info, debug, trace, tracedata. Default: error."`
	PackageLogLevels map[string]string `sconf:"optional" sconf-doc:"Overrides of log level per package, e.g. smtp, message, mimecvt, queue."`

	MaxMessageSize   int64 `sconf:"optional" sconf-doc:"Maximum message size in bytes. Larger messages are still read fully and counted, but the body is no longer stored. Default: 100MB."`
	MaxHeadersLength int   `sconf:"optional" sconf-doc:"Maximum total length of the message header in bytes. If exceeded, the rest of the message is discarded and the message rejected. Zero means no limit."`
	MaxHopCount      int   `sconf:"optional" sconf-doc:"Maximum number of trace headers, e.g. Received, before a message is considered looping. Default: 25."`
	SaveEnvelopeLine bool  `sconf:"optional" sconf-doc:"Whether a leading unix From line before the header is recognized and saved, as for messages read from mbox files."`

	Input struct {
		IgnoreDots bool `sconf:"optional" sconf-doc:"Never treat a line with a single dot as end of data. Used for input that is not SMTP, e.g. local submission of a file."`
		SMTPMode   bool `sconf:"optional" sconf-doc:"Input is SMTP DATA. A leading dot is always removed, regardless of the character following it."`
		NLNotEOL   bool `sconf:"optional" sconf-doc:"A bare newline does not end a line. Only carriage return newline ends a line."`
		CRLFNotEOL bool `sconf:"optional" sconf-doc:"A carriage return newline does not end a line, the carriage return is kept as data."`
	} `sconf:"optional" sconf-doc:"Line ending and dot handling of input."`

	MIME MIME `sconf:"optional" sconf-doc:"Conversion between 8-bit and 7-bit transfer encodings."`

	Mailers        map[string]Mailer `sconf:"optional" sconf-doc:"Mailers (delivery agents) that messages are written to. The key is the mailer name. If absent, mailers smtp (7-bit) and esmtp (8-bit) are defined."`
	DefaultHeaders []string          `sconf:"optional" sconf-doc:"Headers added to each message if not present in the message itself, e.g. '?F?From: $g'. A ?flags? prefix only includes the header for mailers that have one of the flags set, ?$x? only if macro x is defined. Default: none."`
}

// MIME holds the heuristics and classes for transfer-encoding conversion. The
// defaults match long-standing MTA behaviour that other systems depend on.
type MIME struct {
	MaxNesting        int      `sconf:"optional" sconf-doc:"Maximum nesting of multipart bodies. Deeper messages are passed through unconverted. Default: 20."`
	MaxBoundaryLength int      `sconf:"optional" sconf-doc:"Maximum length of a multipart boundary. Default: 256."`
	ScanLookahead     int      `sconf:"optional" sconf-doc:"Number of bytes of a body part scanned before an early decision for base64 can be made when it is mostly binary. Default: 4096."`
	Base64Ratio       int      `sconf:"optional" sconf-doc:"If more than 1/Base64Ratio of the bytes of a part have the 8th bit set, base64 is used instead of quoted-printable. Default: 8."`
	NoMapNLtoCRLF     bool     `sconf:"optional" sconf-doc:"Do not map newlines to carriage return newline in base64-encoded data. If set, all 8-bit parts are encoded with base64."`
	NoMapNLTypes      []string `sconf:"optional" sconf-doc:"Content types (type/subtype, or only type) of binary data whose newlines are never mapped to carriage return newline. Their 8-bit parts are always encoded with base64. Default: application/octet-stream, image, audio, video."`
	NeverTouchTypes   []string `sconf:"optional" sconf-doc:"Content types (type/subtype) that are never converted. Default: none."`
	EncodableCTEs     []string `sconf:"optional" sconf-doc:"Existing content-transfer-encodings that can be converted. Default: 7bit, 8bit, binary."`
	MessageSubtypes   []string `sconf:"optional" sconf-doc:"Subtypes of message types that are processed as an embedded message. Default: rfc822."`
	QPTypes           []string `sconf:"optional" sconf-doc:"Content types (type/subtype, or only type) that are always encoded quoted-printable, regardless of the ratio of 8-bit characters."`
	DecodeTypes       []string `sconf:"optional" sconf-doc:"Content types (type/subtype) of base64 or quoted-printable messages that are decoded to 8-bit for mailers with flag 9. Default: text/plain."`
	DefaultCharset    string   `sconf:"optional" sconf-doc:"Charset added to the Content-Type of 8-bit messages without MIME headers when they are converted to 7-bit, and used for encoding 8-bit header values. Default: unknown-8bit."`
}

// Mailer is a delivery agent messages are written to.
type Mailer struct {
	Flags     string `sconf:"optional" sconf-doc:"Single-character flags. 7: 7-bit only, conversion to quoted-printable/base64 is done for 8-bit messages. 8: 8-bit capable. 9: decode 7-bit encoded messages to 8-bit. 3: EBCDIC-safe quoted-printable. X: dot-stuff lines. E: escape From lines. Other characters are matched against header ?flags? conditions."`
	LineLimit int    `sconf:"optional" sconf-doc:"Maximum line length, longer lines are split. Default: 990."`
	EOL       string `sconf:"optional" sconf-doc:"Line ending, either crlf or lf. Default: crlf."`
}

// Default returns a configuration with all defaults set.
func Default() Static {
	var c Static
	c.Hostname = "localhost"
	fill(&c)
	return c
}

func fill(c *Static) {
	if c.DataDir == "" {
		c.DataDir = "data"
	}
	if c.LogLevel == "" {
		c.LogLevel = "error"
	}
	if c.MaxMessageSize == 0 {
		c.MaxMessageSize = DefaultMaxMsgSize
	}
	if c.MaxHopCount == 0 {
		c.MaxHopCount = 25
	}
	m := &c.MIME
	if m.MaxNesting == 0 {
		m.MaxNesting = 20
	}
	if m.MaxBoundaryLength == 0 {
		m.MaxBoundaryLength = 256
	}
	if m.ScanLookahead == 0 {
		m.ScanLookahead = 4096
	}
	if m.Base64Ratio == 0 {
		m.Base64Ratio = 8
	}
	if m.EncodableCTEs == nil {
		m.EncodableCTEs = []string{"7bit", "8bit", "binary"}
	}
	if m.NoMapNLTypes == nil {
		m.NoMapNLTypes = []string{"application/octet-stream", "image", "audio", "video"}
	}
	if m.DecodeTypes == nil {
		m.DecodeTypes = []string{"text/plain"}
	}
	if m.DefaultCharset == "" {
		m.DefaultCharset = "unknown-8bit"
	}
	if m.MessageSubtypes == nil {
		m.MessageSubtypes = []string{"rfc822"}
	}
	if c.Mailers == nil {
		c.Mailers = map[string]Mailer{
			"smtp":  {Flags: "7X", LineLimit: 990, EOL: "crlf"},
			"esmtp": {Flags: "8X", LineLimit: 990, EOL: "crlf"},
		}
	}
	for name, mc := range c.Mailers {
		if mc.LineLimit == 0 {
			mc.LineLimit = 990
		}
		if mc.EOL == "" {
			mc.EOL = "crlf"
		}
		c.Mailers[name] = mc
	}
}

var errConfig = errors.New("bad config")

// Load parses the configuration file at path, fills in defaults and checks
// the values.
func Load(path string) (Static, error) {
	var c Static
	if err := sconf.ParseFile(path, &c); err != nil {
		return Static{}, fmt.Errorf("parsing config file: %w", err)
	}
	fill(&c)
	if errs := Check(c); len(errs) > 0 {
		return Static{}, errors.Join(errs...)
	}
	return c, nil
}

// Check verifies the values in c, returning all errors found.
func Check(c Static) (errs []error) {
	addErrorf := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf("%w: %s", errConfig, fmt.Sprintf(format, args...)))
	}
	if c.Hostname == "" {
		addErrorf("missing hostname")
	}
	if _, ok := mlog.Levels[c.LogLevel]; !ok {
		addErrorf("unknown log level %q", c.LogLevel)
	}
	for pkg, s := range c.PackageLogLevels {
		if _, ok := mlog.Levels[s]; !ok {
			addErrorf("unknown log level %q for package %q", s, pkg)
		}
	}
	if c.MaxMessageSize < 0 {
		addErrorf("negative max message size")
	}
	if c.MIME.Base64Ratio < 1 {
		addErrorf("base64 ratio must be at least 1")
	}
	if c.MIME.MaxNesting < 1 {
		addErrorf("max mime nesting must be at least 1")
	}
	for _, t := range append(append([]string{}, c.MIME.NeverTouchTypes...), c.MIME.DecodeTypes...) {
		if !strings.Contains(t, "/") {
			addErrorf("content type %q must be of the form type/subtype", t)
		}
	}
	for name, m := range c.Mailers {
		if m.EOL != "crlf" && m.EOL != "lf" {
			addErrorf("mailer %q: eol must be crlf or lf, not %q", name, m.EOL)
		}
		if m.LineLimit < 0 {
			addErrorf("mailer %q: negative line limit", name)
		}
	}
	return errs
}

// LogLevels returns the log levels for use with mlog.SetConfig.
func (c Static) LogLevels() map[string]slog.Level {
	m := map[string]slog.Level{"": mlog.Levels[c.LogLevel]}
	for pkg, s := range c.PackageLogLevels {
		m[pkg] = mlog.Levels[s]
	}
	return m
}

// InClass returns whether word matches one of the words in class, case
// insensitive. Used for the content-type and transfer-encoding classes.
func InClass(class []string, word string) bool {
	for _, w := range class {
		if strings.EqualFold(w, word) {
			return true
		}
	}
	return false
}
