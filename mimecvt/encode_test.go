package mimecvt

import (
	"bytes"
	"context"
	"errors"
	"io"
	"strings"
	"testing"

	gomessage "github.com/emersion/go-message"

	"github.com/mjl-/mtacore/config"
	"github.com/mjl-/mtacore/message"
	"github.com/mjl-/mtacore/mlog"
)

var pkglog = mlog.New("mimecvt", nil)

func testEnv(t *testing.T, fields ...string) *message.Envelope {
	t.Helper()
	h := message.NewHeader()
	for _, f := range fields {
		_, err := h.Insert(f, false)
		tcheck(t, err, "insert header field")
	}
	return &message.Envelope{ID: "q1", Header: h}
}

func testConverter(flags, eol string) Converter {
	return Converter{
		Config:   config.Default().MIME,
		Log:      pkglog,
		Mailer:   message.Mailer{Name: "test", Flags: flags, EOL: eol},
		Hostname: "mail.example.org",
	}
}

func to7bit(t *testing.T, c Converter, env *message.Envelope, body string) string {
	t.Helper()
	var out bytes.Buffer
	lw := message.NewLineWriter(&out, c.Mailer)
	err := c.To7Bit(context.Background(), env, strings.NewReader(body), lw)
	tcheck(t, err, "to 7bit")
	return out.String()
}

func TestTo7BitPassthrough(t *testing.T) {
	c := testConverter("7", "\n")

	env := testEnv(t, "Content-Transfer-Encoding: 7bit")
	out := to7bit(t, c, env, "hello\nworld\n")
	tcompare(t, out, "Content-Transfer-Encoding: 7bit\n\nhello\nworld\n")
	tcompare(t, env.MIMEDisabled, false)

	env = testEnv(t, "Subject: no mime")
	out = to7bit(t, c, env, "hello\n")
	tcompare(t, out, "\nhello\n")

	// Types that are never touched are copied, even with 8-bit data.
	c.Config.NeverTouchTypes = []string{"application/x-raw"}
	env = testEnv(t, "Content-Type: application/x-raw", "Content-Transfer-Encoding: 8bit")
	out = to7bit(t, c, env, "caf\xe9\n")
	tcompare(t, out, "Content-Transfer-Encoding: 8bit\n\ncaf\xe9\n")

	// Unknown transfer encodings are not converted.
	env = testEnv(t, "Content-Transfer-Encoding: x-uuencode")
	out = to7bit(t, c, env, "caf\xe9\n")
	tcompare(t, out, "Content-Transfer-Encoding: x-uuencode\n\ncaf\xe9\n")
}

func TestTo7BitQuotedPrintable(t *testing.T) {
	c := testConverter("7E", "\n")
	env := testEnv(t, "Content-Type: text/plain; charset=utf-8")
	out := to7bit(t, c, env, "café \n.\nFrom here\n")
	exp := "Content-Transfer-Encoding: quoted-printable\n" +
		"X-MIME-Autoconverted: from 8bit to quoted-printable by mail.example.org id q1\n" +
		"\n" +
		"caf=C3=A9=20\n" +
		"=2E\n" +
		"From=20here\n"
	tcompare(t, out, exp)

	// Mostly binary data is sent as quoted-printable for a QP type.
	c.Config.QPTypes = []string{"text"}
	env = testEnv(t)
	out = to7bit(t, c, env, "\xe9\xe9\n")
	tcompare(t, strings.HasSuffix(out, "\n\n=E9=E9\n"), true)
}

func TestTo7BitBase64(t *testing.T) {
	c := testConverter("7", "\r\n")
	env := testEnv(t, "Content-Type: text/plain; charset=iso-8859-1")
	out := to7bit(t, c, env, "\xff\xfe\xfd\n")
	exp := "Content-Transfer-Encoding: base64\r\n" +
		"X-MIME-Autoconverted: from 8bit to base64 by mail.example.org id q1\r\n" +
		"\r\n" +
		"//79DQo=\r\n"
	tcompare(t, out, exp)

	// Newlines in binary types are not mapped.
	env = testEnv(t, "Content-Type: application/octet-stream")
	out = to7bit(t, c, env, "\xff\xfe\xfd\n")
	tcompare(t, strings.HasSuffix(out, "\r\n\r\n//79Cg==\r\n"), true)
	env = testEnv(t, "Content-Type: image/x-raw")
	out = to7bit(t, c, env, "\xff\xfe\xfd\n")
	tcompare(t, strings.HasSuffix(out, "\r\n\r\n//79Cg==\r\n"), true)

	// Binary is always base64 when it has 8-bit data.
	c = testConverter("7", "\n")
	env = testEnv(t, "Content-Transfer-Encoding: binary")
	out = to7bit(t, c, env, strings.Repeat("a", 100)+"\xe9\n")
	tcompare(t, strings.HasPrefix(out, "Content-Transfer-Encoding: base64\n"), true)

	// Without newline mapping, all 8-bit data is base64 and newlines are encoded as is.
	c.Config.NoMapNLtoCRLF = true
	env = testEnv(t)
	out = to7bit(t, c, env, "\xff\xfe\xfd\n")
	tcompare(t, strings.HasSuffix(out, "\n\n//79Cg==\n"), true)

	// Wide charsets cannot have their newlines mapped.
	c = testConverter("7", "\n")
	c.Config.QPTypes = []string{"text/plain"}
	env = testEnv(t, "Content-Type: text/plain; charset=utf-16")
	out = to7bit(t, c, env, "\xff\xfea\x00\n\x00")
	tcompare(t, strings.HasSuffix(out, "\n\n//5hAAoA\n"), true)
}

func TestTo7BitRoundtrip(t *testing.T) {
	var data []byte
	for i := 0; i < 5000; i++ {
		c := byte(i * 7)
		if c == '\r' {
			c = 'r'
		}
		data = append(data, c)
		if i%61 == 60 {
			data = append(data, '\n')
		}
	}
	data = append(data, '\n')

	c := testConverter("7", "\n")
	env := testEnv(t, "Content-Type: application/octet-stream")
	out := to7bit(t, c, env, string(data))
	hdr, body, ok := strings.Cut(out, "\n\n")
	tcompare(t, ok, true)
	tcompare(t, strings.HasPrefix(hdr, "Content-Transfer-Encoding: base64\n"), true)
	for _, line := range strings.Split(strings.TrimSuffix(body, "\n"), "\n") {
		if len(line) > 72 {
			t.Fatalf("base64 line too long: %q", line)
		}
	}

	env = testEnv(t, "Content-Transfer-Encoding: base64")
	var dec bytes.Buffer
	lw := message.NewLineWriter(&dec, message.Mailer{Flags: "9", EOL: "\n"})
	err := c.To8Bit(context.Background(), env, strings.NewReader(body), lw)
	tcheck(t, err, "to 8bit")
	_, decoded, _ := strings.Cut(dec.String(), "\n\n")
	if decoded != string(data) {
		t.Fatalf("roundtrip mismatch, got %d bytes, expected %d", len(decoded), len(data))
	}
}

func TestTo7BitBinaryRoundtrip(t *testing.T) {
	var data []byte
	for i := 0; i < 3000; i++ {
		data = append(data, byte(i*13)|0x80)
		if i%50 == 49 {
			data = append(data, '\n')
		}
	}

	c := testConverter("7", "\n")
	env := testEnv(t, "Content-Type: application/octet-stream", "Content-Transfer-Encoding: binary")
	out := to7bit(t, c, env, string(data))
	hdr, body, ok := strings.Cut(out, "\n\n")
	tcompare(t, ok, true)
	tcompare(t, strings.HasPrefix(hdr, "Content-Transfer-Encoding: base64\n"), true)

	var decoded []byte
	err := decodeBase64(strings.NewReader(body), func(buf []byte) {
		decoded = append(decoded, buf...)
	})
	tcheck(t, err, "decode base64")
	if !bytes.Equal(decoded, data) {
		t.Fatalf("binary roundtrip mismatch, got %d bytes, expected %d", len(decoded), len(data))
	}
}

const multipartBody = `prologue
--b1
Content-Type: text/plain; charset=utf-8

héllo, this is a longer line of text
--b1
Content-Type: text/plain

plain
--b1--
epilogue
`

func TestTo7BitMultipart(t *testing.T) {
	c := testConverter("7", "\n")
	env := testEnv(t, "MIME-Version: 1.0", `Content-Type: multipart/mixed; boundary="b1"`)
	out := to7bit(t, c, env, multipartBody)
	exp := `
prologue
--b1
Content-Type: text/plain; charset=utf-8
Content-Transfer-Encoding: quoted-printable
X-MIME-Autoconverted: from 8bit to quoted-printable by mail.example.org id q1

h=C3=A9llo, this is a longer line of text
--b1
Content-Type: text/plain

plain
--b1--
epilogue
`
	tcompare(t, out, exp)
	tcompare(t, env.MIMEDisabled, false)

	// Check the result can be parsed, and decodes to the original text.
	msg := "MIME-Version: 1.0\nContent-Type: multipart/mixed; boundary=\"b1\"\n" + out
	e, err := gomessage.Read(strings.NewReader(msg))
	tcheck(t, err, "parse converted message")
	mr := e.MultipartReader()
	if mr == nil {
		t.Fatalf("converted message not multipart")
	}
	var texts []string
	for {
		p, err := mr.NextPart()
		if err == io.EOF {
			break
		}
		tcheck(t, err, "next part")
		buf, err := io.ReadAll(p.Body)
		tcheck(t, err, "read part")
		texts = append(texts, string(buf))
	}
	tcompare(t, texts, []string{"héllo, this is a longer line of text", "plain"})
}

func TestTo7BitDigest(t *testing.T) {
	c := testConverter("7", "\n")
	env := testEnv(t, `Content-Type: multipart/digest; boundary=d`)
	body := "--d\n\nSubject: digested\n\ncaf\xc3\xa9 au lait, with some more text\n--d--\n"
	out := to7bit(t, c, env, body)
	exp := "\n--d\n\nSubject: digested\nMIME-Version: 1.0\nContent-Transfer-Encoding: quoted-printable\n" +
		"X-MIME-Autoconverted: from 8bit to quoted-printable by mail.example.org id q1\n\n" +
		"caf=C3=A9 au lait, with some more text\n--d--\n"
	tcompare(t, out, exp)
}

func TestTo7BitStructural(t *testing.T) {
	c := testConverter("7", "\n")

	// Missing boundary parameter.
	env := testEnv(t, "Content-Type: multipart/mixed")
	out := to7bit(t, c, env, "-----\nContent-Type: text/plain\n\nx\n-------\n")
	tcompare(t, out, "\n-----\nContent-Type: text/plain\n\nx\n-------\n")
	tcompare(t, env.MIMEDisabled, true)

	// Embedded messages beyond the maximum nesting are copied as is.
	c.Config.MaxNesting = 1
	env = testEnv(t, "Content-Type: message/rfc822")
	body := "Subject: inner\nContent-Type: message/rfc822\n\nSubject: innermost\n\ncaf\xe9\n"
	out = to7bit(t, c, env, body)
	exp := "\nSubject: inner\nContent-Type: message/rfc822\nMIME-Version: 1.0\n\nSubject: innermost\n\ncaf\xe9\n"
	tcompare(t, out, exp)
	tcompare(t, env.MIMEDisabled, true)

	// Multiparts nested too deep terminate, with the remainder copied.
	env = testEnv(t, "Content-Type: multipart/mixed; boundary=a")
	body = "--a\nContent-Type: multipart/mixed; boundary=b\n\n--b\n\nx\n--b--\n--a--\n"
	out = to7bit(t, c, env, body)
	tcompare(t, env.MIMEDisabled, true)
	tcompare(t, strings.HasSuffix(out, "--a--\n"), true)

	// Unterminated multipart.
	c = testConverter("7", "\n")
	env = testEnv(t, "Content-Type: multipart/mixed; boundary=a")
	out = to7bit(t, c, env, "--a\n\nx\n")
	tcompare(t, out, "\n--a\n\nx\n--a--\n")
}

func TestTo7BitErrors(t *testing.T) {
	c := testConverter("7", "\n")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	env := testEnv(t)
	lw := message.NewLineWriter(io.Discard, c.Mailer)
	err := c.To7Bit(ctx, env, strings.NewReader("caf\xe9\n"), lw)
	if !errors.Is(err, context.Canceled) || !errors.Is(err, errIO) {
		t.Fatalf("got err %v, expected context.Canceled", err)
	}

	errWrite := errors.New("write failed")
	lw = message.NewLineWriter(failWriter{errWrite}, c.Mailer)
	err = c.To7Bit(context.Background(), env, strings.NewReader(strings.Repeat("x", 5000)+"\n"), lw)
	if !errors.Is(err, errWrite) {
		t.Fatalf("got err %v, expected %v", err, errWrite)
	}
}

type failWriter struct {
	err error
}

func (w failWriter) Write(buf []byte) (int, error) {
	return 0, w.err
}
