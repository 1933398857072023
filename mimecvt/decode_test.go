package mimecvt

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/mjl-/mtacore/config"
	"github.com/mjl-/mtacore/message"
)

func TestDecodable(t *testing.T) {
	conf := config.Default().MIME
	check := func(exp bool, fields ...string) {
		t.Helper()
		env := testEnv(t, fields...)
		if got := Decodable(conf, env.Header); got != exp {
			t.Fatalf("decodable %v: got %v, expected %v", fields, got, exp)
		}
	}
	check(true, "Content-Type: text/plain; charset=utf-8", "Content-Transfer-Encoding: base64")
	check(true, "Content-Type: TEXT/PLAIN", "Content-Transfer-Encoding: Quoted-Printable")
	check(false, "Content-Type: text/html", "Content-Transfer-Encoding: base64")
	check(false, "Content-Transfer-Encoding: base64")
	check(false, "Content-Type: text/plain", "Content-Transfer-Encoding: 7bit")
	check(false, "Content-Type: text/plain")
	check(false, "Content-Type: multipart/mixed; boundary=x", "Content-Transfer-Encoding: base64")
}

func to8bit(t *testing.T, c Converter, env *message.Envelope, body string) string {
	t.Helper()
	var out bytes.Buffer
	lw := message.NewLineWriter(&out, c.Mailer)
	err := c.To8Bit(context.Background(), env, strings.NewReader(body), lw)
	tcheck(t, err, "to 8bit")
	return out.String()
}

func TestTo8Bit(t *testing.T) {
	c := testConverter("9", "\n")

	env := testEnv(t, "Content-Type: text/plain", "Content-Transfer-Encoding: quoted-printable")
	out := to8bit(t, c, env, "caf=C3=A9=20\n=2E\nsoft=\nbreak\nlast")
	exp := "Content-Transfer-Encoding: 8bit\n" +
		"X-MIME-Autoconverted: from quoted-printable to 8bit by mail.example.org id q1\n" +
		"\n" +
		"café \n.\nsoftbreak\nlast\n"
	tcompare(t, out, exp)

	env = testEnv(t, "Content-Type: text/plain", "Content-Transfer-Encoding: BASE64")
	out = to8bit(t, c, env, "Y2Fmw6kNCnNlY29uZA0K\nbGFzdA=\n")
	exp = "Content-Transfer-Encoding: 8bit\n" +
		"X-MIME-Autoconverted: from BASE64 to 8bit by mail.example.org id q1\n" +
		"\n" +
		"café\nsecond\nlas\n"
	tcompare(t, out, exp)

	// Line endings of the mailer are used.
	c = testConverter("9", "\r\n")
	env = testEnv(t, "Content-Type: text/plain", "Content-Transfer-Encoding: base64")
	out = to8bit(t, c, env, "YQpi\n")
	tcompare(t, strings.HasSuffix(out, "\r\n\r\na\r\nb\r\n"), true)

	// Control characters pass through, a bad escape drops the rest of its line only.
	c = testConverter("9", "\n")
	env = testEnv(t, "Content-Type: text/plain", "Content-Transfer-Encoding: quoted-printable")
	out = to8bit(t, c, env, "page one\n\x0c\npage two\n")
	_, body, _ := strings.Cut(out, "\n\n")
	tcompare(t, body, "page one\n\x0c\npage two\n")

	out = to8bit(t, c, env, "a=\x01b\nline2\nline3\n")
	_, body, _ = strings.Cut(out, "\n\n")
	tcompare(t, body, "a\nline2\nline3\n")
}

func TestTo8BitErrors(t *testing.T) {
	c := testConverter("9", "\n")
	env := testEnv(t, "Content-Type: text/plain", "Content-Transfer-Encoding: base64")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	var out bytes.Buffer
	err := c.To8Bit(ctx, env, strings.NewReader("YQpi\n"), message.NewLineWriter(&out, c.Mailer))
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("got err %v, expected context.Canceled", err)
	}

	env = testEnv(t, "Content-Type: text/plain", "Content-Transfer-Encoding: quoted-printable")
	errRead := errors.New("read failed")
	err = c.To8Bit(context.Background(), env, failReader{errRead}, message.NewLineWriter(&out, c.Mailer))
	if !errors.Is(err, errRead) || !errors.Is(err, errIO) {
		t.Fatalf("got err %v, expected %v", err, errRead)
	}
}

type failReader struct {
	err error
}

func (r failReader) Read(buf []byte) (int, error) {
	return 0, r.err
}
