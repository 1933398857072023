package message

import (
	"bytes"
	"errors"
	"reflect"
	"testing"

	"github.com/mjl-/mtacore/dns"
)

func tcheck(t *testing.T, err error, msg string) {
	t.Helper()
	if err != nil {
		t.Fatalf("%s: %s", msg, err)
	}
}

func tcompare(t *testing.T, got, exp any) {
	t.Helper()
	if !reflect.DeepEqual(got, exp) {
		t.Fatalf("got %q, expected %q", got, exp)
	}
}

func tfail(t *testing.T, err, expErr error) {
	t.Helper()
	if (err == nil) != (expErr == nil) || expErr != nil && !errors.Is(err, expErr) {
		t.Fatalf("got err %v, expected %v", err, expErr)
	}
}

func TestClassify(t *testing.T) {
	tcompare(t, Classify("SUBJECT"), Encodable)
	tcompare(t, Classify("Resent-To"), IsRecipient|Resent)
	tcompare(t, Classify("X-Unknown"), Flags(0))

	h := NewHeader()
	h.UnknownFlags = Encodable
	tcompare(t, h.Classify("X-Unknown"), Encodable)
	tcompare(t, h.Classify("Date"), Flags(0))

	tcompare(t, (IsFrom | IsDefault).String(), "default|from")
	tcompare(t, Flags(0).String(), "none")
}

func TestIsHeader(t *testing.T) {
	check := func(line string, exp bool) {
		t.Helper()
		if got := IsHeader([]byte(line)); got != exp {
			t.Fatalf("IsHeader(%q) = %v, expected %v", line, got, exp)
		}
	}
	check("Subject: test\n", true)
	check("Subject : test\n", true)
	check("X-Empty:\n", true)
	check("--boundary: x\n", false)
	check(": value\n", false)
	check("not a header\n", false)
	check("X-\x80: y\n", false)
	check("\n", false)
}

func TestInsert(t *testing.T) {
	h := NewHeader()

	flags, err := h.Insert("?F?From: $g", true)
	tcheck(t, err, "insert default from")
	tcompare(t, flags, IsFrom|IsDefault|Checked)
	tcompare(t, h.Fields()[0].MailerFlags, "F")
	tcompare(t, h.Fields()[0].Value, MacroAddr)

	_, err = h.Insert("?$j?X-Host: $j $$5", true)
	tcheck(t, err, "insert default with macro condition")
	tcompare(t, h.Fields()[1].Macro, byte('j'))
	tcompare(t, h.Fields()[1].Value, "\x81j $5")

	flags, err = h.Insert("Received: by default", true)
	tcheck(t, err, "insert default received")
	tcompare(t, flags, Trace|ForceInclude|IsDefault)

	// A field from the message supersedes the default.
	flags, err = h.Insert("from: a@example.org\n", false)
	tcheck(t, err, "insert from")
	tcompare(t, flags, IsFrom)
	tcompare(t, h.Fields()[0].Cleared, true)
	tcompare(t, h.Get("From"), "a@example.org")
	tcompare(t, h.OldStyle, true)

	// Except when the default is always included.
	_, err = h.Insert("Received: from mx.example.org", false)
	tcheck(t, err, "insert received")
	tcompare(t, h.Fields()[2].Cleared, false)
	tcompare(t, h.Values("received"), []string{"by default", "from mx.example.org"})

	_, err = h.Insert("To: a@example.org,\n b@example.org\n", false)
	tcheck(t, err, "insert to")
	tcompare(t, h.OldStyle, false)
	tcompare(t, h.Get("To"), "a@example.org,\n b@example.org")
	tcompare(t, h.Resent, false)

	_, err = h.Insert("Resent-To: c@example.org", false)
	tcheck(t, err, "insert resent-to")
	tcompare(t, h.Resent, true)

	// End of header without value is not stored.
	n := len(h.Fields())
	flags, err = h.Insert("Text:", false)
	tcheck(t, err, "insert eoh")
	tcompare(t, flags&EndOfHeader != 0, true)
	tcompare(t, len(h.Fields()), n)

	_, err = h.Insert("?F From: x", true)
	tfail(t, err, errCondition)
	_, err = h.Insert("?$jk?X: y", true)
	tfail(t, err, errCondition)
	_, err = h.Insert("no colon", false)
	tfail(t, err, ErrHeader)
	_, err = h.Insert(": empty name", false)
	tfail(t, err, ErrHeader)
	tcompare(t, len(h.Fields()), n)

	// Defaults do not supersede each other, only fields from the message do.
	h = NewHeader()
	_, err = h.Insert("X-Mailer: one", true)
	tcheck(t, err, "insert default")
	_, err = h.Insert("?X?X-Mailer: two", true)
	tcheck(t, err, "insert second default")
	tcompare(t, h.Fields()[0].Cleared, false)
	tcompare(t, h.Fields()[1].Cleared, false)
	_, err = h.Insert("X-Mailer: three", false)
	tcheck(t, err, "insert x-mailer")
	tcompare(t, h.Fields()[0].Cleared, true)
	tcompare(t, h.Fields()[1].Cleared, true)
	tcompare(t, h.Fields()[2].Cleared, false)
}

func TestHeaderWrite(t *testing.T) {
	h := NewHeader()
	insert := func(line string, isDefault bool) {
		t.Helper()
		_, err := h.Insert(line, isDefault)
		tcheck(t, err, "insert")
	}
	insert("?F?From: $g", true)
	insert("?X?X-Mailer: mtacore", true)
	insert("?$j?X-Host: $j", true)
	insert("?$q?X-Queue: $q", true)
	insert("X-Empty: $u", true)
	insert("Subject: café", false)
	insert("Content-Transfer-Encoding: 8bit", false)
	insert("Bcc: hidden@example.org", false)
	insert("To: a@example.org,\n b@example.org\n", false)
	insert("Return-Receipt-To: r@example.org", false)
	insert("Resent-Date: today", true)

	macros := func(name byte) (string, bool) {
		if name == 'j' {
			return "mail.example.org", true
		}
		return "", false
	}

	var b bytes.Buffer
	lw := NewLineWriter(&b, testMailer("7X"))
	err := h.Write(lw, WriteOpts{
		Mailer:        testMailer("7X"),
		Macros:        macros,
		SkipCTE:       true,
		NoReceipt:     true,
		EncodeCharset: "utf-8",
	})
	tcheck(t, err, "write header")
	tcheck(t, lw.Flush(), "flush")
	exp := "X-Mailer: mtacore\r\nX-Host: mail.example.org\r\nSubject: =?utf-8?q?caf=C3=A9?=\r\nTo: a@example.org,\r\n b@example.org\r\n"
	tcompare(t, b.String(), exp)

	// With address rewriting, address fields are reformatted.
	h = NewHeader()
	insert("To: Bob <BOB@Example.ORG>, alice", false)
	insert("Bcc: carol", false)
	b.Reset()
	lw = NewLineWriter(&b, testMailer("8"))
	err = h.Write(lw, WriteOpts{
		Mailer:  testMailer("8"),
		Rewrite: CanonicalRewriter(dns.Domain{ASCII: "example.org"}),
		KeepBcc: true,
	})
	tcheck(t, err, "write header")
	tcheck(t, lw.Flush(), "flush")
	tcompare(t, b.String(), "To: Bob <BOB@example.org>, alice@example.org\r\nBcc: carol@example.org\r\n")
}

func testMailer(flags string) Mailer {
	return Mailer{Name: "test", Flags: flags, LineLimit: 990, EOL: "\r\n"}
}
