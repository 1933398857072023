package message

import (
	"bytes"
	"testing"
)

func TestLineWriter(t *testing.T) {
	check := func(m Mailer, fn func(lw *LineWriter) error, exp string) {
		t.Helper()
		var b bytes.Buffer
		lw := NewLineWriter(&b, m)
		tcheck(t, fn(lw), "write")
		tcheck(t, lw.Flush(), "flush")
		tcompare(t, b.String(), exp)
		tcompare(t, lw.Size, int64(len(exp)))
	}
	line := func(s string) func(lw *LineWriter) error {
		return func(lw *LineWriter) error { return lw.PutString(s) }
	}
	header := func(s string) func(lw *LineWriter) error {
		return func(lw *LineWriter) error { return lw.PutHeader(s) }
	}

	plain := Mailer{Name: "plain", EOL: "\r\n"}
	check(plain, line("hi"), "hi\r\n")
	check(plain, line(""), "\r\n")
	check(plain, line("a\r\nb\nc"), "a\r\nb\r\nc\r\n")
	check(plain, line(".hi"), ".hi\r\n")
	check(plain, line("From me"), "From me\r\n")
	check(Mailer{Name: "lf", EOL: "\n"}, line("a\r\nb"), "a\nb\n")

	check(Mailer{Name: "dots", Flags: "X", EOL: "\r\n"}, line(".hi\n.\nx"), "..hi\r\n..\r\nx\r\n")
	check(Mailer{Name: "from", Flags: "E", EOL: "\r\n"}, line("From me\nFromage"), ">From me\r\nFromage\r\n")
	check(Mailer{Name: "from", Flags: "E", EOL: "\r\n"}, header("From me"), "From me\r\n")

	limited := Mailer{Name: "limited", Flags: "X", LineLimit: 10, EOL: "\r\n"}
	check(limited, line("0123456789"), "0123456789\r\n")
	check(limited, line("0123456789abc"), "012345678!\r\n9abc\r\n")
	check(limited, line(".123456789abc"), "..12345678!\r\n9abc\r\n")
	check(limited, header("Subject: abcdefghij"), "Subject: !\r\n abcdefgh!\r\n ij\r\n")

	check(plain, func(lw *LineWriter) error {
		lw.Strip8 = true
		return lw.PutLine([]byte("caf\xc3\xa9"))
	}, "cafC)\r\n")
}

func TestPutField(t *testing.T) {
	check := func(m Mailer, exp string, words ...string) {
		t.Helper()
		var b bytes.Buffer
		lw := NewLineWriter(&b, m)
		tcheck(t, lw.PutField("X-Test", words...), "put field")
		tcheck(t, lw.Flush(), "flush")
		tcompare(t, b.String(), exp)
	}

	w := "aaaaaaaaaaaaaaaaaaaa"
	lf := Mailer{Name: "lf", EOL: "\n"}
	check(lf, "X-Test:\n")
	check(lf, "X-Test: from 8bit\n", "from", "8bit")
	check(lf, "X-Test: "+w+" "+w+" "+w+"\n\t"+w+"\n", w, w, w, w)

	// A lower line limit of the mailer folds earlier.
	check(Mailer{Name: "short", LineLimit: 40, EOL: "\r\n"}, "X-Test: "+w+"\r\n\t"+w+"\r\n\t"+w+"\r\n", w, w, w)
}
