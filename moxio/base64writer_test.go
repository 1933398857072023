package moxio

import (
	"fmt"
	"strings"
	"testing"
)

func tcheckf(t *testing.T, err error, format string, args ...any) {
	t.Helper()
	if err != nil {
		t.Fatalf("%s: %s", fmt.Sprintf(format, args...), err)
	}
}

func TestBase64Writer(t *testing.T) {
	var lines []string
	put := func(line []byte) error {
		lines = append(lines, string(line))
		return nil
	}
	bw := Base64Writer(put, 72)
	_, err := bw.Write([]byte("0123456789012345678901234567890123456789012345678901234567890123456789"))
	tcheckf(t, err, "write")
	err = bw.Close()
	tcheckf(t, err, "close")
	s := strings.Join(lines, "\n")
	exp := "MDEyMzQ1Njc4OTAxMjM0NTY3ODkwMTIzNDU2Nzg5MDEyMzQ1Njc4OTAxMjM0NTY3ODkwMTIz\nNDU2Nzg5MDEyMzQ1Njc4OQ=="
	if s != exp {
		t.Fatalf("base64writer, got %q, expected %q", s, exp)
	}

	// Exact multiple of line width does not produce an empty line.
	lines = nil
	bw = Base64Writer(put, 4)
	_, err = bw.Write([]byte("abcdef"))
	tcheckf(t, err, "write")
	err = bw.Close()
	tcheckf(t, err, "close")
	if got := strings.Join(lines, "\n"); got != "YWJj\nZGVm" {
		t.Fatalf("got %q, expected %q", got, "YWJj\nZGVm")
	}
}
