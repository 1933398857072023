package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/mjl-/mtacore/mlog"
)

func TestDefault(t *testing.T) {
	c := Default()
	if errs := Check(c); len(errs) != 0 {
		t.Fatalf("default config has errors: %v", errs)
	}
	if c.MIME.Base64Ratio != 8 || c.MIME.ScanLookahead != 4096 || c.MIME.MaxNesting != 20 || c.MIME.MaxBoundaryLength != 256 {
		t.Fatalf("unexpected mime defaults %#v", c.MIME)
	}
	if c.MIME.DefaultCharset != "unknown-8bit" {
		t.Fatalf("default charset %q", c.MIME.DefaultCharset)
	}
	if m, ok := c.Mailers["smtp"]; !ok || m.Flags != "7X" || m.EOL != "crlf" {
		t.Fatalf("missing or bad default smtp mailer %#v", m)
	}
	if !InClass(c.MIME.NoMapNLTypes, "image") || InClass(c.MIME.NoMapNLTypes, "text/plain") {
		t.Fatalf("bad types without newline mapping %v", c.MIME.NoMapNLTypes)
	}
	if !InClass(c.MIME.EncodableCTEs, "8BIT") || InClass(c.MIME.EncodableCTEs, "base64") {
		t.Fatalf("bad encodable ctes %v", c.MIME.EncodableCTEs)
	}
}

func TestLoad(t *testing.T) {
	dir := t.TempDir()
	write := func(s string) string {
		t.Helper()
		p := filepath.Join(dir, "mtacore.conf")
		if err := os.WriteFile(p, []byte(s), 0660); err != nil {
			t.Fatalf("writing config: %v", err)
		}
		return p
	}

	p := write(`Hostname: mail.example
MaxHopCount: 10
MIME:
	QPTypes:
		- text/plain
Mailers:
	local:
		Flags: 8E
		EOL: lf
DefaultHeaders:
	- ?F?From: $g
`)
	c, err := Load(p)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if c.Hostname != "mail.example" || c.MaxHopCount != 10 {
		t.Fatalf("bad values %#v", c)
	}
	if m := c.Mailers["local"]; m.Flags != "8E" || m.EOL != "lf" || m.LineLimit != 990 {
		t.Fatalf("bad mailer %#v", m)
	}
	if len(c.DefaultHeaders) != 1 || c.DefaultHeaders[0] != "?F?From: $g" {
		t.Fatalf("bad default headers %v", c.DefaultHeaders)
	}
	if c.LogLevels()[""] != mlog.LevelError {
		t.Fatalf("default log level %v", c.LogLevels()[""])
	}

	p = write(`Hostname: mail.example
MIME:
	Base64Ratio: -1
	NeverTouchTypes:
		- application
Mailers:
	bad:
		EOL: cr
`)
	_, err = Load(p)
	if err == nil || !errors.Is(err, errConfig) {
		t.Fatalf("got err %v, expected errConfig", err)
	}
}
