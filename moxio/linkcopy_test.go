package moxio

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/mjl-/mtacore/mlog"
)

func TestLinkOrCopy(t *testing.T) {
	log := mlog.New("moxio", nil)
	dir := t.TempDir()

	src := filepath.Join(dir, "src.txt")
	err := os.WriteFile(src, []byte("body\n"), 0660)
	tcheckf(t, err, "creating test file")

	dst := filepath.Join(dir, "dst.txt")
	err = LinkOrCopy(log, dst, src, true)
	tcheckf(t, err, "linking file")
	buf, err := os.ReadFile(dst)
	tcheckf(t, err, "read destination")
	if string(buf) != "body\n" {
		t.Fatalf("got %q, expected body", buf)
	}

	// Destination exists.
	err = LinkOrCopy(log, dst, src, false)
	if err == nil {
		t.Fatalf("linking to existing file succeeded")
	}

	err = LinkOrCopy(log, filepath.Join(dir, "bogus", "dst.txt"), src, false)
	if err == nil || !os.IsNotExist(err) {
		t.Fatalf("expected is not exist, got %v", err)
	}

	err = LinkOrCopy(log, filepath.Join(dir, "dst2.txt"), filepath.Join(dir, "missing.txt"), false)
	if err == nil || !os.IsNotExist(err) {
		t.Fatalf("expected is not exist, got %v", err)
	}
}
