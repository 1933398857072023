package moxio

import (
	"fmt"
	"io"
	"os"

	"github.com/mjl-/mtacore/mlog"
)

// LinkOrCopy makes dst a hardlink to src, falling back to copying the file,
// e.g. across file systems. With sync, a copied file is synced to disk.
// Callers should sync the directory of dst after adding files. If dst was
// created and an error occurred, it is removed.
func LinkOrCopy(log mlog.Log, dst, src string, sync bool) error {
	err := os.Link(src, dst)
	if err == nil {
		return nil
	} else if os.IsNotExist(err) {
		// Source or destination directory does not exist, copying would fail too.
		return err
	}

	sf, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("open source file: %w", err)
	}
	defer func() {
		err := sf.Close()
		log.Check(err, "closing copied source file")
	}()

	df, err := os.OpenFile(dst, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0660)
	if err != nil {
		return fmt.Errorf("create destination: %w", err)
	}
	remove := func() {
		err := df.Close()
		log.Check(err, "closing partial destination file")
		err = os.Remove(dst)
		log.Check(err, "removing partial destination file")
	}
	if _, err := io.Copy(df, sf); err != nil {
		remove()
		return fmt.Errorf("copy: %w", err)
	}
	if sync {
		if err := df.Sync(); err != nil {
			remove()
			return fmt.Errorf("sync destination: %w", err)
		}
	}
	if err := df.Close(); err != nil {
		err := os.Remove(dst)
		log.Check(err, "removing partial destination file")
		return fmt.Errorf("close destination: %w", err)
	}
	return nil
}
