package moxio

import (
	"github.com/mjl-/mtacore/mlog"
)

// SyncDir is a no-op on Windows, directories cannot be synced.
func SyncDir(log mlog.Log, dir string) error {
	return nil
}
