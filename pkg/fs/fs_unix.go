//go:build !windows

package fs

import (
	"errors"
	"os"
	"syscall"
)

// SyncDir flushes any file renames to the filesystem.
func SyncDir(dirName string) error {
	// fsync the dir to flush the rename
	dir, err := os.OpenFile(dirName, os.O_RDONLY, os.ModeDir)
	if err != nil {
		return err
	}
	defer dir.Close()

	// Volumes mounted over samba do not support fsyncs on directories and
	// report EINVAL, which is ignored.
	err = dir.Sync()
	if errors.Is(err, syscall.EINVAL) {
		err = nil
	} else if err != nil {
		return err
	}

	return dir.Close()
}
