// Package fs holds the file helpers the backup writer needs to make a file
// appear under its final name only once its contents are durable.
package fs

import (
	"fmt"
	"os"
	"path/filepath"
)

// PendingSuffix is added to a file while it is being written.
const PendingSuffix = ".pending"

// WriteFileAtomic writes data to path. The contents go to path+PendingSuffix
// first, are fsynced, and are then renamed over path, replacing any previous
// file. Readers see either the old file or the complete new one.
func WriteFileAtomic(path string, data []byte, perm os.FileMode) error {
	tmp := path + PendingSuffix

	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, perm)
	if err != nil {
		return err
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("write %s: %w", tmp, err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("sync %s: %w", tmp, err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return err
	}

	if err := RenameFileWithReplacement(tmp, path); err != nil {
		return fmt.Errorf("rename: %w", err)
	}
	return SyncDir(filepath.Dir(path))
}

// RenameFileWithReplacement will replace any existing file at newpath with the contents
// of oldpath.
//
// If no file already exists at newpath, newpath will be created using the contents
// of oldpath. If this function returns successfully, the contents of newpath will
// be identical to oldpath, and oldpath will be removed.
func RenameFileWithReplacement(oldpath, newpath string) error {
	return os.Rename(oldpath, newpath)
}
