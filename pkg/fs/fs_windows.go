package fs

// SyncDir is a no-op on windows, where directories cannot be fsynced.
func SyncDir(dirName string) error {
	return nil
}
