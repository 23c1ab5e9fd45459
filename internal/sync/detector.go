package sync

import "faa_sync/internal/storage"

// ShouldProcess reports whether an archive with fingerprint newHash needs
// to be loaded. last is the most recent run that was not skipped. Only a
// successful run of the same archive makes the new one redundant; a failed
// run is always retried.
func ShouldProcess(newHash string, last *storage.SyncRun) bool {
	if last == nil {
		return true
	}
	if last.Outcome != storage.OutcomeSuccess {
		return true
	}
	return last.ArchiveHash != newHash
}
