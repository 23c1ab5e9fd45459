package sync

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
)

// pruneRuns keeps the newest keep run directories under dir and removes the
// rest. Run directory names start with a UTC timestamp, so name order is
// age order.
func pruneRuns(dir string, keep int) error {
	if keep <= 0 {
		return nil
	}
	entries, err := os.ReadDir(dir)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}

	var names []string
	for _, e := range entries {
		if e.IsDir() {
			names = append(names, e.Name())
		}
	}
	if len(names) <= keep {
		return nil
	}
	slices.Sort(names)

	var errs []error
	for _, name := range names[:len(names)-keep] {
		if err := os.RemoveAll(filepath.Join(dir, name)); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
