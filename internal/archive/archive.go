// Package archive unpacks the releasable aircraft archive into a run-scoped
// directory.
package archive

import (
	"archive/zip"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"

	"faa_sync/internal/registry"
)

// ErrorKind classifies an extraction failure.
type ErrorKind string

const (
	KindMissingMember    ErrorKind = "missing_member"
	KindUnexpectedMember ErrorKind = "unexpected_member"
	KindCorruptArchive   ErrorKind = "corrupt_archive"
)

// Error is returned by Extract. Every ErrorKind is fatal for the run.
type Error struct {
	Kind   ErrorKind
	Member string
	Err    error
}

func (e *Error) Error() string {
	msg := "extract: " + string(e.Kind)
	if e.Member != "" {
		msg += " " + e.Member
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// companionMembers ship alongside the three data files and are not loaded.
var companionMembers = map[string]bool{
	"dealer.txt":   true,
	"dereg.txt":    true,
	"docindex.txt": true,
	"reserved.txt": true,
	"ardata.pdf":   true,
}

// ExtractedFiles holds the paths of the extracted data files.
type ExtractedFiles struct {
	Dir          string
	AircraftFile string
	ModelFile    string
	EngineFile   string
}

// Path returns the extracted file for a record kind.
func (e *ExtractedFiles) Path(k registry.Kind) string {
	switch k {
	case registry.KindAircraft:
		return e.AircraftFile
	case registry.KindModel:
		return e.ModelFile
	case registry.KindEngine:
		return e.EngineFile
	}
	return ""
}

// Extract validates archivePath and writes its three data members into
// targetDir, which must not exist yet. On failure targetDir is removed.
func Extract(archivePath, targetDir string) (_ *ExtractedFiles, err error) {
	zr, err := zip.OpenReader(archivePath)
	if err != nil {
		return nil, &Error{Kind: KindCorruptArchive, Err: err}
	}
	defer func() {
		_ = zr.Close()
	}()

	members, err := selectMembers(zr.File)
	if err != nil {
		return nil, err
	}

	if err := os.MkdirAll(filepath.Dir(targetDir), 0o755); err != nil {
		return nil, fmt.Errorf("create extract parent: %w", err)
	}
	if err := os.Mkdir(targetDir, 0o755); err != nil {
		return nil, fmt.Errorf("create extract dir: %w", err)
	}
	defer func() {
		if err != nil {
			_ = os.RemoveAll(targetDir)
		}
	}()

	out := &ExtractedFiles{Dir: targetDir}
	for _, kind := range registry.LoadOrder {
		dest := filepath.Join(targetDir, kind.MemberFile())
		if err := extractFile(members[kind], dest); err != nil {
			return nil, err
		}
		switch kind {
		case registry.KindAircraft:
			out.AircraftFile = dest
		case registry.KindModel:
			out.ModelFile = dest
		case registry.KindEngine:
			out.EngineFile = dest
		}
	}

	return out, nil
}

// selectMembers maps each record kind to its zip entry, matching base names
// case-insensitively.
func selectMembers(files []*zip.File) (map[registry.Kind]*zip.File, error) {
	expected := make(map[string]registry.Kind, len(registry.LoadOrder))
	for _, k := range registry.LoadOrder {
		expected[strings.ToLower(k.MemberFile())] = k
	}

	found := make(map[registry.Kind]*zip.File, len(expected))
	for _, f := range files {
		if strings.HasSuffix(f.Name, "/") {
			continue
		}
		if !safeName(f.Name) {
			return nil, &Error{Kind: KindCorruptArchive, Member: f.Name, Err: errors.New("illegal member path")}
		}

		name := strings.ToLower(path.Base(f.Name))
		kind, ok := expected[name]
		switch {
		case ok && found[kind] != nil:
			return nil, &Error{Kind: KindUnexpectedMember, Member: f.Name, Err: errors.New("duplicate member")}
		case ok:
			found[kind] = f
		case companionMembers[name]:
			// Ignored.
		default:
			return nil, &Error{Kind: KindUnexpectedMember, Member: f.Name}
		}
	}

	for _, k := range registry.LoadOrder {
		if found[k] == nil {
			return nil, &Error{Kind: KindMissingMember, Member: k.MemberFile()}
		}
	}
	return found, nil
}

func extractFile(f *zip.File, dest string) error {
	rc, err := f.Open()
	if err != nil {
		return &Error{Kind: KindCorruptArchive, Member: f.Name, Err: err}
	}
	defer func() {
		_ = rc.Close()
	}()

	out, err := os.OpenFile(dest, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("create %s: %w", dest, err)
	}

	// zip verifies the CRC and declared size once the entry is fully read.
	_, copyErr := io.Copy(out, rc)
	closeErr := out.Close()
	if copyErr != nil {
		return &Error{Kind: KindCorruptArchive, Member: f.Name, Err: copyErr}
	}
	if closeErr != nil {
		return fmt.Errorf("close %s: %w", dest, closeErr)
	}
	return nil
}

func safeName(name string) bool {
	if path.IsAbs(name) || strings.Contains(name, "\\") {
		return false
	}
	for _, part := range strings.Split(name, "/") {
		if part == ".." {
			return false
		}
	}
	return true
}
