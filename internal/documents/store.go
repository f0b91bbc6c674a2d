// Package documents writes fetched filings into the on-disk document tree.
package documents

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/brensch/edgarsync/internal/inventory"
)

// UnknownSubIdentifier is used in file names when a form type expects an
// embedded file number but the document does not carry one.
const UnknownSubIdentifier = "unknown_13F_file_number"

var fileNumberPattern = regexp.MustCompile(`form13FFileNumber>([^<]+)</`)

// SubIdentifier extracts the optional file-number tag for form types that
// carry one. The second return value reports whether the form type uses a
// sub-identifier at all.
func SubIdentifier(formType string, body []byte) (string, bool) {
	if !strings.Contains(strings.ToUpper(formType), "13F") {
		return "", false
	}
	m := fileNumberPattern.FindSubmatch(body)
	if m == nil {
		return UnknownSubIdentifier, true
	}
	id := strings.TrimSpace(string(m[1]))
	if id == "" {
		return UnknownSubIdentifier, true
	}
	return id, true
}

// WriteError reports a local disk failure while persisting a document.
type WriteError struct {
	Path string
	Err  error
}

func (e *WriteError) Error() string {
	return fmt.Sprintf("write document %s: %v", e.Path, e.Err)
}

func (e *WriteError) Unwrap() error { return e.Err }

// Store owns a document tree rooted at Root.
type Store struct {
	Root string
	Ext  string
}

// NewStore returns a Store writing files with the given extension.
func NewStore(root, ext string) *Store {
	ext = strings.TrimPrefix(ext, ".")
	if ext == "" {
		ext = "txt"
	}
	return &Store{Root: root, Ext: ext}
}

// EnsureRoot creates the root directory.
func (s *Store) EnsureRoot() error {
	if err := os.MkdirAll(s.Root, 0o755); err != nil {
		return fmt.Errorf("create output root %s: %w", s.Root, err)
	}
	return nil
}

// EntityDir is the directory holding all documents of one entity.
func (s *Store) EntityDir(entityID string) string {
	return filepath.Join(s.Root, inventory.PadEntityID(entityID))
}

// Path returns where a document is stored. An empty subID omits the suffix.
func (s *Store) Path(entityID, accession, subID string) string {
	name := accession
	if subID != "" {
		name += "_" + sanitize(subID)
	}
	return filepath.Join(s.EntityDir(entityID), name+"."+s.Ext)
}

// Save writes body to the derived path, replacing any existing file. The
// write goes through a temporary file in the same directory and a rename so
// readers never see a partial document.
func (s *Store) Save(entityID, accession string, body []byte, subID string) (string, error) {
	path := s.Path(entityID, accession, subID)
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", &WriteError{Path: path, Err: err}
	}

	tmp, err := os.CreateTemp(dir, "."+accession+".*.tmp")
	if err != nil {
		return "", &WriteError{Path: path, Err: err}
	}
	tmpName := tmp.Name()
	cleanup := func() { os.Remove(tmpName) }

	if _, err := tmp.Write(body); err != nil {
		tmp.Close()
		cleanup()
		return "", &WriteError{Path: path, Err: err}
	}
	if err := tmp.Close(); err != nil {
		cleanup()
		return "", &WriteError{Path: path, Err: err}
	}
	if err := os.Rename(tmpName, path); err != nil {
		cleanup()
		return "", &WriteError{Path: path, Err: err}
	}
	return path, nil
}

// sanitize keeps extracted identifiers from escaping the entity directory.
func sanitize(s string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case '/', '\\', ':', 0:
			return '_'
		}
		return r
	}, s)
}
