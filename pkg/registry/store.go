package registry

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"llmc/pkg/protocol"
)

// DocumentVersion is the registry file format version.
const DocumentVersion = 1

// Document is the on-disk registry shape. Workers is a list so that
// duplicate names survive decoding and can be reported.
type Document struct {
	Version int            `json:"version"`
	Workers []WorkerRecord `json:"workers"`
}

// Store persists a Registry at Path with a backup copy at BackupPath.
type Store struct {
	Path       string
	BackupPath string

	nowFunc      func() time.Time
	beforeRename func(tmpPath string) error // test hook simulating a crash mid-save
}

// NewStore returns a store for path with the backup alongside it.
func NewStore(path string) *Store {
	return &Store{
		Path:       path,
		BackupPath: path + protocol.BackupSuffix,
		nowFunc:    time.Now,
	}
}

// Load reads the canonical file and runs the existence, decode, schema and
// consistency checks in order. On a schema or consistency failure the
// decoded registry is returned together with the *protocol.IntegrityError
// so recovery can repair it in place.
func (s *Store) Load() (*Registry, error) {
	return s.LoadFile(s.Path)
}

// LoadBackup runs the same checks against the backup copy.
func (s *Store) LoadBackup() (*Registry, error) {
	return s.LoadFile(s.BackupPath)
}

// LoadFile runs the four checks against an arbitrary registry file.
func (s *Store) LoadFile(path string) (*Registry, error) {
	doc, err := ReadDocument(path)
	if err != nil {
		return nil, err
	}
	reg := New(doc.Workers...)
	if ierr := Validate(path, doc.Workers, s.now()); ierr != nil {
		return reg, ierr
	}
	return reg, nil
}

// ReadDocument performs the existence and decode checks only.
func ReadDocument(path string) (*Document, error) {
	//nolint:gosec // path is the configured registry location
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, &protocol.IntegrityError{Kind: protocol.IntegrityMissing, Path: path, Err: err}
		}
		return nil, fmt.Errorf("read registry %s: %w", path, err)
	}

	var doc Document
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&doc); err != nil {
		return nil, &protocol.IntegrityError{Kind: protocol.IntegrityDecode, Path: path, Err: err}
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		return nil, &protocol.IntegrityError{
			Kind: protocol.IntegrityDecode, Path: path,
			Err: errors.New("trailing data after registry document"),
		}
	}
	if doc.Version != DocumentVersion {
		return nil, &protocol.IntegrityError{
			Kind: protocol.IntegrityDecode, Path: path,
			Err: fmt.Errorf("unsupported registry version %d", doc.Version),
		}
	}
	return &doc, nil
}

// Save copies the current canonical file to the backup, then atomically
// replaces the canonical file with reg.
func (s *Store) Save(reg *Registry) error {
	data, err := json.MarshalIndent(Document{Version: DocumentVersion, Workers: reg.Snapshot()}, "", "  ")
	if err != nil {
		return fmt.Errorf("encode registry: %w", err)
	}
	data = append(data, '\n')

	if err := s.backup(); err != nil {
		return err
	}
	if err := s.writeAtomic(s.Path, data); err != nil {
		return fmt.Errorf("write registry %s: %w", s.Path, err)
	}
	return nil
}

// backup copies the canonical file only when it still decodes, so a
// corrupt canonical file never overwrites a good backup.
func (s *Store) backup() error {
	//nolint:gosec // path is the configured registry location
	data, err := os.ReadFile(s.Path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read registry for backup: %w", err)
	}
	if _, err := ReadDocument(s.Path); err != nil {
		return nil //nolint:nilerr // an undecodable canonical file is not worth backing up
	}
	if err := s.writeAtomic(s.BackupPath, data); err != nil {
		return fmt.Errorf("write backup %s: %w", s.BackupPath, err)
	}
	return nil
}

// Restore replaces the canonical file with the backup copy.
func (s *Store) Restore() error {
	//nolint:gosec // path is the configured backup location
	data, err := os.ReadFile(s.BackupPath)
	if err != nil {
		return fmt.Errorf("read backup %s: %w", s.BackupPath, err)
	}
	if err := s.writeAtomic(s.Path, data); err != nil {
		return fmt.Errorf("restore registry %s: %w", s.Path, err)
	}
	return nil
}

// Quarantine moves an unreadable canonical file aside and returns its new
// path, so an operator can inspect what recovery replaced.
func (s *Store) Quarantine() (string, error) {
	dest := fmt.Sprintf("%s.corrupt-%d", s.Path, s.now().Unix())
	if err := os.Rename(s.Path, dest); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return "", nil
		}
		return "", fmt.Errorf("quarantine %s: %w", s.Path, err)
	}
	return dest, nil
}

func (s *Store) now() time.Time {
	if s.nowFunc == nil {
		return time.Now()
	}
	return s.nowFunc()
}

// writeAtomic writes data to a temp file in the target directory, syncs
// it, renames it over path and syncs the directory.
func (s *Store) writeAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return err
	}

	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp.*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	committed := false
	defer func() {
		_ = tmp.Close()
		if !committed {
			_ = os.Remove(tmpName)
		}
	}()

	if _, err := io.Copy(tmp, bytes.NewReader(data)); err != nil {
		return err
	}
	if err := tmp.Chmod(0o600); err != nil {
		return err
	}
	if err := tmp.Sync(); err != nil {
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if s.beforeRename != nil {
		if err := s.beforeRename(tmpName); err != nil {
			return err
		}
	}
	if err := os.Rename(tmpName, path); err != nil {
		return err
	}
	committed = true
	return fsyncDir(dir)
}

func fsyncDir(dir string) error {
	f, err := os.Open(dir) //nolint:gosec // directory of the registry file
	if err != nil {
		return err
	}
	defer func() { _ = f.Close() }()
	return f.Sync()
}
