package cache

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/spf13/afero"
)

// FileStore keeps records as JSON lines, one per Set, appended to a single
// file. Rewrite compacts the log through a temp file and rename.
//
// A crash mid-append leaves at most one truncated trailing line. Load
// skips it, and the next Append starts on a fresh line so the damage never
// spreads to later records.
type FileStore struct {
	fs   afero.Fs
	path string

	f            afero.File
	needsNewline bool
}

// NewFileStore creates a store at path, creating parent directories.
func NewFileStore(fsys afero.Fs, path string) (*FileStore, error) {
	if err := fsys.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create cache directory: %w", err)
	}
	return &FileStore{fs: fsys, path: path}, nil
}

// Path returns the backing file path.
func (s *FileStore) Path() string {
	return s.path
}

// Load implements Store.
func (s *FileStore) Load(fn func(Record)) (int, error) {
	f, err := s.fs.Open(s.path)
	if errors.Is(err, fs.ErrNotExist) {
		return 0, nil
	}
	if err != nil {
		return 0, &CorruptionError{Path: s.path, Err: err}
	}
	defer f.Close()

	r := bufio.NewReader(f)
	skipped := 0
	var last byte

	for {
		line, err := r.ReadBytes('\n')
		if len(line) > 0 {
			last = line[len(line)-1]
		}

		if trimmed := bytes.TrimSpace(line); len(trimmed) > 0 {
			var rec Record
			if jsonErr := json.Unmarshal(trimmed, &rec); jsonErr != nil || !rec.valid() {
				skipped++
			} else {
				fn(rec)
			}
		}

		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return skipped, &CorruptionError{Path: s.path, Err: err}
		}
	}

	s.needsNewline = last != 0 && last != '\n'
	return skipped, nil
}

// Append implements Store.
func (s *FileStore) Append(rec Record) error {
	if s.f == nil {
		f, err := s.fs.OpenFile(s.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			return fmt.Errorf("failed to open cache file: %w", err)
		}
		s.f = f
	}

	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to marshal cache record: %w", err)
	}

	var buf bytes.Buffer
	if s.needsNewline {
		buf.WriteByte('\n')
	}
	buf.Write(data)
	buf.WriteByte('\n')

	if _, err := s.f.Write(buf.Bytes()); err != nil {
		// The tail may now be partial; start the next record on a new line.
		s.needsNewline = true
		return fmt.Errorf("failed to append cache record: %w", err)
	}
	s.needsNewline = false
	return nil
}

// Rewrite implements Store.
func (s *FileStore) Rewrite(recs []Record) error {
	tmp := s.path + ".tmp"

	f, err := s.fs.Create(tmp)
	if err != nil {
		return fmt.Errorf("failed to create compacted cache file: %w", err)
	}

	w := bufio.NewWriter(f)
	enc := json.NewEncoder(w)
	for _, rec := range recs {
		if err := enc.Encode(rec); err != nil {
			_ = f.Close()
			_ = s.fs.Remove(tmp)
			return fmt.Errorf("failed to write compacted record: %w", err)
		}
	}
	if err := w.Flush(); err != nil {
		_ = f.Close()
		_ = s.fs.Remove(tmp)
		return fmt.Errorf("failed to flush compacted cache file: %w", err)
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		_ = s.fs.Remove(tmp)
		return fmt.Errorf("failed to sync compacted cache file: %w", err)
	}
	if err := f.Close(); err != nil {
		_ = s.fs.Remove(tmp)
		return fmt.Errorf("failed to close compacted cache file: %w", err)
	}

	if s.f != nil {
		_ = s.f.Close()
		s.f = nil
	}

	if err := s.fs.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("failed to replace cache file: %w", err)
	}
	s.needsNewline = false
	return nil
}

// Close implements Store.
func (s *FileStore) Close() error {
	if s.f == nil {
		return nil
	}
	err := s.f.Close()
	s.f = nil
	if err != nil {
		return fmt.Errorf("failed to close cache file: %w", err)
	}
	return nil
}
