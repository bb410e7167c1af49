// Package storage implements the panel's embedded persistence engine: whole
// JSON documents replaced atomically on each write, and append-only
// newline-delimited event logs. Every mutation runs under an advisory
// per-resource lock so concurrent writers never tear or lose a record.
package storage

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/example/assembly-panel/internal/domain"
)

// Store provides document and event-log access rooted at a single data
// directory. The zero value is not usable; construct with Open.
type Store struct {
	root     string
	locks    *LockDir
	lockWait time.Duration
	logger   *slog.Logger
}

// Option customises Store construction.
type Option func(*Store)

// WithLockWait bounds every lock acquisition performed by the store. The
// default of zero blocks indefinitely.
func WithLockWait(wait time.Duration) Option {
	return func(s *Store) { s.lockWait = wait }
}

// WithLogger attaches a logger for storage level diagnostics.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Store) { s.logger = logger }
}

// Open prepares the data directory and its lock subdirectory.
func Open(root string, opts ...Option) (*Store, error) {
	if strings.TrimSpace(root) == "" {
		return nil, fmt.Errorf("storage: data directory is required")
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create data directory: %w", err)
	}
	locks, err := NewLockDir(filepath.Join(root, ".locks"))
	if err != nil {
		return nil, err
	}
	s := &Store{root: root, locks: locks}
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	return s, nil
}

// Path joins the given elements under the store's data directory.
func (s *Store) Path(parts ...string) string {
	return filepath.Join(append([]string{s.root}, parts...)...)
}

// resourceKey names the lock guarding a file. Keyed by the path relative to
// the data directory so distinct resources never share a lock even when
// their file names collide across subdirectories.
func (s *Store) resourceKey(path string) string {
	rel, err := filepath.Rel(s.root, path)
	if err != nil {
		return filepath.Base(path)
	}
	return rel
}

// ReadDocument decodes the document at path into out. It returns false with a
// nil error when the file does not exist: absence is a legitimate state that
// callers default, never an error. Bytes that fail to decode surface as a
// CorruptionError.
func (s *Store) ReadDocument(path string, out any) (bool, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("read document %s: %w", path, err)
	}
	if err := json.Unmarshal(data, out); err != nil {
		return false, &domain.CorruptionError{Path: path, Err: err}
	}
	return true, nil
}

// WriteDocument serializes v and atomically replaces the document at path,
// holding the resource lock for the duration of the write.
func (s *Store) WriteDocument(path string, v any) error {
	release, err := s.locks.Acquire(s.resourceKey(path), s.lockWait)
	if err != nil {
		return err
	}
	defer release()
	return s.writeDocumentLocked(path, v)
}

// UpdateDocument runs a full read-modify-write cycle under one resource lock.
// doc receives the current document (left untouched when absent), mutate
// adjusts it in place, and the result is written back atomically. This is the
// critical section that keeps concurrent editors of the same resource from
// losing updates.
func (s *Store) UpdateDocument(path string, doc any, mutate func(exists bool) error) error {
	release, err := s.locks.Acquire(s.resourceKey(path), s.lockWait)
	if err != nil {
		return err
	}
	defer release()

	exists, err := s.ReadDocument(path, doc)
	if err != nil {
		return err
	}
	if err := mutate(exists); err != nil {
		return err
	}
	return s.writeDocumentLocked(path, doc)
}

// WithLock runs fn while holding the lock for the resource at path. Engines
// use it when a critical section spans a document and its event logs.
func (s *Store) WithLock(path string, fn func() error) error {
	release, err := s.locks.Acquire(s.resourceKey(path), s.lockWait)
	if err != nil {
		return err
	}
	defer release()
	return fn()
}

func (s *Store) writeDocumentLocked(path string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode document %s: %w", path, err)
	}
	return replaceAtomic(path, data)
}

// AppendEvent serializes one record and appends it as a single line to the
// event log at path, creating parent directories and the log itself when
// absent. Records are never mutated or deleted afterwards.
func (s *Store) AppendEvent(path string, record any) error {
	data, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("encode event for %s: %w", path, err)
	}

	release, err := s.locks.Acquire(s.resourceKey(path), s.lockWait)
	if err != nil {
		return err
	}
	defer release()

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create event log directory: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("open event log %s: %w", path, err)
	}
	defer f.Close()

	if _, err := f.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("append event to %s: %w", path, err)
	}
	return f.Sync()
}

// RewriteEvents atomically replaces the whole log at path with the supplied
// records. Reserved for collection files whose entries carry mutable state
// (approval requests); true event logs are append-only and never rewritten.
func (s *Store) RewriteEvents(path string, records []any) error {
	release, err := s.locks.Acquire(s.resourceKey(path), s.lockWait)
	if err != nil {
		return err
	}
	defer release()
	return s.rewriteEventsLocked(path, records)
}

// UpdateEvents runs a read-modify-rewrite cycle over the log at path under one
// resource lock. update receives the current records and returns the complete
// replacement set, which is written back atomically. The analogue of
// UpdateDocument for collection files whose entries carry mutable state.
func (s *Store) UpdateEvents(path string, update func(records []json.RawMessage) ([]any, error)) error {
	release, err := s.locks.Acquire(s.resourceKey(path), s.lockWait)
	if err != nil {
		return err
	}
	defer release()

	var records []json.RawMessage
	if err := s.IterateEvents(path, func(record json.RawMessage) error {
		records = append(records, record)
		return nil
	}); err != nil {
		return err
	}
	updated, err := update(records)
	if err != nil {
		return err
	}
	return s.rewriteEventsLocked(path, updated)
}

func (s *Store) rewriteEventsLocked(path string, records []any) error {
	var buf bytes.Buffer
	for _, record := range records {
		data, err := json.Marshal(record)
		if err != nil {
			return fmt.Errorf("encode record for %s: %w", path, err)
		}
		buf.Write(data)
		buf.WriteByte('\n')
	}
	return replaceAtomic(path, buf.Bytes())
}

// IterateEvents streams the records of the log at path in append order,
// re-opening the file on every call. A missing log yields no records. Legacy
// lines holding a JSON array are expanded entry by entry. Iteration stops at
// the first error returned by fn.
func (s *Store) IterateEvents(path string, fn func(json.RawMessage) error) error {
	f, err := os.Open(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("open event log %s: %w", path, err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		if line[0] == '[' {
			var batch []json.RawMessage
			if err := json.Unmarshal(line, &batch); err != nil {
				return &domain.CorruptionError{Path: path, Err: err}
			}
			for _, record := range batch {
				if err := fn(record); err != nil {
					return err
				}
			}
			continue
		}
		if !json.Valid(line) {
			return &domain.CorruptionError{Path: path, Err: fmt.Errorf("invalid JSON line")}
		}
		record := make(json.RawMessage, len(line))
		copy(record, line)
		if err := fn(record); err != nil {
			return err
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("scan event log %s: %w", path, err)
	}
	return nil
}

// replaceAtomic writes data to a temporary file in the destination directory
// and renames it over path, so readers only ever observe a complete version.
func replaceAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create directory %s: %w", dir, err)
	}
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("sync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("replace %s: %w", path, err)
	}
	return nil
}
