package cache

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/afero"
)

// ErrCorrupt is matched (via errors.Is) by every CorruptionError.
var ErrCorrupt = errors.New("cache store corrupt")

// CorruptionError reports a persisted store that could not be read.
// It is never fatal: the cache starts empty and keeps running.
type CorruptionError struct {
	Path string
	Err  error
}

func (e *CorruptionError) Error() string {
	return fmt.Sprintf("cache store %s unreadable: %v", e.Path, e.Err)
}

func (e *CorruptionError) Unwrap() error { return e.Err }

// Is makes errors.Is(err, ErrCorrupt) true.
func (e *CorruptionError) Is(target error) bool { return target == ErrCorrupt }

// Record is the persisted form of an Entry.
type Record struct {
	Key        string    `json:"key"`
	Value      []byte    `json:"value"`
	CreatedAt  time.Time `json:"created_at"`
	TTLSeconds float64   `json:"ttl_seconds"`
}

// TTL converts the stored seconds back to a duration.
func (r Record) TTL() time.Duration {
	return time.Duration(r.TTLSeconds * float64(time.Second))
}

func (r Record) valid() bool {
	return r.Key != "" && r.TTLSeconds > 0 && !r.CreatedAt.IsZero()
}

func recordFor(e *Entry) Record {
	return Record{
		Key:        e.Key,
		Value:      e.Value,
		CreatedAt:  e.CreatedAt,
		TTLSeconds: e.TTL.Seconds(),
	}
}

// Store persists cache records. Implementations need not be safe for
// concurrent use; Cache serializes every call.
type Store interface {
	// Load streams every readable record in write order. Unreadable
	// records are skipped and counted. A non-nil error means the store as
	// a whole could not be read.
	Load(fn func(Record)) (skipped int, err error)

	// Append persists one record.
	Append(rec Record) error

	// Rewrite replaces the store contents with exactly recs.
	Rewrite(recs []Record) error

	// Close releases the store.
	Close() error
}

// Backend names accepted by OpenStore.
const (
	BackendFile   = "file"
	BackendSQLite = "sqlite"
	BackendMemory = "memory"
)

// OpenStore opens the configured backend inside dir. A SQLite database
// that cannot be opened is moved aside and recreated so the daemon can
// keep persisting; the returned error is then a *CorruptionError that
// callers log as a warning.
func OpenStore(backend, dir string, logger *slog.Logger) (Store, error) {
	if logger == nil {
		logger = slog.Default()
	}

	switch backend {
	case BackendMemory:
		return nil, nil

	case "", BackendFile:
		store, err := NewFileStore(afero.NewOsFs(), filepath.Join(dir, "cache.jsonl"))
		if err != nil {
			return nil, err
		}
		return store, nil

	case BackendSQLite:
		path := filepath.Join(dir, "cache.db")
		store, err := OpenSQLiteStore(path)
		if err == nil {
			return store, nil
		}

		aside := fmt.Sprintf("%s.corrupt-%d", path, time.Now().Unix())
		if renameErr := os.Rename(path, aside); renameErr != nil {
			return nil, &CorruptionError{Path: path, Err: errors.Join(err, renameErr)}
		}
		logger.Warn("moved unreadable cache database aside", "path", path, "moved_to", aside, "error", err)

		store, retryErr := OpenSQLiteStore(path)
		if retryErr != nil {
			return nil, &CorruptionError{Path: path, Err: errors.Join(err, retryErr)}
		}
		return store, &CorruptionError{Path: path, Err: err}

	default:
		return nil, fmt.Errorf("unknown cache backend %q", backend)
	}
}
