// Package dlq implements the Dead Letter Store (§4.6): the terminal resting
// place for deliveries the Delivery Engine has given up on.
package dlq

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/ai2ai-protocol/ai2ai/internal/envelope"
	"github.com/ai2ai-protocol/ai2ai/internal/metrics"
)

// Entry is one permanently failed delivery.
type Entry struct {
	ID        string             `json:"id"`
	Envelope  *envelope.Envelope `json:"envelope"`
	Endpoint  string             `json:"endpoint"`
	Attempts  int                `json:"attempts"`
	LastError string             `json:"lastError"`
	FailedAt  time.Time          `json:"failedAt"`
}

var ErrNotFound = errors.New("dlq: entry not found")

// Store is an append-only directory of JSON entries.
type Store struct {
	dir string
	mu  sync.Mutex
}

// Open opens (creating if needed) a dead letter store rooted at dir.
func Open(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	return &Store{dir: dir}, nil
}

// Add records a permanently failed delivery and returns its entry id.
func (s *Store) Add(env *envelope.Envelope, endpoint string, attempts int, cause error) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := ulid.MustNew(ulid.Timestamp(time.Now()), rand.Reader).String()
	e := &Entry{
		ID:        id,
		Envelope:  env,
		Endpoint:  endpoint,
		Attempts:  attempts,
		FailedAt:  time.Now().UTC(),
	}
	if cause != nil {
		e.LastError = cause.Error()
	}
	if err := s.writeEntry(e); err != nil {
		return "", err
	}
	metrics.DeadLetterDepth.Inc()
	return id, nil
}

// All lists every entry currently held, oldest first.
func (s *Store) All() ([]*Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.readAllLocked()
}

// SendFunc attempts one delivery of an entry; a nil error means success.
type SendFunc func(ctx context.Context, e *Entry) error

// RetryAll iterates every entry, attempts each exactly once via send, and
// removes it on success. Entries that fail again stay in the store.
// Returns the number of entries successfully retried.
func (s *Store) RetryAll(ctx context.Context, send SendFunc) (int, error) {
	entries, err := s.All()
	if err != nil {
		return 0, err
	}

	retried := 0
	for _, e := range entries {
		if err := send(ctx, e); err != nil {
			continue
		}
		if err := s.remove(e.ID); err != nil {
			return retried, err
		}
		retried++
	}
	return retried, nil
}

func (s *Store) remove(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	err := os.Remove(s.path(id))
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err == nil {
		metrics.DeadLetterDepth.Dec()
	}
	return err
}

func (s *Store) path(id string) string {
	return filepath.Join(s.dir, id+".json")
}

func (s *Store) writeEntry(e *Entry) error {
	data, err := json.MarshalIndent(e, "", "  ")
	if err != nil {
		return err
	}
	tmp := s.path(e.ID) + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, s.path(e.ID))
}

func (s *Store) readAllLocked() ([]*Entry, error) {
	files, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, err
	}
	entries := make([]*Entry, 0, len(files))
	for _, f := range files {
		if f.IsDir() || filepath.Ext(f.Name()) != ".json" {
			continue
		}
		data, err := os.ReadFile(filepath.Join(s.dir, f.Name()))
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				continue
			}
			return nil, err
		}
		var e Entry
		if err := json.Unmarshal(data, &e); err != nil {
			return nil, err
		}
		entries = append(entries, &e)
	}
	return entries, nil
}
