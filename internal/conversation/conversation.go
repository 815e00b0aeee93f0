// Package conversation implements the Conversation Store and pending
// approval inbox (§4.8): the state machine governing multi-step exchanges
// and the operator approval queue that gates outbound side effects.
package conversation

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ai2ai-protocol/ai2ai/internal/envelope"
	"github.com/ai2ai-protocol/ai2ai/internal/metrics"
)

// State is a position in the conversation state machine.
type State string

const (
	StateProposed    State = "proposed"
	StateNegotiating State = "negotiating"
	StateConfirmed   State = "confirmed"
	StateRejected    State = "rejected"
	StateExpired     State = "expired"
)

var transitions = map[State]map[State]bool{
	StateProposed: {
		StateNegotiating: true,
		StateConfirmed:   true,
		StateRejected:    true,
		StateExpired:     true,
	},
	StateNegotiating: {
		StateConfirmed: true,
		StateRejected:  true,
		StateExpired:   true,
	},
}

func isTerminal(s State) bool {
	return s == StateConfirmed || s == StateRejected || s == StateExpired
}

var (
	ErrNotFound          = errors.New("conversation: not found")
	ErrInvalidTransition = errors.New("conversation: invalid state transition")
)

// DefaultExpiry is applied to a conversation with no explicit expiry (7 days
// after last activity, per §3).
const DefaultExpiry = 7 * 24 * time.Hour

// Conversation is the persisted metadata for one multi-step exchange.
type Conversation struct {
	ID           uuid.UUID  `json:"id"`
	State        State      `json:"state"`
	Intent       string     `json:"intent"`
	Initiator    string     `json:"initiator"`
	Recipient    string     `json:"recipient"`
	Participants []string   `json:"participants"`
	CreatedAt    time.Time  `json:"createdAt"`
	UpdatedAt    time.Time  `json:"updatedAt"`
	ExpiresAt    time.Time  `json:"expiresAt"`
	MessageCount int        `json:"messageCount"`
}

// CreateOptions supplies the fields fixed at conversation creation.
type CreateOptions struct {
	Intent       string
	Initiator    string
	Recipient    string
	Participants []string
	Expiry       time.Duration // zero means DefaultExpiry
}

// Store persists conversation metadata as one JSON file per conversation
// and appends the raw envelope stream to conversations/<id>.jsonl, matching
// the ingress pipeline's append-on-receipt behavior (§4.9).
type Store struct {
	dir string
	mu  sync.RWMutex
}

// Open opens (creating if needed) a conversation store rooted at dir.
func Open(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	return &Store{dir: dir}, nil
}

// Create writes new conversation metadata in the proposed state.
func (s *Store) Create(id uuid.UUID, opts CreateOptions) (*Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	expiry := opts.Expiry
	if expiry == 0 {
		expiry = DefaultExpiry
	}
	now := time.Now().UTC()
	c := &Conversation{
		ID:           id,
		State:        StateProposed,
		Intent:       opts.Intent,
		Initiator:    opts.Initiator,
		Recipient:    opts.Recipient,
		Participants: opts.Participants,
		CreatedAt:    now,
		UpdatedAt:    now,
		ExpiresAt:    now.Add(expiry),
	}
	if err := s.writeLocked(c); err != nil {
		return nil, err
	}
	return c, nil
}

// Get returns a snapshot of a conversation's metadata.
func (s *Store) Get(id uuid.UUID) (*Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.readLocked(id)
}

// Transition consults the transition table and rejects disallowed moves;
// an invalid transition never mutates stored state.
func (s *Store) Transition(id uuid.UUID, newState State) (*Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, err := s.readLocked(id)
	if err != nil {
		return nil, err
	}
	if isTerminal(c.State) || !transitions[c.State][newState] {
		return nil, ErrInvalidTransition
	}
	now := time.Now().UTC()
	c.ExpiresAt = now.Add(c.ExpiresAt.Sub(c.UpdatedAt))
	c.State = newState
	c.UpdatedAt = now
	if err := s.writeLocked(c); err != nil {
		return nil, err
	}
	metrics.ConversationTransitions.WithLabelValues(string(newState)).Inc()
	return c, nil
}

// AppendEnvelope logs env to the conversation's append-only JSONL stream and
// bumps its message count and updatedAt.
func (s *Store) AppendEnvelope(env *envelope.Envelope) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := os.OpenFile(s.logPath(env.Conversation), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()

	data, err := json.Marshal(env)
	if err != nil {
		return err
	}
	if _, err := f.Write(append(data, '\n')); err != nil {
		return err
	}

	c, err := s.readLocked(env.Conversation)
	if errors.Is(err, ErrNotFound) {
		return nil // envelope logged before conversation metadata exists
	}
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	c.MessageCount++
	c.ExpiresAt = now.Add(c.ExpiresAt.Sub(c.UpdatedAt))
	c.UpdatedAt = now
	return s.writeLocked(c)
}

// All returns every stored conversation, for the maintenance sweep.
func (s *Store) All() ([]*Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	files, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, err
	}
	var out []*Conversation
	for _, f := range files {
		if f.IsDir() || filepath.Ext(f.Name()) != ".json" {
			continue
		}
		id, err := uuid.Parse(f.Name()[:len(f.Name())-len(".json")])
		if err != nil {
			continue
		}
		c, err := s.readLocked(id)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, nil
}

// ExpireStale marks any non-terminal conversation past its expiry as
// expired. Returns the number of conversations transitioned.
func (s *Store) ExpireStale(now time.Time) (int, error) {
	all, err := s.All()
	if err != nil {
		return 0, err
	}
	n := 0
	for _, c := range all {
		if isTerminal(c.State) || now.Before(c.ExpiresAt) {
			continue
		}
		if _, err := s.Transition(c.ID, StateExpired); err != nil && !errors.Is(err, ErrInvalidTransition) {
			return n, err
		}
		n++
	}
	return n, nil
}

func (s *Store) metaPath(id uuid.UUID) string {
	return filepath.Join(s.dir, id.String()+".json")
}

func (s *Store) logPath(id uuid.UUID) string {
	return filepath.Join(s.dir, id.String()+".jsonl")
}

func (s *Store) writeLocked(c *Conversation) error {
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return err
	}
	tmp := s.metaPath(c.ID) + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, s.metaPath(c.ID))
}

func (s *Store) readLocked(id uuid.UUID) (*Conversation, error) {
	data, err := os.ReadFile(s.metaPath(id))
	if errors.Is(err, os.ErrNotExist) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	var c Conversation
	if err := json.Unmarshal(data, &c); err != nil {
		return nil, err
	}
	return &c, nil
}
