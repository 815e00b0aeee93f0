// Package contacts tracks peer identity, endpoint, public keys, trust
// level and blocked flag, persisted as a single atomically-replaced file.
package contacts

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// TrustLevel is a per-contact disposition controlling whether non-commerce
// actions bypass operator approval.
type TrustLevel string

const (
	TrustNone    TrustLevel = "none"
	TrustKnown   TrustLevel = "known"
	TrustTrusted TrustLevel = "trusted"
)

func (t TrustLevel) valid() bool {
	switch t {
	case TrustNone, TrustKnown, TrustTrusted:
		return true
	}
	return false
}

var ErrInvalidTrustLevel = errors.New("contacts: invalid trust level")

// Contact is a peer record.
type Contact struct {
	AgentID          string     `json:"agentId"`
	HumanName        string     `json:"humanName,omitempty"`
	Endpoint         string     `json:"endpoint,omitempty"`
	EdPublicKey      string     `json:"edPublicKey,omitempty"` // base64
	XPublicKey       string     `json:"xPublicKey,omitempty"`  // base64
	TrustLevel       TrustLevel `json:"trustLevel"`
	Blocked          bool       `json:"blocked"`
	Capabilities     []string   `json:"capabilities,omitempty"`
	Timezone         string     `json:"timezone,omitempty"`
	LastSeen         time.Time  `json:"lastSeen"`
	PreviousEdKeys   []string   `json:"previousEdKeys,omitempty"`
}

// UpsertInfo carries the fields upsert may set; zero values are ignored so
// partial updates (e.g. from a ping response) don't clobber known fields.
type UpsertInfo struct {
	HumanName    string
	Endpoint     string
	EdPublicKey  string
	XPublicKey   string
	Capabilities []string
	Timezone     string
}

// Registry is the process-owned contact map, persisted to disk on mutation.
type Registry struct {
	path string

	mu       sync.RWMutex
	contacts map[string]*Contact
}

// Open loads the contact map from path (contacts.json), creating an empty
// one if it doesn't exist yet.
func Open(path string) (*Registry, error) {
	r := &Registry{path: path, contacts: map[string]*Contact{}}

	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return r, nil
	}
	if err != nil {
		return nil, err
	}

	var list []*Contact
	if err := json.Unmarshal(data, &list); err != nil {
		return nil, err
	}
	for _, c := range list {
		r.contacts[c.AgentID] = c
	}
	return r, nil
}

func (r *Registry) persistLocked() error {
	list := make([]*Contact, 0, len(r.contacts))
	for _, c := range r.contacts {
		list = append(list, c)
	}
	data, err := json.MarshalIndent(list, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(r.path), 0o700); err != nil {
		return err
	}
	tmp := r.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, r.path)
}

// Get looks up a contact by agent id.
func (r *Registry) Get(agentID string) (*Contact, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.contacts[agentID]
	if !ok {
		return nil, false
	}
	cp := *c
	return &cp, true
}

// All returns a snapshot of every known contact.
func (r *Registry) All() []*Contact {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Contact, 0, len(r.contacts))
	for _, c := range r.contacts {
		cp := *c
		out = append(out, &cp)
	}
	return out
}

// Upsert merges info into the contact record for agentID and stamps
// lastSeen, creating the record if it doesn't exist.
func (r *Registry) Upsert(agentID string, info UpsertInfo) (*Contact, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	c, ok := r.contacts[agentID]
	if !ok {
		c = &Contact{AgentID: agentID, TrustLevel: TrustNone}
		r.contacts[agentID] = c
	}
	if info.HumanName != "" {
		c.HumanName = info.HumanName
	}
	if info.Endpoint != "" {
		c.Endpoint = info.Endpoint
	}
	if info.EdPublicKey != "" && info.EdPublicKey != c.EdPublicKey {
		if c.EdPublicKey != "" {
			c.PreviousEdKeys = append([]string{c.EdPublicKey}, c.PreviousEdKeys...)
		}
		c.EdPublicKey = info.EdPublicKey
	}
	if info.XPublicKey != "" {
		c.XPublicKey = info.XPublicKey
	}
	if len(info.Capabilities) > 0 {
		c.Capabilities = info.Capabilities
	}
	if info.Timezone != "" {
		c.Timezone = info.Timezone
	}
	c.LastSeen = time.Now().UTC()

	if err := r.persistLocked(); err != nil {
		return nil, err
	}
	cp := *c
	return &cp, nil
}

// SetTrust rejects invalid levels and otherwise atomically updates trust.
func (r *Registry) SetTrust(agentID string, level TrustLevel) error {
	if !level.valid() {
		return ErrInvalidTrustLevel
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	c, ok := r.contacts[agentID]
	if !ok {
		c = &Contact{AgentID: agentID}
		r.contacts[agentID] = c
	}
	c.TrustLevel = level
	return r.persistLocked()
}

// Block marks a contact blocked, gating both inbound and outbound traffic.
func (r *Registry) Block(agentID string) error {
	return r.setBlocked(agentID, true)
}

// Unblock clears the blocked flag.
func (r *Registry) Unblock(agentID string) error {
	return r.setBlocked(agentID, false)
}

func (r *Registry) setBlocked(agentID string, blocked bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	c, ok := r.contacts[agentID]
	if !ok {
		c = &Contact{AgentID: agentID, TrustLevel: TrustNone}
		r.contacts[agentID] = c
	}
	c.Blocked = blocked
	return r.persistLocked()
}

// IsBlocked reports whether agentID is currently blocked. Unknown agents
// are not blocked by default.
func (r *Registry) IsBlocked(agentID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.contacts[agentID]
	return ok && c.Blocked
}
