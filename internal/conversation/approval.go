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

// DefaultApprovalTTL is how long a pending approval waits before it is
// auto-rejected by the maintenance sweep (§3, default 24h).
const DefaultApprovalTTL = 24 * time.Hour

// ResolvedRetention is how long a resolved approval is kept before purge
// (§3/§4.8, 7 days).
const ResolvedRetention = 7 * 24 * time.Hour

// Approval is a pending or resolved human-in-the-loop decision, keyed on
// the triggering envelope's id.
type Approval struct {
	ID           uuid.UUID          `json:"id"`
	Envelope     *envelope.Envelope `json:"envelope"`
	ApprovalText string             `json:"approvalText"`
	CreatedAt    time.Time          `json:"createdAt"`
	Resolved     bool               `json:"resolved"`
	Approved     bool               `json:"approved"`
	HumanReply   string             `json:"humanReply,omitempty"`
	ResolvedAt   *time.Time         `json:"resolvedAt,omitempty"`
	Notified     bool               `json:"notified"`
}

var (
	ErrApprovalNotFound        = errors.New("conversation: approval not found")
	ErrApprovalAlreadyResolved = errors.New("conversation: approval already resolved")
)

// ApprovalInbox persists one JSON document per pending or resolved approval.
type ApprovalInbox struct {
	dir string
	mu  sync.Mutex
}

// OpenApprovalInbox opens (creating if needed) an inbox rooted at dir.
func OpenApprovalInbox(dir string) (*ApprovalInbox, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	return &ApprovalInbox{dir: dir}, nil
}

// Enqueue records a new pending approval keyed on the envelope's id.
func (a *ApprovalInbox) Enqueue(env *envelope.Envelope, approvalText string) (*Approval, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	appr := &Approval{
		ID:           env.ID,
		Envelope:     env,
		ApprovalText: approvalText,
		CreatedAt:    time.Now().UTC(),
	}
	if err := a.writeLocked(appr); err != nil {
		return nil, err
	}
	metrics.PendingApprovals.Inc()
	return appr, nil
}

// Get returns a snapshot of an approval by id.
func (a *ApprovalInbox) Get(id uuid.UUID) (*Approval, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.readLocked(id)
}

// Resolve atomically replaces a pending approval with its resolution.
// Resolving an already-resolved approval is an error.
func (a *ApprovalInbox) Resolve(id uuid.UUID, approved bool, humanReply string) (*Approval, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	appr, err := a.readLocked(id)
	if err != nil {
		return nil, err
	}
	if appr.Resolved {
		return nil, ErrApprovalAlreadyResolved
	}
	now := time.Now().UTC()
	appr.Resolved = true
	appr.Approved = approved
	appr.HumanReply = humanReply
	appr.ResolvedAt = &now
	if err := a.writeLocked(appr); err != nil {
		return nil, err
	}
	metrics.PendingApprovals.Dec()
	return appr, nil
}

// MarkNotified records that the operator has been alerted to this approval.
func (a *ApprovalInbox) MarkNotified(id uuid.UUID) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	appr, err := a.readLocked(id)
	if err != nil {
		return err
	}
	appr.Notified = true
	return a.writeLocked(appr)
}

// Pending returns every unresolved approval.
func (a *ApprovalInbox) Pending() ([]*Approval, error) {
	all, err := a.all()
	if err != nil {
		return nil, err
	}
	var pending []*Approval
	for _, appr := range all {
		if !appr.Resolved {
			pending = append(pending, appr)
		}
	}
	return pending, nil
}

// AutoRejectStale auto-rejects any pending approval older than ttl. Returns
// the ids rejected.
func (a *ApprovalInbox) AutoRejectStale(ttl time.Duration, now time.Time) ([]uuid.UUID, error) {
	pending, err := a.Pending()
	if err != nil {
		return nil, err
	}
	var rejected []uuid.UUID
	for _, appr := range pending {
		if now.Sub(appr.CreatedAt) < ttl {
			continue
		}
		if _, err := a.Resolve(appr.ID, false, "auto-rejected: approval window expired"); err != nil {
			return rejected, err
		}
		rejected = append(rejected, appr.ID)
	}
	return rejected, nil
}

// PurgeResolved deletes resolved approvals older than retention. Returns
// the number purged.
func (a *ApprovalInbox) PurgeResolved(retention time.Duration, now time.Time) (int, error) {
	all, err := a.all()
	if err != nil {
		return 0, err
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	purged := 0
	for _, appr := range all {
		if !appr.Resolved || appr.ResolvedAt == nil {
			continue
		}
		if now.Sub(*appr.ResolvedAt) < retention {
			continue
		}
		if err := os.Remove(a.path(appr.ID)); err != nil && !errors.Is(err, os.ErrNotExist) {
			return purged, err
		}
		purged++
	}
	return purged, nil
}

func (a *ApprovalInbox) all() ([]*Approval, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	files, err := os.ReadDir(a.dir)
	if err != nil {
		return nil, err
	}
	var out []*Approval
	for _, f := range files {
		if f.IsDir() || filepath.Ext(f.Name()) != ".json" {
			continue
		}
		id, err := uuid.Parse(f.Name()[:len(f.Name())-len(".json")])
		if err != nil {
			continue
		}
		appr, err := a.readLocked(id)
		if errors.Is(err, ErrApprovalNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, appr)
	}
	return out, nil
}

func (a *ApprovalInbox) path(id uuid.UUID) string {
	return filepath.Join(a.dir, id.String()+".json")
}

func (a *ApprovalInbox) writeLocked(appr *Approval) error {
	data, err := json.MarshalIndent(appr, "", "  ")
	if err != nil {
		return err
	}
	tmp := a.path(appr.ID) + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, a.path(appr.ID))
}

func (a *ApprovalInbox) readLocked(id uuid.UUID) (*Approval, error) {
	data, err := os.ReadFile(a.path(id))
	if errors.Is(err, os.ErrNotExist) {
		return nil, ErrApprovalNotFound
	}
	if err != nil {
		return nil, err
	}
	var appr Approval
	if err := json.Unmarshal(data, &appr); err != nil {
		return nil, err
	}
	return &appr, nil
}
