package node

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/ai2ai-protocol/ai2ai/internal/contacts"
	"github.com/ai2ai-protocol/ai2ai/internal/conversation"
	"github.com/ai2ai-protocol/ai2ai/internal/discovery"
	"github.com/ai2ai-protocol/ai2ai/internal/egress"
	"github.com/ai2ai-protocol/ai2ai/internal/envelope"
	"github.com/ai2ai-protocol/ai2ai/internal/queue"
)

// MessageOptions customizes a fire-and-forget outbound message (§4.12 send()).
type MessageOptions struct {
	Conversation   uuid.UUID
	TTL            time.Duration
	SkipEncryption bool
	Priority       queue.Priority
}

// Send delivers a one-way type=inform envelope to targetID, queuing it for
// background retry if interactive delivery fails.
func (n *Node) Send(ctx context.Context, targetID string, message any, opts MessageOptions) (*egress.Result, error) {
	return n.egress.Send(ctx, targetID, egress.SendOptions{
		Type:           envelope.TypeInform,
		Conversation:   opts.Conversation,
		Payload:        message,
		TTL:            opts.TTL,
		SkipEncryption: opts.SkipEncryption,
		Priority:       opts.Priority,
	})
}

// Request sends a type=request envelope for intent and returns once the
// send itself has been ack'd or queued; the eventual reply arrives later
// on the "request"/"message" events, matching §4.12's async contract.
func (n *Node) Request(ctx context.Context, targetID, intent string, payload any, opts MessageOptions) (*egress.Result, error) {
	return n.egress.Send(ctx, targetID, egress.SendOptions{
		Type:           envelope.TypeRequest,
		Intent:         intent,
		Conversation:   opts.Conversation,
		Payload:        payload,
		TTL:            opts.TTL,
		SkipEncryption: opts.SkipEncryption,
		Priority:       opts.Priority,
	})
}

// Discover queries the configured Discovery Client for agents matching query.
func (n *Node) Discover(ctx context.Context, capability, name string) ([]discovery.AgentDescriptor, error) {
	if n.discovery == nil {
		return nil, fmt.Errorf("node: no registry configured")
	}
	return n.discovery.Search(ctx, capability, name)
}

// AddContact records or updates a contact record.
func (n *Node) AddContact(agentID string, info contacts.UpsertInfo) (*contacts.Contact, error) {
	return n.contacts.Upsert(agentID, info)
}

// GetContact returns the known contact record for agentID, if any.
func (n *Node) GetContact(agentID string) (*contacts.Contact, bool) {
	return n.contacts.Get(agentID)
}

// Block marks agentID as blocked; the security filters and delivery engine
// both consult this before any further traffic in either direction.
func (n *Node) Block(agentID string) error {
	return n.contacts.Block(agentID)
}

// Unblock reverses Block.
func (n *Node) Unblock(agentID string) error {
	return n.contacts.Unblock(agentID)
}

// SetTrust changes the trust level gating auto-dispatch for agentID.
func (n *Node) SetTrust(agentID string, level contacts.TrustLevel) error {
	return n.contacts.SetTrust(agentID, level)
}

// PendingApprovals lists approvals awaiting a human decision (§4.8).
func (n *Node) PendingApprovals() ([]*conversation.Approval, error) {
	return n.approvals.Pending()
}

// Approve resolves a pending approval, then builds and sends the follow-up
// response envelope using the ResponseFormatter registered for the
// triggering envelope's intent, falling back to a bare type=confirm with
// the human's reply as its payload if none was registered.
func (n *Node) Approve(ctx context.Context, approvalID uuid.UUID, reply string) error {
	return n.resolveApproval(ctx, approvalID, true, reply)
}

// Reject resolves a pending approval as denied and sends a type=reject
// envelope carrying reason back to the requester.
func (n *Node) Reject(ctx context.Context, approvalID uuid.UUID, reason string) error {
	return n.resolveApproval(ctx, approvalID, false, reason)
}

func (n *Node) resolveApproval(ctx context.Context, approvalID uuid.UUID, approved bool, humanReply string) error {
	appr, err := n.approvals.Resolve(approvalID, approved, humanReply)
	if err != nil {
		return fmt.Errorf("node: resolve approval: %w", err)
	}

	req := appr.Envelope
	intent := ""
	if req.Intent != nil {
		intent = *req.Intent
	}

	respType := envelope.TypeConfirm
	var payload json.RawMessage
	if !approved {
		respType = envelope.TypeReject
	}

	if fn, ok := n.formatters[intent]; ok {
		t, p, err := fn(appr)
		if err != nil {
			return fmt.Errorf("node: format approval response: %w", err)
		}
		respType, payload = t, p
	} else {
		payload = mustMarshal(map[string]string{"reply": humanReply})
	}

	_, err = n.egress.Send(ctx, req.From.Agent, egress.SendOptions{
		Type:         respType,
		Intent:       intent,
		Conversation: req.Conversation,
		Payload:      payload,
	})
	if err != nil {
		return fmt.Errorf("node: send approval response: %w", err)
	}
	return nil
}
