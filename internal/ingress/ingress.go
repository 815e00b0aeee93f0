// Package ingress implements the Ingress Pipeline (§4.9): HTTP receiver →
// security filters (including signature verification and dedup) → optional
// decrypt → dispatch.
package ingress

import (
	"context"
	"crypto/ed25519"
	"encoding/base64"
	"encoding/json"

	"github.com/rs/zerolog"

	"github.com/ai2ai-protocol/ai2ai/internal/contacts"
	"github.com/ai2ai-protocol/ai2ai/internal/conversation"
	"github.com/ai2ai-protocol/ai2ai/internal/delivery"
	"github.com/ai2ai-protocol/ai2ai/internal/envelope"
	"github.com/ai2ai-protocol/ai2ai/internal/keystore"
	"github.com/ai2ai-protocol/ai2ai/internal/security"
)

// MaxBodyBytes is the §4.9 envelope submission cap.
const MaxBodyBytes = 100 * 1024

// IntentHandler processes a dispatched request envelope and returns the
// JSON payload for the corresponding response.
type IntentHandler func(ctx context.Context, env *envelope.Envelope) (json.RawMessage, error)

// Event is emitted for inform, request (once its IntentHandler has run),
// conversation-progressing response/confirm/reject, and receipt envelopes
// (§4.9). Approvals are handled separately through the ApprovalInbox.
type Event struct {
	Type     envelope.Type
	Envelope *envelope.Envelope

	// Response and Err are set only for Type == TypeRequest, once the
	// registered IntentHandler has run.
	Response json.RawMessage
	Err      error
}

// EventFunc receives ingress events. Must not block.
type EventFunc func(Event)

// Config fixes this node's identity, capabilities and approval policy.
type Config struct {
	AgentID      string
	HumanName    string
	Endpoint     string
	Capabilities []string
	Timezone     string

	// AlwaysApprove names intents that always require human approval
	// regardless of trust level.
	AlwaysApprove map[string]bool

	// MinAutoDispatchTrust is the minimum contact trust level that bypasses
	// approval. Unknown senders (empty candidates) always require approval.
	MinAutoDispatchTrust contacts.TrustLevel
}

// Receiver wires the C1-C8 components into the HTTP-facing pipeline.
type Receiver struct {
	cfg       Config
	keys      *keystore.KeyStore
	contacts  *contacts.Registry
	filters   *security.Filters
	convs     *conversation.Store
	approvals *conversation.ApprovalInbox
	tracker   *delivery.Tracker
	intents   map[string]IntentHandler
	onEvent   EventFunc
	log       zerolog.Logger
}

// New builds a Receiver. onEvent may be nil.
func New(
	cfg Config,
	keys *keystore.KeyStore,
	contactReg *contacts.Registry,
	filters *security.Filters,
	convs *conversation.Store,
	approvals *conversation.ApprovalInbox,
	tracker *delivery.Tracker,
	onEvent EventFunc,
	log zerolog.Logger,
) *Receiver {
	if cfg.MinAutoDispatchTrust == "" {
		cfg.MinAutoDispatchTrust = contacts.TrustTrusted
	}
	if onEvent == nil {
		onEvent = func(Event) {}
	}
	return &Receiver{
		cfg:       cfg,
		keys:      keys,
		contacts:  contactReg,
		filters:   filters,
		convs:     convs,
		approvals: approvals,
		tracker:   tracker,
		intents:   make(map[string]IntentHandler),
		onEvent:   onEvent,
		log:       log,
	}
}

// RegisterIntent wires a handler for request envelopes carrying this intent.
func (rv *Receiver) RegisterIntent(intent string, h IntentHandler) {
	rv.intents[intent] = h
}

// supportedIntents lists every registered intent name.
func (rv *Receiver) supportedIntents() []string {
	out := make([]string, 0, len(rv.intents))
	for name := range rv.intents {
		out = append(out, name)
	}
	return out
}

// candidatesFor resolves the Ed25519 verification candidates for a sender:
// their current and archived public keys, or nil if the sender is unknown.
func (rv *Receiver) candidatesFor(agentID string) []ed25519.PublicKey {
	c, ok := rv.contacts.Get(agentID)
	if !ok || c.EdPublicKey == "" {
		return nil
	}
	var out []ed25519.PublicKey
	if pub, err := base64.StdEncoding.DecodeString(c.EdPublicKey); err == nil && len(pub) == ed25519.PublicKeySize {
		out = append(out, ed25519.PublicKey(pub))
	}
	for _, prev := range c.PreviousEdKeys {
		if pub, err := base64.StdEncoding.DecodeString(prev); err == nil && len(pub) == ed25519.PublicKeySize {
			out = append(out, ed25519.PublicKey(pub))
		}
	}
	return out
}

// trustFor returns the sender's trust level, TrustNone for unknown senders.
func (rv *Receiver) trustFor(agentID string) contacts.TrustLevel {
	c, ok := rv.contacts.Get(agentID)
	if !ok {
		return contacts.TrustNone
	}
	return c.TrustLevel
}

func trustRank(t contacts.TrustLevel) int {
	switch t {
	case contacts.TrustTrusted:
		return 2
	case contacts.TrustKnown:
		return 1
	default:
		return 0
	}
}
