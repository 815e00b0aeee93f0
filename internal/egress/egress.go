// Package egress implements the Egress Pipeline (§4.10): resolve an
// endpoint, build a fresh envelope, encrypt the payload when possible,
// sign it, and hand it to the Delivery Engine, falling back to the
// Persistent Queue when interactive delivery can't complete.
package egress

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ai2ai-protocol/ai2ai/internal/contacts"
	"github.com/ai2ai-protocol/ai2ai/internal/crypto"
	"github.com/ai2ai-protocol/ai2ai/internal/delivery"
	"github.com/ai2ai-protocol/ai2ai/internal/discovery"
	"github.com/ai2ai-protocol/ai2ai/internal/envelope"
	"github.com/ai2ai-protocol/ai2ai/internal/keystore"
	"github.com/ai2ai-protocol/ai2ai/internal/metrics"
	"github.com/ai2ai-protocol/ai2ai/internal/queue"
)

// SendOptions customizes one outbound envelope.
type SendOptions struct {
	Type                  envelope.Type
	Intent                string
	Conversation          uuid.UUID
	Payload               any
	TTL                   time.Duration // sets ExpiresAt when non-zero
	RequiresHumanApproval bool
	// SkipEncryption forces a signed-only envelope even if the recipient's
	// X25519 key is known. Used for pings, receipts and other envelopes
	// that carry no confidential payload.
	SkipEncryption bool
	// Priority controls queue placement if interactive delivery fails.
	Priority queue.Priority
}

// Result reports how an outbound envelope was disposed of.
type Result struct {
	EnvelopeID uuid.UUID
	Queued     bool
	QueueID    string
}

// Pipeline builds, encrypts, signs and delivers outbound envelopes.
type Pipeline struct {
	agentID   string
	keys      *keystore.KeyStore
	contacts  *contacts.Registry
	discovery *discovery.Client
	engine    *delivery.Engine
	queue     *queue.Queue
	log       zerolog.Logger

	// interactive controls whether a delivery failure is returned to the
	// caller as an error (true: interactive request/response flows that have
	// nobody to hand a later retry result to) or queued (false).
	interactive bool
}

// Option configures a Pipeline at construction.
type Option func(*Pipeline)

// WithInteractive marks outbound sends as interactive: on delivery failure
// the caller gets the error directly instead of a queued retry.
func WithInteractive(interactive bool) Option {
	return func(p *Pipeline) { p.interactive = interactive }
}

// WithLogger attaches a component logger.
func WithLogger(log zerolog.Logger) Option {
	return func(p *Pipeline) { p.log = log }
}

// New builds an egress Pipeline for agentID.
func New(agentID string, keys *keystore.KeyStore, contactReg *contacts.Registry, disc *discovery.Client, engine *delivery.Engine, q *queue.Queue, opts ...Option) *Pipeline {
	p := &Pipeline{
		agentID:   agentID,
		keys:      keys,
		contacts:  contactReg,
		discovery: disc,
		engine:    engine,
		queue:     q,
		log:       zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Send builds and delivers one outbound envelope to recipient. If the
// synchronous delivery fails, the envelope is enqueued for the background
// queue drain to retry later and Result.Queued is true; a pipeline built
// WithInteractive(true) returns the delivery error instead.
func (p *Pipeline) Send(ctx context.Context, recipient string, opts SendOptions) (*Result, error) {
	endpoint, err := p.resolveEndpoint(ctx, recipient)
	if err != nil {
		return nil, fmt.Errorf("egress: resolve endpoint for %s: %w", recipient, err)
	}

	env, err := p.build(recipient, opts)
	if err != nil {
		return nil, err
	}

	if err := p.encryptIfPossible(env, recipient, opts.SkipEncryption); err != nil {
		return nil, fmt.Errorf("egress: encrypt payload: %w", err)
	}

	_, priv := p.keys.SigningKeys()
	if err := envelope.Sign(env, priv); err != nil {
		return nil, fmt.Errorf("egress: sign envelope: %w", err)
	}

	metrics.EnvelopesSent.WithLabelValues(string(opts.Type)).Inc()

	deliverErr := p.engine.Deliver(ctx, env, endpoint)
	if deliverErr == nil {
		return &Result{EnvelopeID: env.ID}, nil
	}

	p.log.Warn().Err(deliverErr).Str("recipient", recipient).Msg("egress: interactive delivery failed")
	if p.interactive {
		return nil, fmt.Errorf("egress: deliver to %s: %w", recipient, deliverErr)
	}

	queueID, err := p.queue.Enqueue(env, endpoint, queue.EnqueueOptions{Priority: opts.Priority, TTL: opts.TTL})
	if err != nil {
		return nil, fmt.Errorf("egress: enqueue after failed delivery: %w", err)
	}
	return &Result{EnvelopeID: env.ID, Queued: true, QueueID: queueID}, nil
}

func (p *Pipeline) build(recipient string, opts SendOptions) (*envelope.Envelope, error) {
	payload, err := marshalPayload(opts.Payload)
	if err != nil {
		return nil, fmt.Errorf("egress: marshal payload: %w", err)
	}

	env := &envelope.Envelope{
		ProtoVersion:          envelope.CurrentProtoVersion,
		ID:                    crypto.NewUUIDv7(),
		Nonce:                 uuid.NewString(),
		Timestamp:             time.Now().UTC(),
		From:                  envelope.Party{Agent: p.agentID},
		To:                    envelope.Party{Agent: recipient},
		Conversation:          opts.Conversation,
		Type:                  opts.Type,
		Payload:               payload,
		RequiresHumanApproval: opts.RequiresHumanApproval,
	}
	if opts.Intent != "" {
		env.Intent = &opts.Intent
	}
	if env.Conversation == uuid.Nil {
		env.Conversation = crypto.NewUUIDv7()
	}
	if opts.TTL > 0 {
		expiresAt := env.Timestamp.Add(opts.TTL)
		env.ExpiresAt = &expiresAt
	}
	return env, nil
}

func marshalPayload(payload any) (json.RawMessage, error) {
	if payload == nil {
		return nil, nil
	}
	if raw, ok := payload.(json.RawMessage); ok {
		return raw, nil
	}
	return json.Marshal(payload)
}

// encryptIfPossible replaces env.Payload with an encrypted envelope when
// the recipient's X25519 key is on file and encryption isn't suppressed,
// otherwise leaves the payload as plaintext (signed-only, §4.10 step 3).
func (p *Pipeline) encryptIfPossible(env *envelope.Envelope, recipient string, skip bool) error {
	if skip || len(env.Payload) == 0 {
		return nil
	}
	contact, ok := p.contacts.Get(recipient)
	if !ok || contact.XPublicKey == "" {
		return nil
	}
	xpub, err := decodeXPublicKey(contact.XPublicKey)
	if err != nil {
		return fmt.Errorf("decode recipient x25519 key: %w", err)
	}

	enc, err := envelope.EncryptPayload(env.Payload, xpub)
	if err != nil {
		return err
	}
	raw, err := json.Marshal(enc)
	if err != nil {
		return err
	}
	env.Payload = raw
	return nil
}

func decodeXPublicKey(b64 string) ([32]byte, error) {
	var out [32]byte
	raw, err := base64.StdEncoding.DecodeString(b64)
	if err != nil {
		return out, err
	}
	if len(raw) != 32 {
		return out, fmt.Errorf("expected 32-byte x25519 key, got %d", len(raw))
	}
	copy(out[:], raw)
	return out, nil
}

// resolveEndpoint checks the contact registry first, then falls back to
// the Discovery Client and caches the result back into the registry.
func (p *Pipeline) resolveEndpoint(ctx context.Context, recipient string) (string, error) {
	if contact, ok := p.contacts.Get(recipient); ok && contact.Endpoint != "" {
		return contact.Endpoint, nil
	}
	if p.discovery == nil {
		return "", fmt.Errorf("no known endpoint for %s and no discovery client configured", recipient)
	}

	desc, err := p.discovery.Get(ctx, recipient)
	if err != nil {
		return "", err
	}
	if _, err := p.contacts.Upsert(recipient, contacts.UpsertInfo{Endpoint: desc.Endpoint, EdPublicKey: desc.PublicKey}); err != nil {
		p.log.Warn().Err(err).Str("agent", recipient).Msg("egress: failed to cache discovered contact")
	}
	return desc.Endpoint, nil
}
