package node

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"time"

	"github.com/ai2ai-protocol/ai2ai/internal/delivery"
	"github.com/ai2ai-protocol/ai2ai/internal/discovery"
	"github.com/ai2ai-protocol/ai2ai/internal/egress"
	"github.com/ai2ai-protocol/ai2ai/internal/envelope"
)

// queuePollInterval is how often the queue worker checks for a due entry
// when the queue is empty; QueueDelay governs the retry schedule once an
// entry has failed at least once.
const queuePollInterval = 5 * time.Second

// runQueueWorker drains the Persistent Queue (§4.5), redelivering entries
// through the Delivery Engine on the coarse background schedule and moving
// exhausted entries to the Dead Letter Store (§4.6).
func (n *Node) runQueueWorker(ctx context.Context) {
	ticker := time.NewTicker(queuePollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n.drainQueueOnce(ctx)
		}
	}
}

func (n *Node) drainQueueOnce(ctx context.Context) {
	for {
		entry, err := n.queue.Dequeue()
		if err != nil {
			n.log.Error().Err(err).Msg("node: queue dequeue failed")
			return
		}
		if entry == nil {
			return
		}

		if entry.Attempts > 0 {
			delay, exhausted := delivery.QueueDelay(entry.Attempts)
			if exhausted {
				n.moveToDeadLetter(entry.Envelope, entry.Endpoint, entry.Attempts, entry.LastError)
				if err := n.queue.Complete(entry.ID); err != nil {
					n.log.Error().Err(err).Str("queueId", entry.ID).Msg("node: complete exhausted queue entry failed")
				}
				continue
			}
			if time.Since(entry.LastAttemptAt) < delay {
				// Not due yet; re-examine next tick rather than busy-loop.
				return
			}
		}

		if err := n.engine.Deliver(ctx, entry.Envelope, entry.Endpoint); err != nil {
			if failErr := n.queue.Fail(entry.ID, err); failErr != nil {
				n.log.Error().Err(failErr).Str("queueId", entry.ID).Msg("node: mark queue entry failed")
			}
			return
		}

		if err := n.queue.Complete(entry.ID); err != nil {
			n.log.Error().Err(err).Str("queueId", entry.ID).Msg("node: complete delivered queue entry failed")
		}
	}
}

func (n *Node) moveToDeadLetter(env *envelope.Envelope, endpoint string, attempts int, lastError string) {
	var cause error
	if lastError != "" {
		cause = errString(lastError)
	}
	if _, err := n.dlq.Add(env, endpoint, attempts, cause); err != nil {
		n.log.Error().Err(err).Str("envelope", env.ID.String()).Msg("node: move to dead letter failed")
		return
	}
	n.log.Warn().Str("envelope", env.ID.String()).Str("endpoint", endpoint).Msg("node: queue entry exhausted retries, moved to dead letter")
}

type errString string

func (e errString) Error() string { return string(e) }

// registerWithDiscovery publishes this node's descriptor to the configured
// Registry (§4.11, §6). Registration is best-effort: a failure here logs a
// warning rather than aborting Start, since a node with no reachable
// registry can still serve and deliver directly by endpoint.
func (n *Node) registerWithDiscovery(ctx context.Context) {
	pub, _ := n.keys.SigningKeys()
	req := discovery.RegisterRequest{
		ID:           n.cfg.AgentID,
		Endpoint:     n.cfg.Endpoint,
		Name:         n.cfg.AgentID,
		HumanName:    n.cfg.HumanName,
		PublicKey:    base64.StdEncoding.EncodeToString(pub),
		Capabilities: n.cfg.Capabilities,
	}
	if err := n.discovery.Register(ctx, req); err != nil {
		n.log.Warn().Err(err).Msg("node: registry self-registration failed")
		return
	}
	n.log.Info().Str("agent", n.cfg.AgentID).Msg("node: registered with discovery registry")
}

// runHeartbeat keeps this node's registry entry fresh on
// cfg.HeartbeatInterval until ctx is cancelled.
func (n *Node) runHeartbeat(ctx context.Context) {
	ticker := time.NewTicker(n.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := n.discovery.Heartbeat(ctx, n.cfg.AgentID); err != nil {
				n.log.Warn().Err(err).Msg("node: registry heartbeat failed")
			}
		}
	}
}

// rotationCheckInterval is how often the rotation checker compares the
// key store's age against cfg.RotationInterval.
const rotationCheckInterval = time.Hour

// runRotationChecker rotates the signing key once it exceeds
// cfg.RotationInterval and broadcasts a key_rotation envelope to every
// known contact (§4.1).
func (n *Node) runRotationChecker(ctx context.Context) {
	ticker := time.NewTicker(rotationCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n.maybeRotate(ctx)
		}
	}
}

func (n *Node) maybeRotate(ctx context.Context) {
	if !n.keys.NeedsRotation(n.cfg.RotationInterval, time.Now()) {
		return
	}

	result, err := n.keys.Rotate()
	if err != nil {
		n.log.Error().Err(err).Msg("node: key rotation failed")
		return
	}
	n.log.Info().Str("agent", n.cfg.AgentID).Msg("node: signing key rotated")

	payload, err := json.Marshal(envelope.KeyRotationPayload{
		NewPublicKey:      base64.StdEncoding.EncodeToString(result.NewPub),
		PreviousPublicKey: base64.StdEncoding.EncodeToString(result.PreviousPub),
	})
	if err != nil {
		n.log.Error().Err(err).Msg("node: marshal key rotation payload failed")
		return
	}

	for _, c := range n.contacts.All() {
		if c.Blocked {
			continue
		}
		_, err := n.egress.Send(ctx, c.AgentID, egress.SendOptions{
			Type:    envelope.TypeKeyRotation,
			Intent:  "key_rotation",
			Payload: json.RawMessage(payload),
		})
		if err != nil {
			n.log.Warn().Err(err).Str("contact", c.AgentID).Msg("node: key rotation broadcast failed")
		}
	}
}
