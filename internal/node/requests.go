package node

import (
	"context"
	"encoding/json"

	"github.com/ai2ai-protocol/ai2ai/internal/egress"
	"github.com/ai2ai-protocol/ai2ai/internal/envelope"
	"github.com/ai2ai-protocol/ai2ai/internal/ingress"
)

// handleRequestResult fires the "request" event and, if the intent handler
// succeeded, sends the response envelope back to the requester. The HTTP
// leg of the exchange only ever ack'd receipt (§4.9); this is the deferred
// half of the async request/response flow (§4.12).
func (n *Node) handleRequestResult(e ingress.Event) {
	n.events.fire(EventRequest, RequestPayload{Envelope: e.Envelope, Response: e.Response, Err: e.Err})

	if e.Err != nil {
		n.log.Warn().Err(e.Err).Str("envelope", e.Envelope.ID.String()).Msg("node: intent handler failed")
		n.sendResponse(e.Envelope, envelope.TypeReject, mustMarshal(map[string]string{"reason": e.Err.Error()}))
		return
	}
	n.sendResponse(e.Envelope, envelope.TypeResponse, e.Response)
}

func (n *Node) sendResponse(request *envelope.Envelope, typ envelope.Type, payload json.RawMessage) {
	intent := ""
	if request.Intent != nil {
		intent = *request.Intent
	}
	ctx, cancel := context.WithTimeout(context.Background(), n.cfg.RequestTimeout)
	defer cancel()

	_, err := n.egress.Send(ctx, request.From.Agent, egress.SendOptions{
		Type:         typ,
		Intent:       intent,
		Conversation: request.Conversation,
		Payload:      payload,
	})
	if err != nil {
		n.log.Warn().Err(err).Str("envelope", request.ID.String()).Msg("node: send response envelope failed")
	}
}

func mustMarshal(v any) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		return json.RawMessage(`{}`)
	}
	return b
}
