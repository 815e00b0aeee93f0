package ingress

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/ai2ai-protocol/ai2ai/internal/conversation"
	"github.com/ai2ai-protocol/ai2ai/internal/envelope"
)

// commerceIntentPrefix marks intents that always require approval,
// regardless of sender trust (§8's Commerce Guard).
const commerceIntentPrefix = "commerce."

// dispatch routes a filtered, decrypted envelope by type per §4.9. By this
// point env.Payload has already been swapped for the decrypted plaintext,
// if the envelope arrived encrypted.
func (rv *Receiver) dispatch(w http.ResponseWriter, r *http.Request, env *envelope.Envelope) {
	switch env.Type {
	case envelope.TypePing:
		rv.dispatchPing(w, env)

	case envelope.TypeRequest:
		rv.dispatchRequest(r.Context(), w, env)

	case envelope.TypeResponse, envelope.TypeConfirm, envelope.TypeReject:
		rv.dispatchConversationUpdate(w, env)

	case envelope.TypeInform:
		rv.onEvent(Event{Type: envelope.TypeInform, Envelope: env})
		writeJSON(w, http.StatusOK, response{Status: "ok", ID: env.ID.String()})

	case envelope.TypeReceipt:
		rv.dispatchReceipt(w, env)

	default:
		writeJSON(w, http.StatusBadRequest, response{Reason: "invalid_envelope"})
	}
}

func (rv *Receiver) dispatchPing(w http.ResponseWriter, env *envelope.Envelope) {
	desc := rv.descriptor()
	payload, err := json.Marshal(desc)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, response{Reason: "internal_error"})
		return
	}
	writeJSON(w, http.StatusOK, response{
		Status:       "ok",
		ID:           env.ID.String(),
		Conversation: env.Conversation.String(),
		Payload:      payload,
	})
}

func (rv *Receiver) dispatchRequest(ctx context.Context, w http.ResponseWriter, env *envelope.Envelope) {
	if env.Intent == nil || *env.Intent == "" {
		writeJSON(w, http.StatusBadRequest, response{Reason: "invalid_envelope"})
		return
	}

	handler, ok := rv.intents[*env.Intent]
	if !ok {
		writeJSON(w, http.StatusOK, response{
			Error:            "unsupported intent",
			SupportedIntents: rv.supportedIntents(),
		})
		return
	}

	if rv.requiresApproval(env, *env.Intent) {
		approvalText := fmt.Sprintf("%s requests %q", env.From.Agent, *env.Intent)
		appr, err := rv.approvals.Enqueue(env, approvalText)
		if err != nil {
			rv.log.Error().Err(err).Str("envelope", env.ID.String()).Msg("enqueue approval failed")
			writeJSON(w, http.StatusInternalServerError, response{Reason: "internal_error"})
			return
		}
		writeJSON(w, http.StatusOK, response{
			Status:       "pending_approval",
			ID:           appr.ID.String(),
			Conversation: env.Conversation.String(),
		})
		return
	}

	// The handler's result becomes an outbound `response` envelope built and
	// delivered by the node orchestrator's egress pipeline, not this HTTP
	// response — request/response is asynchronous by design (§4.12).
	go func() {
		result, err := handler(ctx, env)
		rv.onEvent(Event{Type: envelope.TypeRequest, Envelope: env, Response: result, Err: err})
	}()

	writeJSON(w, http.StatusOK, response{
		Status:       "ok",
		ID:           env.ID.String(),
		Conversation: env.Conversation.String(),
	})
}

// requiresApproval implements §4.9's "always-requires-approval set OR trust
// insufficient" gate. An envelope flagged by envelope.RequiresApproval always
// requires approval, and so does an unknown sender (no verification
// candidates): the first-contact rule.
// Every `commerce.` intent requires approval unconditionally (§8 Commerce
// Guard), overriding trust level entirely.
func (rv *Receiver) requiresApproval(env *envelope.Envelope, intent string) bool {
	if envelope.RequiresApproval(env) {
		return true
	}
	if strings.HasPrefix(intent, commerceIntentPrefix) {
		return true
	}
	if rv.cfg.AlwaysApprove[intent] {
		return true
	}
	if len(rv.candidatesFor(env.From.Agent)) == 0 {
		return true
	}
	return trustRank(rv.trustFor(env.From.Agent)) < trustRank(rv.cfg.MinAutoDispatchTrust)
}

var conversationTargets = map[envelope.Type]conversation.State{
	envelope.TypeResponse: conversation.StateNegotiating,
	envelope.TypeConfirm:  conversation.StateConfirmed,
	envelope.TypeReject:   conversation.StateRejected,
}

func (rv *Receiver) dispatchConversationUpdate(w http.ResponseWriter, env *envelope.Envelope) {
	if target, ok := conversationTargets[env.Type]; ok {
		if _, err := rv.convs.Transition(env.Conversation, target); err != nil &&
			!errors.Is(err, conversation.ErrInvalidTransition) && !errors.Is(err, conversation.ErrNotFound) {
			rv.log.Error().Err(err).Str("conversation", env.Conversation.String()).Msg("conversation transition failed")
		}
	}
	rv.onEvent(Event{Type: env.Type, Envelope: env})
	writeJSON(w, http.StatusOK, response{Status: "ok", ID: env.ID.String(), Conversation: env.Conversation.String()})
}

func (rv *Receiver) dispatchReceipt(w http.ResponseWriter, env *envelope.Envelope) {
	var rp envelope.ReceiptPayload
	if err := json.Unmarshal(env.Payload, &rp); err != nil {
		writeJSON(w, http.StatusBadRequest, response{Reason: "invalid_envelope"})
		return
	}

	switch rp.Status {
	case envelope.ReceiptSent:
		rv.tracker.MarkSent(rp.MessageID)
	case envelope.ReceiptDelivered:
		rv.tracker.MarkDelivered(rp.MessageID)
	case envelope.ReceiptRead:
		rv.tracker.MarkRead(rp.MessageID)
	case envelope.ReceiptFailed:
		rv.tracker.MarkFailed(rp.MessageID)
	}

	rv.onEvent(Event{Type: envelope.TypeReceipt, Envelope: env})
	writeJSON(w, http.StatusOK, response{Status: "ok", ID: env.ID.String()})
}
