package ingress

import (
	"encoding/base64"
	"encoding/json"
	"io"
	"net/http"

	"github.com/ai2ai-protocol/ai2ai/internal/envelope"
	"github.com/ai2ai-protocol/ai2ai/internal/metrics"
	"github.com/ai2ai-protocol/ai2ai/internal/security"
)

// response is the shape of every /ai2ai reply (§6): the fields actually
// present vary by outcome, so every field is omitempty.
type response struct {
	Status           string          `json:"status,omitempty"`
	ID               string          `json:"id,omitempty"`
	Reason           string          `json:"reason,omitempty"`
	Conversation     string          `json:"conversation,omitempty"`
	Payload          json.RawMessage `json:"payload,omitempty"`
	Error            string          `json:"error,omitempty"`
	SupportedIntents []string        `json:"supported_intents,omitempty"`
}

func writeJSON(w http.ResponseWriter, httpStatus int, body response) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(httpStatus)
	_ = json.NewEncoder(w).Encode(body)
}

// wellKnownDescriptor mirrors the `/.well-known/ai2ai.json` shape (§6).
type wellKnownDescriptor struct {
	AI2AI        string   `json:"ai2ai"`
	Endpoint     string   `json:"endpoint"`
	Agent        string   `json:"agent"`
	Human        string   `json:"human,omitempty"`
	PublicKey    string   `json:"publicKey"`
	Fingerprint  string   `json:"fingerprint"`
	Capabilities []string `json:"capabilities,omitempty"`
	Timezone     string   `json:"timezone,omitempty"`
}

func (rv *Receiver) descriptor() wellKnownDescriptor {
	pub, _ := rv.keys.SigningKeys()
	return wellKnownDescriptor{
		AI2AI:        envelope.CurrentProtoVersion,
		Endpoint:     rv.cfg.Endpoint,
		Agent:        rv.cfg.AgentID,
		Human:        rv.cfg.HumanName,
		PublicKey:    base64.StdEncoding.EncodeToString(pub),
		Fingerprint:  rv.keys.Fingerprint(),
		Capabilities: rv.cfg.Capabilities,
		Timezone:     rv.cfg.Timezone,
	}
}

// Health handles GET /ai2ai/health.
func (rv *Receiver) Health(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(struct {
		Status   string   `json:"status"`
		Protocol string   `json:"protocol"`
		Agent    string   `json:"agent"`
		Intents  []string `json:"intents"`
	}{
		Status:   "online",
		Protocol: envelope.CurrentProtoVersion,
		Agent:    rv.cfg.AgentID,
		Intents:  rv.supportedIntents(),
	})
}

// WellKnown handles GET /.well-known/ai2ai.json.
func (rv *Receiver) WellKnown(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(rv.descriptor())
}

// Submit handles POST /ai2ai: the full §4.9 filter-verify-decrypt-dispatch
// pipeline. The body is already capped to MaxBodyBytes by the
// middleware.MaxBodySize wrapper installed in the router.
func (rv *Receiver) Submit(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeJSON(w, http.StatusRequestEntityTooLarge, response{Reason: "invalid_envelope"})
		return
	}

	var env envelope.Envelope
	if err := json.Unmarshal(body, &env); err != nil {
		writeJSON(w, http.StatusBadRequest, response{Reason: "invalid_envelope"})
		return
	}

	metrics.EnvelopesReceived.WithLabelValues(string(env.Type)).Inc()

	candidates := rv.candidatesFor(env.From.Agent)

	outcome := rv.filters.Apply(r.Context(), &env, candidates)
	if outcome.Reason == security.ReasonDuplicate {
		writeJSON(w, outcome.HTTPStatus, response{Status: string(outcome.Reason), ID: env.ID.String()})
		return
	}
	if outcome.Reason != security.ReasonOK {
		metrics.EnvelopesRejected.WithLabelValues(string(outcome.Reason)).Inc()
		writeJSON(w, outcome.HTTPStatus, response{Reason: string(outcome.Reason)})
		return
	}

	// Log the envelope in its wire form (still encrypted, if it was) before
	// swapping env.Payload for the decrypted plaintext used by dispatch.
	if err := rv.convs.AppendEnvelope(&env); err != nil {
		rv.log.Error().Err(err).Str("envelope", env.ID.String()).Msg("append conversation log failed")
	}

	if envelope.IsEncryptedPayload(env.Payload) {
		ep, err := envelope.DecodeEncryptedPayload(env.Payload)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, response{Reason: "invalid_envelope"})
			return
		}
		_, xpriv := rv.keys.AgreementKeys()
		plaintext, err := envelope.DecryptPayload(ep, xpriv)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, response{Reason: "decryption_failed"})
			return
		}
		env.Payload = plaintext
	}

	rv.dispatch(w, r, &env)
}
