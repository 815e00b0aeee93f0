package ingress

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ai2ai-protocol/ai2ai/internal/contacts"
	"github.com/ai2ai-protocol/ai2ai/internal/conversation"
	"github.com/ai2ai-protocol/ai2ai/internal/delivery"
	"github.com/ai2ai-protocol/ai2ai/internal/envelope"
	"github.com/ai2ai-protocol/ai2ai/internal/keystore"
	"github.com/ai2ai-protocol/ai2ai/internal/security"
)

func newTestReceiver(t *testing.T) (*Receiver, *keystore.KeyStore, *contacts.Registry, func() []Event) {
	t.Helper()

	dir := t.TempDir()
	ks, err := keystore.Open(dir + "/keys")
	if err != nil {
		t.Fatal(err)
	}
	contactReg, err := contacts.Open(dir + "/contacts.json")
	if err != nil {
		t.Fatal(err)
	}
	filters := security.New(contactReg, security.Config{})
	convs, err := conversation.Open(dir + "/conversations")
	if err != nil {
		t.Fatal(err)
	}
	approvals, err := conversation.OpenApprovalInbox(dir + "/pending")
	if err != nil {
		t.Fatal(err)
	}
	tracker := delivery.NewTracker()

	var events []Event
	rv := New(
		Config{AgentID: "node-a", Endpoint: "https://node-a.example/ai2ai", MinAutoDispatchTrust: contacts.TrustKnown},
		ks, contactReg, filters, convs, approvals, tracker,
		func(e Event) { events = append(events, e) },
		zerolog.Nop(),
	)
	return rv, ks, contactReg, func() []Event { return events }
}

func TestHealthHandler(t *testing.T) {
	rv, _, _, _ := newTestReceiver(t)
	rv.RegisterIntent("ping-back", func(ctx context.Context, e *envelope.Envelope) (json.RawMessage, error) {
		return json.RawMessage(`{}`), nil
	})

	req := httptest.NewRequest(http.MethodGet, "/ai2ai/health", nil)
	w := httptest.NewRecorder()
	rv.Health(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	var body struct {
		Status  string   `json:"status"`
		Agent   string   `json:"agent"`
		Intents []string `json:"intents"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatal(err)
	}
	if body.Status != "online" || body.Agent != "node-a" || len(body.Intents) != 1 {
		t.Fatalf("unexpected body: %+v", body)
	}
}

func TestWellKnownHandler(t *testing.T) {
	rv, ks, _, _ := newTestReceiver(t)

	req := httptest.NewRequest(http.MethodGet, "/.well-known/ai2ai.json", nil)
	w := httptest.NewRecorder()
	rv.WellKnown(w, req)

	var desc wellKnownDescriptor
	if err := json.Unmarshal(w.Body.Bytes(), &desc); err != nil {
		t.Fatal(err)
	}
	if desc.Fingerprint != ks.Fingerprint() {
		t.Fatalf("fingerprint mismatch: %s vs %s", desc.Fingerprint, ks.Fingerprint())
	}
	if desc.AI2AI != envelope.CurrentProtoVersion {
		t.Fatalf("unexpected protocol version: %s", desc.AI2AI)
	}
}

func TestSubmitUnknownSenderPing(t *testing.T) {
	rv, _, _, _ := newTestReceiver(t)

	intent := ""
	env := &envelope.Envelope{
		ProtoVersion: envelope.CurrentProtoVersion,
		ID:           uuid.New(),
		Nonce:        uuid.NewString(),
		Timestamp:    time.Now().UTC(),
		From:         envelope.Party{Agent: "stranger"},
		To:           envelope.Party{Agent: "node-a"},
		Conversation: uuid.New(),
		Type:         envelope.TypePing,
		Intent:       &intent,
	}
	body, err := json.Marshal(env)
	if err != nil {
		t.Fatal(err)
	}

	req := httptest.NewRequest(http.MethodPost, "/ai2ai", bytes.NewReader(body))
	w := httptest.NewRecorder()
	rv.Submit(w, req)

	// unverified sender: signature is empty so no candidates exist, filters
	// let it through unverified (ping requires no trust), dispatch responds.
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d body = %s", w.Code, w.Body.String())
	}
	var resp response
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp.Status != "ok" || len(resp.Payload) == 0 {
		t.Fatalf("unexpected ping response: %+v", resp)
	}
}

func TestSubmitBadJSON(t *testing.T) {
	rv, _, _, _ := newTestReceiver(t)

	req := httptest.NewRequest(http.MethodPost, "/ai2ai", bytes.NewReader([]byte("{not json")))
	w := httptest.NewRecorder()
	rv.Submit(w, req)

	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d", w.Code)
	}
	var resp response
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp.Reason != "invalid_envelope" {
		t.Fatalf("reason = %q", resp.Reason)
	}
}

func TestSubmitUnknownIntentReturnsSupportedList(t *testing.T) {
	rv, _, reg, _ := newTestReceiver(t)

	senderID := "peer-a"
	if _, err := reg.Upsert(senderID, contacts.UpsertInfo{Endpoint: "https://peer-a.example"}); err != nil {
		t.Fatal(err)
	}
	if err := reg.SetTrust(senderID, contacts.TrustTrusted); err != nil {
		t.Fatal(err)
	}

	rv.RegisterIntent("known-intent", func(ctx context.Context, e *envelope.Envelope) (json.RawMessage, error) {
		return json.RawMessage(`{}`), nil
	})

	intent := "unknown-intent"
	env := &envelope.Envelope{
		ProtoVersion: envelope.CurrentProtoVersion,
		ID:           uuid.New(),
		Nonce:        uuid.NewString(),
		Timestamp:    time.Now().UTC(),
		From:         envelope.Party{Agent: senderID},
		To:           envelope.Party{Agent: "node-a"},
		Conversation: uuid.New(),
		Type:         envelope.TypeRequest,
		Intent:       &intent,
	}
	body, err := json.Marshal(env)
	if err != nil {
		t.Fatal(err)
	}

	req := httptest.NewRequest(http.MethodPost, "/ai2ai", bytes.NewReader(body))
	w := httptest.NewRecorder()
	rv.Submit(w, req)

	var resp response
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp.Error == "" || len(resp.SupportedIntents) != 1 || resp.SupportedIntents[0] != "known-intent" {
		t.Fatalf("unexpected response: %+v", resp)
	}
}

func TestSubmitReceiptUpdatesTracker(t *testing.T) {
	rv, _, reg, events := newTestReceiver(t)

	senderID := "peer-b"
	if _, err := reg.Upsert(senderID, contacts.UpsertInfo{Endpoint: "https://peer-b.example"}); err != nil {
		t.Fatal(err)
	}

	messageID := uuid.NewString()
	receipt := envelope.ReceiptPayload{MessageID: messageID, Status: envelope.ReceiptDelivered, Timestamp: time.Now().UTC()}
	payload, err := json.Marshal(receipt)
	if err != nil {
		t.Fatal(err)
	}

	env := &envelope.Envelope{
		ProtoVersion: envelope.CurrentProtoVersion,
		ID:           uuid.New(),
		Nonce:        uuid.NewString(),
		Timestamp:    time.Now().UTC(),
		From:         envelope.Party{Agent: senderID},
		To:           envelope.Party{Agent: "node-a"},
		Conversation: uuid.New(),
		Type:         envelope.TypeReceipt,
		Payload:      payload,
	}
	body, err := json.Marshal(env)
	if err != nil {
		t.Fatal(err)
	}

	req := httptest.NewRequest(http.MethodPost, "/ai2ai", bytes.NewReader(body))
	w := httptest.NewRecorder()
	rv.Submit(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d body = %s", w.Code, w.Body.String())
	}
	status, ok := rv.tracker.Status(messageID)
	if !ok || status != delivery.StatusDelivered {
		t.Fatalf("tracker status = %v ok=%v", status, ok)
	}

	got := events()
	if len(got) != 1 || got[0].Type != envelope.TypeReceipt || got[0].Envelope.ID != env.ID {
		t.Fatalf("expected one receipt event for %s, got %+v", env.ID, got)
	}
}

func TestSubmitCommerceIntentAlwaysRequiresApproval(t *testing.T) {
	rv, _, reg, _ := newTestReceiver(t)

	senderID := "peer-trusted"
	if _, err := reg.Upsert(senderID, contacts.UpsertInfo{Endpoint: "https://peer-trusted.example"}); err != nil {
		t.Fatal(err)
	}
	if err := reg.SetTrust(senderID, contacts.TrustTrusted); err != nil {
		t.Fatal(err)
	}

	rv.RegisterIntent("commerce.request", func(ctx context.Context, e *envelope.Envelope) (json.RawMessage, error) {
		t.Fatal("handler must not run for a commerce intent; it must be queued for approval")
		return nil, nil
	})

	intent := "commerce.request"
	env := &envelope.Envelope{
		ProtoVersion: envelope.CurrentProtoVersion,
		ID:           uuid.New(),
		Nonce:        uuid.NewString(),
		Timestamp:    time.Now().UTC(),
		From:         envelope.Party{Agent: senderID},
		To:           envelope.Party{Agent: "node-a"},
		Conversation: uuid.New(),
		Type:         envelope.TypeRequest,
		Intent:       &intent,
	}
	body, err := json.Marshal(env)
	if err != nil {
		t.Fatal(err)
	}

	req := httptest.NewRequest(http.MethodPost, "/ai2ai", bytes.NewReader(body))
	w := httptest.NewRecorder()
	rv.Submit(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d body = %s", w.Code, w.Body.String())
	}
	var resp response
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp.Status != "pending_approval" {
		t.Fatalf("commerce.request from a trusted sender must still be pending_approval, got %+v", resp)
	}
}

func TestSubmitBodyTooLargeIsCallerResponsibility(t *testing.T) {
	// MaxBodySize is enforced by middleware.MaxBodySize in the router, not
	// by Submit itself; Submit only sees whatever the wrapped body allows.
	t.Skip("body size is enforced by middleware.MaxBodySize in the router, not by Submit")
}
