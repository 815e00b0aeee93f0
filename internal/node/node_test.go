package node

import (
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
	"github.com/ai2ai-protocol/ai2ai/internal/envelope"
	"github.com/ai2ai-protocol/ai2ai/internal/ingress"
)

func newTestNode(t *testing.T) *Node {
	t.Helper()
	n, err := New(Config{
		AgentID:              "node-a",
		DataDir:              t.TempDir(),
		MinAutoDispatchTrust: contacts.TrustTrusted,
		RequestTimeout:       time.Second,
	}, zerolog.Nop())
	if err != nil {
		t.Fatal(err)
	}
	return n
}

func captureEnvelope(t *testing.T) (*httptest.Server, func() *envelope.Envelope) {
	t.Helper()
	var received *envelope.Envelope
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var env envelope.Envelope
		_ = json.NewDecoder(r.Body).Decode(&env)
		received = &env
		w.WriteHeader(http.StatusOK)
	}))
	return srv, func() *envelope.Envelope { return received }
}

func TestNodeSendDeliversToKnownContact(t *testing.T) {
	n := newTestNode(t)
	srv, received := captureEnvelope(t)
	defer srv.Close()

	if _, err := n.AddContact("peer-a", contacts.UpsertInfo{Endpoint: srv.URL}); err != nil {
		t.Fatal(err)
	}

	_, err := n.Send(context.Background(), "peer-a", map[string]string{"text": "hi"}, MessageOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if received() == nil {
		t.Fatal("expected peer to receive an envelope")
	}
	if received().Type != envelope.TypeInform {
		t.Fatalf("expected type=inform, got %s", received().Type)
	}
}

func TestNodeRequestSetsIntentAndType(t *testing.T) {
	n := newTestNode(t)
	srv, received := captureEnvelope(t)
	defer srv.Close()

	if _, err := n.AddContact("peer-a", contacts.UpsertInfo{Endpoint: srv.URL}); err != nil {
		t.Fatal(err)
	}

	_, err := n.Request(context.Background(), "peer-a", "book-flight", map[string]string{"dest": "SFO"}, MessageOptions{})
	if err != nil {
		t.Fatal(err)
	}
	env := received()
	if env == nil {
		t.Fatal("expected peer to receive an envelope")
	}
	if env.Type != envelope.TypeRequest {
		t.Fatalf("expected type=request, got %s", env.Type)
	}
	if env.Intent == nil || *env.Intent != "book-flight" {
		t.Fatalf("expected intent=book-flight, got %v", env.Intent)
	}
}

func TestNodeHandleRequestResultSendsResponseOnSuccess(t *testing.T) {
	n := newTestNode(t)
	srv, received := captureEnvelope(t)
	defer srv.Close()

	if _, err := n.AddContact("peer-a", contacts.UpsertInfo{Endpoint: srv.URL}); err != nil {
		t.Fatal(err)
	}

	intent := "book-flight"
	requestEnv := &envelope.Envelope{
		ID:           uuid.New(),
		From:         envelope.Party{Agent: "peer-a"},
		To:           envelope.Party{Agent: "node-a"},
		Conversation: uuid.New(),
		Type:         envelope.TypeRequest,
		Intent:       &intent,
	}

	var fired RequestPayload
	n.On(EventRequest, func(payload any) { fired = payload.(RequestPayload) })

	n.handleRequestResult(ingress.Event{
		Type:     envelope.TypeRequest,
		Envelope: requestEnv,
		Response: json.RawMessage(`{"status":"booked"}`),
	})

	if fired.Envelope != requestEnv {
		t.Fatal("expected request event to fire with the triggering envelope")
	}
	env := received()
	if env == nil {
		t.Fatal("expected a response envelope to be sent back to the requester")
	}
	if env.Type != envelope.TypeResponse {
		t.Fatalf("expected type=response, got %s", env.Type)
	}
	if env.Conversation != requestEnv.Conversation {
		t.Fatal("expected response to carry the same conversation id")
	}
}

func TestNodeHandleRequestResultSendsRejectOnHandlerError(t *testing.T) {
	n := newTestNode(t)
	srv, received := captureEnvelope(t)
	defer srv.Close()

	if _, err := n.AddContact("peer-a", contacts.UpsertInfo{Endpoint: srv.URL}); err != nil {
		t.Fatal(err)
	}

	intent := "book-flight"
	requestEnv := &envelope.Envelope{
		ID:           uuid.New(),
		From:         envelope.Party{Agent: "peer-a"},
		To:           envelope.Party{Agent: "node-a"},
		Conversation: uuid.New(),
		Type:         envelope.TypeRequest,
		Intent:       &intent,
	}

	n.handleRequestResult(ingress.Event{
		Type:     envelope.TypeRequest,
		Envelope: requestEnv,
		Err:      errString("no seats available"),
	})

	env := received()
	if env == nil || env.Type != envelope.TypeReject {
		t.Fatalf("expected a type=reject envelope, got %+v", env)
	}
}

func TestNodeApproveUsesRegisteredFormatter(t *testing.T) {
	n := newTestNode(t)
	srv, received := captureEnvelope(t)
	defer srv.Close()

	if _, err := n.AddContact("peer-a", contacts.UpsertInfo{Endpoint: srv.URL}); err != nil {
		t.Fatal(err)
	}

	intent := "book-flight"
	requestEnv := &envelope.Envelope{
		ID:           uuid.New(),
		From:         envelope.Party{Agent: "peer-a"},
		To:           envelope.Party{Agent: "node-a"},
		Conversation: uuid.New(),
		Type:         envelope.TypeRequest,
		Intent:       &intent,
	}
	appr, err := n.approvals.Enqueue(requestEnv, "peer-a requests book-flight")
	if err != nil {
		t.Fatal(err)
	}

	n.RegisterFormatter(intent, func(a *conversation.Approval) (envelope.Type, json.RawMessage, error) {
		return envelope.TypeConfirm, json.RawMessage(`{"confirmed":true}`), nil
	})

	if err := n.Approve(context.Background(), appr.ID, "go ahead"); err != nil {
		t.Fatal(err)
	}

	env := received()
	if env == nil || env.Type != envelope.TypeConfirm {
		t.Fatalf("expected type=confirm from the registered formatter, got %+v", env)
	}
	if string(env.Payload) != `{"confirmed":true}` {
		t.Fatalf("expected formatter payload to be used verbatim, got %s", env.Payload)
	}
}

func TestNodeRejectWithoutFormatterSendsReason(t *testing.T) {
	n := newTestNode(t)
	srv, received := captureEnvelope(t)
	defer srv.Close()

	if _, err := n.AddContact("peer-a", contacts.UpsertInfo{Endpoint: srv.URL}); err != nil {
		t.Fatal(err)
	}

	intent := "book-flight"
	requestEnv := &envelope.Envelope{
		ID:           uuid.New(),
		From:         envelope.Party{Agent: "peer-a"},
		To:           envelope.Party{Agent: "node-a"},
		Conversation: uuid.New(),
		Type:         envelope.TypeRequest,
		Intent:       &intent,
	}
	appr, err := n.approvals.Enqueue(requestEnv, "peer-a requests book-flight")
	if err != nil {
		t.Fatal(err)
	}

	if err := n.Reject(context.Background(), appr.ID, "not authorized"); err != nil {
		t.Fatal(err)
	}

	env := received()
	if env == nil || env.Type != envelope.TypeReject {
		t.Fatalf("expected type=reject, got %+v", env)
	}
}

func TestNodeBlockAndUnblock(t *testing.T) {
	n := newTestNode(t)
	if err := n.Block("peer-a"); err != nil {
		t.Fatal(err)
	}
	if !n.contacts.IsBlocked("peer-a") {
		t.Fatal("expected peer-a to be blocked")
	}
	if err := n.Unblock("peer-a"); err != nil {
		t.Fatal(err)
	}
	if n.contacts.IsBlocked("peer-a") {
		t.Fatal("expected peer-a to be unblocked")
	}
}

func TestNodeSetTrust(t *testing.T) {
	n := newTestNode(t)
	if err := n.SetTrust("peer-a", contacts.TrustTrusted); err != nil {
		t.Fatal(err)
	}
	c, ok := n.GetContact("peer-a")
	if !ok || c.TrustLevel != contacts.TrustTrusted {
		t.Fatalf("expected peer-a trust=trusted, got %+v", c)
	}
}

func TestNodeOnBreakerStateChangeFiresEvents(t *testing.T) {
	n := newTestNode(t)

	var opened, closed string
	n.On(EventCircuitOpen, func(p any) { opened = p.(string) })
	n.On(EventCircuitClosed, func(p any) { closed = p.(string) })

	n.onBreakerStateChange("https://peer-a.example/ai2ai", true)
	n.onBreakerStateChange("https://peer-a.example/ai2ai", false)

	if opened != "https://peer-a.example/ai2ai" {
		t.Fatalf("expected circuit-open event, got %q", opened)
	}
	if closed != "https://peer-a.example/ai2ai" {
		t.Fatalf("expected circuit-closed event, got %q", closed)
	}
}

func TestNodeStartStop(t *testing.T) {
	n, err := New(Config{
		AgentID: "node-a",
		DataDir: t.TempDir(),
		Port:    "0",
	}, zerolog.Nop())
	if err != nil {
		t.Fatal(err)
	}

	ctx := context.Background()
	if err := n.Start(ctx); err != nil {
		t.Fatal(err)
	}
	if err := n.Start(ctx); err == nil {
		t.Fatal("expected second Start to fail")
	}

	stopCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := n.Stop(stopCtx); err != nil {
		t.Fatal(err)
	}
}
