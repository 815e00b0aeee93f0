package egress

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/ai2ai-protocol/ai2ai/internal/contacts"
	"github.com/ai2ai-protocol/ai2ai/internal/delivery"
	"github.com/ai2ai-protocol/ai2ai/internal/envelope"
	"github.com/ai2ai-protocol/ai2ai/internal/keystore"
	"github.com/ai2ai-protocol/ai2ai/internal/queue"
)

func newTestPipeline(t *testing.T, endpoint string, interactive bool) (*Pipeline, *contacts.Registry, *queue.Queue) {
	t.Helper()

	dir := t.TempDir()
	ks, err := keystore.Open(dir + "/keys")
	if err != nil {
		t.Fatal(err)
	}
	reg, err := contacts.Open(dir + "/contacts.json")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := reg.Upsert("peer-a", contacts.UpsertInfo{Endpoint: endpoint}); err != nil {
		t.Fatal(err)
	}

	q, err := queue.Open(dir + "/queue")
	if err != nil {
		t.Fatal(err)
	}
	engine := delivery.New(delivery.NewTracker(), delivery.WithBackoff(delivery.BackoffConfig{
		BaseDelay: time.Millisecond, Factor: 1, MaxDelay: time.Millisecond, MaxRetries: 0,
	}))

	p := New("node-a", ks, reg, nil, engine, q, WithInteractive(interactive))
	return p, reg, q
}

func TestSendDeliversPlaintextWhenNoRecipientKey(t *testing.T) {
	var received envelope.Envelope
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewDecoder(r.Body).Decode(&received)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	p, _, _ := newTestPipeline(t, srv.URL, false)

	intent := "greet"
	res, err := p.Send(context.Background(), "peer-a", SendOptions{
		Type:    envelope.TypeMessage,
		Intent:  intent,
		Payload: map[string]string{"text": "hello"},
	})
	if err != nil {
		t.Fatal(err)
	}
	if res.Queued {
		t.Fatal("expected interactive delivery to succeed without queuing")
	}
	if received.Signature == "" {
		t.Fatal("expected envelope to be signed")
	}
	if envelope.IsEncryptedPayload(received.Payload) {
		t.Fatal("expected plaintext payload when recipient has no x25519 key on file")
	}
}

func TestSendEncryptsWhenRecipientKeyKnown(t *testing.T) {
	recipientKeys, err := keystore.Open(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	xpub, _ := recipientKeys.AgreementKeys()

	var received envelope.Envelope
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewDecoder(r.Body).Decode(&received)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	p, reg, _ := newTestPipeline(t, srv.URL, false)
	if err := setContactXPub(reg, "peer-a", xpub); err != nil {
		t.Fatal(err)
	}

	_, err = p.Send(context.Background(), "peer-a", SendOptions{
		Type:    envelope.TypeMessage,
		Intent:  "greet",
		Payload: map[string]string{"text": "secret"},
	})
	if err != nil {
		t.Fatal(err)
	}
	if !envelope.IsEncryptedPayload(received.Payload) {
		t.Fatal("expected encrypted payload when recipient x25519 key is known")
	}
}

func TestSendQueuesOnDeliveryFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	p, _, q := newTestPipeline(t, srv.URL, false)

	res, err := p.Send(context.Background(), "peer-a", SendOptions{Type: envelope.TypePing, SkipEncryption: true})
	if err != nil {
		t.Fatal(err)
	}
	if !res.Queued || res.QueueID == "" {
		t.Fatalf("expected failed delivery to be queued, got %+v", res)
	}
	if n, _ := q.Len(); n != 1 {
		t.Fatalf("expected 1 queued entry, got %d", n)
	}
}

func TestSendInteractiveReturnsErrorInsteadOfQueuing(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	p, _, q := newTestPipeline(t, srv.URL, true)

	_, err := p.Send(context.Background(), "peer-a", SendOptions{Type: envelope.TypePing, SkipEncryption: true})
	if err == nil {
		t.Fatal("expected interactive send to return the delivery error")
	}
	if n, _ := q.Len(); n != 0 {
		t.Fatalf("expected nothing queued for interactive sends, got %d", n)
	}
}

func TestSendFailsWithoutEndpointOrDiscovery(t *testing.T) {
	dir := t.TempDir()
	ks, err := keystore.Open(dir + "/keys")
	if err != nil {
		t.Fatal(err)
	}
	reg, err := contacts.Open(dir + "/contacts.json")
	if err != nil {
		t.Fatal(err)
	}
	q, err := queue.Open(dir + "/queue")
	if err != nil {
		t.Fatal(err)
	}
	engine := delivery.New(delivery.NewTracker())
	p := New("node-a", ks, reg, nil, engine, q)

	_, err = p.Send(context.Background(), "unknown-peer", SendOptions{Type: envelope.TypePing})
	if err == nil {
		t.Fatal("expected error for unresolvable recipient")
	}
}

func setContactXPub(reg *contacts.Registry, agentID string, xpub [32]byte) error {
	_, err := reg.Upsert(agentID, contacts.UpsertInfo{XPublicKey: base64.StdEncoding.EncodeToString(xpub[:])})
	return err
}
