package dlq

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/ai2ai-protocol/ai2ai/internal/envelope"
	"github.com/google/uuid"
)

func testEnvelope(t *testing.T) *envelope.Envelope {
	t.Helper()
	intent := "greeting"
	return &envelope.Envelope{
		ProtoVersion: envelope.CurrentProtoVersion,
		ID:           uuid.New(),
		Nonce:        uuid.NewString(),
		Timestamp:    time.Now().UTC(),
		From:         envelope.Party{Agent: "agent-a"},
		To:           envelope.Party{Agent: "agent-b"},
		Conversation: uuid.New(),
		Type:         envelope.TypeMessage,
		Intent:       &intent,
		Payload:      json.RawMessage(`{"text":"hi"}`),
	}
}

func TestAddAndAll(t *testing.T) {
	s, err := Open(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	id, err := s.Add(testEnvelope(t), "ep", 3, errors.New("timed out"))
	if err != nil {
		t.Fatal(err)
	}

	entries, err := s.All()
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 || entries[0].ID != id || entries[0].LastError != "timed out" {
		t.Fatalf("unexpected entries: %+v", entries)
	}
}

func TestRetryAllRemovesOnSuccess(t *testing.T) {
	s, err := Open(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	id1, _ := s.Add(testEnvelope(t), "ep1", 3, errors.New("fail"))
	id2, _ := s.Add(testEnvelope(t), "ep2", 3, errors.New("fail"))

	n, err := s.RetryAll(context.Background(), func(_ context.Context, e *Entry) error {
		if e.ID == id1 {
			return nil
		}
		return errors.New("still failing")
	})
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Fatalf("expected 1 successful retry, got %d", n)
	}

	remaining, err := s.All()
	if err != nil {
		t.Fatal(err)
	}
	if len(remaining) != 1 || remaining[0].ID != id2 {
		t.Fatalf("expected only %s to remain, got %+v", id2, remaining)
	}
}
