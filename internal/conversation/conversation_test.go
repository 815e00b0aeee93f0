package conversation

import (
	"testing"
	"time"

	"github.com/google/uuid"
)

func TestCreateStartsProposed(t *testing.T) {
	s, err := Open(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	id := uuid.New()
	c, err := s.Create(id, CreateOptions{Intent: "schedule_meeting", Initiator: "agent-a", Recipient: "agent-b"})
	if err != nil {
		t.Fatal(err)
	}
	if c.State != StateProposed {
		t.Fatalf("expected proposed, got %q", c.State)
	}
}

func TestValidTransitionSequence(t *testing.T) {
	s, err := Open(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	id := uuid.New()
	if _, err := s.Create(id, CreateOptions{Intent: "x", Initiator: "a", Recipient: "b"}); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Transition(id, StateNegotiating); err != nil {
		t.Fatal(err)
	}
	c, err := s.Transition(id, StateConfirmed)
	if err != nil {
		t.Fatal(err)
	}
	if c.State != StateConfirmed {
		t.Fatalf("expected confirmed, got %q", c.State)
	}
}

func TestInvalidTransitionRejectedWithoutMutation(t *testing.T) {
	s, err := Open(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	id := uuid.New()
	if _, err := s.Create(id, CreateOptions{Intent: "x", Initiator: "a", Recipient: "b"}); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Transition(id, StateConfirmed); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Transition(id, StateNegotiating); err != ErrInvalidTransition {
		t.Fatalf("expected ErrInvalidTransition from a terminal state, got %v", err)
	}
	c, err := s.Get(id)
	if err != nil {
		t.Fatal(err)
	}
	if c.State != StateConfirmed {
		t.Fatalf("expected state to remain confirmed, got %q", c.State)
	}
}

func TestExpireStaleMarksOldConversations(t *testing.T) {
	s, err := Open(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	id := uuid.New()
	if _, err := s.Create(id, CreateOptions{Intent: "x", Initiator: "a", Recipient: "b", Expiry: time.Millisecond}); err != nil {
		t.Fatal(err)
	}

	n, err := s.ExpireStale(time.Now().Add(time.Hour))
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Fatalf("expected 1 conversation expired, got %d", n)
	}
	c, err := s.Get(id)
	if err != nil {
		t.Fatal(err)
	}
	if c.State != StateExpired {
		t.Fatalf("expected expired, got %q", c.State)
	}
}
