package registry

import (
	"context"
	"errors"
	"testing"
	"time"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := NewSQLiteStore(context.Background(), t.TempDir()+"/registry.db")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestSQLiteStoreRegisterAndGet(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	entry := AgentEntry{
		ID:           "agent-a",
		Endpoint:     "https://agent-a.example/ai2ai",
		Name:         "agent-a",
		PublicKey:    "base64pubkey",
		Capabilities: []string{"translate", "summarize"},
		Metadata:     map[string]string{"region": "us"},
	}
	if err := s.Register(ctx, entry); err != nil {
		t.Fatal(err)
	}

	got, err := s.Get(ctx, "agent-a")
	if err != nil {
		t.Fatal(err)
	}
	if got.Endpoint != entry.Endpoint || len(got.Capabilities) != 2 || got.Metadata["region"] != "us" {
		t.Fatalf("unexpected entry: %+v", got)
	}
}

func TestSQLiteStoreGetNotFound(t *testing.T) {
	s := newTestStore(t)
	if _, err := s.Get(context.Background(), "ghost"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestSQLiteStoreRegisterUpserts(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.Register(ctx, AgentEntry{ID: "agent-b", Endpoint: "https://old.example", PublicKey: "k1"}); err != nil {
		t.Fatal(err)
	}
	if err := s.Register(ctx, AgentEntry{ID: "agent-b", Endpoint: "https://new.example", PublicKey: "k2"}); err != nil {
		t.Fatal(err)
	}

	got, err := s.Get(ctx, "agent-b")
	if err != nil {
		t.Fatal(err)
	}
	if got.Endpoint != "https://new.example" || got.PublicKey != "k2" {
		t.Fatalf("upsert did not overwrite: %+v", got)
	}
}

func TestSQLiteStoreSearchByCapabilityAndName(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	must := func(err error) {
		t.Helper()
		if err != nil {
			t.Fatal(err)
		}
	}
	must(s.Register(ctx, AgentEntry{ID: "a1", Endpoint: "https://a1", Name: "translator-alpha", PublicKey: "k", Capabilities: []string{"translate"}}))
	must(s.Register(ctx, AgentEntry{ID: "a2", Endpoint: "https://a2", Name: "scheduler-beta", PublicKey: "k", Capabilities: []string{"schedule"}}))

	results, err := s.Search(ctx, "translate", "")
	if err != nil {
		t.Fatal(err)
	}
	if len(results) != 1 || results[0].ID != "a1" {
		t.Fatalf("capability search: %+v", results)
	}

	results, err = s.Search(ctx, "", "beta")
	if err != nil {
		t.Fatal(err)
	}
	if len(results) != 1 || results[0].ID != "a2" {
		t.Fatalf("name search: %+v", results)
	}
}

func TestSQLiteStoreHeartbeatAndDelete(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.Register(ctx, AgentEntry{ID: "agent-c", Endpoint: "https://c", PublicKey: "k"}); err != nil {
		t.Fatal(err)
	}
	if err := s.Heartbeat(ctx, "agent-c"); err != nil {
		t.Fatal(err)
	}
	if err := s.Heartbeat(ctx, "ghost"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	if err := s.Delete(ctx, "agent-c"); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Get(ctx, "agent-c"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected deleted agent to be gone, got %v", err)
	}
}

func TestSQLiteStorePurgeStale(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.Register(ctx, AgentEntry{ID: "stale", Endpoint: "https://x", PublicKey: "k"}); err != nil {
		t.Fatal(err)
	}

	n, err := s.PurgeStale(ctx, time.Now().Add(time.Hour))
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Fatalf("expected 1 purged, got %d", n)
	}
	if _, err := s.Get(ctx, "stale"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected purge to delete entry, got %v", err)
	}
}
