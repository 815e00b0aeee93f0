package contacts

import (
	"path/filepath"
	"testing"
)

func TestUpsertCreatesAndMerges(t *testing.T) {
	r, err := Open(filepath.Join(t.TempDir(), "contacts.json"))
	if err != nil {
		t.Fatal(err)
	}

	if _, err := r.Upsert("agent-a", UpsertInfo{Endpoint: "https://a.example/ai2ai"}); err != nil {
		t.Fatal(err)
	}
	c, err := r.Upsert("agent-a", UpsertInfo{HumanName: "Alice"})
	if err != nil {
		t.Fatal(err)
	}
	if c.Endpoint != "https://a.example/ai2ai" || c.HumanName != "Alice" {
		t.Fatalf("expected merged fields, got %+v", c)
	}
	if c.TrustLevel != TrustNone {
		t.Fatalf("expected default trust none, got %q", c.TrustLevel)
	}
}

func TestUpsertArchivesRotatedKey(t *testing.T) {
	r, err := Open(filepath.Join(t.TempDir(), "contacts.json"))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := r.Upsert("agent-a", UpsertInfo{EdPublicKey: "key1"}); err != nil {
		t.Fatal(err)
	}
	c, err := r.Upsert("agent-a", UpsertInfo{EdPublicKey: "key2"})
	if err != nil {
		t.Fatal(err)
	}
	if c.EdPublicKey != "key2" || len(c.PreviousEdKeys) != 1 || c.PreviousEdKeys[0] != "key1" {
		t.Fatalf("expected key rotation history, got %+v", c)
	}
}

func TestSetTrustRejectsInvalid(t *testing.T) {
	r, err := Open(filepath.Join(t.TempDir(), "contacts.json"))
	if err != nil {
		t.Fatal(err)
	}
	if err := r.SetTrust("agent-a", "superuser"); err != ErrInvalidTrustLevel {
		t.Fatalf("expected ErrInvalidTrustLevel, got %v", err)
	}
}

func TestBlockGatesLookup(t *testing.T) {
	r, err := Open(filepath.Join(t.TempDir(), "contacts.json"))
	if err != nil {
		t.Fatal(err)
	}
	if err := r.Block("agent-a"); err != nil {
		t.Fatal(err)
	}
	if !r.IsBlocked("agent-a") {
		t.Fatal("expected agent-a to be blocked")
	}
	if err := r.Unblock("agent-a"); err != nil {
		t.Fatal(err)
	}
	if r.IsBlocked("agent-a") {
		t.Fatal("expected agent-a to no longer be blocked")
	}
}

func TestPersistsAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "contacts.json")
	r1, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := r1.Upsert("agent-a", UpsertInfo{Endpoint: "https://a.example"}); err != nil {
		t.Fatal(err)
	}

	r2, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}
	c, ok := r2.Get("agent-a")
	if !ok || c.Endpoint != "https://a.example" {
		t.Fatalf("expected contact to survive reopen, got %+v ok=%v", c, ok)
	}
}
