package discovery

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestClientGetAgent(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/agents/agent-x" {
			t.Fatalf("unexpected path: %s", r.URL.Path)
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(AgentDescriptor{ID: "agent-x", Endpoint: "https://agent-x.example/ai2ai"})
	}))
	defer srv.Close()

	c := New(srv.URL)
	desc, err := c.Get(context.Background(), "agent-x")
	if err != nil {
		t.Fatal(err)
	}
	if desc.Endpoint != "https://agent-x.example/ai2ai" {
		t.Fatalf("unexpected endpoint: %s", desc.Endpoint)
	}
}

func TestClientGetAgentNotFound(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	c := New(srv.URL)
	if _, err := c.Get(context.Background(), "ghost"); err == nil {
		t.Fatal("expected error for missing agent")
	}
}

func TestClientSearch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("capability") != "translate" {
			t.Fatalf("missing capability query param: %s", r.URL.RawQuery)
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode([]AgentDescriptor{{ID: "agent-y"}})
	}))
	defer srv.Close()

	c := New(srv.URL)
	results, err := c.Search(context.Background(), "translate", "")
	if err != nil {
		t.Fatal(err)
	}
	if len(results) != 1 || results[0].ID != "agent-y" {
		t.Fatalf("unexpected results: %+v", results)
	}
}

func TestClientRegisterAndHeartbeat(t *testing.T) {
	var registered, heartbeat bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodPost && r.URL.Path == "/agents":
			registered = true
			w.WriteHeader(http.StatusCreated)
		case r.Method == http.MethodPost && r.URL.Path == "/agents/agent-z/heartbeat":
			heartbeat = true
			w.WriteHeader(http.StatusOK)
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	c := New(srv.URL)
	if err := c.Register(context.Background(), RegisterRequest{ID: "agent-z", Endpoint: "https://agent-z.example"}); err != nil {
		t.Fatal(err)
	}
	if err := c.Heartbeat(context.Background(), "agent-z"); err != nil {
		t.Fatal(err)
	}
	if !registered || !heartbeat {
		t.Fatalf("registered=%v heartbeat=%v", registered, heartbeat)
	}
}

func TestClientDeregister(t *testing.T) {
	var deleted bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodDelete && r.URL.Path == "/agents/agent-w" {
			deleted = true
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := New(srv.URL)
	if err := c.Deregister(context.Background(), "agent-w"); err != nil {
		t.Fatal(err)
	}
	if !deleted {
		t.Fatal("expected DELETE request")
	}
}

func TestFetchWellKnown(t *testing.T) {
	srv := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/.well-known/ai2ai.json" {
			t.Fatalf("unexpected path: %s", r.URL.Path)
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"ai2ai":    "1.0",
			"endpoint": "https://peer.example/ai2ai",
			"agent":    "peer-agent",
		})
	}))
	defer srv.Close()

	// fetchWellKnown always dials https://<domain>, so serve TLS and use the
	// test server's host:port as the domain, trusting its certificate.
	c := New("", WithHTTPClient(srv.Client()))
	desc, err := c.fetchWellKnown(context.Background(), srv.Listener.Addr().String())
	if err != nil {
		t.Fatal(err)
	}
	if desc.Endpoint != "https://peer.example/ai2ai" || desc.ID != "peer-agent" {
		t.Fatalf("unexpected descriptor: %+v", desc)
	}
}
