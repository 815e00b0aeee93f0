package middleware

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func newValidateTestHandler(t *testing.T) http.Handler {
	t.Helper()
	return ValidateRequest(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
}

func TestValidateRequestAllowsEndpointURL(t *testing.T) {
	h := newValidateTestHandler(t)

	body := `{"id":"agent-a","endpoint":"https://agent-a.example/ai2ai","publicKey":"abcd"}`
	req := httptest.NewRequest(http.MethodPost, "/agents", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d body = %s", w.Code, w.Body.String())
	}
}

func TestValidateRequestAllowsOpaqueBlobsContainingSlashes(t *testing.T) {
	h := newValidateTestHandler(t)

	// Base64 alphabet legitimately produces "//" sequences; opaque fields
	// must not be scanned for path-manipulation patterns.
	body := `{"signature":"ab//cd==","ciphertext":"..//weird=="}`
	req := httptest.NewRequest(http.MethodPost, "/ai2ai", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d body = %s", w.Code, w.Body.String())
	}
}

func TestValidateRequestRejectsPathTraversalInURL(t *testing.T) {
	h := newValidateTestHandler(t)

	req := httptest.NewRequest(http.MethodGet, "/agents/../../etc/passwd", nil)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)

	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d", w.Code)
	}
}

func TestValidateRequestRejectsScriptInJSONField(t *testing.T) {
	h := newValidateTestHandler(t)

	body := `{"id":"agent-a","name":"<script>alert(1)</script>","endpoint":"https://x.example","publicKey":"k"}`
	req := httptest.NewRequest(http.MethodPost, "/agents", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)

	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d body = %s", w.Code, w.Body.String())
	}
}

func TestValidateRequestPreservesBodyForDownstreamHandler(t *testing.T) {
	body := `{"id":"agent-a","endpoint":"https://agent-a.example/ai2ai","publicKey":"abcd"}`
	var seen []byte

	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		buf := new(bytes.Buffer)
		_, _ = buf.ReadFrom(r.Body)
		seen = buf.Bytes()
		w.WriteHeader(http.StatusOK)
	})

	req := httptest.NewRequest(http.MethodPost, "/agents", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	ValidateRequest(next).ServeHTTP(w, req)

	if string(seen) != body {
		t.Fatalf("downstream handler saw %q, want %q", seen, body)
	}
}
