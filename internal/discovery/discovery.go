// Package discovery implements the §4.11 Discovery Client: locating a
// peer's endpoint by domain (DNS TXT, DNS SRV, `.well-known` fetch) or by
// agent id against a Registry server.
package discovery

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/ai2ai-protocol/ai2ai/internal/metrics"
)

// managementTokenHeader must match the Registry server's expected header
// (internal/registry.managementTokenHeader).
const managementTokenHeader = "X-Registry-Token"

// wellKnownTimeout bounds the `.well-known` HTTPS fetch (§4.11).
const wellKnownTimeout = 10 * time.Second

// AgentDescriptor mirrors the `/.well-known/ai2ai.json` and Registry REST
// agent shapes (§6). Fields absent from one source are simply left zero.
type AgentDescriptor struct {
	ID           string   `json:"id"`
	Endpoint     string   `json:"endpoint"`
	Name         string   `json:"name,omitempty"`
	HumanName    string   `json:"humanName,omitempty"`
	PublicKey    string   `json:"publicKey"`
	Fingerprint  string   `json:"fingerprint,omitempty"`
	Capabilities []string `json:"capabilities,omitempty"`
	Timezone     string   `json:"timezone,omitempty"`
}

// Client resolves peer endpoints. ResolveByDomain tries DNS TXT, DNS SRV,
// then `.well-known`, in that order, stopping at the first hit; Get looks an
// agent id up on the Registry server. No method falls back from the domain
// chain to the Registry.
type Client struct {
	registryURL string
	http        *http.Client
	resolver    *net.Resolver

	mu              sync.Mutex
	managementToken string
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient overrides the client used for `.well-known` and registry
// requests.
func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) { c.http = h }
}

// WithResolver overrides the DNS resolver, mainly for tests.
func WithResolver(r *net.Resolver) Option {
	return func(c *Client) { c.resolver = r }
}

// New builds a Client. registryURL may be empty; the Registry REST methods
// then return an error.
func New(registryURL string, opts ...Option) *Client {
	c := &Client{
		registryURL: strings.TrimSuffix(registryURL, "/"),
		http:        &http.Client{Timeout: wellKnownTimeout},
		resolver:    net.DefaultResolver,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// ResolveByDomain runs the DNS TXT -> DNS SRV -> `.well-known` chain for a
// bare domain (no agent id), returning the first endpoint found.
func (c *Client) ResolveByDomain(ctx context.Context, domain string) (string, error) {
	if endpoint, ok := c.lookupTXT(ctx, domain); ok {
		return endpoint, nil
	}
	if endpoint, ok := c.lookupSRV(ctx, domain); ok {
		return endpoint, nil
	}
	desc, err := c.fetchWellKnown(ctx, domain)
	if err == nil {
		return desc.Endpoint, nil
	}
	return "", fmt.Errorf("discovery: no endpoint found for domain %q", domain)
}

// lookupTXT checks `_ai2ai.<domain>` for `endpoint=<url>` (or the legacy
// `ai2ai=<url>` key).
func (c *Client) lookupTXT(ctx context.Context, domain string) (string, bool) {
	records, err := c.resolver.LookupTXT(ctx, "_ai2ai."+domain)
	if err != nil {
		return "", false
	}
	for _, rec := range records {
		if v, ok := strings.CutPrefix(rec, "endpoint="); ok {
			return v, true
		}
		if v, ok := strings.CutPrefix(rec, "ai2ai="); ok {
			return v, true
		}
	}
	return "", false
}

// lookupSRV checks `_ai2ai._tcp.<domain>` and builds an https endpoint from
// the highest-priority (lowest value), highest-weight target.
func (c *Client) lookupSRV(ctx context.Context, domain string) (string, bool) {
	_, records, err := c.resolver.LookupSRV(ctx, "ai2ai", "tcp", domain)
	if err != nil || len(records) == 0 {
		return "", false
	}
	best := records[0]
	for _, r := range records[1:] {
		if r.Priority < best.Priority || (r.Priority == best.Priority && r.Weight > best.Weight) {
			best = r
		}
	}
	host := strings.TrimSuffix(best.Target, ".")
	return fmt.Sprintf("https://%s:%d", host, best.Port), true
}

// fetchWellKnown fetches `https://<domain>/.well-known/ai2ai.json`.
func (c *Client) fetchWellKnown(ctx context.Context, domain string) (*AgentDescriptor, error) {
	ctx, cancel := context.WithTimeout(ctx, wellKnownTimeout)
	defer cancel()

	u := url.URL{Scheme: "https", Host: domain, Path: "/.well-known/ai2ai.json"}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, err
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("discovery: well-known fetch: status %d", resp.StatusCode)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}

	var wk struct {
		AI2AI        string   `json:"ai2ai"`
		Endpoint     string   `json:"endpoint"`
		Agent        string   `json:"agent"`
		Human        string   `json:"human"`
		PublicKey    string   `json:"publicKey"`
		Fingerprint  string   `json:"fingerprint"`
		Capabilities []string `json:"capabilities"`
		Timezone     string   `json:"timezone"`
	}
	if err := json.Unmarshal(body, &wk); err != nil {
		return nil, err
	}
	return &AgentDescriptor{
		ID:           wk.Agent,
		Endpoint:     wk.Endpoint,
		HumanName:    wk.Human,
		PublicKey:    wk.PublicKey,
		Fingerprint:  wk.Fingerprint,
		Capabilities: wk.Capabilities,
		Timezone:     wk.Timezone,
	}, nil
}

// Get resolves an agent by id against the Registry server
// (`GET <registryUrl>/agents/<agentId>`).
func (c *Client) Get(ctx context.Context, agentID string) (*AgentDescriptor, error) {
	if c.registryURL == "" {
		return nil, fmt.Errorf("discovery: no registry configured")
	}
	body, status, err := c.doRegistryRequest(ctx, http.MethodGet, "/agents/"+url.PathEscape(agentID), nil)
	if err != nil {
		metrics.DiscoveryLookups.WithLabelValues("get", "error").Inc()
		return nil, err
	}
	if status == http.StatusNotFound {
		metrics.DiscoveryLookups.WithLabelValues("get", "not_found").Inc()
		return nil, fmt.Errorf("discovery: agent %q not found", agentID)
	}
	var desc AgentDescriptor
	if err := json.Unmarshal(body, &desc); err != nil {
		metrics.DiscoveryLookups.WithLabelValues("get", "error").Inc()
		return nil, err
	}
	metrics.DiscoveryLookups.WithLabelValues("get", "found").Inc()
	return &desc, nil
}

// Search runs `GET /agents?capability=&name=` against the Registry.
func (c *Client) Search(ctx context.Context, capability, name string) ([]AgentDescriptor, error) {
	if c.registryURL == "" {
		return nil, fmt.Errorf("discovery: no registry configured")
	}
	q := url.Values{}
	if capability != "" {
		q.Set("capability", capability)
	}
	if name != "" {
		q.Set("name", name)
	}
	path := "/agents"
	if encoded := q.Encode(); encoded != "" {
		path += "?" + encoded
	}
	body, _, err := c.doRegistryRequest(ctx, http.MethodGet, path, nil)
	if err != nil {
		metrics.DiscoveryLookups.WithLabelValues("search", "error").Inc()
		return nil, err
	}
	var out []AgentDescriptor
	if err := json.Unmarshal(body, &out); err != nil {
		metrics.DiscoveryLookups.WithLabelValues("search", "error").Inc()
		return nil, err
	}
	outcome := "found"
	if len(out) == 0 {
		outcome = "not_found"
	}
	metrics.DiscoveryLookups.WithLabelValues("search", outcome).Inc()
	return out, nil
}

// RegisterRequest is the `POST /agents` body (§6).
type RegisterRequest struct {
	ID           string            `json:"id"`
	Endpoint     string            `json:"endpoint"`
	Name         string            `json:"name"`
	HumanName    string            `json:"humanName,omitempty"`
	PublicKey    string            `json:"publicKey"`
	Capabilities []string          `json:"capabilities,omitempty"`
	Metadata     map[string]string `json:"metadata,omitempty"`
}

// Register submits this node's descriptor to the Registry. The management
// token the Registry issues is cached on the client (one token per client,
// not per id) and attached to every subsequent Registry request.
func (c *Client) Register(ctx context.Context, req RegisterRequest) error {
	if c.registryURL == "" {
		return fmt.Errorf("discovery: no registry configured")
	}
	body, err := json.Marshal(req)
	if err != nil {
		return err
	}
	respBody, status, err := c.doRegistryRequest(ctx, http.MethodPost, "/agents", body)
	if err != nil {
		return err
	}
	if status != http.StatusCreated {
		return fmt.Errorf("discovery: register: unexpected status %d", status)
	}
	var resp struct {
		ManagementToken string `json:"managementToken"`
	}
	if err := json.Unmarshal(respBody, &resp); err == nil && resp.ManagementToken != "" {
		c.mu.Lock()
		c.managementToken = resp.ManagementToken
		c.mu.Unlock()
	}
	return nil
}

// Deregister runs `DELETE /agents/:id`.
func (c *Client) Deregister(ctx context.Context, agentID string) error {
	if c.registryURL == "" {
		return fmt.Errorf("discovery: no registry configured")
	}
	_, _, err := c.doRegistryRequest(ctx, http.MethodDelete, "/agents/"+url.PathEscape(agentID), nil)
	return err
}

// Heartbeat runs `POST /agents/:id/heartbeat`, keeping the registry entry
// fresh (entries go stale after `staleTimeout`, default 2 min).
func (c *Client) Heartbeat(ctx context.Context, agentID string) error {
	if c.registryURL == "" {
		return fmt.Errorf("discovery: no registry configured")
	}
	_, _, err := c.doRegistryRequest(ctx, http.MethodPost, "/agents/"+url.PathEscape(agentID)+"/heartbeat", nil)
	return err
}

func (c *Client) doRegistryRequest(ctx context.Context, method, path string, body []byte) ([]byte, int, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.registryURL+path, strings.NewReader(string(body)))
	if err != nil {
		return nil, 0, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	c.mu.Lock()
	token := c.managementToken
	c.mu.Unlock()
	if token != "" {
		req.Header.Set(managementTokenHeader, token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, 0, err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, resp.StatusCode, err
	}
	if resp.StatusCode >= 400 && resp.StatusCode != http.StatusNotFound {
		var errResp struct {
			Error string `json:"error"`
		}
		_ = json.Unmarshal(respBody, &errResp)
		return nil, resp.StatusCode, fmt.Errorf("discovery: registry error %d: %s", resp.StatusCode, errResp.Error)
	}
	return respBody, resp.StatusCode, nil
}
