// Package client provides a Go SDK for constructing, signing, and sending
// ai2ai envelopes against another agent's ingress endpoint, without pulling
// in the full Node Orchestrator.
package client

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/ai2ai-protocol/ai2ai/internal/crypto"
	"github.com/ai2ai-protocol/ai2ai/internal/discovery"
	"github.com/ai2ai-protocol/ai2ai/internal/envelope"
	"github.com/ai2ai-protocol/ai2ai/internal/keystore"
)

// Client sends signed, optionally encrypted envelopes on behalf of a single
// agent identity backed by a keystore directory.
type Client struct {
	AgentID    string
	Keys       *keystore.KeyStore
	HTTPClient *http.Client
	Discovery  *discovery.Client
}

// Config configures a new Client.
type Config struct {
	AgentID     string
	KeyDir      string // keystore directory, passed to keystore.Open
	RegistryURL string // optional; empty disables registry-backed discovery
	HTTPClient  *http.Client
}

// New opens (creating if needed) the agent's keystore and returns a ready
// Client.
func New(cfg Config) (*Client, error) {
	ks, err := keystore.Open(cfg.KeyDir)
	if err != nil {
		return nil, fmt.Errorf("client: open keystore: %w", err)
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	return &Client{
		AgentID:    cfg.AgentID,
		Keys:       ks,
		HTTPClient: httpClient,
		Discovery:  discovery.New(cfg.RegistryURL, discovery.WithHTTPClient(httpClient)),
	}, nil
}

// Fingerprint returns the agent's public key fingerprint, for display and
// out-of-band verification.
func (c *Client) Fingerprint() string {
	return c.Keys.Fingerprint()
}

// SendOptions customizes one outbound envelope built by Send.
type SendOptions struct {
	Type                  envelope.Type
	Intent                string
	Conversation          uuid.UUID
	Payload               any
	TTL                   time.Duration
	RequiresHumanApproval bool
	// RecipientXPublicKey, base64-encoded, encrypts the payload when set.
	RecipientXPublicKey string
}

// Send builds, signs, and POSTs an envelope to targetEndpoint (the
// recipient's `/ai2ai` URL), returning the recipient's parsed response.
func (c *Client) Send(ctx context.Context, targetAgent, targetEndpoint string, opts SendOptions) (*Response, error) {
	env, err := c.build(targetAgent, opts)
	if err != nil {
		return nil, err
	}
	if opts.RecipientXPublicKey != "" {
		if err := c.encrypt(env, opts.RecipientXPublicKey); err != nil {
			return nil, fmt.Errorf("client: encrypt payload: %w", err)
		}
	}
	_, priv := c.Keys.SigningKeys()
	if err := envelope.Sign(env, priv); err != nil {
		return nil, fmt.Errorf("client: sign envelope: %w", err)
	}
	return c.post(ctx, targetEndpoint, env)
}

func (c *Client) build(targetAgent string, opts SendOptions) (*envelope.Envelope, error) {
	payload, err := marshalPayload(opts.Payload)
	if err != nil {
		return nil, fmt.Errorf("client: marshal payload: %w", err)
	}
	env := &envelope.Envelope{
		ProtoVersion:          envelope.CurrentProtoVersion,
		ID:                    crypto.NewUUIDv7(),
		Nonce:                 uuid.NewString(),
		Timestamp:             time.Now().UTC(),
		From:                  envelope.Party{Agent: c.AgentID},
		To:                    envelope.Party{Agent: targetAgent},
		Conversation:          opts.Conversation,
		Type:                  opts.Type,
		Payload:               payload,
		RequiresHumanApproval: opts.RequiresHumanApproval,
	}
	if opts.Intent != "" {
		env.Intent = &opts.Intent
	}
	if env.Conversation == uuid.Nil {
		env.Conversation = crypto.NewUUIDv7()
	}
	if opts.TTL > 0 {
		expiresAt := env.Timestamp.Add(opts.TTL)
		env.ExpiresAt = &expiresAt
	}
	return env, nil
}

func (c *Client) encrypt(env *envelope.Envelope, recipientXPubB64 string) error {
	if len(env.Payload) == 0 {
		return nil
	}
	raw, err := base64.StdEncoding.DecodeString(recipientXPubB64)
	if err != nil || len(raw) != 32 {
		return fmt.Errorf("client: invalid recipient x25519 key")
	}
	var xpub [32]byte
	copy(xpub[:], raw)

	enc, err := envelope.EncryptPayload(env.Payload, xpub)
	if err != nil {
		return err
	}
	body, err := json.Marshal(enc)
	if err != nil {
		return err
	}
	env.Payload = body
	return nil
}

func marshalPayload(payload any) (json.RawMessage, error) {
	if payload == nil {
		return nil, nil
	}
	if raw, ok := payload.(json.RawMessage); ok {
		return raw, nil
	}
	return json.Marshal(payload)
}

// Response mirrors the ingress pipeline's `/ai2ai` reply shape (§6).
type Response struct {
	StatusCode int
	Status     string          `json:"status"`
	ID         string          `json:"id"`
	Reason     string          `json:"reason"`
	Payload    json.RawMessage `json:"payload"`
	Error      string          `json:"error"`
}

func (c *Client) post(ctx context.Context, endpoint string, env *envelope.Envelope) (*Response, error) {
	body, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("client: marshal envelope: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}

	var out Response
	if err := json.Unmarshal(respBody, &out); err != nil {
		return nil, fmt.Errorf("client: decode response: %w", err)
	}
	out.StatusCode = resp.StatusCode
	if resp.StatusCode >= 400 && out.Error == "" && out.Reason == "" {
		return &out, fmt.Errorf("client: ai2ai error %d", resp.StatusCode)
	}
	return &out, nil
}

// FetchWellKnown resolves a peer's endpoint by domain via
// discovery.ResolveByDomain (DNS TXT, DNS SRV, then `/.well-known/ai2ai.json`),
// without going through the registry. Only Endpoint is set on the returned
// descriptor; the other `.well-known` fields are not returned.
func (c *Client) FetchWellKnown(ctx context.Context, domain string) (*discovery.AgentDescriptor, error) {
	desc, err := c.Discovery.ResolveByDomain(ctx, domain)
	if err != nil {
		return nil, err
	}
	return &discovery.AgentDescriptor{Endpoint: desc}, nil
}

// Discover looks up an agent by id against the configured Registry server.
func (c *Client) Discover(ctx context.Context, agentID string) (*discovery.AgentDescriptor, error) {
	return c.Discovery.Get(ctx, agentID)
}

// Search runs a capability/name search against the configured Registry.
func (c *Client) Search(ctx context.Context, capability, name string) ([]discovery.AgentDescriptor, error) {
	return c.Discovery.Search(ctx, capability, name)
}

// Register submits this agent's descriptor to the configured Registry.
func (c *Client) Register(ctx context.Context, endpoint, name, humanName string, capabilities []string) error {
	pub, _ := c.Keys.SigningKeys()
	return c.Discovery.Register(ctx, discovery.RegisterRequest{
		ID:           c.AgentID,
		Endpoint:     endpoint,
		Name:         name,
		HumanName:    humanName,
		PublicKey:    base64.StdEncoding.EncodeToString(pub),
		Capabilities: capabilities,
	})
}

// Heartbeat keeps this agent's registry entry fresh.
func (c *Client) Heartbeat(ctx context.Context) error {
	return c.Discovery.Heartbeat(ctx, c.AgentID)
}
