// Package node implements the Node Orchestrator (§4.12): the process that
// wires together the key store, contact registry, security filters,
// persistent queue, dead letter store, delivery engine, conversation
// store, ingress pipeline and egress pipeline into one running agent.
package node

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/ai2ai-protocol/ai2ai/internal/api"
	"github.com/ai2ai-protocol/ai2ai/internal/contacts"
	"github.com/ai2ai-protocol/ai2ai/internal/conversation"
	"github.com/ai2ai-protocol/ai2ai/internal/delivery"
	"github.com/ai2ai-protocol/ai2ai/internal/discovery"
	"github.com/ai2ai-protocol/ai2ai/internal/dlq"
	"github.com/ai2ai-protocol/ai2ai/internal/egress"
	"github.com/ai2ai-protocol/ai2ai/internal/envelope"
	"github.com/ai2ai-protocol/ai2ai/internal/ingress"
	"github.com/ai2ai-protocol/ai2ai/internal/keystore"
	"github.com/ai2ai-protocol/ai2ai/internal/queue"
	"github.com/ai2ai-protocol/ai2ai/internal/security"
)

// Config configures a Node. Zero values fall back to the same defaults the
// component packages already carry.
type Config struct {
	AgentID      string
	HumanName    string
	Endpoint     string
	Capabilities []string
	Timezone     string

	DataDir     string
	Port        string
	RegistryURL string
	RedisURL    string

	MessageTTL         time.Duration
	NonceWindow        time.Duration
	RateLimit          int
	RateLimitWindow    time.Duration
	ApprovalTTL        time.Duration
	ApprovalRetention  time.Duration
	ConversationExpiry time.Duration
	RotationInterval   time.Duration
	RequestTimeout     time.Duration
	HeartbeatInterval  time.Duration

	AlwaysApprove        map[string]bool
	MinAutoDispatchTrust contacts.TrustLevel
	EncryptionEnabled    bool
}

// ResponseFormatter builds the outbound response/confirm/reject envelope
// payload once a pending approval for intent has been resolved (§4.8).
type ResponseFormatter func(appr *conversation.Approval) (envelope.Type, json.RawMessage, error)

// Node is a running ai2ai agent: HTTP server, background workers and the
// full component stack wired together.
type Node struct {
	cfg Config
	log zerolog.Logger

	keys      *keystore.KeyStore
	contacts  *contacts.Registry
	filters   *security.Filters
	convs     *conversation.Store
	approvals *conversation.ApprovalInbox
	queue     *queue.Queue
	dlq       *dlq.Store
	tracker   *delivery.Tracker
	engine    *delivery.Engine
	discovery *discovery.Client
	egress    *egress.Pipeline
	receiver  *ingress.Receiver
	redis     *redis.Client

	formatters map[string]ResponseFormatter

	events *emitter

	httpServer *http.Server

	mu      sync.Mutex
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	started bool
}

// New wires every component for cfg without starting any background work;
// call Start to bind the HTTP server and launch the maintenance workers.
func New(cfg Config, log zerolog.Logger) (*Node, error) {
	if cfg.DataDir == "" {
		cfg.DataDir = "./data"
	}
	if cfg.MinAutoDispatchTrust == "" {
		cfg.MinAutoDispatchTrust = contacts.TrustTrusted
	}
	if cfg.RequestTimeout == 0 {
		cfg.RequestTimeout = 30 * time.Second
	}
	if cfg.HeartbeatInterval == 0 {
		cfg.HeartbeatInterval = 90 * time.Second
	}

	n := &Node{
		cfg:        cfg,
		log:        log,
		formatters: make(map[string]ResponseFormatter),
		events:     newEmitter(),
	}

	var err error
	if n.keys, err = keystore.Open(cfg.DataDir + "/keys"); err != nil {
		return nil, fmt.Errorf("node: open keystore: %w", err)
	}
	if n.contacts, err = contacts.Open(cfg.DataDir + "/contacts.json"); err != nil {
		return nil, fmt.Errorf("node: open contacts: %w", err)
	}
	if n.convs, err = conversation.Open(cfg.DataDir + "/conversations"); err != nil {
		return nil, fmt.Errorf("node: open conversation store: %w", err)
	}
	if n.approvals, err = conversation.OpenApprovalInbox(cfg.DataDir + "/pending"); err != nil {
		return nil, fmt.Errorf("node: open approval inbox: %w", err)
	}
	if n.queue, err = queue.Open(cfg.DataDir + "/queue"); err != nil {
		return nil, fmt.Errorf("node: open queue: %w", err)
	}
	if n.dlq, err = dlq.Open(cfg.DataDir + "/dlq"); err != nil {
		return nil, fmt.Errorf("node: open dlq: %w", err)
	}

	n.filters = security.New(n.contacts, security.Config{
		RateLimit:       cfg.RateLimit,
		RateLimitWindow: cfg.RateLimitWindow,
		MessageTTL:      cfg.MessageTTL,
		NonceWindow:     cfg.NonceWindow,
	})

	if cfg.RedisURL != "" {
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return nil, fmt.Errorf("node: parse redis url: %w", err)
		}
		n.redis = redis.NewClient(opts)
		if err := n.redis.Ping(context.Background()).Err(); err != nil {
			return nil, fmt.Errorf("node: connect redis: %w", err)
		}
		n.filters = n.filters.WithRedis(
			security.NewRedisReplayStore(n.redis, "nonce:"),
			security.NewRedisReplayStore(n.redis, "dedup:"),
		)
		log.Info().Str("agent", cfg.AgentID).Msg("node: security filters backed by shared redis state")
	}

	n.tracker = delivery.NewTracker()
	n.tracker.OnEvent(n.onDeliveryEvent)

	n.engine = delivery.New(n.tracker,
		delivery.WithBlockCheck(n.contacts.IsBlocked),
		delivery.WithLogger(log),
		delivery.WithBreakerStateChange(n.onBreakerStateChange),
	)

	if cfg.RegistryURL != "" {
		n.discovery = discovery.New(cfg.RegistryURL)
	}

	n.egress = egress.New(cfg.AgentID, n.keys, n.contacts, n.discovery, n.engine, n.queue, egress.WithLogger(log))

	n.receiver = ingress.New(
		ingress.Config{
			AgentID:              cfg.AgentID,
			HumanName:            cfg.HumanName,
			Endpoint:             cfg.Endpoint,
			Capabilities:         cfg.Capabilities,
			Timezone:             cfg.Timezone,
			AlwaysApprove:        cfg.AlwaysApprove,
			MinAutoDispatchTrust: cfg.MinAutoDispatchTrust,
		},
		n.keys, n.contacts, n.filters, n.convs, n.approvals, n.tracker,
		n.onIngressEvent,
		log,
	)

	return n, nil
}

// RegisterIntent wires an intent handler into the ingress pipeline (§4.9).
func (n *Node) RegisterIntent(intent string, h ingress.IntentHandler) {
	n.receiver.RegisterIntent(intent, h)
}

// RegisterFormatter wires the response formatter used to build the
// outbound envelope once a pending approval for intent is resolved (§4.8).
func (n *Node) RegisterFormatter(intent string, fn ResponseFormatter) {
	n.formatters[intent] = fn
}

// Start binds the HTTP server on cfg.Port and launches the queue worker,
// maintenance sweeper, rotation checker and a once-a-minute sweep of idle
// rate-limit buckets.
func (n *Node) Start(ctx context.Context) error {
	n.mu.Lock()
	if n.started {
		n.mu.Unlock()
		return fmt.Errorf("node: already started")
	}
	n.started = true
	runCtx, cancel := context.WithCancel(ctx)
	n.cancel = cancel
	n.mu.Unlock()

	router := api.NewRouter(n.log, n.receiver)
	n.httpServer = &http.Server{
		Addr:    ":" + n.cfg.Port,
		Handler: router,
	}

	if n.discovery != nil && n.cfg.Endpoint != "" {
		n.registerWithDiscovery(runCtx)
		n.wg.Add(1)
		go func() {
			defer n.wg.Done()
			n.runHeartbeat(runCtx)
		}()
	}

	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		if err := n.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			n.log.Error().Err(err).Msg("node: http server stopped unexpectedly")
		}
	}()

	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		conversation.RunMaintenance(runCtx, n.convs, n.approvals, conversation.MaintenanceConfig{
			ApprovalTTL:       n.cfg.ApprovalTTL,
			Retention:         n.cfg.ApprovalRetention,
			OnApprovalExpired: func(id uuid.UUID) { n.events.fire(EventApprovalExpired, id) },
		}, n.log)
	}()

	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		n.runQueueWorker(runCtx)
	}()

	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		n.runRotationChecker(runCtx)
	}()

	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		ticker := time.NewTicker(time.Minute)
		defer ticker.Stop()
		for {
			select {
			case <-runCtx.Done():
				return
			case <-ticker.C:
				n.filters.Sweep()
			}
		}
	}()

	n.log.Info().Str("agent", n.cfg.AgentID).Str("port", n.cfg.Port).Msg("node: started")
	return nil
}

// Stop drains in-flight ingress, cancels background workers and closes the
// HTTP server (§5: stop() is a drain).
func (n *Node) Stop(ctx context.Context) error {
	n.mu.Lock()
	if !n.started {
		n.mu.Unlock()
		return nil
	}
	n.started = false
	cancel := n.cancel
	n.mu.Unlock()

	if cancel != nil {
		cancel()
	}

	if n.discovery != nil && n.cfg.Endpoint != "" {
		deregisterCtx, deregisterCancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := n.discovery.Deregister(deregisterCtx, n.cfg.AgentID); err != nil {
			n.log.Warn().Err(err).Msg("node: registry deregister failed")
		}
		deregisterCancel()
	}

	var shutdownErr error
	if n.httpServer != nil {
		shutdownErr = n.httpServer.Shutdown(ctx)
	}

	n.wg.Wait()

	if n.redis != nil {
		if err := n.redis.Close(); err != nil {
			n.log.Warn().Err(err).Msg("node: redis close failed")
		}
	}

	n.log.Info().Str("agent", n.cfg.AgentID).Msg("node: stopped")
	return shutdownErr
}
