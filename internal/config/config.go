// Package config loads node configuration from the environment, with a
// .env file consulted in development (§10 ambient stack).
package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all configuration for a single ai2ai node process.
type Config struct {
	AgentID   string
	HumanName string
	Endpoint  string
	Timezone  string

	Capabilities []string

	Env  string
	Port string

	DataDir     string // root for keystore/contacts/queue/dlq/conversations
	RegistryURL string
	RedisURL    string // optional, enables clustered nonce/dedup stores

	RequestTimeout time.Duration

	MessageTTL      time.Duration
	NonceWindow     time.Duration
	RateLimit       int
	RateLimitWindow time.Duration

	ApprovalTTL        time.Duration
	ApprovalRetention  time.Duration
	ConversationExpiry time.Duration

	RotationInterval time.Duration

	EncryptionEnabled bool
}

// Load reads configuration from environment variables, loading a .env file
// first if present (development convenience only; production deployments
// set real environment variables).
func Load() *Config {
	_ = godotenv.Load()

	cfg := &Config{
		AgentID:            os.Getenv("AI2AI_AGENT_ID"),
		HumanName:          os.Getenv("AI2AI_HUMAN_NAME"),
		Endpoint:           os.Getenv("AI2AI_ENDPOINT"),
		Timezone:           getEnv("AI2AI_TIMEZONE", "UTC"),
		Capabilities:       getList("AI2AI_CAPABILITIES"),
		Env:                getEnv("AI2AI_ENV", "development"),
		Port:               getEnv("AI2AI_PORT", "18800"),
		DataDir:            getEnv("AI2AI_DATA_DIR", "./data"),
		RegistryURL:        os.Getenv("AI2AI_REGISTRY_URL"),
		RedisURL:           os.Getenv("AI2AI_REDIS_URL"),
		RequestTimeout:     getDuration("AI2AI_REQUEST_TIMEOUT", 30*time.Second),
		MessageTTL:         getDuration("AI2AI_MESSAGE_TTL", 24*time.Hour),
		NonceWindow:        getDuration("AI2AI_NONCE_WINDOW", time.Hour),
		RateLimit:          getInt("AI2AI_RATE_LIMIT", 20),
		RateLimitWindow:    getDuration("AI2AI_RATE_LIMIT_WINDOW", 60*time.Second),
		ApprovalTTL:        getDuration("AI2AI_APPROVAL_TTL", 24*time.Hour),
		ApprovalRetention:  getDuration("AI2AI_APPROVAL_RETENTION", 7*24*time.Hour),
		ConversationExpiry: getDuration("AI2AI_CONVERSATION_EXPIRY", 7*24*time.Hour),
		RotationInterval:   getDuration("AI2AI_ROTATION_INTERVAL", 30*24*time.Hour),
		EncryptionEnabled:  getEnv("AI2AI_ENCRYPTION_ENABLED", "true") == "true",
	}

	if cfg.Env == "production" && cfg.AgentID == "" {
		panic("AI2AI_AGENT_ID is required in production")
	}

	return cfg
}

// IsDevelopment returns true if running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}

func getEnv(key, defaultValue string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultValue
}

func getDuration(key string, defaultValue time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return defaultValue
}

func getInt(key string, defaultValue int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return defaultValue
}

func getList(key string) []string {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
