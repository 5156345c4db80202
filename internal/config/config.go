package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all application configuration loaded from environment
// variables. It is immutable after Load() returns.
type Config struct {
	Port        int
	Environment string

	RetrievalTimeout  time.Duration
	GenerationTimeout time.Duration
	TotalTimeout      time.Duration

	DefaultTopK    int
	MaxTopK        int
	MaxDataSources int

	CORSOrigins []string

	PeerTokenExpireSeconds int
	TransportURL           string
	TransportAuth          string

	TunnelBus       string
	NATSURL         string
	PubSubProject   string
	AggregatorOwner string

	ReservedQueueTTL time.Duration

	InternalAuthSecret string
}

// Load reads configuration from environment variables. TUNNEL_BUS selects
// which bus backs the tunnel transport ("nats" or "pubsub"), and the
// corresponding dial target becomes required.
func Load() (*Config, error) {
	cfg := &Config{
		Port:        envInt("PORT", 8080),
		Environment: envStr("ENVIRONMENT", "development"),

		RetrievalTimeout:  envDuration("RETRIEVAL_TIMEOUT", 10*time.Second),
		GenerationTimeout: envDuration("GENERATION_TIMEOUT", 60*time.Second),
		TotalTimeout:      envDuration("TOTAL_TIMEOUT", 120*time.Second),

		DefaultTopK:    envInt("DEFAULT_TOP_K", 5),
		MaxTopK:        envInt("MAX_TOP_K", 20),
		MaxDataSources: envInt("MAX_DATA_SOURCES", 10),

		CORSOrigins: envStrList("CORS_ORIGINS", []string{"http://localhost:3000"}),

		PeerTokenExpireSeconds: envInt("PEER_TOKEN_EXPIRE_SECONDS", 300),
		TransportURL:           envStr("TRANSPORT_URL", ""),
		TransportAuth:          envStr("TRANSPORT_AUTH", ""),

		TunnelBus:       envStr("TUNNEL_BUS", "nats"),
		NATSURL:         envStr("NATS_URL", "nats://localhost:4222"),
		PubSubProject:   envStr("PUBSUB_PROJECT", ""),
		AggregatorOwner: envStr("AGGREGATOR_OWNER", "aggregator-core"),

		ReservedQueueTTL: envDuration("RESERVED_QUEUE_TTL", 10*time.Minute),

		InternalAuthSecret: envStr("INTERNAL_AUTH_SECRET", ""),
	}

	if cfg.PeerTokenExpireSeconds < 60 || cfg.PeerTokenExpireSeconds > 3600 {
		return nil, fmt.Errorf("config.Load: PEER_TOKEN_EXPIRE_SECONDS must be between 60 and 3600, got %d", cfg.PeerTokenExpireSeconds)
	}

	switch cfg.TunnelBus {
	case "nats":
		if cfg.NATSURL == "" {
			return nil, fmt.Errorf("config.Load: NATS_URL is required when TUNNEL_BUS=nats")
		}
	case "pubsub":
		if cfg.PubSubProject == "" {
			return nil, fmt.Errorf("config.Load: PUBSUB_PROJECT is required when TUNNEL_BUS=pubsub")
		}
	default:
		return nil, fmt.Errorf("config.Load: unknown TUNNEL_BUS %q, want nats or pubsub", cfg.TunnelBus)
	}

	if cfg.Environment != "development" && cfg.InternalAuthSecret == "" {
		return nil, fmt.Errorf("config.Load: INTERNAL_AUTH_SECRET is required in %s environment", cfg.Environment)
	}

	return cfg, nil
}

func envStr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envStrList(key string, fallback []string) []string {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	if len(out) == 0 {
		return fallback
	}
	return out
}

func envInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

func envDuration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fallback
	}
	return d
}
