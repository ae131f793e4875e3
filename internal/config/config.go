package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds the application configuration.
type Config struct {
	// Store selects the signaling backend: memory, redis, mongo or gateway.
	Store string

	RedisAddr  string
	MongoURI   string
	GatewayURL string

	// APIBase and APIToken configure the backend client used to fetch
	// TURN credentials. Empty APIBase disables the fetch.
	APIBase  string
	APIToken string

	STUNServers []string

	OfferWaitTimeout time.Duration

	Audio bool
	Video bool
}

const (
	defaultSTUN         = "stun:stun.l.google.com:19302"
	defaultOfferTimeout = 30 * time.Second
)

// Load reads configuration from a .env file (if present) and environment
// variables. Environment variables take precedence over .env values.
func Load() (*Config, error) {
	// godotenv.Load does not overwrite existing env vars
	_ = godotenv.Load()

	cfg := &Config{
		Store:            envOr("CALLKIT_STORE", "memory"),
		RedisAddr:        envOr("CALLKIT_REDIS_ADDR", "localhost:6379"),
		MongoURI:         envOr("CALLKIT_MONGO_URI", "mongodb://localhost:27017"),
		GatewayURL:       os.Getenv("CALLKIT_GATEWAY_URL"),
		APIBase:          os.Getenv("CALLKIT_API_BASE"),
		APIToken:         os.Getenv("CALLKIT_API_TOKEN"),
		OfferWaitTimeout: defaultOfferTimeout,
		Audio:            envBool("CALLKIT_AUDIO", true),
		Video:            envBool("CALLKIT_VIDEO", true),
	}

	switch cfg.Store {
	case "memory", "redis", "mongo", "gateway":
	default:
		return nil, fmt.Errorf("CALLKIT_STORE must be one of memory, redis, mongo, gateway (got %q)", cfg.Store)
	}

	if cfg.Store == "gateway" && cfg.GatewayURL == "" {
		return nil, fmt.Errorf("CALLKIT_GATEWAY_URL is required when CALLKIT_STORE=gateway")
	}

	for _, s := range strings.Split(envOr("CALLKIT_STUN", defaultSTUN), ",") {
		if s = strings.TrimSpace(s); s != "" {
			cfg.STUNServers = append(cfg.STUNServers, s)
		}
	}

	if raw := os.Getenv("CALLKIT_OFFER_TIMEOUT"); raw != "" {
		d, err := time.ParseDuration(raw)
		if err != nil {
			return nil, fmt.Errorf("parse CALLKIT_OFFER_TIMEOUT: %w", err)
		}
		cfg.OfferWaitTimeout = d
	}

	return cfg, nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envBool(key string, fallback bool) bool {
	raw := os.Getenv(key)
	if raw == "" {
		return fallback
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		return fallback
	}
	return v
}
