package config

import (
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Store != "memory" {
		t.Errorf("Store = %q, want memory", cfg.Store)
	}
	if len(cfg.STUNServers) != 1 || cfg.STUNServers[0] != defaultSTUN {
		t.Errorf("STUNServers = %v", cfg.STUNServers)
	}
	if cfg.OfferWaitTimeout != defaultOfferTimeout {
		t.Errorf("OfferWaitTimeout = %v", cfg.OfferWaitTimeout)
	}
	if !cfg.Audio || !cfg.Video {
		t.Errorf("Audio/Video defaults = %t/%t, want true/true", cfg.Audio, cfg.Video)
	}
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("CALLKIT_STORE", "redis")
	t.Setenv("CALLKIT_REDIS_ADDR", "redis.internal:6380")
	t.Setenv("CALLKIT_STUN", "stun:a.example:3478, stun:b.example:3478")
	t.Setenv("CALLKIT_OFFER_TIMEOUT", "15s")
	t.Setenv("CALLKIT_VIDEO", "false")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Store != "redis" || cfg.RedisAddr != "redis.internal:6380" {
		t.Errorf("store config = %q/%q", cfg.Store, cfg.RedisAddr)
	}
	if len(cfg.STUNServers) != 2 || cfg.STUNServers[1] != "stun:b.example:3478" {
		t.Errorf("STUNServers = %v", cfg.STUNServers)
	}
	if cfg.OfferWaitTimeout != 15*time.Second {
		t.Errorf("OfferWaitTimeout = %v", cfg.OfferWaitTimeout)
	}
	if cfg.Video {
		t.Error("Video = true, want false")
	}
}

func TestLoadRejectsUnknownStore(t *testing.T) {
	t.Setenv("CALLKIT_STORE", "etcd")
	if _, err := Load(); err == nil {
		t.Fatal("expected error for unknown store")
	}
}

func TestLoadGatewayRequiresURL(t *testing.T) {
	t.Setenv("CALLKIT_STORE", "gateway")
	t.Setenv("CALLKIT_GATEWAY_URL", "")
	if _, err := Load(); err == nil {
		t.Fatal("expected error for missing gateway url")
	}
}
