package main

import (
	"context"
	"fmt"
	"log"
	"os"
	ossignal "os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/pion/logging"
	"github.com/redis/go-redis/v9"
	"go.mongodb.org/mongo-driver/mongo"
	mongooptions "go.mongodb.org/mongo-driver/mongo/options"

	"coachhome/callkit/internal/api"
	"coachhome/callkit/internal/call"
	"coachhome/callkit/internal/config"
	"coachhome/callkit/internal/domain"
	"coachhome/callkit/internal/store"
	callwebrtc "coachhome/callkit/internal/webrtc"
)

const helpText = `callkit - Run a loopback audio/video call through a signaling store

Usage:
  callkit [options]

Seeds a call record, then runs the caller and receiver sides of the
negotiation in one process and prints each side's session updates.
Useful for exercising a signaling backend end to end.

Environment Variables:
  CALLKIT_STORE          Signaling backend: memory, redis, mongo, gateway (default memory)
  CALLKIT_REDIS_ADDR     Redis address when CALLKIT_STORE=redis (default localhost:6379)
  CALLKIT_MONGO_URI      Mongo URI when CALLKIT_STORE=mongo (default mongodb://localhost:27017)
  CALLKIT_GATEWAY_URL    WebSocket URL when CALLKIT_STORE=gateway
  CALLKIT_API_BASE       Backend API base URL for TURN credentials (optional)
  CALLKIT_API_TOKEN      Bearer token for the backend API
  CALLKIT_STUN           Comma-separated STUN URLs (default stun:stun.l.google.com:19302)
  CALLKIT_OFFER_TIMEOUT  How long the receiver waits for an offer (default 30s)
  CALLKIT_AUDIO          Capture local audio (default true)
  CALLKIT_VIDEO          Capture local video (default true)

Options:
  -h, --help  Show this help message
`

func main() {
	if len(os.Args) > 1 && (os.Args[1] == "-h" || os.Args[1] == "--help") {
		fmt.Print(helpText)
		os.Exit(0)
	}

	log.SetOutput(os.Stderr)
	log.SetFlags(log.Ltime | log.Lmicroseconds)

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("[main] %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	ossignal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		log.Printf("[main] received %s, shutting down", sig)
		cancel()
	}()

	// Step 1: Build the signaling store
	sigStore, cleanup, err := buildStore(ctx, cfg)
	if err != nil {
		log.Fatalf("[main] store: %v", err)
	}
	defer cleanup()
	sigStore = store.WithRetry(sigStore, 3)
	log.Printf("[main] signaling store ready (%s)", cfg.Store)

	// Step 2: Resolve ICE servers
	iceServers := make([]domain.ICEServer, 0, len(cfg.STUNServers))
	for _, u := range cfg.STUNServers {
		iceServers = append(iceServers, domain.ICEServer{URL: u})
	}
	if cfg.APIBase != "" {
		apiClient := api.NewClient(cfg.APIBase, cfg.APIToken)
		turn, err := apiClient.FetchICEServers(ctx)
		if err != nil {
			log.Fatalf("[main] fetch turn credentials: %v", err)
		}
		iceServers = append(iceServers, turn...)
		log.Printf("[main] fetched %d TURN servers", len(turn))
	}

	// Step 3: Seed the call record
	callID := uuid.NewString()
	callerID := "caller-" + uuid.NewString()[:8]
	receiverID := "receiver-" + uuid.NewString()[:8]
	now := time.Now().UTC()
	rec := domain.CallRecord{
		ID:         callID,
		CallerID:   callerID,
		ReceiverID: receiverID,
		Status:     domain.StatusRinging,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := sigStore.Create(ctx, rec); err != nil {
		log.Fatalf("[main] create call record: %v", err)
	}
	log.Printf("[main] call %s seeded: %s -> %s", callID, callerID, receiverID)

	// Step 4: Run coordinators for both sides
	engine := callwebrtc.NewEngine(logging.NewDefaultLoggerFactory())
	opts := call.Options{
		Media: domain.MediaOptions{
			Audio:      cfg.Audio,
			Video:      cfg.Video,
			ICEServers: iceServers,
		},
		OfferWaitTimeout: cfg.OfferWaitTimeout,
	}

	caller := call.New(sigStore, engine, opts)
	receiver := call.New(sigStore, engine, opts)

	var wg sync.WaitGroup
	for _, side := range []struct {
		name    string
		localID string
		c       *call.Coordinator
	}{
		{"caller", callerID, caller},
		{"receiver", receiverID, receiver},
	} {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for u := range side.c.Updates() {
				if u.Reason != nil {
					log.Printf("[%s] phase=%s reason=%v", side.name, u.Phase, u.Reason)
				} else {
					log.Printf("[%s] phase=%s", side.name, u.Phase)
				}
			}
		}()
		wg.Add(1)
		go func() {
			defer wg.Done()
			for tr := range side.c.RemoteTracks() {
				log.Printf("[%s] remote track: kind=%s id=%s", side.name, tr.Kind(), tr.ID())
			}
		}()
		side.c.Start(ctx, callID, side.localID)
	}

	select {
	case <-ctx.Done():
		log.Printf("[main] hanging up")
		caller.Hangup()
		receiver.Hangup()
	case <-caller.Done():
	case <-receiver.Done():
	}

	<-caller.Done()
	<-receiver.Done()
	wg.Wait()

	log.Printf("[main] done")
}

func buildStore(ctx context.Context, cfg *config.Config) (domain.SignalStore, func(), error) {
	lf := logging.NewDefaultLoggerFactory()
	switch cfg.Store {
	case "redis":
		rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		if err := rdb.Ping(ctx).Err(); err != nil {
			return nil, nil, fmt.Errorf("redis ping: %w", err)
		}
		return store.NewRedis(rdb, lf), func() { rdb.Close() }, nil
	case "mongo":
		client, err := mongo.Connect(ctx, mongooptions.Client().ApplyURI(cfg.MongoURI))
		if err != nil {
			return nil, nil, fmt.Errorf("mongo connect: %w", err)
		}
		coll := client.Database("callkit").Collection("calls")
		return store.NewMongo(coll, lf), func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			client.Disconnect(shutdownCtx)
		}, nil
	case "gateway":
		gw, err := store.DialGateway(ctx, cfg.GatewayURL, lf)
		if err != nil {
			return nil, nil, fmt.Errorf("dial gateway: %w", err)
		}
		return gw, func() { gw.Close() }, nil
	default:
		return store.NewMemory(), func() {}, nil
	}
}
