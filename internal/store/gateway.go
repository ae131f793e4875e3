package store

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/pion/logging"

	"coachhome/callkit/internal/domain"
)

// message is the generic gateway envelope. Requests carry a requestId the
// gateway echoes back on the matching *_RESULT; subscription events carry
// the subscriptionId issued by SUBSCRIBE.
type message struct {
	Method         string                     `json:"method"`
	RequestID      string                     `json:"requestId,omitempty"`
	SubscriptionID string                     `json:"subscriptionId,omitempty"`
	CallID         string                     `json:"callId,omitempty"`
	Partition      string                     `json:"partition,omitempty"`
	Record         *domain.CallRecord         `json:"record,omitempty"`
	Offer          *domain.SessionDescription `json:"offer,omitempty"`
	Answer         *domain.SessionDescription `json:"answer,omitempty"`
	Status         string                     `json:"status,omitempty"`
	Candidate      *domain.ICECandidate       `json:"candidate,omitempty"`
	Code           *int                       `json:"code,omitempty"`
	Message        string                     `json:"message,omitempty"`
}

const gatewayPingInterval = 25 * time.Second

// Gateway is a SignalStore client for deployments where the document store
// sits behind a realtime WebSocket gateway exposing its change feed.
type Gateway struct {
	conn *websocket.Conn
	log  logging.LeveledLogger

	writeMu sync.Mutex

	mu      sync.Mutex
	pending map[string]chan message
	subs    map[string]func(message)

	closed chan struct{}
}

// DialGateway connects to the gateway and starts the read and ping loops.
func DialGateway(ctx context.Context, url string, lf logging.LoggerFactory) (*Gateway, error) {
	if lf == nil {
		lf = logging.NewDefaultLoggerFactory()
	}
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: dial gateway: %v", domain.ErrUnavailable, err)
	}
	g := &Gateway{
		conn:    conn,
		log:     lf.NewLogger("store"),
		pending: make(map[string]chan message),
		subs:    make(map[string]func(message)),
		closed:  make(chan struct{}),
	}
	go g.readLoop()
	go g.pingLoop()
	return g, nil
}

// Close shuts down the connection. In-flight requests fail with
// ErrUnavailable.
func (g *Gateway) Close() {
	select {
	case <-g.closed:
		return
	default:
		close(g.closed)
	}
	_ = g.conn.Close()
}

func (g *Gateway) sendJSON(msg message) error {
	g.writeMu.Lock()
	defer g.writeMu.Unlock()
	if err := g.conn.WriteJSON(msg); err != nil {
		return fmt.Errorf("%w: gateway write: %v", domain.ErrUnavailable, err)
	}
	return nil
}

// request sends msg and waits for the gateway's correlated reply.
func (g *Gateway) request(ctx context.Context, msg message) (message, error) {
	msg.RequestID = uuid.NewString()
	reply := make(chan message, 1)

	g.mu.Lock()
	g.pending[msg.RequestID] = reply
	g.mu.Unlock()
	defer func() {
		g.mu.Lock()
		delete(g.pending, msg.RequestID)
		g.mu.Unlock()
	}()

	if err := g.sendJSON(msg); err != nil {
		return message{}, err
	}

	select {
	case resp := <-reply:
		if err := gatewayError(resp); err != nil {
			return message{}, err
		}
		return resp, nil
	case <-g.closed:
		return message{}, fmt.Errorf("%w: gateway closed", domain.ErrUnavailable)
	case <-ctx.Done():
		return message{}, fmt.Errorf("%w: %v", domain.ErrUnavailable, ctx.Err())
	}
}

// gatewayError maps response codes onto the store error taxonomy.
func gatewayError(resp message) error {
	if resp.Code == nil || *resp.Code == 0 {
		return nil
	}
	switch *resp.Code {
	case 404:
		return domain.ErrRecordNotFound
	case 409:
		return domain.ErrDescriptionSet
	case 410:
		return domain.ErrInvalidTransition
	}
	return fmt.Errorf("%w: gateway code %d: %s", domain.ErrUnavailable, *resp.Code, resp.Message)
}

func (g *Gateway) readLoop() {
	defer g.Close()

	for {
		select {
		case <-g.closed:
			return
		default:
		}

		var msg message
		if err := g.conn.ReadJSON(&msg); err != nil {
			select {
			case <-g.closed:
			default:
				g.log.Warnf("gateway read: %v", err)
			}
			return
		}
		g.dispatch(msg)
	}
}

func (g *Gateway) dispatch(msg message) {
	switch msg.Method {
	case "RECORD_EVENT", "CANDIDATE_EVENT":
		g.mu.Lock()
		fn := g.subs[msg.SubscriptionID]
		g.mu.Unlock()
		if fn != nil {
			fn(msg)
		}
	default:
		g.mu.Lock()
		reply := g.pending[msg.RequestID]
		g.mu.Unlock()
		if reply != nil {
			select {
			case reply <- msg:
			default:
			}
		} else {
			g.log.Debugf("unhandled gateway message: %s", msg.Method)
		}
	}
}

func (g *Gateway) pingLoop() {
	ticker := time.NewTicker(gatewayPingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-g.closed:
			return
		case <-ticker.C:
			g.writeMu.Lock()
			err := g.conn.WriteControl(websocket.PingMessage, []byte{}, time.Now().Add(5*time.Second))
			g.writeMu.Unlock()
			if err != nil {
				g.log.Warnf("gateway ping: %v", err)
				g.Close()
				return
			}
		}
	}
}

func (g *Gateway) Create(ctx context.Context, rec domain.CallRecord) error {
	_, err := g.request(ctx, message{Method: "CREATE", CallID: rec.ID, Record: &rec})
	return err
}

func (g *Gateway) Get(ctx context.Context, id string) (domain.CallRecord, error) {
	resp, err := g.request(ctx, message{Method: "GET", CallID: id})
	if err != nil {
		return domain.CallRecord{}, err
	}
	if resp.Record == nil {
		return domain.CallRecord{}, domain.ErrRecordNotFound
	}
	return *resp.Record, nil
}

func (g *Gateway) Update(ctx context.Context, id string, patch domain.RecordPatch) error {
	msg := message{Method: "UPDATE", CallID: id, Offer: patch.Offer, Answer: patch.Answer}
	if patch.Status != nil {
		msg.Status = string(*patch.Status)
	}
	_, err := g.request(ctx, msg)
	return err
}

func (g *Gateway) Subscribe(ctx context.Context, id string, onChange func(domain.CallRecord)) (domain.Subscription, error) {
	resp, err := g.request(ctx, message{Method: "SUBSCRIBE", CallID: id})
	if err != nil {
		return nil, err
	}
	g.registerSub(resp.SubscriptionID, func(msg message) {
		if msg.Record != nil {
			onChange(*msg.Record)
		}
	})
	return g.subscription(resp.SubscriptionID), nil
}

func (g *Gateway) AppendCandidate(ctx context.Context, id string, part domain.Partition, cand domain.ICECandidate) error {
	_, err := g.request(ctx, message{
		Method:    "APPEND",
		CallID:    id,
		Partition: string(part),
		Candidate: &cand,
	})
	return err
}

func (g *Gateway) SubscribeCandidates(ctx context.Context, id string, part domain.Partition, onAppend func(domain.ICECandidate)) (domain.Subscription, error) {
	resp, err := g.request(ctx, message{Method: "SUBSCRIBE_CANDIDATES", CallID: id, Partition: string(part)})
	if err != nil {
		return nil, err
	}
	g.registerSub(resp.SubscriptionID, func(msg message) {
		if msg.Candidate != nil {
			onAppend(*msg.Candidate)
		}
	})
	return g.subscription(resp.SubscriptionID), nil
}

func (g *Gateway) PurgeCandidates(ctx context.Context, id string, part domain.Partition) error {
	_, err := g.request(ctx, message{Method: "PURGE", CallID: id, Partition: string(part)})
	return err
}

func (g *Gateway) registerSub(id string, fn func(message)) {
	g.mu.Lock()
	g.subs[id] = fn
	g.mu.Unlock()
}

func (g *Gateway) subscription(id string) domain.Subscription {
	return &memSubscription{cancel: func() {
		g.mu.Lock()
		delete(g.subs, id)
		g.mu.Unlock()

		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_, _ = g.request(ctx, message{Method: "UNSUBSCRIBE", SubscriptionID: id})
	}}
}

var _ domain.SignalStore = (*Gateway)(nil)
