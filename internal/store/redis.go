package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/pion/logging"
	"github.com/redis/go-redis/v9"

	"coachhome/callkit/internal/domain"
)

// Redis is a SignalStore backed by a Redis instance: the call record lives
// in a hash, each candidate partition in a list, and change notification
// rides pub/sub. The write-once and transition rules are enforced inside a
// Lua script so two racing participants cannot tear a field.
type Redis struct {
	rdb *redis.Client
	log logging.LeveledLogger
}

// NewRedis wraps an existing client.
func NewRedis(rdb *redis.Client, lf logging.LoggerFactory) *Redis {
	if lf == nil {
		lf = logging.NewDefaultLoggerFactory()
	}
	return &Redis{rdb: rdb, log: lf.NewLogger("store")}
}

func callKey(id string) string { return "call:" + id }

func candKey(id string, part domain.Partition) string {
	return "call:" + id + ":" + string(part)
}

func callChannel(id string) string { return "call:" + id + ":changed" }

func candChannel(id string, part domain.Partition) string {
	return "call:" + id + ":" + string(part) + ":changed"
}

// patchScript applies a partial record update atomically.
// KEYS[1] record hash, KEYS[2] notify channel.
// ARGV: offer JSON or "", answer JSON or "", status or "", updated_at.
// Returns "ok", "notfound", "description_set" or "bad_transition".
var patchScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then
  return 'notfound'
end
if ARGV[1] ~= '' then
  local cur = redis.call('HGET', KEYS[1], 'offer')
  if cur and cur ~= '' and cur ~= ARGV[1] then
    return 'description_set'
  end
  redis.call('HSET', KEYS[1], 'offer', ARGV[1])
end
if ARGV[2] ~= '' then
  local cur = redis.call('HGET', KEYS[1], 'answer')
  if cur and cur ~= '' and cur ~= ARGV[2] then
    return 'description_set'
  end
  redis.call('HSET', KEYS[1], 'answer', ARGV[2])
end
if ARGV[3] ~= '' then
  local cur = redis.call('HGET', KEYS[1], 'status')
  if cur ~= ARGV[3] then
    local ok = false
    if cur == 'ringing' and (ARGV[3] == 'accepted' or ARGV[3] == 'declined' or ARGV[3] == 'ended') then
      ok = true
    elseif cur == 'accepted' and (ARGV[3] == 'declined' or ARGV[3] == 'ended') then
      ok = true
    end
    if not ok then
      return 'bad_transition'
    end
    redis.call('HSET', KEYS[1], 'status', ARGV[3])
  end
end
redis.call('HSET', KEYS[1], 'updated_at', ARGV[4])
redis.call('PUBLISH', KEYS[2], ARGV[4])
return 'ok'
`)

func (s *Redis) Create(ctx context.Context, rec domain.CallRecord) error {
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now()
	}
	rec.UpdatedAt = rec.CreatedAt

	fields := map[string]any{
		"caller_id":   rec.CallerID,
		"receiver_id": rec.ReceiverID,
		"status":      string(rec.Status),
		"created_at":  rec.CreatedAt.Format(time.RFC3339Nano),
		"updated_at":  rec.UpdatedAt.Format(time.RFC3339Nano),
	}
	if rec.Offer != nil {
		fields["offer"] = marshalDescription(rec.Offer)
	}
	if rec.Answer != nil {
		fields["answer"] = marshalDescription(rec.Answer)
	}

	_, err := s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, callKey(rec.ID), fields)
		pipe.Publish(ctx, callChannel(rec.ID), fields["updated_at"])
		return nil
	})
	if err != nil {
		return fmt.Errorf("%w: create: %v", domain.ErrUnavailable, err)
	}
	return nil
}

func (s *Redis) Get(ctx context.Context, id string) (domain.CallRecord, error) {
	fields, err := s.rdb.HGetAll(ctx, callKey(id)).Result()
	if err != nil {
		return domain.CallRecord{}, fmt.Errorf("%w: get: %v", domain.ErrUnavailable, err)
	}
	if len(fields) == 0 {
		return domain.CallRecord{}, domain.ErrRecordNotFound
	}
	return recordFromHash(id, fields), nil
}

func (s *Redis) Update(ctx context.Context, id string, patch domain.RecordPatch) error {
	var offer, answer, status string
	if patch.Offer != nil {
		offer = marshalDescription(patch.Offer)
	}
	if patch.Answer != nil {
		answer = marshalDescription(patch.Answer)
	}
	if patch.Status != nil {
		status = string(*patch.Status)
	}

	res, err := patchScript.Run(ctx, s.rdb,
		[]string{callKey(id), callChannel(id)},
		offer, answer, status, time.Now().Format(time.RFC3339Nano),
	).Text()
	if err != nil {
		return fmt.Errorf("%w: update: %v", domain.ErrUnavailable, err)
	}
	switch res {
	case "ok":
		return nil
	case "notfound":
		return domain.ErrRecordNotFound
	case "description_set":
		return domain.ErrDescriptionSet
	case "bad_transition":
		return domain.ErrInvalidTransition
	}
	return fmt.Errorf("%w: update: unexpected script result %q", domain.ErrUnavailable, res)
}

func (s *Redis) Subscribe(ctx context.Context, id string, onChange func(domain.CallRecord)) (domain.Subscription, error) {
	ps := s.rdb.Subscribe(ctx, callChannel(id))
	// Force the subscription onto the wire before the initial read so no
	// change between the two is missed.
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, fmt.Errorf("%w: subscribe: %v", domain.ErrUnavailable, err)
	}

	go func() {
		deliver := func() {
			rec, err := s.Get(ctx, id)
			if err != nil {
				s.log.Warnf("call %s: refresh after change failed: %v", id, err)
				return
			}
			onChange(rec)
		}
		deliver()
		for range ps.Channel() {
			deliver()
		}
	}()

	return &memSubscription{cancel: func() { _ = ps.Close() }}, nil
}

func (s *Redis) AppendCandidate(ctx context.Context, id string, part domain.Partition, cand domain.ICECandidate) error {
	payload, err := json.Marshal(cand)
	if err != nil {
		return fmt.Errorf("marshal candidate: %w", err)
	}
	_, err = s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.RPush(ctx, candKey(id, part), payload)
		pipe.Publish(ctx, candChannel(id, part), "append")
		return nil
	})
	if err != nil {
		return fmt.Errorf("%w: append candidate: %v", domain.ErrUnavailable, err)
	}
	return nil
}

func (s *Redis) SubscribeCandidates(ctx context.Context, id string, part domain.Partition, onAppend func(domain.ICECandidate)) (domain.Subscription, error) {
	ps := s.rdb.Subscribe(ctx, candChannel(id, part))
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, fmt.Errorf("%w: subscribe candidates: %v", domain.ErrUnavailable, err)
	}

	go func() {
		// cursor tracks how far into the list this consumer has read, so
		// each notification only delivers the unseen tail, in list order.
		var cursor int64
		drain := func() {
			items, err := s.rdb.LRange(ctx, candKey(id, part), cursor, -1).Result()
			if err != nil {
				s.log.Warnf("call %s: read %s tail: %v", id, part, err)
				return
			}
			for _, item := range items {
				var cand domain.ICECandidate
				if err := json.Unmarshal([]byte(item), &cand); err != nil {
					s.log.Warnf("call %s: bad candidate payload: %v", id, err)
					cursor++
					continue
				}
				cursor++
				onAppend(cand)
			}
		}
		drain()
		for range ps.Channel() {
			drain()
		}
	}()

	return &memSubscription{cancel: func() { _ = ps.Close() }}, nil
}

func (s *Redis) PurgeCandidates(ctx context.Context, id string, part domain.Partition) error {
	if err := s.rdb.Del(ctx, candKey(id, part)).Err(); err != nil {
		return fmt.Errorf("%w: purge: %v", domain.ErrUnavailable, err)
	}
	return nil
}

func marshalDescription(sd *domain.SessionDescription) string {
	payload, _ := json.Marshal(sd)
	return string(payload)
}

func recordFromHash(id string, fields map[string]string) domain.CallRecord {
	rec := domain.CallRecord{
		ID:         id,
		CallerID:   fields["caller_id"],
		ReceiverID: fields["receiver_id"],
		Status:     domain.CallStatus(fields["status"]),
	}
	if raw := fields["offer"]; raw != "" {
		var sd domain.SessionDescription
		if json.Unmarshal([]byte(raw), &sd) == nil {
			rec.Offer = &sd
		}
	}
	if raw := fields["answer"]; raw != "" {
		var sd domain.SessionDescription
		if json.Unmarshal([]byte(raw), &sd) == nil {
			rec.Answer = &sd
		}
	}
	rec.CreatedAt, _ = time.Parse(time.RFC3339Nano, fields["created_at"])
	rec.UpdatedAt, _ = time.Parse(time.RFC3339Nano, fields["updated_at"])
	return rec
}

var _ domain.SignalStore = (*Redis)(nil)
