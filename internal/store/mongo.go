package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/pion/logging"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"coachhome/callkit/internal/domain"
)

// Mongo is a SignalStore backed by a MongoDB collection with change
// streams as the notification feed. Candidate partitions are arrays on the
// call document, appended with $push; write-once and transition rules are
// enforced through update filters so the server arbitrates racing writers.
type Mongo struct {
	coll *mongo.Collection
	log  logging.LeveledLogger
}

// NewMongo wraps an existing collection.
func NewMongo(coll *mongo.Collection, lf logging.LoggerFactory) *Mongo {
	if lf == nil {
		lf = logging.NewDefaultLoggerFactory()
	}
	return &Mongo{coll: coll, log: lf.NewLogger("store")}
}

type mongoDescription struct {
	Type string `bson:"type"`
	SDP  string `bson:"sdp"`
}

type mongoCandidate struct {
	SDPMid        string `bson:"sdp_mid"`
	SDPMLineIndex int    `bson:"sdp_m_line_index"`
	Candidate     string `bson:"candidate"`
}

type mongoCall struct {
	ID                 string            `bson:"_id"`
	CallerID           string            `bson:"caller_id"`
	ReceiverID         string            `bson:"receiver_id"`
	Status             string            `bson:"status"`
	Offer              *mongoDescription `bson:"offer,omitempty"`
	Answer             *mongoDescription `bson:"answer,omitempty"`
	OffererCandidates  []mongoCandidate  `bson:"offerer_candidates,omitempty"`
	AnswererCandidates []mongoCandidate  `bson:"answerer_candidates,omitempty"`
	CreatedAt          time.Time         `bson:"created_at"`
	UpdatedAt          time.Time         `bson:"updated_at"`
}

func partitionField(part domain.Partition) string {
	if part == domain.PartitionOfferer {
		return "offerer_candidates"
	}
	return "answerer_candidates"
}

func descriptionField(patch domain.RecordPatch) (string, *domain.SessionDescription) {
	if patch.Offer != nil {
		return "offer", patch.Offer
	}
	if patch.Answer != nil {
		return "answer", patch.Answer
	}
	return "", nil
}

func (s *Mongo) Create(ctx context.Context, rec domain.CallRecord) error {
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now()
	}
	doc := mongoCall{
		ID:         rec.ID,
		CallerID:   rec.CallerID,
		ReceiverID: rec.ReceiverID,
		Status:     string(rec.Status),
		CreatedAt:  rec.CreatedAt,
		UpdatedAt:  rec.CreatedAt,
	}
	if rec.Offer != nil {
		doc.Offer = &mongoDescription{Type: rec.Offer.Type, SDP: rec.Offer.SDP}
	}
	if rec.Answer != nil {
		doc.Answer = &mongoDescription{Type: rec.Answer.Type, SDP: rec.Answer.SDP}
	}
	if _, err := s.coll.InsertOne(ctx, doc); err != nil {
		return fmt.Errorf("%w: create: %v", domain.ErrUnavailable, err)
	}
	return nil
}

func (s *Mongo) Get(ctx context.Context, id string) (domain.CallRecord, error) {
	var doc mongoCall
	err := s.coll.FindOne(ctx, bson.D{{Key: "_id", Value: id}}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return domain.CallRecord{}, domain.ErrRecordNotFound
	}
	if err != nil {
		return domain.CallRecord{}, fmt.Errorf("%w: get: %v", domain.ErrUnavailable, err)
	}
	return recordFromMongo(doc), nil
}

// Update applies the patch one field at a time so that each field's guard
// (write-once for descriptions, valid transitions for status) is expressed
// in the update filter and decided by the server.
func (s *Mongo) Update(ctx context.Context, id string, patch domain.RecordPatch) error {
	now := time.Now()

	if field, sd := descriptionField(patch); field != "" {
		desc := mongoDescription{Type: sd.Type, SDP: sd.SDP}
		filter := bson.D{
			{Key: "_id", Value: id},
			{Key: "$or", Value: bson.A{
				bson.D{{Key: field, Value: bson.D{{Key: "$exists", Value: false}}}},
				bson.D{{Key: field, Value: nil}},
				bson.D{{Key: field, Value: desc}},
			}},
		}
		update := bson.D{{Key: "$set", Value: bson.D{
			{Key: field, Value: desc},
			{Key: "updated_at", Value: now},
		}}}
		res, err := s.coll.UpdateOne(ctx, filter, update)
		if err != nil {
			return fmt.Errorf("%w: update %s: %v", domain.ErrUnavailable, field, err)
		}
		if res.MatchedCount == 0 {
			if _, err := s.Get(ctx, id); err != nil {
				return err
			}
			return domain.ErrDescriptionSet
		}
	}

	if patch.Status != nil {
		to := *patch.Status
		validFrom := bson.A{string(to)}
		switch to {
		case domain.StatusAccepted:
			validFrom = append(validFrom, string(domain.StatusRinging))
		case domain.StatusDeclined, domain.StatusEnded:
			validFrom = append(validFrom, string(domain.StatusRinging), string(domain.StatusAccepted))
		}
		filter := bson.D{
			{Key: "_id", Value: id},
			{Key: "status", Value: bson.D{{Key: "$in", Value: validFrom}}},
		}
		update := bson.D{{Key: "$set", Value: bson.D{
			{Key: "status", Value: string(to)},
			{Key: "updated_at", Value: now},
		}}}
		res, err := s.coll.UpdateOne(ctx, filter, update)
		if err != nil {
			return fmt.Errorf("%w: update status: %v", domain.ErrUnavailable, err)
		}
		if res.MatchedCount == 0 {
			if _, err := s.Get(ctx, id); err != nil {
				return err
			}
			return domain.ErrInvalidTransition
		}
	}

	return nil
}

func (s *Mongo) Subscribe(ctx context.Context, id string, onChange func(domain.CallRecord)) (domain.Subscription, error) {
	// Watch before the initial read so no update between the two is lost;
	// duplicates are fine, the consumer is idempotent.
	cs, err := s.coll.Watch(ctx, mongo.Pipeline{
		{{Key: "$match", Value: bson.D{
			{Key: "operationType", Value: bson.D{{Key: "$in", Value: bson.A{"insert", "update", "replace"}}}},
			{Key: "documentKey._id", Value: id},
		}}},
	}, options.ChangeStream().SetFullDocument(options.UpdateLookup))
	if err != nil {
		return nil, fmt.Errorf("%w: watch: %v", domain.ErrUnavailable, err)
	}

	streamCtx, cancel := context.WithCancel(ctx)
	go func() {
		defer cs.Close(context.Background())

		if rec, err := s.Get(streamCtx, id); err == nil {
			onChange(rec)
		}

		for cs.Next(streamCtx) {
			var change struct {
				FullDocument mongoCall `bson:"fullDocument"`
			}
			if err := cs.Decode(&change); err != nil {
				s.log.Warnf("call %s: decode change event: %v", id, err)
				continue
			}
			onChange(recordFromMongo(change.FullDocument))
		}
	}()

	return &memSubscription{cancel: cancel}, nil
}

func (s *Mongo) AppendCandidate(ctx context.Context, id string, part domain.Partition, cand domain.ICECandidate) error {
	res, err := s.coll.UpdateOne(ctx,
		bson.D{{Key: "_id", Value: id}},
		bson.D{{Key: "$push", Value: bson.D{{Key: partitionField(part), Value: mongoCandidate{
			SDPMid:        cand.SDPMid,
			SDPMLineIndex: cand.SDPMLineIndex,
			Candidate:     cand.Candidate,
		}}}}},
	)
	if err != nil {
		return fmt.Errorf("%w: append candidate: %v", domain.ErrUnavailable, err)
	}
	if res.MatchedCount == 0 {
		return domain.ErrRecordNotFound
	}
	return nil
}

func (s *Mongo) SubscribeCandidates(ctx context.Context, id string, part domain.Partition, onAppend func(domain.ICECandidate)) (domain.Subscription, error) {
	cs, err := s.coll.Watch(ctx, mongo.Pipeline{
		{{Key: "$match", Value: bson.D{
			{Key: "operationType", Value: "update"},
			{Key: "documentKey._id", Value: id},
		}}},
	}, options.ChangeStream().SetFullDocument(options.UpdateLookup))
	if err != nil {
		return nil, fmt.Errorf("%w: watch candidates: %v", domain.ErrUnavailable, err)
	}

	streamCtx, cancel := context.WithCancel(ctx)
	go func() {
		defer cs.Close(context.Background())

		// seen tracks how many items of the partition were already
		// delivered; each full document carries the whole array, so only
		// the tail beyond seen is new.
		var seen int
		deliverTail := func(items []mongoCandidate) {
			for ; seen < len(items); seen++ {
				item := items[seen]
				onAppend(domain.ICECandidate{
					SDPMid:        item.SDPMid,
					SDPMLineIndex: item.SDPMLineIndex,
					Candidate:     item.Candidate,
				})
			}
		}

		var doc mongoCall
		if err := s.coll.FindOne(streamCtx, bson.D{{Key: "_id", Value: id}}).Decode(&doc); err == nil {
			deliverTail(candidatesOf(doc, part))
		}

		for cs.Next(streamCtx) {
			var change struct {
				FullDocument mongoCall `bson:"fullDocument"`
			}
			if err := cs.Decode(&change); err != nil {
				s.log.Warnf("call %s: decode candidate event: %v", id, err)
				continue
			}
			deliverTail(candidatesOf(change.FullDocument, part))
		}
	}()

	return &memSubscription{cancel: cancel}, nil
}

func (s *Mongo) PurgeCandidates(ctx context.Context, id string, part domain.Partition) error {
	_, err := s.coll.UpdateOne(ctx,
		bson.D{{Key: "_id", Value: id}},
		bson.D{{Key: "$unset", Value: bson.D{{Key: partitionField(part), Value: ""}}}},
	)
	if err != nil {
		return fmt.Errorf("%w: purge: %v", domain.ErrUnavailable, err)
	}
	return nil
}

func candidatesOf(doc mongoCall, part domain.Partition) []mongoCandidate {
	if part == domain.PartitionOfferer {
		return doc.OffererCandidates
	}
	return doc.AnswererCandidates
}

func recordFromMongo(doc mongoCall) domain.CallRecord {
	rec := domain.CallRecord{
		ID:         doc.ID,
		CallerID:   doc.CallerID,
		ReceiverID: doc.ReceiverID,
		Status:     domain.CallStatus(doc.Status),
		CreatedAt:  doc.CreatedAt,
		UpdatedAt:  doc.UpdatedAt,
	}
	if doc.Offer != nil {
		rec.Offer = &domain.SessionDescription{Type: doc.Offer.Type, SDP: doc.Offer.SDP}
	}
	if doc.Answer != nil {
		rec.Answer = &domain.SessionDescription{Type: doc.Answer.Type, SDP: doc.Answer.SDP}
	}
	return rec
}

var _ domain.SignalStore = (*Mongo)(nil)
