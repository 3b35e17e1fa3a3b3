package database

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/ruby14-bit/LIZ-EVENTS/models"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

const eventsCollection = "events"

// ConnectMongo opens a MongoDB client and verifies it with a ping.
func ConnectMongo(ctx context.Context, uri string) (*mongo.Client, error) {
	if uri == "" {
		return nil, fmt.Errorf("MONGO_URI is not set")
	}
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to MongoDB: %w", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		return nil, fmt.Errorf("failed to ping MongoDB: %w", err)
	}
	return client, nil
}

// MongoEventStore keeps each event and its payment attempts in one document,
// so every payment write is a single-document atomic update with the
// state-machine guard in its filter.
type MongoEventStore struct {
	coll *mongo.Collection
}

func NewMongoEventStore(db *mongo.Database) *MongoEventStore {
	return &MongoEventStore{coll: db.Collection(eventsCollection)}
}

func (s *MongoEventStore) EnsureIndexes(ctx context.Context) error {
	_, err := s.coll.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{
			Keys: bson.D{{Key: "payment_attempts.correlation_id", Value: 1}},
			Options: options.Index().
				SetUnique(true).
				SetPartialFilterExpression(bson.M{"payment_attempts.correlation_id": bson.M{"$exists": true}}),
		},
		{Keys: bson.D{{Key: "payment_request_id", Value: 1}}},
		{Keys: bson.D{{Key: "payment_status", Value: 1}, {Key: "payment_started_at", Value: 1}}},
		{Keys: bson.D{{Key: "client_id", Value: 1}}},
	})
	return err
}

func (s *MongoEventStore) CreateEvent(ctx context.Context, e *models.Event) error {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.Status == "" {
		e.Status = models.WorkflowNewInquiry
	}
	if e.PaymentStatus == "" {
		e.PaymentStatus = models.PaymentUnset
	}
	now := time.Now().UTC()
	e.CreatedAt, e.UpdatedAt = now, now

	_, err := s.coll.InsertOne(ctx, e)
	return err
}

func (s *MongoEventStore) GetEvent(ctx context.Context, id string) (*models.Event, error) {
	var e models.Event
	if err := s.coll.FindOne(ctx, bson.M{"_id": id}).Decode(&e); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, models.ErrEventNotFound
		}
		return nil, err
	}
	return &e, nil
}

func (s *MongoEventStore) UpdateDetails(ctx context.Context, id string, upd models.EventDetailsUpdate) (*models.Event, error) {
	set := bson.D{{Key: "updated_at", Value: time.Now().UTC()}}
	if upd.Name != nil {
		set = append(set, bson.E{Key: "name", Value: literal(*upd.Name)})
	}
	if upd.EventDate != nil {
		set = append(set, bson.E{Key: "event_date", Value: literal(*upd.EventDate)})
	}
	if upd.GuestCount != nil {
		set = append(set, bson.E{Key: "guest_count", Value: literal(*upd.GuestCount)})
	}
	if upd.Status != nil {
		set = append(set, bson.E{Key: "status", Value: literal(*upd.Status)})
	}

	filter := bson.M{"_id": id}
	if upd.QuotedAmount != nil {
		set = append(set,
			bson.E{Key: "quoted_amount", Value: literal(*upd.QuotedAmount)},
			bson.E{Key: "payment_status", Value: bson.M{"$cond": bson.A{
				bson.M{"$eq": bson.A{"$payment_status", models.PaymentUnset}},
				models.PaymentPending,
				"$payment_status",
			}}},
		)
		filter["payment_status"] = bson.M{"$nin": bson.A{models.PaymentProcessing, models.PaymentCompleted}}
	}

	opts := options.FindOneAndUpdate().SetReturnDocument(options.After)
	var out models.Event
	err := s.coll.FindOneAndUpdate(ctx, filter, mongo.Pipeline{{{Key: "$set", Value: set}}}, opts).Decode(&out)
	if errors.Is(err, mongo.ErrNoDocuments) {
		if _, gerr := s.GetEvent(ctx, id); gerr != nil {
			return nil, gerr
		}
		return nil, models.ErrPaymentLocked
	}
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// literal keeps caller-supplied values from being read as field paths or
// operators inside an update pipeline.
func literal(v any) bson.M {
	return bson.M{"$literal": v}
}

func (s *MongoEventStore) RecordPending(ctx context.Context, p models.PendingPayment) error {
	attempt := models.PaymentAttempt{
		ID:                uuid.NewString(),
		CorrelationID:     p.CorrelationID,
		MerchantRequestID: p.MerchantRequestID,
		Amount:            p.Amount,
		Phone:             p.Phone,
		Status:            models.AttemptPending,
		Unconfirmed:       p.Unconfirmed,
		InitiatedAt:       p.InitiatedAt,
	}

	filter := bson.M{
		"_id":                             p.EventID,
		"quoted_amount":                   bson.M{"$ne": nil},
		"payment_status":                  bson.M{"$in": models.SourceStrings(models.PaymentProcessing)},
		"payment_attempts.correlation_id": bson.M{"$ne": p.CorrelationID},
	}
	update := bson.M{
		"$set": bson.M{
			"payment_status":     models.PaymentProcessing,
			"payment_request_id": p.CorrelationID,
			"payment_amount":     p.Amount,
			"payment_phone":      p.Phone,
			"payment_started_at": p.InitiatedAt,
			"updated_at":         time.Now().UTC(),
		},
		"$unset": bson.M{
			"payment_receipt":     "",
			"amount_paid":         "",
			"payer_phone":         "",
			"payment_result_code": "",
			"payment_result_desc": "",
			"payment_settled_at":  "",
		},
		"$push": bson.M{"payment_attempts": attempt},
	}

	res, err := s.coll.UpdateOne(ctx, filter, update)
	if err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return models.ErrDuplicateCorrelation
		}
		return err
	}
	if res.MatchedCount == 1 {
		return nil
	}

	e, err := s.GetEvent(ctx, p.EventID)
	if err != nil {
		return err
	}
	switch {
	case findAttempt(e, p.CorrelationID) != nil:
		return models.ErrDuplicateCorrelation
	case e.QuotedAmount == nil:
		return models.ErrQuoteMissing
	case e.PaymentStatus == models.PaymentCompleted:
		return models.ErrPaymentLocked
	default:
		return models.ErrInvalidTransition
	}
}

func (s *MongoEventStore) FindAttempt(ctx context.Context, correlationID string) (*models.PaymentAttempt, error) {
	var e models.Event
	err := s.coll.FindOne(ctx, bson.M{"payment_attempts.correlation_id": correlationID}).Decode(&e)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, models.ErrCorrelationNotFound
	}
	if err != nil {
		return nil, err
	}
	a := findAttempt(&e, correlationID)
	if a == nil {
		return nil, models.ErrCorrelationNotFound
	}
	return a, nil
}

// findAttempt returns the embedded attempt with its event id filled in. A
// pending attempt that is no longer the active correlation was superseded.
func findAttempt(e *models.Event, correlationID string) *models.PaymentAttempt {
	for i := range e.Attempts {
		if e.Attempts[i].CorrelationID != correlationID {
			continue
		}
		a := e.Attempts[i]
		a.EventID = e.ID
		if a.Status == models.AttemptPending && e.ActiveCorrelation() != correlationID {
			a.Status = models.AttemptSuperseded
		}
		return &a
	}
	return nil
}

func (s *MongoEventStore) Settle(ctx context.Context, st models.Settlement) (models.SettleResult, error) {
	target := st.Target()
	attemptStatus := models.AttemptFailed
	if st.Success {
		attemptStatus = models.AttemptCompleted
	}

	set := bson.M{
		"payment_status":                 target,
		"payment_result_code":            st.ResultCode,
		"payment_result_desc":            st.ResultDesc,
		"payment_settled_at":             st.SettledAt,
		"updated_at":                     time.Now().UTC(),
		"payment_attempts.$.status":      attemptStatus,
		"payment_attempts.$.result_code": st.ResultCode,
		"payment_attempts.$.result_desc": st.ResultDesc,
		"payment_attempts.$.settled_at":  st.SettledAt,
	}
	if st.Success {
		set["status"] = models.WorkflowApproved
		if st.Receipt != "" {
			set["payment_receipt"] = st.Receipt
		}
		if st.PayerPhone != "" {
			set["payer_phone"] = st.PayerPhone
		}
		if st.AmountPaid != nil {
			set["amount_paid"] = *st.AmountPaid
		}
	}

	filter := bson.M{
		"_id":                             st.EventID,
		"payment_request_id":              st.CorrelationID,
		"payment_status":                  bson.M{"$in": models.SourceStrings(target)},
		"payment_attempts.correlation_id": st.CorrelationID,
	}
	opts := options.FindOneAndUpdate().SetReturnDocument(options.After)

	var e models.Event
	err := s.coll.FindOneAndUpdate(ctx, filter, bson.M{"$set": set}, opts).Decode(&e)
	if err == nil {
		return models.SettleResult{Outcome: models.SettleApplied, Event: &e}, nil
	}
	if !errors.Is(err, mongo.ErrNoDocuments) {
		return models.SettleResult{}, err
	}

	current, err := s.GetEvent(ctx, st.EventID)
	if errors.Is(err, models.ErrEventNotFound) {
		return models.SettleResult{Outcome: models.SettleNotFound}, nil
	}
	if err != nil {
		return models.SettleResult{}, err
	}
	outcome := models.SettleStale
	if current.ActiveCorrelation() == st.CorrelationID && current.PaymentStatus.IsTerminal() {
		outcome = models.SettleDuplicate
	}
	return models.SettleResult{Outcome: outcome, Event: current}, nil
}

func (s *MongoEventStore) AdoptCorrelation(ctx context.Context, eventID, fromID, toID, merchantRequestID string) error {
	filter := bson.M{
		"_id":                             eventID,
		"payment_request_id":              fromID,
		"payment_status":                  bson.M{"$in": bson.A{models.PaymentProcessing, models.PaymentFailed}},
		"payment_attempts.correlation_id": fromID,
	}
	update := bson.M{
		"$set": bson.M{
			"payment_status":                         models.PaymentProcessing,
			"payment_request_id":                     toID,
			"updated_at":                             time.Now().UTC(),
			"payment_attempts.$.correlation_id":      toID,
			"payment_attempts.$.merchant_request_id": merchantRequestID,
			"payment_attempts.$.unconfirmed":         false,
			"payment_attempts.$.status":              models.AttemptPending,
		},
		"$unset": bson.M{
			"payment_result_code":            "",
			"payment_result_desc":            "",
			"payment_settled_at":             "",
			"payment_attempts.$.result_code": "",
			"payment_attempts.$.result_desc": "",
			"payment_attempts.$.settled_at":  "",
		},
	}

	res, err := s.coll.UpdateOne(ctx, filter, update)
	if err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return models.ErrDuplicateCorrelation
		}
		return err
	}
	if res.MatchedCount == 0 {
		return models.ErrCorrelationNotFound
	}
	return nil
}

func (s *MongoEventStore) AttachReceipt(ctx context.Context, st models.Settlement) (*models.Event, error) {
	set := bson.M{
		"payment_receipt": st.Receipt,
		"updated_at":      time.Now().UTC(),
	}
	if st.PayerPhone != "" {
		set["payer_phone"] = st.PayerPhone
	}
	if st.AmountPaid != nil {
		set["amount_paid"] = *st.AmountPaid
	}
	filter := bson.M{
		"_id":                st.EventID,
		"payment_request_id": st.CorrelationID,
		"payment_status":     models.PaymentCompleted,
		"payment_receipt":    nil,
	}

	var e models.Event
	err := s.coll.FindOneAndUpdate(ctx, filter, bson.M{"$set": set},
		options.FindOneAndUpdate().SetReturnDocument(options.After)).Decode(&e)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, models.ErrCorrelationNotFound
	}
	if err != nil {
		return nil, err
	}
	return &e, nil
}

func (s *MongoEventStore) ListProcessing(ctx context.Context, startedBefore time.Time, limit int) ([]models.Event, error) {
	opts := options.Find().
		SetSort(bson.D{{Key: "payment_started_at", Value: 1}}).
		SetLimit(int64(limit))

	cur, err := s.coll.Find(ctx, bson.M{
		"payment_status":     models.PaymentProcessing,
		"payment_started_at": bson.M{"$lt": startedBefore},
	}, opts)
	if err != nil {
		return nil, err
	}
	defer cur.Close(ctx)

	var events []models.Event
	if err := cur.All(ctx, &events); err != nil {
		return nil, err
	}
	return events, nil
}
