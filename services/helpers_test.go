package services

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/ruby14-bit/LIZ-EVENTS/database"
	"github.com/ruby14-bit/LIZ-EVENTS/models"
	"github.com/ruby14-bit/LIZ-EVENTS/payments"
	"github.com/ruby14-bit/LIZ-EVENTS/utils"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

var (
	client = Viewer{UserID: "client-1", Role: "client"}
	admin  = Viewer{UserID: "owner-1", Role: RoleAdmin}
	other  = Viewer{UserID: "client-2", Role: "client"}
)

func fastRetry() utils.BackoffConfig {
	return utils.BackoffConfig{MaxAttempts: 3, BaseDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond}
}

func newStore(t *testing.T) *database.EventStore {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())
	db, err := database.ConnectSQLite(dsn, nil)
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			sqlDB.Close()
		}
	})
	if err := database.Migrate(db); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return database.NewEventStore(db)
}

// quotedEvent creates an inquiry for client and quotes it as admin.
func quotedEvent(t *testing.T, store EventStore, quote int64) *models.Event {
	t.Helper()
	ctx := context.Background()
	events := NewEventService(store, nil)

	e, err := events.CreateInquiry(ctx, client, CreateInquiryInput{
		Name:       "Garden wedding",
		EventDate:  time.Date(2026, 12, 5, 11, 0, 0, 0, time.UTC),
		GuestCount: 150,
	})
	if err != nil {
		t.Fatalf("create inquiry: %v", err)
	}
	quoted := models.WorkflowQuoted
	e, err = events.UpdateDetails(ctx, admin, e.ID, models.EventDetailsUpdate{QuotedAmount: &quote, Status: &quoted})
	if err != nil {
		t.Fatalf("quote: %v", err)
	}
	return e
}

type fakeGateway struct {
	mu      sync.Mutex
	calls   int
	seq     int
	err     error
	phones  []string
	amounts []int64
	query   map[string]*payments.StkQueryResponse
	qErr    map[string]error
}

func (g *fakeGateway) Initiate(_ context.Context, _ string, amount int64, phone string) (*payments.StkPushResponse, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.calls++
	if g.err != nil {
		return nil, g.err
	}
	msisdn, err := payments.NormalizePhone(phone, "")
	if err != nil {
		return nil, err
	}
	g.seq++
	g.phones = append(g.phones, msisdn)
	g.amounts = append(g.amounts, amount)
	return &payments.StkPushResponse{
		MerchantRequestID: fmt.Sprintf("29115-%d", g.seq),
		CheckoutRequestID: fmt.Sprintf("ws_CO_%d", g.seq),
		ResponseCode:      "0",
		CustomerMessage:   "Success. Request accepted for processing",
	}, nil
}

func (g *fakeGateway) Query(_ context.Context, id string) (*payments.StkQueryResponse, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if err := g.qErr[id]; err != nil {
		return nil, err
	}
	if q := g.query[id]; q != nil {
		return q, nil
	}
	return nil, &payments.GatewayError{Kind: payments.KindProviderRejected, Code: "500.001.1001", Message: "still processing"}
}

func (g *fakeGateway) callCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.calls
}

type recordingListener struct {
	mu     sync.Mutex
	events []models.Event
}

func (l *recordingListener) PaymentChanged(_ context.Context, e models.Event) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, e)
}

func (l *recordingListener) statuses() []models.PaymentStatus {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]models.PaymentStatus, len(l.events))
	for i, e := range l.events {
		out[i] = e.PaymentStatus
	}
	return out
}

var errConnReset = errors.New("connection reset by peer")

// flakyStore fails the first N calls of selected write methods.
type flakyStore struct {
	EventStore
	failPending int32
	failFind    int32
	failSettle  int32
}

func (s *flakyStore) RecordPending(ctx context.Context, p models.PendingPayment) error {
	if atomic.AddInt32(&s.failPending, -1) >= 0 {
		return errConnReset
	}
	return s.EventStore.RecordPending(ctx, p)
}

func (s *flakyStore) FindAttempt(ctx context.Context, id string) (*models.PaymentAttempt, error) {
	if atomic.AddInt32(&s.failFind, -1) >= 0 {
		return nil, errConnReset
	}
	return s.EventStore.FindAttempt(ctx, id)
}

func (s *flakyStore) Settle(ctx context.Context, st models.Settlement) (models.SettleResult, error) {
	if atomic.AddInt32(&s.failSettle, -1) >= 0 {
		return models.SettleResult{}, errConnReset
	}
	return s.EventStore.Settle(ctx, st)
}

func observedLogger() (*zap.Logger, *observer.ObservedLogs) {
	core, logs := observer.New(zap.InfoLevel)
	return zap.New(core), logs
}

func criticalCount(logs *observer.ObservedLogs) int {
	n := 0
	for _, entry := range logs.All() {
		if v, ok := entry.ContextMap()["critical"]; ok && v == true {
			n++
		}
	}
	return n
}

func callbackBody(correlationID string, resultCode int, receipt string, amount int64) []byte {
	if resultCode != 0 {
		return []byte(fmt.Sprintf(`{"Body":{"stkCallback":{
			"MerchantRequestID":"29115-1","CheckoutRequestID":%q,
			"ResultCode":%d,"ResultDesc":"Request cancelled by user"}}}`, correlationID, resultCode))
	}
	return []byte(fmt.Sprintf(`{"Body":{"stkCallback":{
		"MerchantRequestID":"29115-1","CheckoutRequestID":%q,
		"ResultCode":0,"ResultDesc":"The service request is processed successfully.",
		"CallbackMetadata":{"Item":[
			{"Name":"PhoneNumber","Value":254712345678},
			{"Name":"MpesaReceiptNumber","Value":%q},
			{"Name":"TransactionDate","Value":20261015101500},
			{"Name":"Amount","Value":%d}]}}}}`, correlationID, receipt, amount))
}

func newPaymentService(store EventStore, gw Gateway, l PaymentListener) *PaymentService {
	return NewPaymentService(store, gw, l, PaymentServiceConfig{
		InitiateTimeout: time.Second,
		Retry:           fastRetry(),
	}, nil)
}
