package jobs

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"github.com/ruby14-bit/LIZ-EVENTS/database"
	"github.com/ruby14-bit/LIZ-EVENTS/models"
	"github.com/ruby14-bit/LIZ-EVENTS/payments"
	"github.com/ruby14-bit/LIZ-EVENTS/services"
	"github.com/ruby14-bit/LIZ-EVENTS/utils"
)

var sweepNow = time.Date(2026, 10, 15, 12, 0, 0, 0, time.UTC)

type queryGateway struct {
	mu      sync.Mutex
	answers map[string]*payments.StkQueryResponse
	errs    map[string]error
	queried []string
}

func (g *queryGateway) Initiate(context.Context, string, int64, string) (*payments.StkPushResponse, error) {
	return nil, errors.New("not used")
}

func (g *queryGateway) Query(_ context.Context, id string) (*payments.StkQueryResponse, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.queried = append(g.queried, id)
	if err := g.errs[id]; err != nil {
		return nil, err
	}
	if q := g.answers[id]; q != nil {
		return q, nil
	}
	return nil, &payments.GatewayError{Kind: payments.KindProviderRejected, Code: "500.001.1001", Message: "still processing"}
}

func newSweepStore(t *testing.T) *database.EventStore {
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

// processing creates a quoted event whose payment started `age` before sweepNow.
func processing(t *testing.T, store *database.EventStore, corr string, age time.Duration) string {
	t.Helper()
	ctx := context.Background()
	e := &models.Event{Name: "Conference", EventDate: sweepNow.AddDate(0, 1, 0), GuestCount: 300, ClientID: "client-1"}
	if err := store.CreateEvent(ctx, e); err != nil {
		t.Fatal(err)
	}
	quote := int64(5000)
	if _, err := store.UpdateDetails(ctx, e.ID, models.EventDetailsUpdate{QuotedAmount: &quote}); err != nil {
		t.Fatal(err)
	}
	err := store.RecordPending(ctx, models.PendingPayment{
		EventID:       e.ID,
		CorrelationID: corr,
		Amount:        5000,
		Phone:         "254712345678",
		Unconfirmed:   strings.HasPrefix(corr, services.UnconfirmedPrefix),
		InitiatedAt:   sweepNow.Add(-age),
	})
	if err != nil {
		t.Fatal(err)
	}
	return e.ID
}

func newSweeper(store *database.EventStore, gw *queryGateway) *PaymentSweeper {
	rec := services.NewReconciler(store, nil, utils.BackoffConfig{MaxAttempts: 1}, nil)
	s := NewPaymentSweeper(store, gw, rec, SweepConfig{
		MinAge:         3 * time.Minute,
		UnconfirmedTTL: 10 * time.Minute,
		BatchSize:      10,
	}, nil)
	s.now = func() time.Time { return sweepNow }
	return s
}

func status(t *testing.T, store *database.EventStore, id string) models.PaymentStatus {
	t.Helper()
	e, err := store.GetEvent(context.Background(), id)
	if err != nil {
		t.Fatal(err)
	}
	return e.PaymentStatus
}

func TestSweep_SettlesFromQuery(t *testing.T) {
	store := newSweepStore(t)
	paid := processing(t, store, "ws_CO_paid", 5*time.Minute)
	cancelled := processing(t, store, "ws_CO_cancelled", 6*time.Minute)
	waiting := processing(t, store, "ws_CO_waiting", 7*time.Minute)

	gw := &queryGateway{answers: map[string]*payments.StkQueryResponse{
		"ws_CO_paid":      {CheckoutRequestID: "ws_CO_paid", ResultCode: "0", ResultDesc: "The service request is processed successfully."},
		"ws_CO_cancelled": {CheckoutRequestID: "ws_CO_cancelled", ResultCode: "1032", ResultDesc: "Request cancelled by user"},
	}}

	stats, err := newSweeper(store, gw).Run(context.Background())
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if stats.Checked != 3 || stats.Settled != 2 || stats.Pending != 1 {
		t.Fatalf("stats = %+v", stats)
	}
	if got := status(t, store, paid); got != models.PaymentCompleted {
		t.Errorf("paid = %q, want Completed", got)
	}
	if got := status(t, store, cancelled); got != models.PaymentFailed {
		t.Errorf("cancelled = %q, want Failed", got)
	}
	if got := status(t, store, waiting); got != models.PaymentProcessing {
		t.Errorf("waiting = %q, want Processing", got)
	}
}

func TestSweep_ProvisionalQueryAnswerIsNotSettled(t *testing.T) {
	store := newSweepStore(t)
	id := processing(t, store, "ws_CO_1", 5*time.Minute)
	gw := &queryGateway{answers: map[string]*payments.StkQueryResponse{
		"ws_CO_1": {CheckoutRequestID: "ws_CO_1", ResultCode: "4999", ResultDesc: "The transaction is still under processing"},
	}}

	stats, err := newSweeper(store, gw).Run(context.Background())
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if stats.Pending != 1 || stats.Settled != 0 {
		t.Fatalf("stats = %+v", stats)
	}
	if got := status(t, store, id); got != models.PaymentProcessing {
		t.Fatalf("status = %q, want Processing", got)
	}
}

func TestSweep_LeavesRecentAttemptsAlone(t *testing.T) {
	store := newSweepStore(t)
	fresh := processing(t, store, "ws_CO_fresh", time.Minute)
	gw := &queryGateway{}

	stats, err := newSweeper(store, gw).Run(context.Background())
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if stats.Checked != 0 || len(gw.queried) != 0 {
		t.Fatalf("recent attempt was swept: %+v, queried %v", stats, gw.queried)
	}
	if got := status(t, store, fresh); got != models.PaymentProcessing {
		t.Fatalf("fresh = %q, want Processing", got)
	}
}

func TestSweep_ExpiresUnconfirmedAttempts(t *testing.T) {
	store := newSweepStore(t)
	expired := processing(t, store, services.UnconfirmedPrefix+"old", 15*time.Minute)
	young := processing(t, store, services.UnconfirmedPrefix+"young", 5*time.Minute)
	gw := &queryGateway{}

	stats, err := newSweeper(store, gw).Run(context.Background())
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if stats.Expired != 1 || stats.Pending != 1 {
		t.Fatalf("stats = %+v", stats)
	}
	if len(gw.queried) != 0 {
		t.Fatalf("unconfirmed correlations must not be queried, got %v", gw.queried)
	}
	if got := status(t, store, expired); got != models.PaymentFailed {
		t.Errorf("expired = %q, want Failed", got)
	}
	if got := status(t, store, young); got != models.PaymentProcessing {
		t.Errorf("young = %q, want Processing", got)
	}
}

func TestSweep_QueryFailureIsCounted(t *testing.T) {
	store := newSweepStore(t)
	id := processing(t, store, "ws_CO_1", 5*time.Minute)
	gw := &queryGateway{errs: map[string]error{
		"ws_CO_1": &payments.GatewayError{Kind: payments.KindTransport, Message: "connection refused"},
	}}

	stats, err := newSweeper(store, gw).Run(context.Background())
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if stats.Failures != 1 {
		t.Fatalf("stats = %+v", stats)
	}
	if got := status(t, store, id); got != models.PaymentProcessing {
		t.Fatalf("status = %q, want Processing", got)
	}
}

func TestSweep_Schedule(t *testing.T) {
	c := cron.New()
	s := newSweeper(newSweepStore(t), &queryGateway{})
	if _, err := s.Schedule(c, "@every 2m"); err != nil {
		t.Fatalf("schedule: %v", err)
	}
	if _, err := s.Schedule(c, "not a schedule"); err == nil {
		t.Fatal("expected error for invalid schedule")
	}
	if n := len(c.Entries()); n != 1 {
		t.Fatalf("entries = %d, want 1", n)
	}
}

func TestSweep_RefusesToOverlap(t *testing.T) {
	store := newSweepStore(t)
	s := newSweeper(store, &queryGateway{})

	s.running.Lock()
	if _, err := s.Run(context.Background()); !errors.Is(err, ErrSweepRunning) {
		t.Fatalf("Run while running = %v, want ErrSweepRunning", err)
	}
	s.running.Unlock()

	if _, err := s.Run(context.Background()); err != nil {
		t.Fatalf("Run = %v", err)
	}
}
