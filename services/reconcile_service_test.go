package services

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/ruby14-bit/LIZ-EVENTS/models"
	"github.com/ruby14-bit/LIZ-EVENTS/payments"
)

func initiated(t *testing.T, svc *PaymentService, eventID string) string {
	t.Helper()
	res, err := svc.Initiate(context.Background(), InitiateRequest{EventID: eventID, Phone: "0712345678", Viewer: client})
	if err != nil {
		t.Fatalf("initiate: %v", err)
	}
	return res.CorrelationID
}

func TestReconcile_ReplayIsIdempotent(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)
	listener := &recordingListener{}
	svc := newPaymentService(store, &fakeGateway{}, nil)
	rec := NewReconciler(store, listener, fastRetry(), nil)
	e := quotedEvent(t, store, 5000)
	corr := initiated(t, svc, e.ID)

	body := callbackBody(corr, 0, "QAB123XYZ", 5000)
	if out := rec.Handle(ctx, "", body); out != OutcomeApplied {
		t.Fatalf("first delivery = %q, want applied", out)
	}
	first, _ := store.GetEvent(ctx, e.ID)

	for i := 0; i < 5; i++ {
		if out := rec.Handle(ctx, "", body); out != OutcomeDuplicate {
			t.Fatalf("replay %d = %q, want duplicate", i, out)
		}
	}
	// A different receipt for the same correlation must not overwrite.
	if out := rec.Handle(ctx, "", callbackBody(corr, 0, "ZZZ999", 5000)); out != OutcomeDuplicate {
		t.Fatalf("conflicting replay = %q, want duplicate", out)
	}

	got, _ := store.GetEvent(ctx, e.ID)
	if *got.PaymentReceipt != *first.PaymentReceipt || !got.PaymentSettledAt.Equal(*first.PaymentSettledAt) {
		t.Fatalf("payment fields changed on replay")
	}
	if n := len(listener.statuses()); n != 1 {
		t.Fatalf("listener notified %d times, want 1", n)
	}
}

func TestReconcile_StaleCorrelationNeverTransitions(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)
	logger, logs := observedLogger()
	svc := newPaymentService(store, &fakeGateway{}, nil)
	rec := NewReconciler(store, nil, fastRetry(), logger)
	e := quotedEvent(t, store, 5000)

	old := initiated(t, svc, e.ID)
	current := initiated(t, svc, e.ID)

	if out := rec.Handle(ctx, "", callbackBody(old, 0, "QOLD11111", 5000)); out != OutcomeStale {
		t.Fatalf("outcome = %q, want stale", out)
	}
	got, _ := store.GetEvent(ctx, e.ID)
	if got.PaymentStatus != models.PaymentProcessing || got.ActiveCorrelation() != current {
		t.Fatalf("stale callback moved event: %q / %q", got.PaymentStatus, got.ActiveCorrelation())
	}
	if got.PaymentReceipt != nil {
		t.Fatal("stale receipt recorded")
	}
	if criticalCount(logs) != 1 {
		t.Fatalf("successful stale callback should be logged as critical, got %d", criticalCount(logs))
	}
}

func TestReconcile_ReinitiationAfterFailure(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)
	svc := newPaymentService(store, &fakeGateway{}, nil)
	rec := NewReconciler(store, nil, fastRetry(), nil)
	e := quotedEvent(t, store, 5000)

	first := initiated(t, svc, e.ID)
	if out := rec.Handle(ctx, "", callbackBody(first, 1032, "", 0)); out != OutcomeApplied {
		t.Fatalf("failure = %q, want applied", out)
	}

	second := initiated(t, svc, e.ID)
	if second == first {
		t.Fatal("re-initiation must use a fresh correlation id")
	}

	if out := rec.Handle(ctx, "", callbackBody(first, 0, "QOLD11111", 5000)); out != OutcomeStale {
		t.Fatalf("old correlation = %q, want stale", out)
	}
	if out := rec.Handle(ctx, "", callbackBody(second, 0, "QAB123XYZ", 5000)); out != OutcomeApplied {
		t.Fatalf("new correlation = %q, want applied", out)
	}

	got, _ := store.GetEvent(ctx, e.ID)
	if got.PaymentStatus != models.PaymentCompleted || *got.PaymentReceipt != "QAB123XYZ" {
		t.Fatalf("got %q / %v", got.PaymentStatus, got.PaymentReceipt)
	}
}

func TestReconcile_ConcurrentResultsApplyExactlyOnce(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)
	svc := newPaymentService(store, &fakeGateway{}, nil)
	rec := NewReconciler(store, nil, fastRetry(), nil)
	e := quotedEvent(t, store, 5000)
	corr := initiated(t, svc, e.ID)

	bodies := [][]byte{
		callbackBody(corr, 0, "QAB123XYZ", 5000),
		callbackBody(corr, 1032, "", 0),
		callbackBody(corr, 0, "QAB123XYZ", 5000),
		callbackBody(corr, 1032, "", 0),
	}

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		outcomes = map[Outcome]int{}
	)
	for _, b := range bodies {
		wg.Add(1)
		go func(b []byte) {
			defer wg.Done()
			out := rec.Handle(ctx, "", b)
			mu.Lock()
			outcomes[out]++
			mu.Unlock()
		}(b)
	}
	wg.Wait()

	if outcomes[OutcomeApplied] != 1 || outcomes[OutcomeDuplicate] != len(bodies)-1 {
		t.Fatalf("outcomes = %v, want exactly one applied", outcomes)
	}

	got, _ := store.GetEvent(ctx, e.ID)
	switch got.PaymentStatus {
	case models.PaymentCompleted:
		if got.PaymentReceipt == nil || got.Status != models.WorkflowApproved {
			t.Fatalf("completed without receipt or approval: %+v", got)
		}
	case models.PaymentFailed:
		if got.PaymentReceipt != nil || got.Status == models.WorkflowApproved {
			t.Fatalf("blended state: failed with receipt or approval")
		}
	default:
		t.Fatalf("payment status = %q, want a terminal state", got.PaymentStatus)
	}
}

func TestReconcile_UnknownCorrelationIsAcknowledged(t *testing.T) {
	store := newStore(t)
	logger, logs := observedLogger()
	rec := NewReconciler(store, nil, fastRetry(), logger)

	if out := rec.Handle(context.Background(), "", callbackBody("ws_CO_unknown", 0, "QAB123XYZ", 5000)); out != OutcomeNotFound {
		t.Fatalf("outcome = %q, want not_found", out)
	}
	if criticalCount(logs) != 1 {
		t.Fatalf("want one critical log entry, got %d", criticalCount(logs))
	}
}

func TestReconcile_MalformedPayload(t *testing.T) {
	rec := NewReconciler(newStore(t), nil, fastRetry(), nil)
	for _, raw := range []string{``, `not json`, `{"Body":{}}`, `{"Body":{"stkCallback":{"ResultCode":0}}}`} {
		if out := rec.Handle(context.Background(), "", []byte(raw)); out != OutcomeInvalid {
			t.Errorf("Handle(%q) = %q, want invalid", raw, out)
		}
	}
}

func TestReconcile_RetriesTransientStoreErrors(t *testing.T) {
	ctx := context.Background()
	base := newStore(t)
	svc := newPaymentService(base, &fakeGateway{}, nil)
	e := quotedEvent(t, base, 5000)
	corr := initiated(t, svc, e.ID)

	store := &flakyStore{EventStore: base, failFind: 1, failSettle: 2}
	rec := NewReconciler(store, nil, fastRetry(), nil)

	if out := rec.Handle(ctx, "", callbackBody(corr, 0, "QAB123XYZ", 5000)); out != OutcomeApplied {
		t.Fatalf("outcome = %q, want applied", out)
	}
}

func TestReconcile_StoreOutageIsLoggedNotRaised(t *testing.T) {
	ctx := context.Background()
	base := newStore(t)
	svc := newPaymentService(base, &fakeGateway{}, nil)
	e := quotedEvent(t, base, 5000)
	corr := initiated(t, svc, e.ID)

	logger, logs := observedLogger()
	store := &flakyStore{EventStore: base, failSettle: 100}
	rec := NewReconciler(store, nil, fastRetry(), logger)

	if out := rec.Handle(ctx, "", callbackBody(corr, 0, "QAB123XYZ", 5000)); out != OutcomeError {
		t.Fatalf("outcome = %q, want error", out)
	}
	if criticalCount(logs) != 1 {
		t.Fatalf("want one critical log entry, got %d", criticalCount(logs))
	}
	got, _ := base.GetEvent(ctx, e.ID)
	if got.PaymentStatus != models.PaymentProcessing {
		t.Fatalf("payment status = %q, want Processing", got.PaymentStatus)
	}
}

// timedOutEvent quotes an event and starts a payment whose push timed out, so
// it waits in Processing under a locally minted correlation.
func timedOutEvent(t *testing.T, store EventStore, phone string) (*models.Event, string) {
	t.Helper()
	ctx := context.Background()
	gw := &fakeGateway{err: &payments.GatewayError{Kind: payments.KindTimeout, Message: "request timed out"}}
	e := quotedEvent(t, store, 5000)
	if _, err := newPaymentService(store, gw, nil).Initiate(ctx, InitiateRequest{EventID: e.ID, Phone: phone, Viewer: client}); !errors.Is(err, ErrInitiationUnconfirmed) {
		t.Fatalf("initiate err = %v, want ErrInitiationUnconfirmed", err)
	}
	got, err := store.GetEvent(ctx, e.ID)
	if err != nil {
		t.Fatal(err)
	}
	return got, got.ActiveCorrelation()
}

func TestReconcile_CallbackAfterInitiationTimeoutSettles(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)
	listener := &recordingListener{}
	rec := NewReconciler(store, listener, fastRetry(), nil)
	e, unconfirmed := timedOutEvent(t, store, "0712345678")

	if out := rec.Handle(ctx, e.ID, callbackBody("ws_CO_REAL", 0, "QAB123XYZ", 5000)); out != OutcomeApplied {
		t.Fatalf("outcome = %q, want applied", out)
	}

	got, _ := store.GetEvent(ctx, e.ID)
	if got.PaymentStatus != models.PaymentCompleted || got.ActiveCorrelation() != "ws_CO_REAL" {
		t.Fatalf("event = %q under %q, want Completed under ws_CO_REAL", got.PaymentStatus, got.ActiveCorrelation())
	}
	if got.PaymentReceipt == nil || *got.PaymentReceipt != "QAB123XYZ" {
		t.Fatalf("receipt = %v", got.PaymentReceipt)
	}
	a, err := store.FindAttempt(ctx, "ws_CO_REAL")
	if err != nil {
		t.Fatalf("find adopted attempt: %v", err)
	}
	if a.Unconfirmed || a.Status != models.AttemptCompleted || a.MerchantRequestID != "29115-1" {
		t.Fatalf("attempt = %+v", a)
	}
	if _, err := store.FindAttempt(ctx, unconfirmed); !errors.Is(err, models.ErrCorrelationNotFound) {
		t.Fatalf("placeholder correlation still resolves: %v", err)
	}
	if s := listener.statuses(); len(s) != 1 || s[0] != models.PaymentCompleted {
		t.Fatalf("listener saw %v", s)
	}

	if out := rec.Handle(ctx, e.ID, callbackBody("ws_CO_REAL", 0, "QAB123XYZ", 5000)); out != OutcomeDuplicate {
		t.Fatalf("replay outcome = %q, want duplicate", out)
	}
}

func TestReconcile_CallbackAfterExpiredUnconfirmedAttempt(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)
	rec := NewReconciler(store, nil, fastRetry(), nil)
	e, unconfirmed := timedOutEvent(t, store, "0712345678")

	// What the sweep does once the placeholder outlives its TTL.
	out := rec.Apply(ctx, payments.CallbackResult{CorrelationID: unconfirmed, ResultCode: payments.ResultCodeUnconfirmed})
	if out != OutcomeApplied {
		t.Fatalf("expire outcome = %q", out)
	}
	if got, _ := store.GetEvent(ctx, e.ID); got.PaymentStatus != models.PaymentFailed {
		t.Fatalf("payment status = %q, want Failed", got.PaymentStatus)
	}

	if out := rec.Handle(ctx, e.ID, callbackBody("ws_CO_LATE", 0, "QLATE0001", 5000)); out != OutcomeApplied {
		t.Fatalf("late callback outcome = %q, want applied", out)
	}
	got, _ := store.GetEvent(ctx, e.ID)
	if got.PaymentStatus != models.PaymentCompleted || *got.PaymentReceipt != "QLATE0001" {
		t.Fatalf("event = %+v", got)
	}
}

func TestReconcile_FailureCallbackAfterInitiationTimeout(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)
	rec := NewReconciler(store, nil, fastRetry(), nil)
	e, _ := timedOutEvent(t, store, "0712345678")

	if out := rec.Handle(ctx, e.ID, callbackBody("ws_CO_REAL", 1032, "", 0)); out != OutcomeApplied {
		t.Fatalf("outcome = %q, want applied", out)
	}
	got, _ := store.GetEvent(ctx, e.ID)
	if got.PaymentStatus != models.PaymentFailed || got.PaymentResultCode == nil || *got.PaymentResultCode != "1032" {
		t.Fatalf("event = %q code %v", got.PaymentStatus, got.PaymentResultCode)
	}
}

func TestReconcile_UnmatchedCallbackIsNotAdopted(t *testing.T) {
	ctx := context.Background()

	t.Run("no event id", func(t *testing.T) {
		store := newStore(t)
		e, unconfirmed := timedOutEvent(t, store, "0712345678")
		rec := NewReconciler(store, nil, fastRetry(), nil)

		if out := rec.Handle(ctx, "", callbackBody("ws_CO_REAL", 0, "QAB123XYZ", 5000)); out != OutcomeNotFound {
			t.Fatalf("outcome = %q, want not_found", out)
		}
		if got, _ := store.GetEvent(ctx, e.ID); got.ActiveCorrelation() != unconfirmed {
			t.Fatalf("correlation = %q, want %q", got.ActiveCorrelation(), unconfirmed)
		}
	})

	t.Run("different payer", func(t *testing.T) {
		store := newStore(t)
		e, unconfirmed := timedOutEvent(t, store, "0722000111")
		logger, logs := observedLogger()
		rec := NewReconciler(store, nil, fastRetry(), logger)

		if out := rec.Handle(ctx, e.ID, callbackBody("ws_CO_REAL", 0, "QAB123XYZ", 5000)); out != OutcomeNotFound {
			t.Fatalf("outcome = %q, want not_found", out)
		}
		got, _ := store.GetEvent(ctx, e.ID)
		if got.PaymentStatus != models.PaymentProcessing || got.ActiveCorrelation() != unconfirmed {
			t.Fatalf("event = %q under %q", got.PaymentStatus, got.ActiveCorrelation())
		}
		if n := criticalCount(logs); n != 2 {
			t.Fatalf("critical entries = %d, want 2", n)
		}
	})

	t.Run("confirmed attempt", func(t *testing.T) {
		store := newStore(t)
		e := quotedEvent(t, store, 5000)
		res, err := newPaymentService(store, &fakeGateway{}, nil).Initiate(ctx, InitiateRequest{EventID: e.ID, Phone: "0712345678", Viewer: client})
		if err != nil {
			t.Fatal(err)
		}
		rec := NewReconciler(store, nil, fastRetry(), nil)

		if out := rec.Handle(ctx, e.ID, callbackBody("ws_CO_FORGED", 0, "QAB123XYZ", 5000)); out != OutcomeNotFound {
			t.Fatalf("outcome = %q, want not_found", out)
		}
		if got, _ := store.GetEvent(ctx, e.ID); got.PaymentStatus != models.PaymentProcessing || got.ActiveCorrelation() != res.CorrelationID {
			t.Fatalf("event = %q under %q", got.PaymentStatus, got.ActiveCorrelation())
		}
	})
}

func TestReconcile_CallbackAddsReceiptAfterQuerySettlement(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)
	listener := &recordingListener{}
	svc := newPaymentService(store, &fakeGateway{}, nil)
	rec := NewReconciler(store, listener, fastRetry(), nil)
	e := quotedEvent(t, store, 5000)
	corr := initiated(t, svc, e.ID)

	// A status query answer carries the outcome but no payer details.
	query := payments.FromQuery(&payments.StkQueryResponse{CheckoutRequestID: corr, ResultCode: "0", ResultDesc: "The service request is processed successfully."})
	if out := rec.Apply(ctx, query); out != OutcomeApplied {
		t.Fatalf("query outcome = %q", out)
	}
	got, _ := store.GetEvent(ctx, e.ID)
	if got.PaymentStatus != models.PaymentCompleted || got.PaymentReceipt != nil {
		t.Fatalf("after query: %q receipt %v", got.PaymentStatus, got.PaymentReceipt)
	}

	if out := rec.Handle(ctx, e.ID, callbackBody(corr, 0, "QAB123XYZ", 5000)); out != OutcomeDuplicate {
		t.Fatalf("callback outcome = %q, want duplicate", out)
	}
	got, _ = store.GetEvent(ctx, e.ID)
	if got.PaymentReceipt == nil || *got.PaymentReceipt != "QAB123XYZ" || got.PayerPhone == nil || *got.PayerPhone != "254712345678" {
		t.Fatalf("receipt %v payer %v", got.PaymentReceipt, got.PayerPhone)
	}

	if out := rec.Handle(ctx, e.ID, callbackBody(corr, 0, "ZZZ999", 5000)); out != OutcomeDuplicate {
		t.Fatalf("replay outcome = %q", out)
	}
	got, _ = store.GetEvent(ctx, e.ID)
	if *got.PaymentReceipt != "QAB123XYZ" {
		t.Fatalf("receipt overwritten: %q", *got.PaymentReceipt)
	}
	if n := len(listener.statuses()); n != 2 {
		t.Fatalf("listener notified %d times, want 2", n)
	}
}
