package services

import (
	"context"

	"github.com/ruby14-bit/LIZ-EVENTS/models"
)

// PaymentListener is told about every applied payment transition. Listeners
// must not block: the callback path waits on them.
type PaymentListener interface {
	PaymentChanged(ctx context.Context, e models.Event)
}

// Listeners fans a change out to several listeners in order.
type Listeners []PaymentListener

func (ls Listeners) PaymentChanged(ctx context.Context, e models.Event) {
	for _, l := range ls {
		if l != nil {
			l.PaymentChanged(ctx, e)
		}
	}
}

type noopListener struct{}

func (noopListener) PaymentChanged(context.Context, models.Event) {}
