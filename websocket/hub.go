package websocket

import (
	"context"

	"github.com/ruby14-bit/LIZ-EVENTS/models"
	"go.uber.org/zap"
)

const subscriberBuffer = 8

// Subscriber receives payment views for one event until it is unsubscribed
// or falls too far behind.
type Subscriber struct {
	EventID string
	updates chan models.PaymentView
}

func (s *Subscriber) Updates() <-chan models.PaymentView {
	return s.updates
}

// Hub fans payment changes out to the websocket connections watching each
// event. All subscriber bookkeeping happens on the Run goroutine.
type Hub struct {
	register   chan *Subscriber
	unregister chan *Subscriber
	broadcast  chan models.PaymentView
	done       chan struct{}
	subs       map[string]map[*Subscriber]struct{}
	logger     *zap.Logger
}

func NewHub(logger *zap.Logger) *Hub {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Hub{
		register:   make(chan *Subscriber),
		unregister: make(chan *Subscriber),
		broadcast:  make(chan models.PaymentView, 64),
		done:       make(chan struct{}),
		subs:       make(map[string]map[*Subscriber]struct{}),
		logger:     logger,
	}
}

func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)
	for {
		select {
		case <-ctx.Done():
			for _, set := range h.subs {
				for sub := range set {
					close(sub.updates)
				}
			}
			h.subs = nil
			return

		case sub := <-h.register:
			set, ok := h.subs[sub.EventID]
			if !ok {
				set = make(map[*Subscriber]struct{})
				h.subs[sub.EventID] = set
			}
			set[sub] = struct{}{}
			h.logger.Debug("payment subscriber registered", zap.String("event_id", sub.EventID))

		case sub := <-h.unregister:
			h.remove(sub)

		case view := <-h.broadcast:
			for sub := range h.subs[view.EventID] {
				select {
				case sub.updates <- view:
				default:
					h.logger.Warn("dropping slow payment subscriber", zap.String("event_id", view.EventID))
					h.remove(sub)
				}
			}
		}
	}
}

func (h *Hub) remove(sub *Subscriber) {
	set, ok := h.subs[sub.EventID]
	if !ok {
		return
	}
	if _, ok := set[sub]; !ok {
		return
	}
	delete(set, sub)
	close(sub.updates)
	if len(set) == 0 {
		delete(h.subs, sub.EventID)
	}
}

// Subscribe registers interest in eventID. It returns nil once the hub has
// stopped.
func (h *Hub) Subscribe(eventID string) *Subscriber {
	sub := &Subscriber{EventID: eventID, updates: make(chan models.PaymentView, subscriberBuffer)}
	select {
	case h.register <- sub:
		return sub
	case <-h.done:
		return nil
	}
}

// Unsubscribe is safe to call more than once.
func (h *Hub) Unsubscribe(sub *Subscriber) {
	if sub == nil {
		return
	}
	select {
	case h.unregister <- sub:
	case <-h.done:
	}
}

// PaymentChanged queues the new view for every watcher of the event. It
// never blocks; a full queue drops the update.
func (h *Hub) PaymentChanged(_ context.Context, e models.Event) {
	select {
	case h.broadcast <- e.PaymentView():
	default:
		h.logger.Warn("payment broadcast queue full", zap.String("event_id", e.ID))
	}
}
