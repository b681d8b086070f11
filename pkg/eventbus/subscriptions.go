package eventbus

import (
	"fmt"
	"sync"

	"github.com/harun/relia/pkg/delivery"
	gonanoid "github.com/matoous/go-nanoid/v2"
	"github.com/rs/zerolog"
)

// Handler consumes a delivered envelope. Returning an error marks the
// handler's failure in the log; it never blocks delivery to other handlers.
type Handler interface {
	Handle(env *delivery.Envelope) error
}

// HandlerFunc adapts a plain function to the Handler interface
type HandlerFunc func(env *delivery.Envelope) error

// Handle calls f
func (f HandlerFunc) Handle(env *delivery.Envelope) error {
	return f(env)
}

type subscription struct {
	id      string
	handler Handler
	types   map[string]struct{} // empty = all event types
}

func (s *subscription) matches(eventType string) bool {
	if len(s.types) == 0 {
		return true
	}
	_, ok := s.types[eventType]
	return ok
}

// SubscriptionRegistry fans delivered envelopes out to registered handlers.
// It is owned by a Bus instance; its lifecycle is tied to the bus, never to
// process-wide state.
type SubscriptionRegistry struct {
	mu     sync.RWMutex
	subs   map[string]*subscription
	logger zerolog.Logger
}

// NewSubscriptionRegistry creates an empty registry
func NewSubscriptionRegistry(logger zerolog.Logger) *SubscriptionRegistry {
	return &SubscriptionRegistry{
		subs:   make(map[string]*subscription),
		logger: logger,
	}
}

// Add registers a handler for the given event types (all types when none are
// given) and returns the subscription ID.
func (r *SubscriptionRegistry) Add(handler Handler, types ...string) string {
	id, _ := gonanoid.New()

	typeSet := make(map[string]struct{}, len(types))
	for _, t := range types {
		typeSet[t] = struct{}{}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.subs[id] = &subscription{id: id, handler: handler, types: typeSet}
	return id
}

// Remove unregisters a subscription. Returns false if the ID is unknown.
func (r *SubscriptionRegistry) Remove(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.subs[id]; !ok {
		return false
	}
	delete(r.subs, id)
	return true
}

// Len returns the number of registered subscriptions
func (r *SubscriptionRegistry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.subs)
}

// Dispatch delivers an envelope to every matching handler. Each handler call
// is isolated: a panic or error in one handler is logged and cannot block
// delivery to the others. It returns the number of handlers invoked.
func (r *SubscriptionRegistry) Dispatch(env *delivery.Envelope) int {
	r.mu.RLock()
	matching := make([]*subscription, 0, len(r.subs))
	for _, sub := range r.subs {
		if sub.matches(env.Type) {
			matching = append(matching, sub)
		}
	}
	r.mu.RUnlock()

	invoked := 0
	for _, sub := range matching {
		r.invoke(sub, env)
		invoked++
	}
	return invoked
}

func (r *SubscriptionRegistry) invoke(sub *subscription, env *delivery.Envelope) {
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error().
				Str("subscription_id", sub.id).
				Str("event_id", env.EventID).
				Str("event_type", env.Type).
				Err(fmt.Errorf("handler panic: %v", rec)).
				Msg("Subscriber panicked")
		}
	}()

	if err := sub.handler.Handle(env); err != nil {
		r.logger.Warn().
			Str("subscription_id", sub.id).
			Str("event_id", env.EventID).
			Str("event_type", env.Type).
			Err(err).
			Msg("Subscriber returned error")
	}
}
