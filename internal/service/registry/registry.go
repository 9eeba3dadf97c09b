package registry

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/krobus00/kis-gateway/internal/entity"
	"github.com/krobus00/kis-gateway/internal/metrics"
	"github.com/sirupsen/logrus"
)

type Handler func(ctx context.Context, record entity.Record) error

// Subscriber is a callback plus the identity used to keep subscribe
// idempotent.
type Subscriber struct {
	ID     string
	Handle Handler
}

// SubscriptionRegistry maps subscription keys to subscribers. Slices are
// copy-on-write so Dispatch can iterate without holding the lock.
type SubscriptionRegistry struct {
	mu          sync.RWMutex
	subscribers map[entity.SubscriptionKey][]Subscriber
	metrics     *metrics.GatewayMetrics
}

func NewSubscriptionRegistry(m *metrics.GatewayMetrics) *SubscriptionRegistry {
	return &SubscriptionRegistry{
		subscribers: make(map[entity.SubscriptionKey][]Subscriber),
		metrics:     m,
	}
}

// Subscribe adds sub under key. It returns false when a subscriber with the
// same ID is already registered for key.
func (r *SubscriptionRegistry) Subscribe(key entity.SubscriptionKey, sub Subscriber) (bool, error) {
	if err := key.Validate(); err != nil {
		return false, err
	}
	if sub.ID == "" || sub.Handle == nil {
		return false, fmt.Errorf("subscriber id and handler are required")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	current := r.subscribers[key]
	for _, existing := range current {
		if existing.ID == sub.ID {
			return false, nil
		}
	}

	next := make([]Subscriber, len(current), len(current)+1)
	copy(next, current)
	r.subscribers[key] = append(next, sub)
	r.metrics.SetSubscriptions(len(r.subscribers))

	return true, nil
}

// Unsubscribe drops every subscriber of key and returns how many there were.
func (r *SubscriptionRegistry) Unsubscribe(key entity.SubscriptionKey) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	removed := len(r.subscribers[key])
	delete(r.subscribers, key)
	r.metrics.SetSubscriptions(len(r.subscribers))

	return removed
}

// UnsubscribeAll clears the registry and returns the keys that were present.
func (r *SubscriptionRegistry) UnsubscribeAll() []entity.SubscriptionKey {
	r.mu.Lock()
	keys := make([]entity.SubscriptionKey, 0, len(r.subscribers))
	for key := range r.subscribers {
		keys = append(keys, key)
	}
	r.subscribers = make(map[entity.SubscriptionKey][]Subscriber)
	r.mu.Unlock()

	r.metrics.SetSubscriptions(0)
	sortKeys(keys)

	return keys
}

// Snapshot returns the registered keys in a stable order.
func (r *SubscriptionRegistry) Snapshot() []entity.SubscriptionKey {
	r.mu.RLock()
	keys := make([]entity.SubscriptionKey, 0, len(r.subscribers))
	for key := range r.subscribers {
		keys = append(keys, key)
	}
	r.mu.RUnlock()

	sortKeys(keys)
	return keys
}

func (r *SubscriptionRegistry) Has(key entity.SubscriptionKey) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.subscribers[key]
	return ok
}

func (r *SubscriptionRegistry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.subscribers)
}

func (r *SubscriptionRegistry) SubscriberCount(key entity.SubscriptionKey) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.subscribers[key])
}

// TotalSubscribers counts subscribers across all keys.
func (r *SubscriptionRegistry) TotalSubscribers() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	total := 0
	for _, subs := range r.subscribers {
		total += len(subs)
	}
	return total
}

// Dispatch delivers record to every subscriber of key, in registration
// order, and returns how many handlers completed without failure.
func (r *SubscriptionRegistry) Dispatch(ctx context.Context, key entity.SubscriptionKey, record entity.Record) int {
	r.mu.RLock()
	subs := r.subscribers[key]
	r.mu.RUnlock()

	delivered := 0
	for _, sub := range subs {
		if r.invoke(ctx, key, sub, record) {
			delivered++
		}
	}

	if len(subs) > 0 {
		r.metrics.ObserveDispatch(key.Kind)
	}

	return delivered
}

func (r *SubscriptionRegistry) invoke(ctx context.Context, key entity.SubscriptionKey, sub Subscriber, record entity.Record) (ok bool) {
	logger := logrus.WithFields(logrus.Fields{
		"key":           key.String(),
		"subscriber_id": sub.ID,
	})

	defer func() {
		if recovered := recover(); recovered != nil {
			logger.WithField("panic", recovered).Error("subscriber callback panicked")
			r.metrics.ObserveCallbackFailure(key.Kind, "panic")
			ok = false
		}
	}()

	if err := sub.Handle(ctx, record); err != nil {
		logger.WithError(err).Warn("subscriber callback failed")
		r.metrics.ObserveCallbackFailure(key.Kind, "error")
		return false
	}

	return true
}

func sortKeys(keys []entity.SubscriptionKey) {
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].Symbol != keys[j].Symbol {
			return keys[i].Symbol < keys[j].Symbol
		}
		return keys[i].Kind < keys[j].Kind
	})
}
