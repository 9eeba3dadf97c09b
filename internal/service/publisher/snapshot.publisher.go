package publisher

import (
	"context"
	"time"

	"github.com/krobus00/kis-gateway/internal/entity"
)

type SnapshotStore interface {
	Save(ctx context.Context, key entity.SubscriptionKey, record entity.Record, receivedAt time.Time) error
}

// SnapshotMirror keeps the latest record per key in an external store so
// other processes can read it without a stream connection.
type SnapshotMirror struct {
	store SnapshotStore
}

func NewSnapshotMirror(store SnapshotStore) *SnapshotMirror {
	return &SnapshotMirror{store: store}
}

func (m *SnapshotMirror) Name() string {
	return "redis_snapshot"
}

func (m *SnapshotMirror) Handle(ctx context.Context, event entity.MarketRecordEvent) error {
	return m.store.Save(ctx, entity.NewSubscriptionKey(event.Symbol, event.Kind), event.Record, event.ReceivedAt)
}
