package repository

import (
	"context"
	"time"

	"github.com/goccy/go-json"
	"github.com/krobus00/kis-gateway/internal/constant"
	"github.com/krobus00/kis-gateway/internal/entity"
	"github.com/redis/go-redis/v9"
)

// QuoteSnapshot is the latest record of a key as stored in Redis.
type QuoteSnapshot struct {
	Kind       entity.StreamKind `json:"kind"`
	Symbol     string            `json:"symbol"`
	Record     json.RawMessage   `json:"record"`
	ReceivedAt time.Time         `json:"received_at"`
}

type QuoteSnapshotRepository struct {
	client *redis.Client
	ttl    time.Duration
}

func NewQuoteSnapshotRepository(client *redis.Client, ttl time.Duration) *QuoteSnapshotRepository {
	return &QuoteSnapshotRepository{client: client, ttl: ttl}
}

func (r *QuoteSnapshotRepository) Save(ctx context.Context, key entity.SubscriptionKey, record entity.Record, receivedAt time.Time) error {
	raw, err := json.Marshal(record)
	if err != nil {
		return err
	}

	payload, err := json.Marshal(QuoteSnapshot{
		Kind:       key.Kind,
		Symbol:     key.Symbol,
		Record:     raw,
		ReceivedAt: receivedAt,
	})
	if err != nil {
		return err
	}

	return r.client.Set(ctx, constant.QuoteSnapshotKey(string(key.Kind), key.Symbol), payload, r.ttl).Err()
}
