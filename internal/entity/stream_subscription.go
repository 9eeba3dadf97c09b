package entity

import (
	"time"

	"github.com/guregu/null/v6"
)

// StreamSubscription is a symbol the gateway subscribes to at boot.
type StreamSubscription struct {
	ID          string      `db:"id" json:"id"`
	Symbol      string      `db:"symbol" json:"symbol"`
	Kind        StreamKind  `db:"kind" json:"kind"`
	Description null.String `db:"description" json:"description"`
	Active      bool        `db:"active" json:"active"`
	CreatedAt   time.Time   `db:"created_at" json:"created_at"`
	UpdatedAt   time.Time   `db:"updated_at" json:"updated_at"`
}

func (s StreamSubscription) Key() SubscriptionKey {
	return NewSubscriptionKey(s.Symbol, s.Kind)
}

func (StreamSubscription) TableName() string {
	return "stream_subscriptions"
}
