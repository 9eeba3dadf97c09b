package entity

import (
	"context"
	"time"
)

type Publisher interface {
	JetstreamEventInit(ctx context.Context) error
}

// MarketRecordEvent is the payload published for every decoded record.
type MarketRecordEvent struct {
	Kind        StreamKind `json:"kind"`
	Symbol      string     `json:"symbol"`
	Encrypted   bool       `json:"encrypted"`
	Record      Record     `json:"record"`
	ReceivedAt  time.Time  `json:"received_at"`
	PublishedAt time.Time  `json:"published_at"`
}
