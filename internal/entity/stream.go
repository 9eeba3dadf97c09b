package entity

import (
	"fmt"
	"strings"
)

type StreamKind string

const (
	StreamKindExecution StreamKind = "execution"
	StreamKindOrderBook StreamKind = "order_book"
)

const (
	TrIDExecution = "H0STCNT0"
	TrIDOrderBook = "H0STASP0"
	TrIDPingPong  = "PINGPONG"
)

// TrID returns the venue stream identifier for the kind.
func (k StreamKind) TrID() string {
	switch k {
	case StreamKindExecution:
		return TrIDExecution
	case StreamKindOrderBook:
		return TrIDOrderBook
	default:
		return ""
	}
}

func (k StreamKind) Valid() bool {
	return k == StreamKindExecution || k == StreamKindOrderBook
}

func StreamKindFromTrID(trID string) (StreamKind, bool) {
	switch trID {
	case TrIDExecution:
		return StreamKindExecution, true
	case TrIDOrderBook:
		return StreamKindOrderBook, true
	default:
		return "", false
	}
}

// ParseStreamKind accepts the kind names used by the HTTP API. Empty input
// defaults to execution.
func ParseStreamKind(raw string) (StreamKind, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "", "execution", "trade", "price":
		return StreamKindExecution, nil
	case "order_book", "orderbook", "asking_price", "hoga":
		return StreamKindOrderBook, nil
	default:
		return "", fmt.Errorf("unknown stream kind %q", raw)
	}
}

// SubscriptionKey identifies one logical real-time feed.
type SubscriptionKey struct {
	Symbol string     `json:"symbol"`
	Kind   StreamKind `json:"kind"`
}

func NewSubscriptionKey(symbol string, kind StreamKind) SubscriptionKey {
	return SubscriptionKey{Symbol: strings.TrimSpace(symbol), Kind: kind}
}

func (k SubscriptionKey) String() string {
	return string(k.Kind) + ":" + k.Symbol
}

func (k SubscriptionKey) Validate() error {
	if k.Symbol == "" {
		return ErrInvalidSymbol
	}
	if !k.Kind.Valid() {
		return fmt.Errorf("invalid stream kind %q", k.Kind)
	}
	return nil
}
