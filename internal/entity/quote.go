package entity

import "time"

// CacheEntry is the last value observed for a subscription key.
type CacheEntry struct {
	Record     Record    `json:"record"`
	ReceivedAt time.Time `json:"received_at"`
}

type Source int

const (
	SourceUnavailable Source = iota
	SourceCache
	SourceRestFallback
)

func (s Source) String() string {
	switch s {
	case SourceCache:
		return "cache"
	case SourceRestFallback:
		return "rest_fallback"
	default:
		return "unavailable"
	}
}

// QuoteStatus is the tag exposed to HTTP consumers.
type QuoteStatus string

const (
	QuoteStatusRealtime     QuoteStatus = "REALTIME"
	QuoteStatusClosingPrice QuoteStatus = "CLOSING_PRICE"
	QuoteStatusNoData       QuoteStatus = "NO_DATA"
)

func (s Source) QuoteStatus() QuoteStatus {
	switch s {
	case SourceCache:
		return QuoteStatusRealtime
	case SourceRestFallback:
		return QuoteStatusClosingPrice
	default:
		return QuoteStatusNoData
	}
}

type ConnectionState int32

const (
	ConnectionStateDisconnected ConnectionState = iota
	ConnectionStateConnecting
	ConnectionStateOpen
	ConnectionStateClosing
)

func (s ConnectionState) String() string {
	switch s {
	case ConnectionStateConnecting:
		return "connecting"
	case ConnectionStateOpen:
		return "open"
	case ConnectionStateClosing:
		return "closing"
	default:
		return "disconnected"
	}
}
