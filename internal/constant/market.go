package constant

import "fmt"

const (
	MarketStreamName       = "market"
	MarketStreamSubjectAll = "market.>"

	QuoteSnapshotKeyPrefix = "kis:quote"

	HealthServiceName = "kis-gateway"
)

// MarketSubject is the JetStream subject a record is published on,
// e.g. market.execution.005930.
func MarketSubject(kind, symbol string) string {
	return fmt.Sprintf("%s.%s.%s", MarketStreamName, kind, symbol)
}

func QuoteSnapshotKey(kind, symbol string) string {
	return fmt.Sprintf("%s:%s:%s", QuoteSnapshotKeyPrefix, kind, symbol)
}
