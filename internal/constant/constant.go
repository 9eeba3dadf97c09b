package constant

const (
	ProductionEnvironment  = "production"
	DevelopmentEnvironment = "development"
)

const (
	MarketDataDatabase = "market_data"
	QuoteCacheRedis    = "quote_cache"

	HTTPPort = "http"
	GRPCPort = "grpc"
)
