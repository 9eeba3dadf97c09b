package entity

type ChangeSign string

const (
	ChangeSignLimitUp   ChangeSign = "LIMIT_UP"
	ChangeSignUp        ChangeSign = "UP"
	ChangeSignFlat      ChangeSign = "FLAT"
	ChangeSignLimitDown ChangeSign = "LIMIT_DOWN"
	ChangeSignDown      ChangeSign = "DOWN"
)

// ChangeSignFromCode maps the venue's 1..5 sign code. Unknown codes are Flat.
func ChangeSignFromCode(code string) ChangeSign {
	switch code {
	case "1":
		return ChangeSignLimitUp
	case "2":
		return ChangeSignUp
	case "4":
		return ChangeSignLimitDown
	case "5":
		return ChangeSignDown
	default:
		return ChangeSignFlat
	}
}

// Code is the inverse of ChangeSignFromCode.
func (s ChangeSign) Code() string {
	switch s {
	case ChangeSignLimitUp:
		return "1"
	case ChangeSignUp:
		return "2"
	case ChangeSignLimitDown:
		return "4"
	case ChangeSignDown:
		return "5"
	default:
		return "3"
	}
}

// Record is either an ExecutionRecord or an OrderBookRecord.
type Record interface {
	Kind() StreamKind
	Key() SubscriptionKey
}

type ExecutionRecord struct {
	Symbol            string     `json:"symbol"`
	Time              string     `json:"time"`
	LastPrice         float64    `json:"last_price"`
	ChangeSign        ChangeSign `json:"change_sign"`
	Change            float64    `json:"change"`
	ChangeRate        float64    `json:"change_rate"`
	WeightedAvgPrice  float64    `json:"weighted_avg_price"`
	OpenPrice         float64    `json:"open_price"`
	HighPrice         float64    `json:"high_price"`
	LowPrice          float64    `json:"low_price"`
	AskPrice          float64    `json:"ask_price"`
	BidPrice          float64    `json:"bid_price"`
	AskSize           int64      `json:"ask_size"`
	BidSize           int64      `json:"bid_size"`
	Volume            int64      `json:"volume"`
	CumulativeVolume  int64      `json:"cumulative_volume"`
	CumulativeAmount  float64    `json:"cumulative_amount"`
	SellCount         int64      `json:"sell_count"`
	BuyCount          int64      `json:"buy_count"`
	ExecutionStrength float64    `json:"execution_strength"`
	TotalAskSize      int64      `json:"total_ask_size"`
	TotalBidSize      int64      `json:"total_bid_size"`
	BusinessDate      string     `json:"business_date,omitempty"`
	TradingHalted     bool       `json:"trading_halted"`
}

func (r *ExecutionRecord) Kind() StreamKind { return StreamKindExecution }

func (r *ExecutionRecord) Key() SubscriptionKey {
	return SubscriptionKey{Symbol: r.Symbol, Kind: StreamKindExecution}
}

type PriceLevel struct {
	Price float64 `json:"price"`
	Size  int64   `json:"size"`
}

const OrderBookDepth = 10

type OrderBookRecord struct {
	Symbol         string                     `json:"symbol"`
	Time           string                     `json:"time"`
	HourClass      string                     `json:"hour_class,omitempty"`
	Asks           [OrderBookDepth]PriceLevel `json:"asks"`
	Bids           [OrderBookDepth]PriceLevel `json:"bids"`
	TotalAskSize   int64                      `json:"total_ask_size"`
	TotalBidSize   int64                      `json:"total_bid_size"`
	ExpectedPrice  float64                    `json:"expected_price"`
	ExpectedVolume int64                      `json:"expected_volume"`
	Spread         float64                    `json:"spread"`
}

func (r *OrderBookRecord) Kind() StreamKind { return StreamKindOrderBook }

func (r *OrderBookRecord) Key() SubscriptionKey {
	return SubscriptionKey{Symbol: r.Symbol, Kind: StreamKindOrderBook}
}

// ComputeSpread sets Spread to best ask minus best bid, or zero when either
// side of the book is empty.
func (r *OrderBookRecord) ComputeSpread() {
	if r.Asks[0].Price <= 0 || r.Bids[0].Price <= 0 {
		r.Spread = 0
		return
	}
	r.Spread = r.Asks[0].Price - r.Bids[0].Price
}
