package codec

import (
	"fmt"

	"github.com/krobus00/kis-gateway/internal/entity"
)

// execution tick (H0STCNT0) offsets
const (
	execSymbol            = 0
	execTime              = 1
	execPrice             = 2
	execSign              = 3
	execChange            = 4
	execRate              = 5
	execWeightedAvg       = 6
	execOpen              = 7
	execHigh              = 8
	execLow               = 9
	execAsk1              = 10
	execBid1              = 11
	execVolume            = 12
	execCumulativeVolume  = 13
	execCumulativeAmount  = 14
	execSellCount         = 15
	execBuyCount          = 16
	execStrength          = 18
	execBusinessDate      = 33
	execHalted            = 35
	execAskSize1          = 36
	execBidSize1          = 37
	execTotalAskSize      = 38
	execTotalBidSize      = 39
	ExecutionMinFields    = 6
	ExecutionSchemaFields = 46
)

// order book (H0STASP0) offsets
const (
	bookSymbol            = 0
	bookTime              = 1
	bookHourClass         = 2
	bookAskPrice          = 3
	bookBidPrice          = 13
	bookAskSize           = 23
	bookBidSize           = 33
	bookTotalAsk          = 43
	bookTotalBid          = 44
	bookExpectedPrice     = 47
	bookExpectedVolume    = 48
	OrderBookMinFields    = 23
	OrderBookSchemaFields = 59
)

// ParseExecution builds an execution record from caret fields. Missing
// trailing fields are zero.
func ParseExecution(fields []string) (*entity.ExecutionRecord, error) {
	if len(fields) < ExecutionMinFields {
		return nil, fmt.Errorf("execution needs %d fields, got %d", ExecutionMinFields, len(fields))
	}

	f := fieldList(fields)
	if f.str(execSymbol) == "" {
		return nil, entity.ErrInvalidSymbol
	}

	return &entity.ExecutionRecord{
		Symbol:            f.str(execSymbol),
		Time:              f.str(execTime),
		LastPrice:         f.float(execPrice),
		ChangeSign:        entity.ChangeSignFromCode(f.str(execSign)),
		Change:            f.float(execChange),
		ChangeRate:        f.float(execRate),
		WeightedAvgPrice:  f.float(execWeightedAvg),
		OpenPrice:         f.float(execOpen),
		HighPrice:         f.float(execHigh),
		LowPrice:          f.float(execLow),
		AskPrice:          f.float(execAsk1),
		BidPrice:          f.float(execBid1),
		Volume:            f.int(execVolume),
		CumulativeVolume:  f.int(execCumulativeVolume),
		CumulativeAmount:  f.float(execCumulativeAmount),
		SellCount:         f.int(execSellCount),
		BuyCount:          f.int(execBuyCount),
		ExecutionStrength: f.float(execStrength),
		BusinessDate:      f.str(execBusinessDate),
		TradingHalted:     f.str(execHalted) == "Y",
		AskSize:           f.int(execAskSize1),
		BidSize:           f.int(execBidSize1),
		TotalAskSize:      f.int(execTotalAskSize),
		TotalBidSize:      f.int(execTotalBidSize),
	}, nil
}

// ParseOrderBook builds a 10-level order book record from caret fields.
func ParseOrderBook(fields []string) (*entity.OrderBookRecord, error) {
	if len(fields) < OrderBookMinFields {
		return nil, fmt.Errorf("order book needs %d fields, got %d", OrderBookMinFields, len(fields))
	}

	f := fieldList(fields)
	if f.str(bookSymbol) == "" {
		return nil, entity.ErrInvalidSymbol
	}

	record := &entity.OrderBookRecord{
		Symbol:         f.str(bookSymbol),
		Time:           f.str(bookTime),
		HourClass:      f.str(bookHourClass),
		TotalAskSize:   f.int(bookTotalAsk),
		TotalBidSize:   f.int(bookTotalBid),
		ExpectedPrice:  f.float(bookExpectedPrice),
		ExpectedVolume: f.int(bookExpectedVolume),
	}

	for i := 0; i < entity.OrderBookDepth; i++ {
		record.Asks[i] = entity.PriceLevel{Price: f.float(bookAskPrice + i), Size: f.int(bookAskSize + i)}
		record.Bids[i] = entity.PriceLevel{Price: f.float(bookBidPrice + i), Size: f.int(bookBidSize + i)}
	}
	record.ComputeSpread()

	return record, nil
}

func parseRecord(kind entity.StreamKind, fields []string) (entity.Record, error) {
	switch kind {
	case entity.StreamKindExecution:
		return ParseExecution(fields)
	case entity.StreamKindOrderBook:
		return ParseOrderBook(fields)
	default:
		return nil, fmt.Errorf("unsupported stream kind %q", kind)
	}
}

func schemaWidth(kind entity.StreamKind) int {
	if kind == entity.StreamKindOrderBook {
		return OrderBookSchemaFields
	}
	return ExecutionSchemaFields
}
