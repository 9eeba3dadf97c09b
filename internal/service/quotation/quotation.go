package quotation

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/krobus00/kis-gateway/internal/entity"
	"github.com/krobus00/kis-gateway/internal/service/codec"
	"github.com/shopspring/decimal"
)

const (
	inquirePricePath       = "/uapi/domestic-stock/v1/quotations/inquire-price"
	inquireAskingPricePath = "/uapi/domestic-stock/v1/quotations/inquire-asking-price-exp-ccn"
	trIDInquirePrice       = "FHKST01010100"
	trIDInquireAskingPrice = "FHKST01010200"
	marketDivisionStock    = "J"
	maxResponseBody        = 1 << 20
)

var ErrQuotationFailed = errors.New("quotation request failed")

type TokenSource interface {
	GetCredential(ctx context.Context) (entity.Credential, error)
}

// Client queries point-in-time quotes over REST. It is the slow path used
// when the stream has not produced data for a symbol yet.
type Client struct {
	baseURL   string
	appKey    string
	appSecret string
	tokens    TokenSource
	client    *http.Client
}

func NewClient(baseURL, appKey, appSecret string, tokens TokenSource, client *http.Client) *Client {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}

	return &Client{
		baseURL:   strings.TrimRight(baseURL, "/"),
		appKey:    appKey,
		appSecret: appSecret,
		tokens:    tokens,
		client:    client,
	}
}

func (c *Client) Fetch(ctx context.Context, key entity.SubscriptionKey) (entity.Record, error) {
	switch key.Kind {
	case entity.StreamKindExecution:
		return c.FetchExecution(ctx, key.Symbol)
	case entity.StreamKindOrderBook:
		return c.FetchOrderBook(ctx, key.Symbol)
	default:
		return nil, fmt.Errorf("unsupported stream kind %q", key.Kind)
	}
}

type envelope struct {
	RtCd    string         `json:"rt_cd"`
	MsgCd   string         `json:"msg_cd"`
	Msg1    string         `json:"msg1"`
	Output  map[string]any `json:"output"`
	Output1 map[string]any `json:"output1"`
	Output2 map[string]any `json:"output2"`
}

// FetchExecution returns the current price snapshot. Change and change rate
// are recomputed from the base price.
func (c *Client) FetchExecution(ctx context.Context, symbol string) (*entity.ExecutionRecord, error) {
	resp, err := c.get(ctx, inquirePricePath, trIDInquirePrice, symbol)
	if err != nil {
		return nil, err
	}

	out := fields(resp.Output)
	if out.str("stck_prpr") == "" {
		return nil, fmt.Errorf("%w: empty price output for %s", ErrQuotationFailed, symbol)
	}

	price := out.decimal("stck_prpr")
	basePrice := out.decimal("stck_sdpr")
	change := out.decimal("prdy_vrss")
	rate := out.decimal("prdy_ctrt")
	if basePrice.IsPositive() {
		change = price.Sub(basePrice)
		rate = change.Div(basePrice).Mul(decimal.NewFromInt(100)).Round(2)
	}

	return &entity.ExecutionRecord{
		Symbol:           symbol,
		Time:             time.Now().Format("150405"),
		LastPrice:        price.InexactFloat64(),
		ChangeSign:       entity.ChangeSignFromCode(out.str("prdy_vrss_sign")),
		Change:           change.InexactFloat64(),
		ChangeRate:       rate.InexactFloat64(),
		OpenPrice:        out.float("stck_oprc"),
		HighPrice:        out.float("stck_hgpr"),
		LowPrice:         out.float("stck_lwpr"),
		WeightedAvgPrice: out.float("wghn_avrg_stck_prc"),
		CumulativeVolume: out.int("acml_vol"),
		CumulativeAmount: out.float("acml_tr_pbmn"),
	}, nil
}

func (c *Client) FetchOrderBook(ctx context.Context, symbol string) (*entity.OrderBookRecord, error) {
	resp, err := c.get(ctx, inquireAskingPricePath, trIDInquireAskingPrice, symbol)
	if err != nil {
		return nil, err
	}

	book := fields(resp.Output1)
	if book.str("askp1") == "" && book.str("bidp1") == "" {
		return nil, fmt.Errorf("%w: empty order book output for %s", ErrQuotationFailed, symbol)
	}
	expected := fields(resp.Output2)

	record := &entity.OrderBookRecord{
		Symbol:         symbol,
		Time:           book.str("aspr_acpt_hour"),
		TotalAskSize:   book.int("total_askp_rsqn"),
		TotalBidSize:   book.int("total_bidp_rsqn"),
		ExpectedPrice:  expected.float("antc_cnpr"),
		ExpectedVolume: expected.int("antc_cnqn"),
	}
	for i := 0; i < entity.OrderBookDepth; i++ {
		level := strconv.Itoa(i + 1)
		record.Asks[i] = entity.PriceLevel{Price: book.float("askp" + level), Size: book.int("askp_rsqn" + level)}
		record.Bids[i] = entity.PriceLevel{Price: book.float("bidp" + level), Size: book.int("bidp_rsqn" + level)}
	}
	record.ComputeSpread()

	return record, nil
}

func (c *Client) get(ctx context.Context, path, trID, symbol string) (*envelope, error) {
	if strings.TrimSpace(symbol) == "" {
		return nil, entity.ErrInvalidSymbol
	}

	cred, err := c.tokens.GetCredential(ctx)
	if err != nil {
		return nil, err
	}

	query := url.Values{}
	query.Set("fid_cond_mrkt_div_code", marketDivisionStock)
	query.Set("fid_input_iscd", symbol)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path+"?"+query.Encode(), nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json; charset=utf-8")
	req.Header.Set("authorization", "Bearer "+cred.Token)
	req.Header.Set("appkey", c.appKey)
	req.Header.Set("appsecret", c.appSecret)
	req.Header.Set("tr_id", trID)
	req.Header.Set("custtype", "P")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrQuotationFailed, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		return nil, fmt.Errorf("%w: read body: %v", ErrQuotationFailed, err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: http %d", ErrQuotationFailed, resp.StatusCode)
	}

	var out envelope
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("%w: decode body: %v", ErrQuotationFailed, err)
	}
	if out.RtCd != "0" {
		return nil, fmt.Errorf("%w: rt_cd=%s %s %s", ErrQuotationFailed, out.RtCd, out.MsgCd, out.Msg1)
	}

	return &out, nil
}

type fields map[string]any

func (f fields) str(name string) string {
	switch v := f[name].(type) {
	case string:
		return strings.TrimSpace(v)
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case nil:
		return ""
	default:
		return fmt.Sprint(v)
	}
}

func (f fields) float(name string) float64 {
	return codec.ParseFloat(f.str(name))
}

func (f fields) int(name string) int64 {
	return codec.ParseInt(f.str(name))
}

func (f fields) decimal(name string) decimal.Decimal {
	d, err := decimal.NewFromString(f.str(name))
	if err != nil {
		return decimal.Zero
	}
	return d
}
