package http

import (
	"context"
	"crypto/subtle"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/krobus00/kis-gateway/internal/config"
	"github.com/krobus00/kis-gateway/internal/entity"
	"github.com/krobus00/kis-gateway/internal/service/registry"
	"github.com/sourcegraph/conc/iter"
)

const (
	httpSubscriberID  = "http-api"
	maxBatchSymbols   = 50
	batchLookupWorker = 8
	maxRequestBody    = 64 << 10
)

var (
	errAPIKeyMissing  = errors.New("api key is required")
	errAPIKeyInvalid  = errors.New("invalid api key")
	errAPIKeyInactive = errors.New("api key is inactive")
	errAPIKeyExpired  = errors.New("api key is expired")
)

// GatewayService is the part of the gateway the HTTP API needs.
type GatewayService interface {
	Subscribe(ctx context.Context, key entity.SubscriptionKey, sub registry.Subscriber) error
	Unsubscribe(ctx context.Context, key entity.SubscriptionKey) error
	UnsubscribeAll(ctx context.Context) int
	GetLatest(ctx context.Context, key entity.SubscriptionKey) (entity.Record, entity.Source, error)
	IsConnected() bool
	State() entity.ConnectionState
	SubscriberCount() int
	TotalSubscribers() int
	CachedCount() int
	HasSessionKey() bool
	Subscriptions() []entity.SubscriptionKey
}

type CredentialStatusProvider interface {
	Status() entity.CredentialStatus
}

type SubscriptionResponse struct {
	Symbol     string            `json:"symbol"`
	Kind       entity.StreamKind `json:"kind"`
	Subscribed bool              `json:"subscribed"`
}

type QuoteResponse struct {
	Symbol string             `json:"symbol"`
	Kind   entity.StreamKind  `json:"kind"`
	Status entity.QuoteStatus `json:"status"`
	Source string             `json:"source"`
	Data   entity.Record      `json:"data"`
	Error  string             `json:"error,omitempty"`
}

type BatchQuoteRequest struct {
	Symbols []string `json:"symbols"`
	Kind    string   `json:"kind"`
}

type BatchQuoteResponse struct {
	Quotes []QuoteResponse `json:"quotes"`
}

type StatusResponse struct {
	Connected     bool                     `json:"connected"`
	State         string                   `json:"state"`
	Subscriptions []string                 `json:"subscriptions"`
	Keys          int                      `json:"keys"`
	Subscribers   int                      `json:"subscribers"`
	CachedQuotes  int                      `json:"cached_quotes"`
	SessionKey    bool                     `json:"session_key"`
	Credential    *entity.CredentialStatus `json:"credential,omitempty"`
}

type Handler struct {
	gateway     GatewayService
	credentials CredentialStatusProvider
	noop        registry.Subscriber
}

// NewRealtimeHTTPHandler builds the consumer API. credentials may be nil.
func NewRealtimeHTTPHandler(gateway GatewayService, credentials CredentialStatusProvider) *Handler {
	return &Handler{
		gateway:     gateway,
		credentials: credentials,
		noop: registry.Subscriber{
			ID:     httpSubscriberID,
			Handle: func(context.Context, entity.Record) error { return nil },
		},
	}
}

func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("POST /realtime/v1/subscriptions/{symbol}", h.Subscribe)
	mux.HandleFunc("DELETE /realtime/v1/subscriptions/{symbol}", h.Unsubscribe)
	mux.HandleFunc("GET /realtime/v1/subscriptions", h.ListSubscriptions)
	mux.HandleFunc("POST /realtime/v1/unsubscribe-all", h.UnsubscribeAll)
	mux.HandleFunc("GET /realtime/v1/quotes/{symbol}", h.GetQuote)
	mux.HandleFunc("POST /realtime/v1/quotes", h.GetQuotes)
	mux.HandleFunc("GET /realtime/v1/status", h.Status)
}

func (h *Handler) Subscribe(w http.ResponseWriter, r *http.Request) {
	if err := validateAPIKey(r.Header.Get("X-API-Key")); err != nil {
		writeJSON(w, http.StatusUnauthorized, map[string]any{"error": err.Error()})
		return
	}

	key, err := subscriptionKeyFromRequest(r)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": err.Error()})
		return
	}

	if err := h.gateway.Subscribe(r.Context(), key, h.noop); err != nil {
		writeGatewayError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, SubscriptionResponse{Symbol: key.Symbol, Kind: key.Kind, Subscribed: true})
}

func (h *Handler) Unsubscribe(w http.ResponseWriter, r *http.Request) {
	if err := validateAPIKey(r.Header.Get("X-API-Key")); err != nil {
		writeJSON(w, http.StatusUnauthorized, map[string]any{"error": err.Error()})
		return
	}

	key, err := subscriptionKeyFromRequest(r)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": err.Error()})
		return
	}

	if err := h.gateway.Unsubscribe(r.Context(), key); err != nil {
		writeGatewayError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, SubscriptionResponse{Symbol: key.Symbol, Kind: key.Kind, Subscribed: false})
}

func (h *Handler) ListSubscriptions(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"subscriptions": h.gateway.Subscriptions()})
}

func (h *Handler) UnsubscribeAll(w http.ResponseWriter, r *http.Request) {
	if err := validateAPIKey(r.Header.Get("X-API-Key")); err != nil {
		writeJSON(w, http.StatusUnauthorized, map[string]any{"error": err.Error()})
		return
	}

	removed := h.gateway.UnsubscribeAll(r.Context())
	writeJSON(w, http.StatusOK, map[string]any{"unsubscribed": removed})
}

// GetQuote always answers 200 for a well-formed request; a missing quote is
// reported through the status field.
func (h *Handler) GetQuote(w http.ResponseWriter, r *http.Request) {
	key, err := subscriptionKeyFromRequest(r)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": err.Error()})
		return
	}

	quote, err := h.lookup(r.Context(), key)
	if errors.Is(err, entity.ErrGatewayClosed) {
		writeJSON(w, http.StatusServiceUnavailable, quote)
		return
	}

	writeJSON(w, http.StatusOK, quote)
}

func (h *Handler) GetQuotes(w http.ResponseWriter, r *http.Request) {
	defer r.Body.Close()

	var req BatchQuoteRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBody)).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "invalid json body"})
		return
	}

	kind, err := entity.ParseStreamKind(req.Kind)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": err.Error()})
		return
	}
	if len(req.Symbols) == 0 {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "symbols is required"})
		return
	}
	if len(req.Symbols) > maxBatchSymbols {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "too many symbols"})
		return
	}

	mapper := iter.Mapper[string, QuoteResponse]{MaxGoroutines: batchLookupWorker}
	quotes := mapper.Map(req.Symbols, func(symbol *string) QuoteResponse {
		quote, _ := h.lookup(r.Context(), entity.NewSubscriptionKey(*symbol, kind))
		return quote
	})

	writeJSON(w, http.StatusOK, BatchQuoteResponse{Quotes: quotes})
}

func (h *Handler) Status(w http.ResponseWriter, r *http.Request) {
	keys := h.gateway.Subscriptions()
	subscriptions := make([]string, 0, len(keys))
	for _, key := range keys {
		subscriptions = append(subscriptions, key.String())
	}

	resp := StatusResponse{
		Connected:     h.gateway.IsConnected(),
		State:         h.gateway.State().String(),
		Subscriptions: subscriptions,
		Keys:          h.gateway.SubscriberCount(),
		Subscribers:   h.gateway.TotalSubscribers(),
		CachedQuotes:  h.gateway.CachedCount(),
		SessionKey:    h.gateway.HasSessionKey(),
	}
	if h.credentials != nil {
		status := h.credentials.Status()
		resp.Credential = &status
	}

	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) lookup(ctx context.Context, key entity.SubscriptionKey) (QuoteResponse, error) {
	quote := QuoteResponse{Symbol: key.Symbol, Kind: key.Kind}

	record, source, err := h.gateway.GetLatest(ctx, key)
	quote.Status = source.QuoteStatus()
	quote.Source = source.String()
	quote.Data = record
	if err != nil {
		quote.Error = err.Error()
	}

	return quote, err
}

func subscriptionKeyFromRequest(r *http.Request) (entity.SubscriptionKey, error) {
	kind, err := entity.ParseStreamKind(r.URL.Query().Get("kind"))
	if err != nil {
		return entity.SubscriptionKey{}, err
	}

	key := entity.NewSubscriptionKey(r.PathValue("symbol"), kind)
	if err := key.Validate(); err != nil {
		return entity.SubscriptionKey{}, err
	}

	return key, nil
}

func writeGatewayError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, entity.ErrInvalidSymbol):
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": err.Error()})
	case errors.Is(err, entity.ErrTimeout):
		writeJSON(w, http.StatusGatewayTimeout, map[string]any{"error": err.Error()})
	case errors.Is(err, entity.ErrGatewayClosed):
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{"error": err.Error()})
	default:
		writeJSON(w, http.StatusBadGateway, map[string]any{"error": err.Error()})
	}
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}

func validateAPIKey(rawAPIKey string) error {
	apiKey := strings.TrimSpace(rawAPIKey)
	if apiKey == "" {
		return errAPIKeyMissing
	}

	if config.Env == nil || len(config.Env.APIKeys) == 0 {
		return errAPIKeyInvalid
	}

	now := time.Now().UTC()
	for _, candidate := range config.Env.APIKeys {
		storedKey := strings.TrimSpace(candidate.Key)
		if storedKey == "" {
			continue
		}

		if subtle.ConstantTimeCompare([]byte(apiKey), []byte(storedKey)) != 1 {
			continue
		}

		if !candidate.Active {
			return errAPIKeyInactive
		}

		expiredAt, hasExpiry, err := parseExpiry(candidate.ExpiredAt)
		if err != nil {
			return errAPIKeyInvalid
		}
		if hasExpiry && !now.Before(expiredAt) {
			return errAPIKeyExpired
		}

		return nil
	}

	return errAPIKeyInvalid
}

func parseExpiry(value any) (time.Time, bool, error) {
	switch v := value.(type) {
	case nil:
		return time.Time{}, false, nil
	case time.Time:
		return v.UTC(), !v.IsZero(), nil
	case string:
		raw := strings.TrimSpace(v)
		if raw == "" {
			return time.Time{}, false, nil
		}

		if parsed, err := time.Parse(time.RFC3339, raw); err == nil {
			return parsed.UTC(), true, nil
		}

		parsed, err := time.Parse(time.DateOnly, raw)
		if err != nil {
			return time.Time{}, false, err
		}

		return parsed.UTC().Add(24 * time.Hour), true, nil
	default:
		return time.Time{}, false, errors.New("unsupported expiry type")
	}
}
