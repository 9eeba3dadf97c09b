package gateway

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/krobus00/kis-gateway/internal/entity"
	"github.com/krobus00/kis-gateway/internal/metrics"
	"github.com/krobus00/kis-gateway/internal/service/codec"
	"github.com/krobus00/kis-gateway/internal/service/quotecache"
	"github.com/krobus00/kis-gateway/internal/service/registry"
	"github.com/krobus00/kis-gateway/internal/service/supervisor"
	"github.com/sirupsen/logrus"
)

const (
	defaultConnectTimeout  = 3 * time.Second
	defaultFirstTickWait   = 500 * time.Millisecond
	defaultFallbackTimeout = 2 * time.Second

	// the venue accepts 41 registrations per session
	defaultSubscriptionLimit = 40

	cacheWarmerID = "gateway.cache-warmer"
)

// Fallback answers point-in-time queries when nothing is cached.
type Fallback interface {
	Fetch(ctx context.Context, key entity.SubscriptionKey) (entity.Record, error)
}

type Config struct {
	ConnectTimeout       time.Duration
	FirstTickWait        time.Duration
	FallbackTimeout      time.Duration
	ClearCacheOnShutdown bool
	// SubscriptionLimit bounds the keys GetLatest may add on its own.
	SubscriptionLimit    int
}

func (c *Config) applyDefaults() {
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = defaultConnectTimeout
	}
	if c.FirstTickWait <= 0 {
		c.FirstTickWait = defaultFirstTickWait
	}
	if c.FallbackTimeout <= 0 {
		c.FallbackTimeout = defaultFallbackTimeout
	}
	if c.SubscriptionLimit <= 0 {
		c.SubscriptionLimit = defaultSubscriptionLimit
	}
}

// Gateway is the consumer-facing entry point. It owns the registry, the
// cache and the supervisor, and routes every inbound frame.
type Gateway struct {
	cfg        Config
	decoder    *codec.Decoder
	registry   *registry.SubscriptionRegistry
	cache      *quotecache.QuoteCache
	supervisor *supervisor.Supervisor
	fallback   Fallback
	metrics    *metrics.GatewayMetrics

	sinksMu sync.RWMutex
	sinks   []*asyncSink

	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once
}

// NewGateway wires the streaming pieces together. fallback may be nil, in
// which case GetLatest never leaves the cache path.
func NewGateway(cfg Config, streamCfg supervisor.Config, dialer supervisor.Dialer, creds supervisor.CredentialSource, decoder *codec.Decoder, fallback Fallback, m *metrics.GatewayMetrics) *Gateway {
	cfg.applyDefaults()
	ctx, cancel := context.WithCancel(context.Background())

	g := &Gateway{
		cfg:      cfg,
		decoder:  decoder,
		registry: registry.NewSubscriptionRegistry(m),
		cache:    quotecache.NewQuoteCache(m),
		fallback: fallback,
		metrics:  m,
		ctx:      ctx,
		cancel:   cancel,
	}
	g.supervisor = supervisor.NewSupervisor(streamCfg, dialer, creds, g.registry, g.HandleFrame, m)

	return g
}

// AddSink attaches an asynchronous consumer of every decoded record.
func (g *Gateway) AddSink(sink RecordSink, buffer int) {
	g.sinksMu.Lock()
	defer g.sinksMu.Unlock()
	g.sinks = append(g.sinks, newAsyncSink(sink, buffer, g.metrics))
}

func (g *Gateway) SetAlertHook(hook supervisor.AlertHook) {
	g.supervisor.SetAlertHook(hook)
}

// Connect starts the supervisor without waiting for the session.
func (g *Gateway) Connect() error {
	if g.closed() {
		return entity.ErrGatewayClosed
	}
	g.supervisor.Connect()
	return nil
}

// Subscribe registers sub for key. The connection is started on demand and
// a bounded wait for it to open is applied before registering.
func (g *Gateway) Subscribe(ctx context.Context, key entity.SubscriptionKey, sub registry.Subscriber) error {
	if err := key.Validate(); err != nil {
		return err
	}
	if g.closed() {
		return entity.ErrGatewayClosed
	}

	ctx, done := g.scope(ctx)
	defer done()

	g.supervisor.Connect()
	if err := g.supervisor.WaitOpen(ctx, g.cfg.ConnectTimeout); err != nil {
		if g.closed() {
			return entity.ErrGatewayClosed
		}
		return err
	}

	added, err := g.registry.Subscribe(key, sub)
	if err != nil {
		return err
	}
	if added {
		logrus.WithFields(logrus.Fields{
			"key":        key.String(),
			"subscriber": sub.ID,
		}).Info("subscribed")
	}

	if err := g.supervisor.Subscribe(ctx, key); err != nil {
		logrus.WithError(err).WithField("key", key.String()).Warn("send subscribe frame failed, will retry on reconnect")
	}

	return nil
}

// Register adds sub for key without waiting for the connection. The key is
// sent with the next (re)connect replay when no session is open yet.
func (g *Gateway) Register(ctx context.Context, key entity.SubscriptionKey, sub registry.Subscriber) error {
	if err := key.Validate(); err != nil {
		return err
	}
	if g.closed() {
		return entity.ErrGatewayClosed
	}

	if _, err := g.registry.Subscribe(key, sub); err != nil {
		return err
	}
	if err := g.supervisor.Subscribe(ctx, key); err != nil {
		logrus.WithError(err).WithField("key", key.String()).Warn("send subscribe frame failed, will retry on reconnect")
	}
	g.supervisor.Connect()

	return nil
}

// Unsubscribe drops every subscriber of key and its cached value. Sending
// the deregister frame is best effort.
func (g *Gateway) Unsubscribe(ctx context.Context, key entity.SubscriptionKey) error {
	if err := key.Validate(); err != nil {
		return err
	}

	removed := g.registry.Unsubscribe(key)
	g.cache.Delete(key)

	if err := g.supervisor.Unsubscribe(ctx, key); err != nil {
		logrus.WithError(err).WithField("key", key.String()).Warn("send unsubscribe frame failed")
	}

	logrus.WithFields(logrus.Fields{
		"key":     key.String(),
		"removed": removed,
	}).Info("unsubscribed")

	return nil
}

// UnsubscribeAll removes every key and returns how many were removed.
func (g *Gateway) UnsubscribeAll(ctx context.Context) int {
	keys := g.registry.UnsubscribeAll()
	for _, key := range keys {
		g.cache.Delete(key)
		if err := g.supervisor.Unsubscribe(ctx, key); err != nil {
			logrus.WithError(err).WithField("key", key.String()).Warn("send unsubscribe frame failed")
		}
	}

	return len(keys)
}

// GetLatest returns the freshest value it can find for key: the cache, then
// the first streamed tick after subscribing, then a REST point query.
func (g *Gateway) GetLatest(ctx context.Context, key entity.SubscriptionKey) (entity.Record, entity.Source, error) {
	if err := key.Validate(); err != nil {
		return nil, entity.SourceUnavailable, err
	}
	if g.closed() {
		return nil, entity.SourceUnavailable, entity.ErrGatewayClosed
	}

	if entry, ok := g.cache.Get(key); ok {
		g.metrics.ObserveLatestLookup(entity.SourceCache)
		return entry.Record, entity.SourceCache, nil
	}

	if record, ok := g.warmCache(ctx, key); ok {
		g.metrics.ObserveLatestLookup(entity.SourceCache)
		return record, entity.SourceCache, nil
	}
	if g.closed() {
		return nil, entity.SourceUnavailable, entity.ErrGatewayClosed
	}

	if g.fallback != nil {
		fetchCtx, cancel := context.WithTimeout(ctx, g.cfg.FallbackTimeout)
		record, err := g.fallback.Fetch(fetchCtx, key)
		cancel()
		if err == nil && record != nil {
			g.metrics.ObserveLatestLookup(entity.SourceRestFallback)
			return record, entity.SourceRestFallback, nil
		}
		logrus.WithError(err).WithField("key", key.String()).Warn("rest fallback failed")
	}

	g.metrics.ObserveLatestLookup(entity.SourceUnavailable)
	return nil, entity.SourceUnavailable, nil
}

func (g *Gateway) warmCache(ctx context.Context, key entity.SubscriptionKey) (entity.Record, bool) {
	if !g.registry.Has(key) && g.registry.Count() >= g.cfg.SubscriptionLimit {
		logrus.WithFields(logrus.Fields{
			"key":   key.String(),
			"limit": g.cfg.SubscriptionLimit,
		}).Warn("subscription limit reached, skipping cache warm")
		return nil, false
	}

	ch, stop := g.cache.Watch(key)
	defer stop()

	err := g.Subscribe(ctx, key, registry.Subscriber{
		ID:     cacheWarmerID,
		Handle: func(context.Context, entity.Record) error { return nil },
	})
	if err != nil {
		logrus.WithError(err).WithField("key", key.String()).Warn("cache warm subscribe failed")
		return nil, false
	}

	if entry, ok := g.cache.Get(key); ok {
		return entry.Record, true
	}

	timer := time.NewTimer(g.cfg.FirstTickWait)
	defer timer.Stop()

	select {
	case entry := <-ch:
		return entry.Record, true
	case <-timer.C:
	case <-ctx.Done():
	case <-g.ctx.Done():
	}

	return nil, false
}

func (g *Gateway) IsConnected() bool {
	return g.supervisor.IsConnected()
}

func (g *Gateway) State() entity.ConnectionState {
	return g.supervisor.State()
}

// SubscriberCount is the number of subscribed keys.
func (g *Gateway) SubscriberCount() int {
	return g.registry.Count()
}

func (g *Gateway) TotalSubscribers() int {
	return g.registry.TotalSubscribers()
}

func (g *Gateway) Subscriptions() []entity.SubscriptionKey {
	return g.registry.Snapshot()
}

// HasSessionKey reports whether the venue handed out a payload key for the
// current session.
func (g *Gateway) HasSessionKey() bool {
	return g.decoder.HasSessionKey()
}

func (g *Gateway) CachedCount() int {
	return g.cache.Count()
}

// HandleFrame routes one raw inbound frame. It runs on the read loop, so
// nothing in here may block on consumers.
func (g *Gateway) HandleFrame(ctx context.Context, raw []byte) {
	frame, err := g.decoder.Decode(string(raw))
	if err != nil {
		g.metrics.ObserveFrame("unknown", "decode_error")
		logrus.WithError(err).Warn("drop undecodable frame")
		return
	}

	if frame.Kind == codec.FrameKindControl {
		g.handleControl(frame.Control)
		return
	}

	receivedAt := time.Now()
	for _, record := range frame.Records {
		key := record.Key()
		g.cache.Put(key, record)
		g.registry.Dispatch(ctx, key, record)
		g.publish(entity.MarketRecordEvent{
			Kind:       key.Kind,
			Symbol:     key.Symbol,
			Encrypted:  frame.Encrypted,
			Record:     record,
			ReceivedAt: receivedAt,
		})
	}
	g.metrics.ObserveFrame("data", "ok")
}

func (g *Gateway) handleControl(msg *codec.ControlMessage) {
	switch {
	case msg.IsPingPong():
		g.metrics.ObserveFrame("pingpong", "ignored")
		return
	case msg.IsApprovalInvalid():
		g.metrics.ObserveFrame("control", "approval_invalid")
		logrus.WithField("msg", msg.Body.Msg1).Warn("approval key rejected, re-authenticating")
		g.decoder.ResetSessionKey()
		g.supervisor.Reauthenticate()
		return
	case msg.IsError():
		g.metrics.ObserveFrame("control", "error")
		logrus.WithFields(logrus.Fields{
			"tr_id":  msg.Header.TrID,
			"tr_key": msg.Header.TrKey,
			"msg_cd": msg.Body.MsgCd,
			"msg":    msg.Body.Msg1,
		}).Warn("control frame reported an error")
		return
	}

	if key, ok := msg.SessionCipher(); ok {
		g.decoder.SetSessionKey(key)
	}
	g.metrics.ObserveFrame("control", "ok")
	logrus.WithFields(logrus.Fields{
		"tr_id":  msg.Header.TrID,
		"tr_key": msg.Header.TrKey,
		"msg":    msg.Body.Msg1,
	}).Debug("control frame")
}

func (g *Gateway) publish(event entity.MarketRecordEvent) {
	g.sinksMu.RLock()
	defer g.sinksMu.RUnlock()

	for _, sink := range g.sinks {
		sink.enqueue(event)
	}
}

// Shutdown closes the gateway. Pending waits return ErrGatewayClosed.
func (g *Gateway) Shutdown(ctx context.Context) error {
	var err error
	g.closeOnce.Do(func() {
		g.cancel()

		removed := g.UnsubscribeAll(ctx)
		if disconnectErr := g.supervisor.Disconnect(ctx); disconnectErr != nil && !errors.Is(disconnectErr, context.Canceled) {
			err = disconnectErr
		}

		g.sinksMu.Lock()
		sinks := g.sinks
		g.sinks = nil
		g.sinksMu.Unlock()
		for _, sink := range sinks {
			sink.close()
		}

		if g.cfg.ClearCacheOnShutdown {
			g.cache.Clear()
		}

		logrus.WithField("unsubscribed", removed).Info("gateway shut down")
	})

	return err
}

func (g *Gateway) closed() bool {
	return g.ctx.Err() != nil
}

// scope derives a context that is also cancelled when the gateway closes.
func (g *Gateway) scope(ctx context.Context) (context.Context, func()) {
	ctx, cancel := context.WithCancel(ctx)
	stop := context.AfterFunc(g.ctx, cancel)

	return ctx, func() {
		stop()
		cancel()
	}
}
