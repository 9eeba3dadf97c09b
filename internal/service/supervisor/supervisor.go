package supervisor

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/krobus00/kis-gateway/internal/entity"
	"github.com/krobus00/kis-gateway/internal/metrics"
	"github.com/krobus00/kis-gateway/internal/service/codec"
	"github.com/sirupsen/logrus"
	"github.com/sourcegraph/conc"
	"golang.org/x/time/rate"
)

const (
	defaultHeartbeatInterval = 30 * time.Second
	defaultReconnectMinDelay = 5 * time.Second
	defaultReconnectMaxDelay = 60 * time.Second
	defaultDialTimeout       = 10 * time.Second
	defaultControlRate       = 5
	defaultControlBurst      = 10
)

type CredentialSource interface {
	GetCredential(ctx context.Context) (entity.Credential, error)
	ForceRefresh(ctx context.Context) (entity.Credential, error)
}

// SubscriptionSource lists the keys to replay after every (re)connect.
type SubscriptionSource interface {
	Snapshot() []entity.SubscriptionKey
}

type FrameHandler func(ctx context.Context, raw []byte)

// AlertHook is called every time MaxReconnectAttempts consecutive attempts
// have failed. Retrying continues regardless.
type AlertHook func(failures int, lastErr error)

type Config struct {
	URL                  string
	HeartbeatInterval    time.Duration
	ReconnectMinDelay    time.Duration
	ReconnectMaxDelay    time.Duration
	DialTimeout          time.Duration
	MaxReconnectAttempts int
	ControlRate          float64
	ControlBurst         int
}

func (c *Config) applyDefaults() {
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = defaultHeartbeatInterval
	}
	if c.ReconnectMinDelay <= 0 {
		c.ReconnectMinDelay = defaultReconnectMinDelay
	}
	if c.ReconnectMaxDelay < c.ReconnectMinDelay {
		c.ReconnectMaxDelay = defaultReconnectMaxDelay
		if c.ReconnectMaxDelay < c.ReconnectMinDelay {
			c.ReconnectMaxDelay = c.ReconnectMinDelay
		}
	}
	if c.DialTimeout <= 0 {
		c.DialTimeout = defaultDialTimeout
	}
	if c.ControlRate <= 0 {
		c.ControlRate = defaultControlRate
	}
	if c.ControlBurst <= 0 {
		c.ControlBurst = defaultControlBurst
	}
}

// Supervisor owns the single streaming connection. All connect and
// reconnect transitions happen on one loop goroutine.
type Supervisor struct {
	cfg     Config
	dialer  Dialer
	creds   CredentialSource
	subs    SubscriptionSource
	handler FrameHandler
	metrics *metrics.GatewayMetrics
	limiter *rate.Limiter
	alert   AlertHook

	mu          sync.Mutex
	state       entity.ConnectionState
	stateCh     chan struct{}
	conn        Conn
	approvalKey string
	sent        map[entity.SubscriptionKey]struct{}
	running     bool
	cancelLoop  context.CancelFunc
	loopDone    chan struct{}
	reauth      bool
}

func NewSupervisor(cfg Config, dialer Dialer, creds CredentialSource, subs SubscriptionSource, handler FrameHandler, m *metrics.GatewayMetrics) *Supervisor {
	cfg.applyDefaults()

	s := &Supervisor{
		cfg:     cfg,
		dialer:  dialer,
		creds:   creds,
		subs:    subs,
		handler: handler,
		metrics: m,
		limiter: rate.NewLimiter(rate.Limit(cfg.ControlRate), cfg.ControlBurst),
		state:   entity.ConnectionStateDisconnected,
		stateCh: make(chan struct{}),
	}
	s.alert = s.logAlert

	return s
}

func (s *Supervisor) SetAlertHook(hook AlertHook) {
	if hook == nil {
		hook = s.logAlert
	}
	s.mu.Lock()
	s.alert = hook
	s.mu.Unlock()
}

// Connect starts the connection loop if it is not already running. It does
// not wait for the connection to open; use WaitOpen for that.
func (s *Supervisor) Connect() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	s.running = true
	s.cancelLoop = cancel
	s.loopDone = make(chan struct{})

	go s.loop(ctx, s.loopDone)
}

// Disconnect stops the loop, closes the transport and leaves the supervisor
// Disconnected. A later Connect starts over.
func (s *Supervisor) Disconnect(ctx context.Context) error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	cancel := s.cancelLoop
	done := s.loopDone
	s.mu.Unlock()

	s.setState(entity.ConnectionStateClosing)
	cancel()

	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}

	s.setState(entity.ConnectionStateDisconnected)
	return nil
}

// Reauthenticate is called when the venue rejected the approval key. The
// stale connection is closed and the next cycle forces a credential refresh.
func (s *Supervisor) Reauthenticate() {
	s.mu.Lock()
	s.reauth = true
	conn := s.conn
	s.mu.Unlock()

	logrus.Warn("approval key rejected, reconnecting with a fresh credential")
	if conn != nil {
		_ = conn.Close()
	}
}

func (s *Supervisor) State() entity.ConnectionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Supervisor) IsConnected() bool {
	return s.State() == entity.ConnectionStateOpen
}

// WaitOpen blocks until the connection is Open, timeout elapses or ctx is done.
func (s *Supervisor) WaitOpen(ctx context.Context, timeout time.Duration) error {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	for {
		s.mu.Lock()
		state := s.state
		changed := s.stateCh
		s.mu.Unlock()

		if state == entity.ConnectionStateOpen {
			return nil
		}

		select {
		case <-changed:
		case <-timer.C:
			return &entity.TimeoutError{Op: "wait for streaming connection", After: timeout}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Subscribe sends the register frame for key on the current session unless
// it was already sent there. Without a session it is a no-op; the key is
// replayed from the subscription source on the next connect.
func (s *Supervisor) Subscribe(ctx context.Context, key entity.SubscriptionKey) error {
	s.mu.Lock()
	conn, approvalKey := s.conn, s.approvalKey
	if conn == nil {
		s.mu.Unlock()
		return nil
	}
	if _, ok := s.sent[key]; ok {
		s.mu.Unlock()
		return nil
	}
	s.sent[key] = struct{}{}
	s.mu.Unlock()

	payload, err := codec.SubscribeFrame(approvalKey, key)
	if err != nil {
		return err
	}

	return s.sendControl(ctx, conn, payload)
}

// Unsubscribe sends the deregister frame for key if a session is open.
func (s *Supervisor) Unsubscribe(ctx context.Context, key entity.SubscriptionKey) error {
	s.mu.Lock()
	conn, approvalKey := s.conn, s.approvalKey
	if conn == nil {
		s.mu.Unlock()
		return nil
	}
	delete(s.sent, key)
	s.mu.Unlock()

	payload, err := codec.UnsubscribeFrame(approvalKey, key)
	if err != nil {
		return err
	}

	return s.sendControl(ctx, conn, payload)
}

func (s *Supervisor) sendControl(ctx context.Context, conn Conn, payload []byte) error {
	if err := s.limiter.Wait(ctx); err != nil {
		return err
	}

	if err := conn.WriteMessage(payload); err != nil {
		return &entity.ConnectionError{Op: "write control frame", Err: err}
	}

	return nil
}

func (s *Supervisor) loop(ctx context.Context, done chan struct{}) {
	defer close(done)
	defer s.markStopped()

	retry := backoff.NewExponentialBackOff()
	retry.InitialInterval = s.cfg.ReconnectMinDelay
	retry.MaxInterval = s.cfg.ReconnectMaxDelay

	failures := 0
	for {
		if ctx.Err() != nil {
			return
		}

		opened, err := s.runSession(ctx)
		if opened {
			retry.Reset()
			failures = 0
		}

		if ctx.Err() != nil {
			return
		}

		// a close that follows an approval rejection still needs the fresh credential
		if errors.Is(err, entity.ErrNormalClosure) && !s.takeReauth() {
			logrus.Info("streaming connection closed normally by the venue")
			return
		}

		if !opened {
			failures++
			s.metrics.ObserveReconnect("error")
			if s.cfg.MaxReconnectAttempts > 0 && failures%s.cfg.MaxReconnectAttempts == 0 {
				s.metrics.ObserveReconnectAlert()
				s.alertHook()(failures, err)
			}
		}

		if s.takeReauth() && opened {
			continue
		}

		delay := retry.NextBackOff()
		if delay == backoff.Stop {
			delay = s.cfg.ReconnectMaxDelay
		}

		logrus.WithFields(logrus.Fields{
			"attempt":  failures,
			"retry_in": delay.String(),
		}).Warnf("streaming connection lost: %v", err)

		if !sleepContext(ctx, delay) {
			return
		}
	}
}

// runSession performs one connect cycle and blocks until that session ends.
func (s *Supervisor) runSession(ctx context.Context) (bool, error) {
	s.setState(entity.ConnectionStateConnecting)

	cred, err := s.credential(ctx)
	if err != nil {
		s.setState(entity.ConnectionStateDisconnected)
		return false, err
	}

	dialCtx, cancelDial := context.WithTimeout(ctx, s.cfg.DialTimeout)
	conn, err := s.dialer.Dial(dialCtx, s.cfg.URL, cred.Token)
	cancelDial()
	if err != nil {
		s.setState(entity.ConnectionStateDisconnected)
		return false, &entity.ConnectionError{Op: "dial", Err: err}
	}

	sessionCtx, cancelSession := context.WithCancel(ctx)
	defer cancelSession()

	s.mu.Lock()
	s.conn = conn
	s.approvalKey = cred.Token
	s.sent = make(map[entity.SubscriptionKey]struct{})
	s.mu.Unlock()

	if err := s.replay(sessionCtx); err != nil {
		cancelSession()
		_ = conn.Close()
		s.clearSession()
		s.setState(entity.ConnectionStateDisconnected)
		return false, &entity.ConnectionError{Op: "replay subscriptions", Err: err}
	}
	s.setState(entity.ConnectionStateOpen)
	s.metrics.ObserveReconnect("ok")
	logrus.WithField("url", s.cfg.URL).Info("streaming connection open")

	errCh := make(chan error, 2)
	var wg conc.WaitGroup
	wg.Go(func() { errCh <- s.readLoop(sessionCtx, conn) })
	wg.Go(func() { errCh <- s.heartbeatLoop(sessionCtx, conn) })

	err = <-errCh
	cancelSession()
	_ = conn.Close()
	wg.Wait()

	s.clearSession()
	s.setState(entity.ConnectionStateDisconnected)

	return true, err
}

func (s *Supervisor) credential(ctx context.Context) (entity.Credential, error) {
	s.mu.Lock()
	force := s.reauth
	s.reauth = false
	s.mu.Unlock()

	if force {
		return s.creds.ForceRefresh(ctx)
	}
	return s.creds.GetCredential(ctx)
}

func (s *Supervisor) takeReauth() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reauth
}

func (s *Supervisor) clearSession() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.conn = nil
	s.approvalKey = ""
	s.sent = nil
}

// replay must send every key before the session is reported Open.
func (s *Supervisor) replay(ctx context.Context) error {
	keys := s.subs.Snapshot()
	for _, key := range keys {
		if err := s.Subscribe(ctx, key); err != nil {
			logrus.WithField("key", key.String()).Warnf("replay subscription failed: %v", err)
			return err
		}
	}

	if len(keys) > 0 {
		logrus.WithField("subscriptions", len(keys)).Info("subscriptions replayed")
	}
	return nil
}

func (s *Supervisor) readLoop(ctx context.Context, conn Conn) error {
	for {
		data, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return err
		}

		s.handler(ctx, data)
	}
}

// heartbeatLoop only ends with ctx; a failed ping is logged and the read
// loop stays the authority on disconnects.
func (s *Supervisor) heartbeatLoop(ctx context.Context, conn Conn) error {
	ticker := time.NewTicker(s.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := conn.WritePing(); err != nil {
				logrus.Warnf("heartbeat ping failed: %v", err)
			}
		}
	}
}

func (s *Supervisor) setState(next entity.ConnectionState) {
	s.mu.Lock()
	prev := s.state
	if prev == next || (prev == entity.ConnectionStateClosing && next != entity.ConnectionStateDisconnected) {
		s.mu.Unlock()
		return
	}
	s.state = next
	close(s.stateCh)
	s.stateCh = make(chan struct{})
	s.mu.Unlock()

	s.metrics.SetConnectionState(next)
	logrus.WithFields(logrus.Fields{
		"from": prev.String(),
		"to":   next.String(),
	}).Debug("connection state changed")
}

func (s *Supervisor) markStopped() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.running = false
	s.cancelLoop = nil
}

func (s *Supervisor) alertHook() AlertHook {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.alert
}

func (s *Supervisor) logAlert(failures int, lastErr error) {
	logrus.WithFields(logrus.Fields{
		"failures":  failures,
		"threshold": s.cfg.MaxReconnectAttempts,
	}).Errorf("streaming connection keeps failing, still retrying: %v", lastErr)
}

func sleepContext(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
