package supervisor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/krobus00/kis-gateway/internal/entity"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeConn struct {
	inbound   chan []byte
	closed    chan struct{}
	closeOnce sync.Once

	mu       sync.Mutex
	readErr  error
	writeErr error
	writes   [][]byte
	pings   atomic.Int64
}

func newFakeConn() *fakeConn {
	return &fakeConn{inbound: make(chan []byte, 16), closed: make(chan struct{})}
}

func (c *fakeConn) ReadMessage() ([]byte, error) {
	select {
	case data := <-c.inbound:
		return data, nil
	case <-c.closed:
		c.mu.Lock()
		defer c.mu.Unlock()
		if c.readErr != nil {
			return nil, c.readErr
		}
		return nil, errors.New("use of closed network connection")
	}
}

func (c *fakeConn) WriteMessage(data []byte) error {
	select {
	case <-c.closed:
		return errors.New("write on closed connection")
	default:
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.writeErr != nil {
		return c.writeErr
	}
	c.writes = append(c.writes, data)
	return nil
}

func (c *fakeConn) WritePing() error {
	c.pings.Add(1)
	return nil
}

func (c *fakeConn) Close() error {
	c.closeOnce.Do(func() { close(c.closed) })
	return nil
}

func (c *fakeConn) drop(err error) {
	c.mu.Lock()
	c.readErr = err
	c.mu.Unlock()
	_ = c.Close()
}

// closeWith makes the next read after Close report err.
func (c *fakeConn) closeWith(err error) {
	c.mu.Lock()
	c.readErr = err
	c.mu.Unlock()
}

func (c *fakeConn) isClosed() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}

type sentFrame struct {
	TrType string
	TrID   string
	TrKey  string
	Key    string
}

func (c *fakeConn) frames(t *testing.T) []sentFrame {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]sentFrame, 0, len(c.writes))
	for _, raw := range c.writes {
		var msg struct {
			Header struct {
				ApprovalKey string `json:"approval_key"`
				TrType      string `json:"tr_type"`
			} `json:"header"`
			Body struct {
				Input struct {
					TrID  string `json:"tr_id"`
					TrKey string `json:"tr_key"`
				} `json:"input"`
			} `json:"body"`
		}
		require.NoError(t, json.Unmarshal(raw, &msg))
		out = append(out, sentFrame{
			TrType: msg.Header.TrType,
			TrID:   msg.Body.Input.TrID,
			TrKey:  msg.Body.Input.TrKey,
			Key:    msg.Header.ApprovalKey,
		})
	}
	return out
}

func (c *fakeConn) subscribeCounts(t *testing.T) map[string]int {
	counts := make(map[string]int)
	for _, f := range c.frames(t) {
		if f.TrType == "1" {
			counts[f.TrID+":"+f.TrKey]++
		}
	}
	return counts
}

type fakeDialer struct {
	mu             sync.Mutex
	failNext       int
	failWritesNext int
	tokens         []string
	dials          atomic.Int64
	conns          chan *fakeConn
}

func newFakeDialer() *fakeDialer {
	return &fakeDialer{conns: make(chan *fakeConn, 32)}
}

func (d *fakeDialer) Dial(ctx context.Context, url, approvalKey string) (Conn, error) {
	d.dials.Add(1)

	d.mu.Lock()
	d.tokens = append(d.tokens, approvalKey)
	if d.failNext > 0 {
		d.failNext--
		d.mu.Unlock()
		return nil, errors.New("connection refused")
	}
	c := newFakeConn()
	if d.failWritesNext > 0 {
		d.failWritesNext--
		c.writeErr = errors.New("broken pipe")
	}
	d.mu.Unlock()

	d.conns <- c
	return c, nil
}

func (d *fakeDialer) lastToken() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.tokens[len(d.tokens)-1]
}

func (d *fakeDialer) next(t *testing.T) *fakeConn {
	t.Helper()
	select {
	case c := <-d.conns:
		return c
	case <-time.After(2 * time.Second):
		t.Fatal("no connection dialed")
		return nil
	}
}

type fakeCreds struct {
	gets     atomic.Int64
	forces   atomic.Int64
	failGets atomic.Int64
}

func (f *fakeCreds) GetCredential(ctx context.Context) (entity.Credential, error) {
	f.gets.Add(1)
	if f.failGets.Load() > 0 {
		f.failGets.Add(-1)
		return entity.Credential{}, &entity.CredentialError{Message: "upstream unavailable"}
	}
	return entity.Credential{Token: fmt.Sprintf("approval-%d", f.forces.Load())}, nil
}

func (f *fakeCreds) ForceRefresh(ctx context.Context) (entity.Credential, error) {
	n := f.forces.Add(1)
	return entity.Credential{Token: fmt.Sprintf("approval-%d", n)}, nil
}

type fakeSubs struct {
	mu   sync.Mutex
	keys []entity.SubscriptionKey
}

func (f *fakeSubs) Snapshot() []entity.SubscriptionKey {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]entity.SubscriptionKey(nil), f.keys...)
}

func testConfig() Config {
	return Config{
		URL:               "ws://venue.test",
		HeartbeatInterval: time.Hour,
		ReconnectMinDelay: 5 * time.Millisecond,
		ReconnectMaxDelay: 20 * time.Millisecond,
		DialTimeout:       time.Second,
		ControlRate:       1000,
		ControlBurst:      100,
	}
}

func newTestSupervisor(t *testing.T, cfg Config, keys ...entity.SubscriptionKey) (*Supervisor, *fakeDialer, *fakeCreds) {
	t.Helper()

	dialer := newFakeDialer()
	creds := &fakeCreds{}
	s := NewSupervisor(cfg, dialer, creds, &fakeSubs{keys: keys}, func(context.Context, []byte) {}, nil)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = s.Disconnect(ctx)
	})

	return s, dialer, creds
}

var (
	samsungExec = entity.NewSubscriptionKey("005930", entity.StreamKindExecution)
	samsungBook = entity.NewSubscriptionKey("005930", entity.StreamKindOrderBook)
	hynixExec   = entity.NewSubscriptionKey("000660", entity.StreamKindExecution)
)

func TestConnectReplaysRegisteredKeys(t *testing.T) {
	s, dialer, _ := newTestSupervisor(t, testConfig(), samsungExec, samsungBook, hynixExec)

	s.Connect()
	s.Connect()
	require.NoError(t, s.WaitOpen(context.Background(), 2*time.Second))

	conn := dialer.next(t)
	assert.Equal(t, map[string]int{
		"H0STCNT0:005930": 1,
		"H0STASP0:005930": 1,
		"H0STCNT0:000660": 1,
	}, conn.subscribeCounts(t))
	assert.Equal(t, int64(1), dialer.dials.Load())
	assert.True(t, s.IsConnected())
}

func TestReconnectResubscribesExactlyOnce(t *testing.T) {
	s, dialer, _ := newTestSupervisor(t, testConfig(), samsungExec, hynixExec)

	s.Connect()
	require.NoError(t, s.WaitOpen(context.Background(), 2*time.Second))
	first := dialer.next(t)

	first.drop(errors.New("connection reset by peer"))

	second := dialer.next(t)
	require.Eventually(t, func() bool { return len(second.subscribeCounts(t)) == 2 }, 2*time.Second, 5*time.Millisecond)
	require.NoError(t, s.WaitOpen(context.Background(), 2*time.Second))

	time.Sleep(20 * time.Millisecond)
	expected := map[string]int{"H0STCNT0:005930": 1, "H0STCNT0:000660": 1}
	assert.Equal(t, expected, first.subscribeCounts(t))
	assert.Equal(t, expected, second.subscribeCounts(t))
}

func TestSubscribeSendsOncePerSession(t *testing.T) {
	s, dialer, _ := newTestSupervisor(t, testConfig())

	s.Connect()
	require.NoError(t, s.WaitOpen(context.Background(), 2*time.Second))
	conn := dialer.next(t)

	require.NoError(t, s.Subscribe(context.Background(), samsungExec))
	require.NoError(t, s.Subscribe(context.Background(), samsungExec))
	require.NoError(t, s.Unsubscribe(context.Background(), samsungExec))
	require.NoError(t, s.Subscribe(context.Background(), samsungExec))

	frames := conn.frames(t)
	require.Len(t, frames, 3)
	assert.Equal(t, sentFrame{TrType: "1", TrID: "H0STCNT0", TrKey: "005930", Key: "approval-0"}, frames[0])
	assert.Equal(t, "2", frames[1].TrType)
	assert.Equal(t, "1", frames[2].TrType)
}

func TestSubscribeWithoutSessionIsNoop(t *testing.T) {
	s, dialer, _ := newTestSupervisor(t, testConfig())

	require.NoError(t, s.Subscribe(context.Background(), samsungExec))
	require.NoError(t, s.Unsubscribe(context.Background(), samsungExec))
	assert.Zero(t, dialer.dials.Load())
	assert.Equal(t, entity.ConnectionStateDisconnected, s.State())
}

func TestCredentialFailureIsRetried(t *testing.T) {
	s, dialer, creds := newTestSupervisor(t, testConfig())
	creds.failGets.Store(2)

	s.Connect()
	require.NoError(t, s.WaitOpen(context.Background(), 2*time.Second))
	assert.GreaterOrEqual(t, creds.gets.Load(), int64(3))
	assert.Equal(t, int64(1), dialer.dials.Load())
}

func TestReauthenticateForcesRefreshAndReconnects(t *testing.T) {
	s, dialer, creds := newTestSupervisor(t, testConfig(), samsungExec)

	s.Connect()
	require.NoError(t, s.WaitOpen(context.Background(), 2*time.Second))
	first := dialer.next(t)

	s.Reauthenticate()

	second := dialer.next(t)
	assert.True(t, first.isClosed())
	assert.Equal(t, int64(1), creds.forces.Load())
	assert.Equal(t, "approval-1", dialer.lastToken())
	require.Eventually(t, func() bool { return second.subscribeCounts(t)["H0STCNT0:005930"] == 1 }, 2*time.Second, 5*time.Millisecond)

	frames := second.frames(t)
	assert.Equal(t, "approval-1", frames[0].Key)
}

func TestNormalClosureStopsUntilNextConnect(t *testing.T) {
	s, dialer, _ := newTestSupervisor(t, testConfig())

	s.Connect()
	require.NoError(t, s.WaitOpen(context.Background(), 2*time.Second))
	conn := dialer.next(t)

	conn.drop(fmt.Errorf("%w: close 1000", entity.ErrNormalClosure))

	require.Eventually(t, func() bool {
		s.mu.Lock()
		defer s.mu.Unlock()
		return !s.running
	}, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, entity.ConnectionStateDisconnected, s.State())

	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, int64(1), dialer.dials.Load())

	s.Connect()
	require.NoError(t, s.WaitOpen(context.Background(), 2*time.Second))
	assert.Equal(t, int64(2), dialer.dials.Load())
}

func TestNormalClosureAfterApprovalRejectionReconnects(t *testing.T) {
	s, dialer, creds := newTestSupervisor(t, testConfig(), samsungExec)

	s.Connect()
	require.NoError(t, s.WaitOpen(context.Background(), 2*time.Second))
	first := dialer.next(t)

	first.closeWith(fmt.Errorf("%w: close 1000", entity.ErrNormalClosure))
	s.Reauthenticate()

	second := dialer.next(t)
	assert.True(t, first.isClosed())
	assert.Equal(t, int64(1), creds.forces.Load())
	assert.Equal(t, "approval-1", dialer.lastToken())
	require.NoError(t, s.WaitOpen(context.Background(), 2*time.Second))
	require.Eventually(t, func() bool { return second.subscribeCounts(t)["H0STCNT0:005930"] == 1 }, 2*time.Second, 5*time.Millisecond)
}

func TestFailedReplayDoesNotReportOpen(t *testing.T) {
	s, dialer, _ := newTestSupervisor(t, testConfig(), samsungExec, hynixExec)
	dialer.mu.Lock()
	dialer.failWritesNext = 1
	dialer.mu.Unlock()

	s.Connect()
	first := dialer.next(t)
	second := dialer.next(t)

	require.NoError(t, s.WaitOpen(context.Background(), 2*time.Second))
	assert.True(t, first.isClosed())
	assert.Empty(t, first.frames(t))
	assert.Equal(t, map[string]int{"H0STCNT0:005930": 1, "H0STCNT0:000660": 1}, second.subscribeCounts(t))
	assert.Equal(t, int64(2), dialer.dials.Load())
}

func TestDisconnectClosesTransport(t *testing.T) {
	s, dialer, _ := newTestSupervisor(t, testConfig())

	s.Connect()
	require.NoError(t, s.WaitOpen(context.Background(), 2*time.Second))
	conn := dialer.next(t)

	require.NoError(t, s.Disconnect(context.Background()))
	assert.Equal(t, entity.ConnectionStateDisconnected, s.State())
	assert.True(t, conn.isClosed())
	assert.False(t, s.IsConnected())

	err := s.WaitOpen(context.Background(), 20*time.Millisecond)
	assert.ErrorIs(t, err, entity.ErrTimeout)

	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, int64(1), dialer.dials.Load())
}

func TestAlertHookFiresButRetryContinues(t *testing.T) {
	cfg := testConfig()
	cfg.MaxReconnectAttempts = 2
	s, dialer, _ := newTestSupervisor(t, cfg)
	dialer.failNext = 4

	var mu sync.Mutex
	var alerts []int
	s.SetAlertHook(func(failures int, lastErr error) {
		mu.Lock()
		defer mu.Unlock()
		alerts = append(alerts, failures)
		assert.ErrorIs(t, lastErr, entity.ErrConnection)
	})

	s.Connect()
	require.NoError(t, s.WaitOpen(context.Background(), 3*time.Second))

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []int{2, 4}, alerts)
	assert.Equal(t, int64(5), dialer.dials.Load())
}

func TestHeartbeatSendsPings(t *testing.T) {
	cfg := testConfig()
	cfg.HeartbeatInterval = 5 * time.Millisecond
	s, dialer, _ := newTestSupervisor(t, cfg)

	s.Connect()
	require.NoError(t, s.WaitOpen(context.Background(), 2*time.Second))
	conn := dialer.next(t)

	require.Eventually(t, func() bool { return conn.pings.Load() >= 2 }, 2*time.Second, 5*time.Millisecond)
}

func TestInboundFramesReachHandler(t *testing.T) {
	dialer := newFakeDialer()
	received := make(chan string, 4)
	s := NewSupervisor(testConfig(), dialer, &fakeCreds{}, &fakeSubs{}, func(ctx context.Context, raw []byte) {
		received <- string(raw)
	}, nil)
	defer func() { _ = s.Disconnect(context.Background()) }()

	s.Connect()
	conn := dialer.next(t)
	conn.inbound <- []byte("0|H0STCNT0|001|005930^091530^73100^2^500^0.69")

	select {
	case raw := <-received:
		assert.Contains(t, raw, "005930")
	case <-time.After(2 * time.Second):
		t.Fatal("frame not delivered")
	}
}

func TestWaitOpenHonorsContext(t *testing.T) {
	s, _, _ := newTestSupervisor(t, testConfig())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := s.WaitOpen(ctx, time.Second)
	assert.ErrorIs(t, err, context.Canceled)
}
