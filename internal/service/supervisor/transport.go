package supervisor

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/krobus00/kis-gateway/internal/entity"
	"github.com/sirupsen/logrus"
)

// Conn is one streaming session. Implementations must allow WriteMessage and
// WritePing to be called concurrently with ReadMessage.
type Conn interface {
	ReadMessage() ([]byte, error)
	WriteMessage(data []byte) error
	WritePing() error
	Close() error
}

type Dialer interface {
	Dial(ctx context.Context, url, approvalKey string) (Conn, error)
}

const defaultWriteTimeout = 5 * time.Second

// WebsocketDialer opens sessions with gorilla/websocket.
type WebsocketDialer struct {
	dialer       *websocket.Dialer
	writeTimeout time.Duration
}

func NewWebsocketDialer(handshakeTimeout, writeTimeout time.Duration) *WebsocketDialer {
	if writeTimeout <= 0 {
		writeTimeout = defaultWriteTimeout
	}

	dialer := *websocket.DefaultDialer
	if handshakeTimeout > 0 {
		dialer.HandshakeTimeout = handshakeTimeout
	}

	return &WebsocketDialer{dialer: &dialer, writeTimeout: writeTimeout}
}

func (d *WebsocketDialer) Dial(ctx context.Context, url, approvalKey string) (Conn, error) {
	header := http.Header{}
	header.Set("approval_key", approvalKey)

	c, resp, err := d.dialer.DialContext(ctx, url, header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial %s: http %d: %w", url, resp.StatusCode, err)
		}
		return nil, fmt.Errorf("dial %s: %w", url, err)
	}

	c.SetPongHandler(func(string) error {
		logrus.Debug("pong")
		return nil
	})

	return &websocketConn{conn: c, writeTimeout: d.writeTimeout}, nil
}

type websocketConn struct {
	conn         *websocket.Conn
	writeTimeout time.Duration
	writeMu      sync.Mutex
	closeOnce    sync.Once
	closeErr     error
}

func (c *websocketConn) ReadMessage() ([]byte, error) {
	_, data, err := c.conn.ReadMessage()
	if err != nil {
		if websocket.IsCloseError(err, websocket.CloseNormalClosure) {
			return nil, fmt.Errorf("%w: %v", entity.ErrNormalClosure, err)
		}
		return nil, err
	}

	return data, nil
}

func (c *websocketConn) WriteMessage(data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	_ = c.conn.SetWriteDeadline(time.Now().Add(c.writeTimeout))
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

func (c *websocketConn) WritePing() error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	return c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(c.writeTimeout))
}

// Close sends a normal closure frame and closes the socket.
func (c *websocketConn) Close() error {
	c.closeOnce.Do(func() {
		c.writeMu.Lock()
		_ = c.conn.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(c.writeTimeout),
		)
		c.writeMu.Unlock()
		c.closeErr = c.conn.Close()
	})

	return c.closeErr
}
