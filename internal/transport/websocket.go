package transport

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/vyrodovalexey/mcpgw/internal/observability"
)

// WebSocketSubprotocol is requested when dialing MCP servers.
const WebSocketSubprotocol = "mcp"

// WebSocketConn exchanges one message per text frame.
type WebSocketConn struct {
	conn   *websocket.Conn
	logger observability.Logger

	writeMu sync.Mutex
	frames  chan []byte
	readErr error
	done    chan struct{}
	stop    chan struct{}

	closeOnce sync.Once
	closeErr  error
}

// DialWebSocket connects to the target URL.
func DialWebSocket(
	ctx context.Context,
	target Target,
	handshakeTimeout time.Duration,
	logger observability.Logger,
) (*WebSocketConn, error) {
	if logger == nil {
		logger = observability.NopLogger()
	}

	dialer := websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: handshakeTimeout,
		Subprotocols:     []string{WebSocketSubprotocol},
	}

	header := http.Header{}
	for name, value := range target.Headers {
		header.Set(name, value)
	}

	conn, resp, err := dialer.DialContext(ctx, target.URL, header)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("websocket dial %s: status %d: %w", target.ID, resp.StatusCode, err)
		}
		return nil, fmt.Errorf("websocket dial %s: %w", target.ID, err)
	}

	c := &WebSocketConn{
		conn:   conn,
		logger: logger,
		frames: make(chan []byte, 16),
		done:   make(chan struct{}),
		stop:   make(chan struct{}),
	}
	go c.readLoop()

	logger.Debug("websocket upstream connected", observability.String("url", target.URL))
	return c, nil
}

func (c *WebSocketConn) readLoop() {
	defer close(c.done)

	for {
		msgType, data, err := c.conn.ReadMessage()
		if err != nil {
			c.readErr = err
			return
		}
		if msgType != websocket.TextMessage && msgType != websocket.BinaryMessage {
			continue
		}
		select {
		case c.frames <- data:
		case <-c.stop:
			c.readErr = websocket.ErrCloseSent
			return
		}
	}
}

// Send implements Conn.
func (c *WebSocketConn) Send(ctx context.Context, msg []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	deadline, _ := ctx.Deadline()
	if err := c.conn.SetWriteDeadline(deadline); err != nil {
		return err
	}
	if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
		return fmt.Errorf("write to websocket upstream: %w", err)
	}
	return nil
}

// Receive implements Conn.
func (c *WebSocketConn) Receive(ctx context.Context) ([]byte, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case data := <-c.frames:
		return data, nil
	case <-c.done:
		select {
		case data := <-c.frames:
			return data, nil
		default:
		}
		if websocket.IsCloseError(c.readErr, websocket.CloseNormalClosure, websocket.CloseGoingAway) ||
			errors.Is(c.readErr, websocket.ErrCloseSent) {
			return nil, ErrClosed
		}
		return nil, c.readErr
	}
}

// Close sends a close frame and closes the connection.
func (c *WebSocketConn) Close() error {
	c.closeOnce.Do(func() {
		close(c.stop)
		c.writeMu.Lock()
		_ = c.conn.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second),
		)
		c.writeMu.Unlock()
		c.closeErr = c.conn.Close()
	})
	return c.closeErr
}
