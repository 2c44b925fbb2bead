package wsclient

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/sheerbytes/hfrelay/internal/logging"
	"github.com/sheerbytes/hfrelay/pkg/protocol"
)

const (
	writeTimeout = 30 * time.Second
	pingInterval = 30 * time.Second
)

// ErrClosed is returned by sends after Close.
var ErrClosed = errors.New("connection closed")

// Conn is the persistent connection to the receiving server. Frame writes
// are serialized; the caller sends one file at a time.
type Conn struct {
	conn      *websocket.Conn
	logger    *slog.Logger
	writeMu   sync.Mutex
	closed    chan struct{}
	closeOnce sync.Once
}

var dialer = websocket.Dialer{
	Proxy:            http.ProxyFromEnvironment,
	HandshakeTimeout: 10 * time.Second,
	WriteBufferSize:  64 * 1024,
}

// StreamURL turns the receiving server's base URL into the WebSocket URL of
// its stream endpoint. http maps to ws and https to wss; ws/wss URLs are kept.
// A path already present in serverURL is kept as is.
func StreamURL(serverURL string) (string, error) {
	u, err := url.Parse(serverURL)
	if err != nil {
		return "", err
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	if u.Host == "" {
		return "", fmt.Errorf("missing host in %q", serverURL)
	}
	if strings.Trim(u.Path, "/") == "" {
		u.Path = protocol.StreamPath
	}
	return u.String(), nil
}

// Dial establishes a WebSocket connection to the server.
// wsURL should be the full WebSocket URL including path.
func Dial(ctx context.Context, wsURL string, logger *slog.Logger) (*Conn, error) {
	u, err := url.Parse(wsURL)
	if err != nil {
		return nil, err
	}

	conn, resp, err := dialer.DialContext(ctx, u.String(), http.Header{})
	if err != nil {
		if resp != nil {
			body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
			_ = resp.Body.Close()
			if len(body) > 0 {
				return nil, fmt.Errorf("websocket upgrade failed (%d): %s", resp.StatusCode, string(body))
			}
			return nil, fmt.Errorf("websocket upgrade failed (%d)", resp.StatusCode)
		}
		return nil, err
	}

	return &Conn{
		conn:   conn,
		logger: logging.OrDiscard(logger),
		closed: make(chan struct{}),
	}, nil
}

// SendControl writes a JSON control message as a text frame.
func (c *Conn) SendControl(msg protocol.Control) error {
	return c.write(func() error { return c.conn.WriteJSON(msg) })
}

// SendData writes one chunk as a binary frame.
func (c *Conn) SendData(p []byte) error {
	return c.write(func() error { return c.conn.WriteMessage(websocket.BinaryMessage, p) })
}

func (c *Conn) write(fn func() error) error {
	select {
	case <-c.closed:
		return ErrClosed
	default:
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := fn(); err != nil {
		return fmt.Errorf("websocket write: %w", err)
	}
	return nil
}

// ReadLoop reads server status messages and calls onStatus for each text
// message. It also answers pings and sends keepalive pings. It returns when
// the connection is closed or ctx is done.
func (c *Conn) ReadLoop(ctx context.Context, onStatus func(string)) error {
	c.conn.SetPongHandler(func(string) error { return nil })

	go func() {
		ticker := time.NewTicker(pingInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-c.closed:
				return
			case <-ticker.C:
				c.writeMu.Lock()
				err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(10*time.Second))
				c.writeMu.Unlock()
				if err != nil {
					return
				}
			}
		}
	}()

	for {
		messageType, message, err := c.conn.ReadMessage()
		if err != nil {
			select {
			case <-c.closed:
				return nil
			default:
			}
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.logger.Warn("websocket read error", "error", err)
			}
			return err
		}
		if messageType != websocket.TextMessage {
			continue
		}
		if onStatus != nil {
			onStatus(string(message))
		}
	}
}

// Close sends a close frame and closes the connection. Safe to call twice.
func (c *Conn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.closed)
		c.writeMu.Lock()
		_ = c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		c.writeMu.Unlock()
		err = c.conn.Close()
	})
	return err
}
