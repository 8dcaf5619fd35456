// ABOUTME: WebSocket transport backed by github.com/coder/websocket
// ABOUTME: Maps websocket close statuses onto CloseError for the shard state machine

package transport

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"

	"github.com/coder/websocket"
)

// Gateway payloads (GUILD_CREATE for large guilds in particular) exceed the
// library's 32KiB default read limit.
const defaultReadLimit = 64 << 20

// WebSocketDialer dials gateway URLs over WebSocket.
type WebSocketDialer struct {
	HTTPClient *http.Client
	Header     http.Header
	// Version and Encoding are appended as ?v=&encoding= when the URL has no query.
	Version   int
	Encoding  string
	ReadLimit int64
}

// Dial connects to rawURL.
func (d *WebSocketDialer) Dial(ctx context.Context, rawURL string) (Conn, error) {
	target, err := d.gatewayURL(rawURL)
	if err != nil {
		return nil, err
	}

	conn, _, err := websocket.Dial(ctx, target, &websocket.DialOptions{
		HTTPClient: d.HTTPClient,
		HTTPHeader: d.Header,
	})
	if err != nil {
		return nil, fmt.Errorf("dial websocket: %w", err)
	}

	limit := d.ReadLimit
	if limit == 0 {
		limit = defaultReadLimit
	}
	conn.SetReadLimit(limit)

	return &wsConn{conn: conn}, nil
}

func (d *WebSocketDialer) gatewayURL(rawURL string) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", fmt.Errorf("parsing gateway url: %w", err)
	}
	switch u.Scheme {
	case "ws", "wss":
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("unsupported gateway url scheme %q", u.Scheme)
	}

	if u.RawQuery == "" && (d.Version > 0 || d.Encoding != "") {
		q := url.Values{}
		if d.Version > 0 {
			q.Set("v", fmt.Sprint(d.Version))
		}
		if d.Encoding != "" {
			q.Set("encoding", d.Encoding)
		}
		u.RawQuery = q.Encode()
	}
	return u.String(), nil
}

type wsConn struct {
	conn *websocket.Conn
}

func (c *wsConn) Read(ctx context.Context) (MessageType, []byte, error) {
	typ, data, err := c.conn.Read(ctx)
	if err != nil {
		return 0, nil, mapError(err)
	}
	if typ == websocket.MessageBinary {
		return MessageBinary, data, nil
	}
	return MessageText, data, nil
}

func (c *wsConn) Write(ctx context.Context, typ MessageType, data []byte) error {
	wsType := websocket.MessageText
	if typ == MessageBinary {
		wsType = websocket.MessageBinary
	}
	if err := c.conn.Write(ctx, wsType, data); err != nil {
		return mapError(err)
	}
	return nil
}

func (c *wsConn) Close(code int, reason string) error {
	return c.conn.Close(websocket.StatusCode(code), reason)
}

func (c *wsConn) CloseNow() error {
	return c.conn.CloseNow()
}

// mapError turns a websocket close into a CloseError. Context cancellation
// and other network failures pass through wrapped.
func mapError(err error) error {
	var ce websocket.CloseError
	if errors.As(err, &ce) {
		return &CloseError{Code: int(ce.Code), Reason: ce.Reason}
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return fmt.Errorf("websocket: %w", err)
}
