package transport

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPipe_OrderedDelivery(t *testing.T) {
	ctx := context.Background()
	a, b := Pipe()

	for _, msg := range []string{"one", "two", "three"} {
		require.NoError(t, a.Write(ctx, MessageText, []byte(msg)))
	}

	for _, want := range []string{"one", "two", "three"} {
		typ, data, err := b.Read(ctx)
		require.NoError(t, err)
		assert.Equal(t, MessageText, typ)
		assert.Equal(t, want, string(data))
	}
}

func TestPipe_CloseDeliversCodeToPeer(t *testing.T) {
	ctx := context.Background()
	a, b := Pipe()

	require.NoError(t, a.Write(ctx, MessageBinary, []byte("last")))
	require.NoError(t, a.Close(4000, "reconnect"))

	// queued message first, then the close
	_, data, err := b.Read(ctx)
	require.NoError(t, err)
	assert.Equal(t, "last", string(data))

	_, _, err = b.Read(ctx)
	var ce *CloseError
	require.True(t, errors.As(err, &ce))
	assert.Equal(t, 4000, ce.Code)
	assert.Equal(t, "reconnect", ce.Reason)
	assert.Equal(t, 4000, CloseCode(err))

	_, _, err = a.Read(ctx)
	assert.ErrorIs(t, err, ErrClosed)
	assert.ErrorIs(t, a.Close(1000, ""), ErrClosed)
	assert.Equal(t, 4000, b.CloseCode())
}

func TestPipe_ReadHonorsContext(t *testing.T) {
	_, b := Pipe()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	_, _, err := b.Read(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestMemoryDialer(t *testing.T) {
	ctx := context.Background()
	d := NewMemoryDialer(4)

	conn, err := d.Dial(ctx, "ws://gateway.test")
	require.NoError(t, err)

	acc, err := d.Accept(ctx)
	require.NoError(t, err)
	assert.Equal(t, "ws://gateway.test", acc.URL)

	require.NoError(t, acc.Conn.Write(ctx, MessageText, []byte("hello")))
	_, data, err := conn.Read(ctx)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(data))

	boom := errors.New("boom")
	d.FailWith(boom)
	_, err = d.Dial(ctx, "ws://gateway.test")
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 2, d.Dials())
}

func TestWebSocketDialer_RoundTripAndCloseCode(t *testing.T) {
	queries := make(chan string, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		queries <- r.URL.RawQuery
		c, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		ctx := r.Context()
		typ, data, err := c.Read(ctx)
		if err != nil {
			return
		}
		_ = c.Write(ctx, typ, data)
		_ = c.Close(websocket.StatusCode(4009), "session timed out")
	}))
	defer srv.Close()

	d := &WebSocketDialer{Version: 10, Encoding: "json"}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, err := d.Dial(ctx, srv.URL)
	require.NoError(t, err)
	defer conn.CloseNow()

	assert.Equal(t, "encoding=json&v=10", <-queries)

	require.NoError(t, conn.Write(ctx, MessageText, []byte(`{"op":1}`)))
	typ, data, err := conn.Read(ctx)
	require.NoError(t, err)
	assert.Equal(t, MessageText, typ)
	assert.Equal(t, `{"op":1}`, string(data))

	_, _, err = conn.Read(ctx)
	assert.Equal(t, 4009, CloseCode(err))
}

func TestWebSocketDialer_RejectsScheme(t *testing.T) {
	d := &WebSocketDialer{}
	_, err := d.Dial(context.Background(), "ftp://gateway.test")
	require.Error(t, err)
	assert.True(t, strings.Contains(err.Error(), "unsupported gateway url scheme"))
}
