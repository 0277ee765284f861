package mq

import (
	"context"
	"fmt"
	"net"
	"time"

	"nhooyr.io/websocket"
)

// dialWebSocket establishes the connection for ws:// and wss:// server
// URIs using nhooyr.io/websocket, negotiating the "mqtt" subprotocol,
// as a built-in transport so callers don't need to hand-write a
// WithDialer just to get a WebSocket connection.
func dialWebSocket(ctx context.Context, rawURL string, timeout time.Duration) (net.Conn, error) {
	dctx := ctx
	var cancel context.CancelFunc
	if timeout > 0 {
		dctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	c, _, err := websocket.Dial(dctx, rawURL, &websocket.DialOptions{
		Subprotocols: []string{"mqtt"},
	})
	if err != nil {
		return nil, fmt.Errorf("websocket dial %q: %w", rawURL, err)
	}

	return websocket.NetConn(context.Background(), c, websocket.MessageBinary), nil
}
