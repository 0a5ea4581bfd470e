package stream

import (
	"context"
	"time"

	"github.com/gorilla/websocket"
)

// Conn is the minimal surface the manager needs from a socket. The
// production implementation wraps gorilla/websocket; tests inject fakes.
type Conn interface {
	ReadMessage() (messageType int, data []byte, err error)
	WriteMessage(messageType int, data []byte) error
	Close() error
}

// Dialer opens the underlying socket for a managed connection.
type Dialer interface {
	Dial(ctx context.Context, url string) (Conn, error)
}

// WSDialer dials with gorilla/websocket.
type WSDialer struct {
	HandshakeTimeout time.Duration
}

// Dial opens a websocket connection.
func (d *WSDialer) Dial(ctx context.Context, url string) (Conn, error) {
	dialer := websocket.Dialer{HandshakeTimeout: d.HandshakeTimeout}
	conn, _, err := dialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, err
	}
	return conn, nil
}
