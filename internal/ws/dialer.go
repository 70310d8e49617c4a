package ws

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"tabchat/internal/models"

	"github.com/gorilla/websocket"
)

const (
	HeaderUserID   = "X-User-Id"
	HeaderUsername = "X-Username"
)

// Dialer opens a transport authenticated as the given session.
type Dialer interface {
	Dial(ctx context.Context, session models.Session) (*Connection, error)
}

type WebsocketDialer struct {
	url       string
	queueSize int
	dialer    *websocket.Dialer
}

func NewDialer(url string, handshakeTimeout time.Duration) *WebsocketDialer {
	return &WebsocketDialer{
		url:       url,
		queueSize: DefaultQueue,
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: handshakeTimeout,
		},
	}
}

// Dial performs the websocket handshake carrying the session identity in
// request headers.
func (d *WebsocketDialer) Dial(ctx context.Context, session models.Session) (*Connection, error) {
	header := http.Header{}
	header.Set(HeaderUserID, session.UserID)
	header.Set(HeaderUsername, session.Username)

	conn, resp, err := d.dialer.DialContext(ctx, d.url, header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("websocket handshake failed (status %d): %w", resp.StatusCode, err)
		}
		return nil, fmt.Errorf("websocket handshake failed: %w", err)
	}

	return NewConnection(conn, d.queueSize), nil
}
