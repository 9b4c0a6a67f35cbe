package services

import (
	"context"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// WebSocketDialer opens iostat feeds from a websocket endpoint such as
// ws://host:8080/api/ws/iostat. The pool is passed as the "pool" query param.
type WebSocketDialer struct {
	BaseURL          string
	HandshakeTimeout time.Duration
}

// NewWebSocketDialer returns a dialer for baseURL
func NewWebSocketDialer(baseURL string) *WebSocketDialer {
	return &WebSocketDialer{BaseURL: baseURL, HandshakeTimeout: 10 * time.Second}
}

// Dial performs the websocket handshake for resource
func (d *WebSocketDialer) Dial(ctx context.Context, resource string) (Stream, error) {
	u, err := url.Parse(d.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("invalid feed url %q: %w", d.BaseURL, err)
	}
	q := u.Query()
	q.Set("pool", resource)
	u.RawQuery = q.Encode()

	dialer := websocket.Dialer{
		HandshakeTimeout: d.HandshakeTimeout,
		ReadBufferSize:   1024,
		WriteBufferSize:  1024,
	}
	conn, resp, err := dialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("handshake rejected (%s): %w", resp.Status, err)
		}
		return nil, err
	}

	ws := &wsStream{conn: conn, closed: make(chan struct{})}
	go ws.watch(ctx)
	return ws, nil
}

type wsStream struct {
	conn      *websocket.Conn
	closed    chan struct{}
	closeOnce sync.Once
}

// watch closes the connection when the owning feed is cancelled so a
// blocked ReadMessage returns immediately.
func (s *wsStream) watch(ctx context.Context) {
	select {
	case <-ctx.Done():
		s.Close()
	case <-s.closed:
	}
}

func (s *wsStream) Next(ctx context.Context) ([]byte, error) {
	deadline, _ := ctx.Deadline()
	if err := s.conn.SetReadDeadline(deadline); err != nil {
		return nil, err
	}

	_, data, err := s.conn.ReadMessage()
	if err != nil {
		if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
			return nil, fmt.Errorf("%w: %v", ErrFeedClosed, err)
		}
		return nil, err
	}
	return data, nil
}

func (s *wsStream) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.closed)
		err = s.conn.Close()
	})
	return err
}
