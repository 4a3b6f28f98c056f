package conn

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/kvlar/examsync/internal/errs"
)

const (
	writeWait    = 10 * time.Second
	pongWait     = 60 * time.Second
	pingInterval = 30 * time.Second
	maxMsgSize   = 1 << 20
)

// Socket is one live push-channel connection.
type Socket interface {
	// ReadMessage blocks until the next message or a terminal error.
	ReadMessage() ([]byte, error)
	// WriteMessage sends one message.
	WriteMessage(data []byte) error
	// Close tears the connection down.
	Close() error
}

// Transport dials push-channel sockets.
type Transport interface {
	Dial(ctx context.Context, url, token string) (Socket, error)
}

// WebsocketTransport dials gorilla websockets with bearer authentication.
type WebsocketTransport struct {
	dialer *websocket.Dialer
}

// NewWebsocketTransport returns a Transport with sane handshake settings.
func NewWebsocketTransport() *WebsocketTransport {
	return &WebsocketTransport{
		dialer: &websocket.Dialer{
			HandshakeTimeout:  dialTimeout,
			EnableCompression: true,
		},
	}
}

// Dial connects and authenticates. An HTTP 401/403 during the handshake maps
// to ErrUnauthorized so the manager refreshes credentials instead of blindly
// retrying.
func (t *WebsocketTransport) Dial(ctx context.Context, url, token string) (Socket, error) {
	header := http.Header{}
	if token != "" {
		header.Set("Authorization", "Bearer "+token)
	}
	ws, resp, err := t.dialer.DialContext(ctx, url, header)
	if err != nil {
		if resp != nil {
			defer resp.Body.Close()
			if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
				return nil, fmt.Errorf("handshake status %d: %w", resp.StatusCode, errs.ErrUnauthorized)
			}
			return nil, fmt.Errorf("handshake status %d: %w", resp.StatusCode, err)
		}
		return nil, fmt.Errorf("websocket dial: %w", err)
	}
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}

	s := &wsSocket{ws: ws, done: make(chan struct{})}
	ws.SetReadLimit(maxMsgSize)
	_ = ws.SetReadDeadline(time.Now().Add(pongWait))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(pongWait))
	})
	go s.pingLoop()
	return s, nil
}

type wsSocket struct {
	ws        *websocket.Conn
	writeMu   sync.Mutex
	done      chan struct{}
	closeOnce sync.Once
}

func (s *wsSocket) ReadMessage() ([]byte, error) {
	_, data, err := s.ws.ReadMessage()
	if err != nil {
		if websocket.IsCloseError(err, websocket.ClosePolicyViolation) {
			return nil, fmt.Errorf("%v: %w", err, errs.ErrUnauthorized)
		}
		return nil, fmt.Errorf("%v: %w", err, errs.ErrDisconnected)
	}
	return data, nil
}

func (s *wsSocket) WriteMessage(data []byte) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_ = s.ws.SetWriteDeadline(time.Now().Add(writeWait))
	return s.ws.WriteMessage(websocket.TextMessage, data)
}

func (s *wsSocket) Close() error {
	s.closeOnce.Do(func() { close(s.done) })
	return s.ws.Close()
}

// pingLoop keeps the connection alive; the server answers with pongs that
// extend the read deadline.
func (s *wsSocket) pingLoop() {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.writeMu.Lock()
			_ = s.ws.SetWriteDeadline(time.Now().Add(writeWait))
			err := s.ws.WriteMessage(websocket.PingMessage, nil)
			s.writeMu.Unlock()
			if err != nil {
				return
			}
		case <-s.done:
			return
		}
	}
}
