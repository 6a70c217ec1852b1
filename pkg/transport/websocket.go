// Package transport carries protocol events over a WebSocket connection, one
// JSON text frame per event.
package transport

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sync"

	"github.com/coder/websocket"
	"github.com/lokutor-ai/lokutor-live/pkg/orchestrator"
	"github.com/lokutor-ai/lokutor-live/pkg/protocol"
)

const DefaultReadLimit = 10 * 1024 * 1024

// WebSocketDialer opens a WebSocketStream. It never retries.
type WebSocketDialer struct {
	URL       string
	APIKey    string
	Header    http.Header
	ReadLimit int64

	HTTPClient *http.Client
}

func NewWebSocketDialer(rawURL, apiKey string) *WebSocketDialer {
	return &WebSocketDialer{
		URL:       rawURL,
		APIKey:    apiKey,
		ReadLimit: DefaultReadLimit,
	}
}

func (d *WebSocketDialer) Dial(ctx context.Context) (orchestrator.Stream, error) {
	u, err := url.Parse(d.URL)
	if err != nil {
		return nil, fmt.Errorf("invalid stream url: %w", err)
	}
	switch u.Scheme {
	case "ws", "wss", "http", "https":
	default:
		return nil, fmt.Errorf("unsupported stream url scheme %q", u.Scheme)
	}

	header := d.Header.Clone()
	if header == nil {
		header = http.Header{}
	}
	if d.APIKey != "" {
		header.Set("Authorization", "Bearer "+d.APIKey)
	}

	conn, resp, err := websocket.Dial(ctx, u.String(), &websocket.DialOptions{
		HTTPHeader: header,
		HTTPClient: d.HTTPClient,
	})
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("failed to connect to %s (status %d): %w", u.Host, resp.StatusCode, err)
		}
		return nil, fmt.Errorf("failed to connect to %s: %w", u.Host, err)
	}

	limit := d.ReadLimit
	if limit <= 0 {
		limit = DefaultReadLimit
	}
	conn.SetReadLimit(limit)

	return &WebSocketStream{conn: conn}, nil
}

// WebSocketStream is an orchestrator.Stream over one WebSocket connection.
type WebSocketStream struct {
	conn *websocket.Conn

	closeOnce sync.Once
	closeErr  error
}

// NewWebSocketStream wraps an established connection.
func NewWebSocketStream(conn *websocket.Conn) *WebSocketStream {
	return &WebSocketStream{conn: conn}
}

func (s *WebSocketStream) Send(ctx context.Context, ev protocol.Event) error {
	data, err := protocol.Encode(ev)
	if err != nil {
		return err
	}
	if err := s.conn.Write(ctx, websocket.MessageText, data); err != nil {
		return fmt.Errorf("failed to write %s: %w", ev.Kind(), err)
	}
	return nil
}

func (s *WebSocketStream) Receive(ctx context.Context) (protocol.Event, error) {
	typ, data, err := s.conn.Read(ctx)
	if err != nil {
		return protocol.Event{}, err
	}
	if typ != websocket.MessageText {
		return protocol.Event{}, fmt.Errorf("%w: unexpected %s frame", protocol.ErrMalformedEvent, typ)
	}
	return protocol.Decode(data)
}

// Close performs the closing handshake. Calling it again returns the first
// result.
func (s *WebSocketStream) Close() error {
	s.closeOnce.Do(func() {
		err := s.conn.Close(websocket.StatusNormalClosure, "session closed")
		var ce websocket.CloseError
		if err != nil && !errors.As(err, &ce) {
			s.closeErr = err
		}
	})
	return s.closeErr
}
