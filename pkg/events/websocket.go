package events

import (
	"fmt"
	"io"
	"sync"

	"github.com/gorilla/websocket"
)

// WebsocketSink streams events as JSON frames to a remote collector.
// Write failures are reported once to the diagnostic writer and then
// swallowed; a dead collector never affects the run.
type WebsocketSink struct {
	mu     sync.Mutex
	conn   *websocket.Conn
	errw   io.Writer
	broken bool
}

// NewWebsocketSink dials the collector at url (ws:// or wss://).
func NewWebsocketSink(url string, errw io.Writer) (*WebsocketSink, error) {
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to connect event collector %s: %w", url, err)
	}
	if errw == nil {
		errw = io.Discard
	}
	return &WebsocketSink{conn: conn, errw: errw}, nil
}

// Emit sends the event as one JSON frame.
func (s *WebsocketSink) Emit(ev Event) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.broken {
		return
	}
	if err := s.conn.WriteJSON(ev); err != nil {
		s.broken = true
		fmt.Fprintf(s.errw, "warning: event collector disconnected: %v\n", err)
	}
}

// Close closes the underlying connection.
func (s *WebsocketSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn.Close()
}
