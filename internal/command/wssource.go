// wssource.go implements the chat-relay command source: a WebSocket client
// speaking the relay's JSON frame protocol.
//
// The relay fans messages from an operator chat to the bot and carries
// replies back. The client auto-reconnects with exponential backoff
// (1s → 30s max) and re-announces itself on every reconnect. A read
// deadline detects silent relay failures within ~2 missed pings.
package command

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	wsPingInterval     = 50 * time.Second
	wsReadTimeout      = 90 * time.Second
	wsMaxReconnectWait = 30 * time.Second
	wsWriteTimeout     = 10 * time.Second
	wsFrameBuffer      = 64
)

// relayFrame is one message on the relay wire, both directions.
type relayFrame struct {
	Type   string `json:"type"` // "hello", "command", "reply", "ping"
	Bot    string `json:"bot,omitempty"`
	Sender string `json:"sender,omitempty"`
	Text   string `json:"text,omitempty"`
}

// WSSource is a Source backed by a chat-relay WebSocket.
type WSSource struct {
	url     string
	botName string

	conn   *websocket.Conn
	connMu sync.Mutex

	frames chan Frame
	logger *slog.Logger
}

// NewWSSource creates a relay client. botName identifies this bot instance
// to the relay so several bots can share one relay endpoint.
func NewWSSource(url, botName string, logger *slog.Logger) *WSSource {
	return &WSSource{
		url:     url,
		botName: botName,
		frames:  make(chan Frame, wsFrameBuffer),
		logger:  logger.With("component", "ws_commands"),
	}
}

// Frames implements Source.
func (s *WSSource) Frames() <-chan Frame { return s.frames }

// Reply implements Source. Replies are best-effort: a reply lost to a
// reconnect window is dropped, the operator can re-query.
func (s *WSSource) Reply(_ context.Context, sender, text string) error {
	return s.writeFrame(relayFrame{Type: "reply", Bot: s.botName, Sender: sender, Text: text})
}

// Run connects and maintains the relay connection with auto-reconnect.
// Blocks until ctx is cancelled.
func (s *WSSource) Run(ctx context.Context) error {
	backoff := time.Second

	for {
		err := s.connectAndRead(ctx)
		if ctx.Err() != nil {
			return nil
		}

		s.logger.Warn("relay disconnected, reconnecting",
			"error", err,
			"backoff", backoff,
		)

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(backoff):
		}

		backoff *= 2
		if backoff > wsMaxReconnectWait {
			backoff = wsMaxReconnectWait
		}
	}
}

// Close gracefully closes the connection.
func (s *WSSource) Close() error {
	s.connMu.Lock()
	defer s.connMu.Unlock()
	if s.conn != nil {
		return s.conn.Close()
	}
	return nil
}

func (s *WSSource) connectAndRead(ctx context.Context) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, s.url, nil)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}

	s.connMu.Lock()
	s.conn = conn
	s.connMu.Unlock()

	defer func() {
		s.connMu.Lock()
		conn.Close()
		s.conn = nil
		s.connMu.Unlock()
	}()

	if err := s.writeFrame(relayFrame{Type: "hello", Bot: s.botName}); err != nil {
		return fmt.Errorf("hello: %w", err)
	}

	s.logger.Info("relay connected", "url", s.url)

	pingCtx, pingCancel := context.WithCancel(ctx)
	defer pingCancel()
	go s.pingLoop(pingCtx)

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		conn.SetReadDeadline(time.Now().Add(wsReadTimeout))
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("read: %w", err)
		}

		s.dispatchMessage(ctx, msg)
	}
}

func (s *WSSource) dispatchMessage(ctx context.Context, data []byte) {
	var frame relayFrame
	if err := json.Unmarshal(data, &frame); err != nil {
		s.logger.Debug("ignoring non-json relay message", "data", string(data))
		return
	}

	switch frame.Type {
	case "command":
		if frame.Text == "" {
			return
		}
		select {
		case s.frames <- Frame{Sender: frame.Sender, Text: frame.Text}:
		case <-ctx.Done():
		default:
			s.logger.Warn("command channel full, dropping frame", "sender", frame.Sender)
		}

	case "ping":
		if err := s.writeFrame(relayFrame{Type: "pong", Bot: s.botName}); err != nil {
			s.logger.Warn("pong failed", "error", err)
		}

	case "hello", "reply", "pong":
		// Echoes and acks; nothing to do.

	default:
		s.logger.Debug("unknown relay frame type", "type", frame.Type)
	}
}

func (s *WSSource) pingLoop(ctx context.Context) {
	ticker := time.NewTicker(wsPingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.writeFrame(relayFrame{Type: "ping", Bot: s.botName}); err != nil {
				s.logger.Warn("ping failed", "error", err)
				return
			}
		}
	}
}

func (s *WSSource) writeFrame(frame relayFrame) error {
	s.connMu.Lock()
	defer s.connMu.Unlock()
	if s.conn == nil {
		return fmt.Errorf("relay not connected")
	}
	s.conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	return s.conn.WriteJSON(frame)
}
