// Package websocket streams turn events to one caller over a websocket
// connection. Audio chunks travel as binary frames, each preceded by a JSON
// event header; status and error events are JSON text frames.
package websocket

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/tiger/voice-turn-pipeline/api/turnstream"
	"github.com/tiger/voice-turn-pipeline/internal/runtime/turn/dispatch"
)

const (
	// DefaultWriteTimeout bounds every frame write. A caller that cannot
	// drain audio this long is treated as gone and the turn aborts.
	DefaultWriteTimeout = 10 * time.Second
	// DefaultPongTimeout is how long the connection may go without a pong
	// before reads fail. Pings go out at nine tenths of this.
	DefaultPongTimeout = 60 * time.Second
	// DefaultMaxMessageBytes caps inbound client messages.
	DefaultMaxMessageBytes = 512 * 1024
)

// ErrClosed reports a write attempted after Close.
var ErrClosed = errors.New("websocket connection closed")

// Config tunes one connection adapter.
type Config struct {
	WriteTimeout    time.Duration
	PongTimeout     time.Duration
	MaxMessageBytes int64
	// CheckOrigin guards the HTTP upgrade; nil keeps gorilla's same-origin
	// default.
	CheckOrigin func(*http.Request) bool
}

func (c Config) withDefaults() Config {
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = DefaultWriteTimeout
	}
	if c.PongTimeout <= 0 {
		c.PongTimeout = DefaultPongTimeout
	}
	if c.MaxMessageBytes <= 0 {
		c.MaxMessageBytes = DefaultMaxMessageBytes
	}
	return c
}

// Upgrader returns the HTTP upgrader for the config.
func Upgrader(cfg Config) websocket.Upgrader {
	return websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     cfg.CheckOrigin,
	}
}

// Conn is the connection surface the adapter drives. *websocket.Conn
// implements it; tests substitute a recorder.
type Conn interface {
	WriteMessage(messageType int, data []byte) error
	WriteControl(messageType int, data []byte, deadline time.Time) error
	SetWriteDeadline(t time.Time) error
	SetReadDeadline(t time.Time) error
	SetReadLimit(limit int64)
	SetPongHandler(h func(string) error)
	Close() error
}

// Adapter owns the write side of one caller connection. gorilla permits a
// single concurrent writer, so every write goes through one mutex; an audio
// header and its binary frame are written under the same hold so no other
// event can land between them.
type Adapter struct {
	cfg  Config
	conn Conn
	log  *zap.Logger
	now  func() time.Time

	mu     sync.Mutex
	closed bool

	closeOnce sync.Once
	closeErr  error
}

// NewAdapter wraps an upgraded connection. It installs the read limit and
// the pong handler that keeps the read deadline moving.
func NewAdapter(conn Conn, cfg Config, log *zap.Logger) *Adapter {
	cfg = cfg.withDefaults()
	if log == nil {
		log = zap.NewNop()
	}
	a := &Adapter{cfg: cfg, conn: conn, log: log, now: time.Now}
	conn.SetReadLimit(cfg.MaxMessageBytes)
	_ = conn.SetReadDeadline(a.now().Add(cfg.PongTimeout))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(a.now().Add(cfg.PongTimeout))
	})
	return a
}

// SendEvent writes one event as a JSON text frame. A zero schema version
// and timestamp are stamped before validation.
func (a *Adapter) SendEvent(event turnstream.Event) error {
	payload, err := a.encode(&event)
	if err != nil {
		return err
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.writeLocked(websocket.TextMessage, payload)
}

// SendStatus emits a status event for the turn.
func (a *Adapter) SendStatus(sessionID, turnID string, seq int, status turnstream.Status, reason string) error {
	return a.SendEvent(turnstream.Event{
		SessionID: sessionID,
		TurnID:    turnID,
		Seq:       seq,
		Kind:      turnstream.KindStatus,
		Status:    status,
		Reason:    reason,
	})
}

// SendError emits an error event carrying a runtime failure class.
func (a *Adapter) SendError(sessionID, turnID string, seq int, class turnstream.FailureClass, reason string) error {
	return a.SendEvent(turnstream.Event{
		SessionID:    sessionID,
		TurnID:       turnID,
		Seq:          seq,
		Kind:         turnstream.KindError,
		FailureClass: class,
		Reason:       reason,
	})
}

// TurnSink binds the connection to one turn as the dispatcher's audio sink.
func (a *Adapter) TurnSink(sessionID, turnID string) dispatch.Sink {
	return &turnSink{adapter: a, sessionID: sessionID, turnID: turnID}
}

// Ping sends one keepalive control frame.
func (a *Adapter) Ping() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return ErrClosed
	}
	return a.conn.WriteControl(websocket.PingMessage, nil, a.now().Add(a.cfg.WriteTimeout))
}

// KeepAlive pings at nine tenths of the pong timeout until the context ends
// or a ping fails. Run it in its own goroutine.
func (a *Adapter) KeepAlive(ctx context.Context) {
	interval := a.cfg.PongTimeout * 9 / 10
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := a.Ping(); err != nil {
				a.log.Debug("keepalive ping failed", zap.Error(err))
				return
			}
		}
	}
}

// Close sends a normal closure frame and closes the connection. Repeat
// calls return the first result.
func (a *Adapter) Close() error {
	a.closeOnce.Do(func() {
		a.mu.Lock()
		a.closed = true
		deadline := a.now().Add(a.cfg.WriteTimeout)
		message := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		if err := a.conn.WriteControl(websocket.CloseMessage, message, deadline); err != nil {
			a.log.Debug("close frame not delivered", zap.Error(err))
		}
		a.mu.Unlock()
		a.closeErr = a.conn.Close()
	})
	return a.closeErr
}

func (a *Adapter) encode(event *turnstream.Event) ([]byte, error) {
	if event.SchemaVersion == "" {
		event.SchemaVersion = turnstream.SchemaVersion
	}
	if event.EmittedAtMS == 0 {
		event.EmittedAtMS = a.now().UnixMilli()
	}
	if err := event.Validate(); err != nil {
		return nil, fmt.Errorf("turn event invalid: %w", err)
	}
	payload, err := json.Marshal(event)
	if err != nil {
		return nil, fmt.Errorf("encode turn event: %w", err)
	}
	return payload, nil
}

func (a *Adapter) writeLocked(messageType int, data []byte) error {
	if a.closed {
		return ErrClosed
	}
	if err := a.conn.SetWriteDeadline(a.now().Add(a.cfg.WriteTimeout)); err != nil {
		return err
	}
	return a.conn.WriteMessage(messageType, data)
}

type turnSink struct {
	adapter   *Adapter
	sessionID string
	turnID    string
}

// Play writes the chunk's event header then its binary audio frame. A write
// failure surfaces to the dispatcher, which aborts the turn; a caller too
// slow to drain audio is indistinguishable from one that went away.
func (s *turnSink) Play(_ context.Context, chunk dispatch.Chunk) error {
	a := s.adapter
	header, err := a.encode(&turnstream.Event{
		SessionID: s.sessionID,
		TurnID:    s.turnID,
		Seq:       chunk.Seq,
		Kind:      turnstream.KindAudio,
		Text:      chunk.Text,
		Format:    chunk.Format,
	})
	if err != nil {
		return err
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if err := a.writeLocked(websocket.TextMessage, header); err != nil {
		return fmt.Errorf("audio header: %w", err)
	}
	if err := a.writeLocked(websocket.BinaryMessage, chunk.Audio); err != nil {
		return fmt.Errorf("audio frame: %w", err)
	}
	return nil
}
