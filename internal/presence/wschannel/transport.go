// Package wschannel implements the presence transport over a websocket. Each
// opened channel is one connection carrying JSON messages: the client sends
// join, track and untrack; the server answers with joined, presence_state,
// presence_join and presence_leave.
package wschannel

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/zeroveil/realtime-core/internal/presence"
)

const defaultHandshakeTimeout = 10 * time.Second

// Config describes how to reach the realtime endpoint.
type Config struct {
	// URL is the websocket endpoint, ws:// or wss://.
	URL string
	// Header carries extra handshake headers such as authorization.
	Header http.Header

	HandshakeTimeout time.Duration
	Logger           *zap.Logger
}

// Transport opens websocket-backed presence channels.
type Transport struct {
	cfg    Config
	dialer *websocket.Dialer
	logger *zap.Logger
}

// NewTransport validates cfg and builds a Transport.
func NewTransport(cfg Config) (*Transport, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("websocket url is required")
	}
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = defaultHandshakeTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	return &Transport{
		cfg: cfg,
		dialer: &websocket.Dialer{
			HandshakeTimeout: cfg.HandshakeTimeout,
		},
		logger: cfg.Logger,
	}, nil
}

// Open dials the endpoint, sends the join request for topic, and returns the
// live channel. The join acknowledgement arrives as the channel's first event.
func (t *Transport) Open(ctx context.Context, topic string) (presence.Channel, error) {
	conn, resp, err := t.dialer.DialContext(ctx, t.cfg.URL, t.cfg.Header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial %s: %w (status %d)", t.cfg.URL, err, resp.StatusCode)
		}
		return nil, fmt.Errorf("dial %s: %w", t.cfg.URL, err)
	}

	ch := &channel{
		conn:   conn,
		topic:  topic,
		events: make(chan presence.Event, 16),
		logger: t.logger.With(zap.String("topic", topic)),
	}
	if err := ch.send(ctx, message{Type: msgJoin, Topic: topic}); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("join %s: %w", topic, err)
	}
	go ch.readLoop()
	return ch, nil
}

// Wire message types.
const (
	msgJoin          = "join"
	msgJoined        = "joined"
	msgTrack         = "track"
	msgUntrack       = "untrack"
	msgPresenceState = "presence_state"
	msgPresenceJoin  = "presence_join"
	msgPresenceLeave = "presence_leave"
)

type message struct {
	Type    string          `json:"type"`
	Topic   string          `json:"topic,omitempty"`
	Key     string          `json:"key,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

type channel struct {
	conn   *websocket.Conn
	topic  string
	events chan presence.Event
	logger *zap.Logger

	// writeMu serializes writes; the websocket allows one writer at a time.
	writeMu sync.Mutex

	mu     sync.Mutex
	err    error
	closed bool

	closeOnce sync.Once
}

func (c *channel) Track(ctx context.Context, payload presence.TrackPayload) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode track payload: %w", err)
	}
	return c.send(ctx, message{Type: msgTrack, Topic: c.topic, Key: payload.Key, Payload: data})
}

func (c *channel) Untrack(ctx context.Context) error {
	return c.send(ctx, message{Type: msgUntrack, Topic: c.topic})
}

func (c *channel) Events() <-chan presence.Event {
	return c.events
}

func (c *channel) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// Close tears the connection down cleanly. The read loop unblocks on the
// closed connection and closes the event stream.
func (c *channel) Close() error {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closed = true
		c.mu.Unlock()

		c.writeMu.Lock()
		deadline := time.Now().Add(time.Second)
		_ = c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
		c.writeMu.Unlock()
		_ = c.conn.Close()
	})
	return nil
}

func (c *channel) send(ctx context.Context, msg message) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if deadline, ok := ctx.Deadline(); ok {
		_ = c.conn.SetWriteDeadline(deadline)
	} else {
		_ = c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	}
	if err := c.conn.WriteJSON(msg); err != nil {
		return fmt.Errorf("write %s: %w", msg.Type, err)
	}
	return nil
}

func (c *channel) readLoop() {
	defer close(c.events)
	for {
		var msg message
		if err := c.conn.ReadJSON(&msg); err != nil {
			c.recordReadError(err)
			return
		}
		ev, ok := c.translate(msg)
		if !ok {
			continue
		}
		c.events <- ev
	}
}

// recordReadError keeps the first fatal read error unless the channel was
// closed deliberately, which counts as a clean shutdown.
func (c *channel) recordReadError(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
		return
	}
	c.err = err
}

func (c *channel) translate(msg message) (presence.Event, bool) {
	switch msg.Type {
	case msgJoined:
		return presence.Event{Type: presence.EventJoined}, true
	case msgPresenceState:
		var state presence.State
		if err := json.Unmarshal(msg.Payload, &state); err != nil {
			c.logger.Warn("bad presence_state payload", zap.Error(err))
			return presence.Event{}, false
		}
		return presence.Event{Type: presence.EventState, State: state}, true
	case msgPresenceJoin, msgPresenceLeave:
		var entries []presence.Entry
		if len(msg.Payload) > 0 {
			if err := json.Unmarshal(msg.Payload, &entries); err != nil {
				c.logger.Warn("bad presence diff payload",
					zap.String("type", msg.Type),
					zap.Error(err),
				)
				return presence.Event{}, false
			}
		}
		evType := presence.EventJoin
		if msg.Type == msgPresenceLeave {
			evType = presence.EventLeave
		}
		return presence.Event{Type: evType, Key: msg.Key, Entries: entries}, true
	default:
		c.logger.Debug("ignoring unknown message", zap.String("type", msg.Type))
		return presence.Event{}, false
	}
}
