package websocket

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = 30 * time.Second
	maxMessageSize = 64 * 1024
	sendBuffer     = 100
)

var (
	ErrConnectionClosed = errors.New("connection closed")
	ErrSlowConsumer     = errors.New("connection send buffer full")
)

// Connection wraps one socket. All writes go through a single writer
// goroutine; Enqueue never blocks.
type Connection struct {
	id     string
	userID string
	conn   *websocket.Conn
	log    zerolog.Logger

	writeCh   chan []byte
	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once
	writerEnd chan struct{}

	mu       sync.Mutex
	sessions map[string]struct{}
}

// NewConnection starts the writer and heartbeat for conn.
func NewConnection(conn *websocket.Conn, userID string, log zerolog.Logger) *Connection {
	ctx, cancel := context.WithCancel(context.Background())
	id := uuid.NewString()
	c := &Connection{
		id:        id,
		userID:    userID,
		conn:      conn,
		log:       log.With().Str("conn_id", id).Str("user_id", userID).Logger(),
		writeCh:   make(chan []byte, sendBuffer),
		ctx:       ctx,
		cancel:    cancel,
		writerEnd: make(chan struct{}),
		sessions:  make(map[string]struct{}),
	}

	conn.SetReadLimit(maxMessageSize)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	go c.writeLoop()
	return c
}

func (c *Connection) ID() string     { return c.id }
func (c *Connection) UserID() string { return c.userID }

// Done is closed once the connection is shut down.
func (c *Connection) Done() <-chan struct{} { return c.ctx.Done() }

func (c *Connection) writeLoop() {
	defer close(c.writerEnd)

	ping := time.NewTicker(pingPeriod)
	defer ping.Stop()

	for {
		select {
		case data := <-c.writeCh:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				c.log.Debug().Err(err).Msg("Write failed, closing")
				c.Close()
				return
			}
		case <-ping.C:
			if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				c.log.Debug().Err(err).Msg("Ping failed, closing")
				c.Close()
				return
			}
		case <-c.ctx.Done():
			c.flush()
			return
		}
	}
}

// flush writes whatever is already buffered before the socket closes.
func (c *Connection) flush() {
	for {
		select {
		case data := <-c.writeCh:
			_ = c.conn.SetWriteDeadline(time.Now().Add(time.Second))
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		default:
			return
		}
	}
}

// Enqueue marshals v and queues it for writing. A full buffer closes the
// connection; the client is expected to reconnect and resume.
func (c *Connection) Enqueue(v any) error {
	select {
	case <-c.ctx.Done():
		return ErrConnectionClosed
	default:
	}

	data, err := json.Marshal(v)
	if err != nil {
		return err
	}

	select {
	case c.writeCh <- data:
		return nil
	case <-c.ctx.Done():
		return ErrConnectionClosed
	default:
		c.log.Warn().Msg("Slow consumer, closing connection")
		c.Close()
		return ErrSlowConsumer
	}
}

// Read blocks for the next inbound envelope.
func (c *Connection) Read() (Envelope, error) {
	var env Envelope
	_, data, err := c.conn.ReadMessage()
	if err != nil {
		return env, err
	}
	if err := json.Unmarshal(data, &env); err != nil {
		return env, &DecodeError{Err: err}
	}
	return env, nil
}

// Close stops the writer after it flushes, then closes the socket.
func (c *Connection) Close() {
	c.closeOnce.Do(func() {
		c.cancel()
		go func() {
			select {
			case <-c.writerEnd:
			case <-time.After(2 * time.Second):
			}
			_ = c.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(time.Second))
			_ = c.conn.Close()
		}()
	})
}

// Track records that the connection referenced sessionID.
func (c *Connection) Track(sessionID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sessions[sessionID] = struct{}{}
}

// Sessions returns every session id the connection referenced.
func (c *Connection) Sessions() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.sessions))
	for id := range c.sessions {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// DecodeError marks an inbound frame that is not a valid envelope.
type DecodeError struct {
	Err error
}

func (e *DecodeError) Error() string { return "invalid message: " + e.Err.Error() }
func (e *DecodeError) Unwrap() error { return e.Err }
