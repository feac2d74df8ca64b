package signaling

import (
	"errors"
	"log/slog"
	"slices"
	"sync"
	"time"

	"support-platform/internal/protocol"

	"github.com/gorilla/websocket"
)

var (
	ErrConnClosed   = errors.New("signaling: connection closed")
	ErrSlowConsumer = errors.New("signaling: send buffer full")
	ErrUnknownConn  = errors.New("signaling: unknown connection")
)

const maxMessageBytes = 64 << 10

// Conn is one live websocket endpoint. Outbound frames go through a buffered
// queue drained by a single writer goroutine; inbound frames are read and
// dispatched sequentially by the serving goroutine.
type Conn struct {
	ID       string
	Role     string
	Identity string
	log      *slog.Logger

	// display data from the token, used as call request defaults
	name, phone string

	ws   *websocket.Conn
	send chan protocol.Message

	done      chan struct{}
	closeOnce sync.Once

	mu sync.Mutex
	// sessions holds the signaling scopes this connection has joined.
	sessions map[string]protocol.Role
	// requested holds sessions this customer connection created.
	requested map[string]struct{}
	// disposers run once on close in reverse registration order.
	disposers []disposer
}

type disposer struct {
	key string
	fn  func()
}

func newConn(id, role, identity string, ws *websocket.Conn, buffer int, log *slog.Logger) *Conn {
	return &Conn{
		ID:        id,
		Role:      role,
		Identity:  identity,
		log:       log,
		ws:        ws,
		send:      make(chan protocol.Message, buffer),
		done:      make(chan struct{}),
		sessions:  make(map[string]protocol.Role),
		requested: make(map[string]struct{}),
	}
}

// enqueue never blocks. A peer that cannot keep up is disconnected.
func (c *Conn) enqueue(msg protocol.Message) error {
	select {
	case <-c.done:
		return ErrConnClosed
	default:
	}
	select {
	case c.send <- msg:
		return nil
	default:
		c.log.Warn("closing slow connection", "type", msg.Type)
		c.close()
		return ErrSlowConsumer
	}
}

func (c *Conn) close() {
	c.closeOnce.Do(func() { close(c.done) })
}

func (c *Conn) closed() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

func (c *Conn) writePump(writeTimeout, pingInterval time.Duration) {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		c.close()
		_ = c.ws.Close()
	}()

	for {
		select {
		case msg := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := c.ws.WriteJSON(msg); err != nil {
				c.log.Debug("ws write failed", "err", err)
				return
			}
		case <-ticker.C:
			if err := c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeTimeout)); err != nil {
				c.log.Debug("ws ping failed", "err", err)
				return
			}
		case <-c.done:
			_ = c.ws.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(writeTimeout))
			return
		}
	}
}

func (c *Conn) join(sessionID string, role protocol.Role) {
	c.mu.Lock()
	c.sessions[sessionID] = role
	c.mu.Unlock()
}

// joined returns the role this connection holds in the session scope.
func (c *Conn) joined(sessionID string) (protocol.Role, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	r, ok := c.sessions[sessionID]
	return r, ok
}

func (c *Conn) markRequested(sessionID string) {
	c.mu.Lock()
	c.requested[sessionID] = struct{}{}
	c.mu.Unlock()
}

func (c *Conn) forget(sessionID string) {
	c.mu.Lock()
	delete(c.sessions, sessionID)
	delete(c.requested, sessionID)
	c.mu.Unlock()
}

// scopes snapshots joined and requested sessions for the disconnect path.
func (c *Conn) scopes() (joined map[string]protocol.Role, requested []string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	joined = make(map[string]protocol.Role, len(c.sessions))
	for id, r := range c.sessions {
		joined[id] = r
	}
	for id := range c.requested {
		requested = append(requested, id)
	}
	slices.Sort(requested)
	return joined, requested
}

// onClose registers fn under key. A second registration for the same key is
// ignored and reported as false.
func (c *Conn) onClose(key string, fn func()) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, d := range c.disposers {
		if d.key == key {
			return false
		}
	}
	c.disposers = append(c.disposers, disposer{key: key, fn: fn})
	return true
}

// release runs and removes the disposer under key ahead of close.
func (c *Conn) release(key string) bool {
	c.mu.Lock()
	var fn func()
	for i, d := range c.disposers {
		if d.key == key {
			fn = d.fn
			c.disposers = slices.Delete(c.disposers, i, i+1)
			break
		}
	}
	c.mu.Unlock()
	if fn == nil {
		return false
	}
	fn()
	return true
}

func (c *Conn) dispose() {
	c.mu.Lock()
	ds := c.disposers
	c.disposers = nil
	c.mu.Unlock()
	for i := len(ds) - 1; i >= 0; i-- {
		ds[i].fn()
	}
}
