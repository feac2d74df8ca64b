package signaling

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"support-platform/internal/protocol"

	"github.com/gorilla/websocket"
)

// Client is a Go participant on the signaling channel.
type Client struct {
	ws    *websocket.Conn
	Ready protocol.Ready

	writeMu      sync.Mutex
	writeTimeout time.Duration

	in        chan protocol.Message
	done      chan struct{}
	closeOnce sync.Once
	err       error
}

// Dial connects with a bearer token and waits for the ready message.
func Dial(ctx context.Context, url, token string) (*Client, error) {
	header := http.Header{}
	if token != "" {
		header.Set("Authorization", "Bearer "+token)
	}
	ws, resp, err := websocket.DefaultDialer.DialContext(ctx, url, header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial %s: %w (status %d)", url, err, resp.StatusCode)
		}
		return nil, fmt.Errorf("dial %s: %w", url, err)
	}

	if dl, ok := ctx.Deadline(); ok {
		_ = ws.SetReadDeadline(dl)
	}
	var first protocol.Message
	if err := ws.ReadJSON(&first); err != nil {
		_ = ws.Close()
		return nil, fmt.Errorf("read ready: %w", err)
	}
	_ = ws.SetReadDeadline(time.Time{})
	if first.Type != protocol.TypeReady {
		_ = ws.Close()
		return nil, fmt.Errorf("expected %s, got %s", protocol.TypeReady, first.Type)
	}

	c := &Client{
		ws:           ws,
		writeTimeout: 10 * time.Second,
		in:           make(chan protocol.Message, 64),
		done:         make(chan struct{}),
	}
	if err := first.Decode(&c.Ready); err != nil {
		_ = ws.Close()
		return nil, fmt.Errorf("decode ready: %w", err)
	}
	go c.readLoop()
	return c, nil
}

func (c *Client) readLoop() {
	defer close(c.in)
	for {
		var msg protocol.Message
		if err := c.ws.ReadJSON(&msg); err != nil {
			c.shutdown(err)
			return
		}
		select {
		case c.in <- msg:
		case <-c.done:
			return
		}
	}
}

// Messages yields inbound messages until the connection closes.
func (c *Client) Messages() <-chan protocol.Message { return c.in }

// Send writes one message. Safe for concurrent use.
func (c *Client) Send(msg protocol.Message) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	select {
	case <-c.done:
		return ErrConnClosed
	default:
	}
	_ = c.ws.SetWriteDeadline(time.Now().Add(c.writeTimeout))
	return c.ws.WriteJSON(msg)
}

// Close sends a close frame and releases the connection.
func (c *Client) Close() error {
	c.writeMu.Lock()
	_ = c.ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	c.writeMu.Unlock()
	c.shutdown(nil)
	return nil
}

// Err reports why the read loop stopped, nil on a normal close.
func (c *Client) Err() error {
	<-c.done
	if websocket.IsCloseError(c.err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
		return nil
	}
	if errors.Is(c.err, ErrConnClosed) {
		return nil
	}
	return c.err
}

func (c *Client) shutdown(err error) {
	c.closeOnce.Do(func() {
		c.err = err
		close(c.done)
		_ = c.ws.Close()
	})
}
