package wsdriver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/neboloop/pagewright/internal/driver"
	"github.com/neboloop/pagewright/internal/logging"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer. Screenshots travel inline.
	maxMessageSize = 64 << 20
)

// DefaultReplyTimeout bounds how long a request may go unanswered when the
// caller's context has no deadline.
const DefaultReplyTimeout = 2 * time.Minute

// ClientOptions configure Dial.
type ClientOptions struct {
	Header       http.Header
	ReplyTimeout time.Duration
	Dialer       *websocket.Dialer
}

// Client is a driver.Driver backed by a remote Server.
type Client struct {
	conn         *websocket.Conn
	replyTimeout time.Duration

	writeMu sync.Mutex

	mu      sync.Mutex
	nextID  uint64
	pending map[uint64]chan reply
	lost    error

	done chan struct{}
}

var _ driver.Driver = (*Client)(nil)

// Dial connects to a driver server. url is a ws:// or wss:// URL.
func Dial(ctx context.Context, url string, opts ClientOptions) (*Client, error) {
	dialer := opts.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	conn, _, err := dialer.DialContext(ctx, url, opts.Header)
	if err != nil {
		return nil, driver.ChannelLost(fmt.Errorf("dial %s: %w", url, err))
	}
	if opts.ReplyTimeout <= 0 {
		opts.ReplyTimeout = DefaultReplyTimeout
	}
	c := &Client{
		conn:         conn,
		replyTimeout: opts.ReplyTimeout,
		pending:      make(map[uint64]chan reply),
		done:         make(chan struct{}),
	}
	go c.readPump()
	go c.pingPump()
	return c, nil
}

// readPump delivers replies to their waiting requests until the connection
// fails, then fails every outstanding request.
func (c *Client) readPump() {
	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	var cause error
	for {
		_, msg, err := c.conn.ReadMessage()
		if err != nil {
			cause = err
			break
		}
		_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
		var r reply
		if err := json.Unmarshal(msg, &r); err != nil {
			logging.Warnf("[wsdriver] Dropping malformed reply: %v", err)
			continue
		}
		c.mu.Lock()
		ch, ok := c.pending[r.ID]
		delete(c.pending, r.ID)
		c.mu.Unlock()
		if ok {
			ch <- r
		}
	}
	c.fail(cause)
}

func (c *Client) pingPump() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			c.writeMu.Lock()
			err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait))
			c.writeMu.Unlock()
			if err != nil {
				return
			}
		}
	}
}

// fail marks the connection lost and releases every waiter.
func (c *Client) fail(cause error) {
	if cause == nil {
		cause = errors.New("connection closed")
	}
	c.mu.Lock()
	if c.lost != nil {
		c.mu.Unlock()
		return
	}
	c.lost = cause
	pending := c.pending
	c.pending = make(map[uint64]chan reply)
	close(c.done)
	c.mu.Unlock()

	if websocket.IsUnexpectedCloseError(cause, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
		logging.Warnf("[wsdriver] Connection lost: %v", cause)
	}
	for _, ch := range pending {
		close(ch)
	}
	_ = c.conn.Close()
}

// Send implements driver.Driver.
func (c *Client) Send(ctx context.Context, cmd driver.Command) (driver.Response, error) {
	if err := ctx.Err(); err != nil {
		return driver.Response{}, err
	}

	c.mu.Lock()
	if c.lost != nil {
		lost := c.lost
		c.mu.Unlock()
		return driver.Response{}, driver.ChannelLost(lost)
	}
	c.nextID++
	id := c.nextID
	ch := make(chan reply, 1)
	c.pending[id] = ch
	c.mu.Unlock()

	req := request{ID: id, Cmd: cmd}
	if dl, ok := ctx.Deadline(); ok {
		req.TimeoutMs = max(time.Until(dl).Milliseconds(), 1)
	}
	data, err := json.Marshal(req)
	if err != nil {
		c.forget(id)
		return driver.Response{}, &driver.CommandError{Kind: cmd.Kind, Err: err}
	}

	c.writeMu.Lock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	err = c.conn.WriteMessage(websocket.TextMessage, data)
	c.writeMu.Unlock()
	if err != nil {
		c.fail(err)
		return driver.Response{}, driver.ChannelLost(err)
	}

	timer := time.NewTimer(c.replyTimeout)
	defer timer.Stop()
	select {
	case r, ok := <-ch:
		if !ok {
			c.mu.Lock()
			lost := c.lost
			c.mu.Unlock()
			return driver.Response{}, driver.ChannelLost(lost)
		}
		if r.Error != nil {
			return driver.Response{}, decodeError(cmd.Kind, r.Error)
		}
		if r.Resp == nil {
			return driver.Response{}, nil
		}
		return *r.Resp, nil
	case <-ctx.Done():
		c.forget(id)
		return driver.Response{}, ctx.Err()
	case <-timer.C:
		c.forget(id)
		return driver.Response{}, driver.ChannelLost(fmt.Errorf("no reply to %s within %s", cmd.Kind, c.replyTimeout))
	}
}

func (c *Client) forget(id uint64) {
	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()
}

// Close closes the connection. The server closes the remote browser.
func (c *Client) Close() error {
	c.writeMu.Lock()
	_ = c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(writeWait))
	c.writeMu.Unlock()
	c.fail(errors.New("client closed"))
	return nil
}
