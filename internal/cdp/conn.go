package cdp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/GriffinCanCode/prerender/internal/infrastructure/logging"
)

// ErrConnClosed is returned for calls issued on, or in flight over, a dead
// connection. It wraps the underlying socket error.
var ErrConnClosed = errors.New("cdp: connection closed")

// maxMessageSize bounds a single devtools frame. Serialized documents and
// screenshots arrive in one frame, so this must be generous.
const maxMessageSize = 256 << 20

// eventBuffer is the per-subscription channel depth. The read loop never
// blocks on a slow consumer; overflowing events are dropped with a warning.
const eventBuffer = 256

// Conn is one multiplexed websocket connection to a devtools target.
// Concurrent Call invocations are matched to responses by sequence id;
// events are fanned out to subscribers in receive order.
type Conn struct {
	ws     *websocket.Conn
	logger *logging.Logger

	writeMu sync.Mutex // guards ws writes

	mu      sync.Mutex
	seq     int64
	pending map[int64]chan *message
	subs    map[*Subscription]struct{}
	dead    bool
	cause   error

	done chan struct{}
}

// Subscription receives events for one method pattern until closed.
type Subscription struct {
	conn    *Conn
	pattern string
	ch      chan Event
	once    sync.Once
}

// Events returns the subscription's event channel. The channel is closed
// when the subscription or the connection is closed.
func (s *Subscription) Events() <-chan Event {
	return s.ch
}

// Close cancels the subscription and closes its channel.
func (s *Subscription) Close() {
	s.conn.unsubscribe(s)
}

// Dial connects to a devtools websocket endpoint.
func Dial(ctx context.Context, wsURL string, logger *logging.Logger) (*Conn, error) {
	dialer := websocket.Dialer{ReadBufferSize: 32 << 10, WriteBufferSize: 32 << 10}
	ws, _, err := dialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		return nil, fmt.Errorf("cdp: dial %s: %w", wsURL, err)
	}
	ws.SetReadLimit(maxMessageSize)

	c := &Conn{
		ws:      ws,
		logger:  logger,
		pending: make(map[int64]chan *message),
		subs:    make(map[*Subscription]struct{}),
		done:    make(chan struct{}),
	}
	go c.readLoop()
	return c, nil
}

// Call sends a command and waits for its response. A nil result discards
// the response payload; otherwise the payload is unmarshaled into it.
// Context cancellation abandons the call; the response, if it ever
// arrives, is dropped by the read loop.
func (c *Conn) Call(ctx context.Context, method string, params, result any) error {
	var rawParams json.RawMessage
	if params != nil {
		raw, err := json.Marshal(params)
		if err != nil {
			return fmt.Errorf("cdp: marshal %s params: %w", method, err)
		}
		rawParams = raw
	}

	c.mu.Lock()
	if c.dead {
		cause := c.cause
		c.mu.Unlock()
		return fmt.Errorf("%w: %w", ErrConnClosed, cause)
	}
	c.seq++
	id := c.seq
	ch := make(chan *message, 1)
	c.pending[id] = ch
	c.mu.Unlock()

	frame, err := json.Marshal(message{ID: id, Method: method, Params: rawParams})
	if err == nil {
		c.writeMu.Lock()
		err = c.ws.WriteMessage(websocket.TextMessage, frame)
		c.writeMu.Unlock()
	}
	if err != nil {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
		c.fail(err)
		return fmt.Errorf("%w: %w", ErrConnClosed, err)
	}

	select {
	case res := <-ch:
		if res == nil {
			c.mu.Lock()
			cause := c.cause
			c.mu.Unlock()
			return fmt.Errorf("%w: %w", ErrConnClosed, cause)
		}
		if res.Error != nil {
			return res.Error
		}
		if result != nil {
			if err := json.Unmarshal(res.Result, result); err != nil {
				return fmt.Errorf("cdp: unmarshal %s result: %w", method, err)
			}
		}
		return nil
	case <-ctx.Done():
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
		return ctx.Err()
	}
}

// Subscribe registers interest in events whose method matches pattern.
// A trailing "*" matches a method prefix ("Page.*"); anything else is an
// exact match.
func (c *Conn) Subscribe(pattern string) *Subscription {
	s := &Subscription{
		conn:    c,
		pattern: pattern,
		ch:      make(chan Event, eventBuffer),
	}
	c.mu.Lock()
	if c.dead {
		c.mu.Unlock()
		close(s.ch)
		return s
	}
	c.subs[s] = struct{}{}
	c.mu.Unlock()
	return s
}

func (c *Conn) unsubscribe(s *Subscription) {
	c.mu.Lock()
	_, active := c.subs[s]
	delete(c.subs, s)
	c.mu.Unlock()
	if active {
		s.once.Do(func() { close(s.ch) })
	}
}

// Done is closed when the connection dies.
func (c *Conn) Done() <-chan struct{} {
	return c.done
}

// Err returns the terminal connection error, or nil while alive.
func (c *Conn) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cause
}

// Close tears the connection down. Idempotent.
func (c *Conn) Close() error {
	c.fail(ErrConnClosed)
	return nil
}

func (c *Conn) readLoop() {
	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			c.fail(err)
			return
		}
		var msg message
		if err := json.Unmarshal(data, &msg); err != nil {
			c.logger.Warn("dropping unparseable cdp frame", zap.Error(err))
			continue
		}
		if msg.ID != 0 {
			c.mu.Lock()
			ch, ok := c.pending[msg.ID]
			delete(c.pending, msg.ID)
			c.mu.Unlock()
			if ok {
				ch <- &msg
			}
			continue
		}
		if msg.Method != "" {
			c.dispatch(Event{Method: msg.Method, Params: msg.Params})
		}
	}
}

func (c *Conn) dispatch(ev Event) {
	c.mu.Lock()
	targets := make([]*Subscription, 0, len(c.subs))
	for s := range c.subs {
		if matches(s.pattern, ev.Method) {
			targets = append(targets, s)
		}
	}
	c.mu.Unlock()

	for _, s := range targets {
		select {
		case s.ch <- ev:
		default:
			c.logger.Warn("subscriber too slow, dropping cdp event",
				zap.String("method", ev.Method),
				zap.String("pattern", s.pattern))
		}
	}
}

// fail marks the connection dead, fails all in-flight calls and closes all
// subscriptions. Only the first cause is retained.
func (c *Conn) fail(cause error) {
	c.mu.Lock()
	if c.dead {
		c.mu.Unlock()
		return
	}
	c.dead = true
	c.cause = cause
	pending := c.pending
	c.pending = make(map[int64]chan *message)
	subs := make([]*Subscription, 0, len(c.subs))
	for s := range c.subs {
		subs = append(subs, s)
	}
	c.subs = make(map[*Subscription]struct{})
	c.mu.Unlock()

	for _, ch := range pending {
		ch <- nil
	}
	for _, s := range subs {
		s.once.Do(func() { close(s.ch) })
	}
	c.ws.Close()
	close(c.done)
}

func matches(pattern, method string) bool {
	if prefix, ok := strings.CutSuffix(pattern, "*"); ok {
		return strings.HasPrefix(method, prefix)
	}
	return pattern == method
}
