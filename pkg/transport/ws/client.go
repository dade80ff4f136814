// Package ws implements relays over websockets: a reconnecting client that
// satisfies transport.Relay, and a server that exposes a relay.Hub.
package ws

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/OpenAgentsInc/commander-sub021/pkg/event"
	"github.com/OpenAgentsInc/commander-sub021/pkg/observability"
	"github.com/OpenAgentsInc/commander-sub021/pkg/protocol"
	"github.com/OpenAgentsInc/commander-sub021/pkg/transport"
)

const (
	writeWait      = 10 * time.Second
	maxMessageSize = 1 << 20
	sendBuffer     = 256
)

// Options configures websocket relay clients.
type Options struct {
	Backoff          transport.Backoff
	PingInterval     time.Duration
	HandshakeTimeout time.Duration
	Logger           *zap.Logger
}

// NewDialer returns a transport.Dialer for ws and wss URLs.
func NewDialer(opts Options) transport.Dialer {
	return func(url string) (transport.Relay, error) {
		switch transport.Scheme(url) {
		case "ws", "wss":
			return NewClient(url, opts), nil
		}
		return nil, fmt.Errorf("ws: unsupported url %q", url)
	}
}

type okResult struct {
	ok  bool
	msg string
	err error
}

type wsSub struct {
	filters event.Filters
	h       transport.SubHandler
}

// session is one live socket.
type session struct {
	conn *websocket.Conn
	out  chan []byte
	done chan struct{}
}

// Client is a transport.Relay over a single websocket. It reconnects with
// backoff until Close and re-sends every REQ after each reconnect.
type Client struct {
	url  string
	opts Options
	log  *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	state    transport.State
	started  bool
	sess     *session
	subs     map[string]*wsSub
	pending  map[string][]chan okResult
	listener func(string, transport.State)

	closeOnce sync.Once
}

// NewClient builds a client for url without connecting.
func NewClient(url string, opts Options) *Client {
	if opts.HandshakeTimeout <= 0 {
		opts.HandshakeTimeout = 10 * time.Second
	}
	ctx, cancel := context.WithCancel(context.Background())
	url = transport.NormalizeURL(url)
	return &Client{
		url:     url,
		opts:    opts,
		log:     observability.Named(opts.Logger, "ws").With(zap.String("relay", url)),
		ctx:     ctx,
		cancel:  cancel,
		subs:    make(map[string]*wsSub),
		pending: make(map[string][]chan okResult),
	}
}

func (c *Client) URL() string          { return c.url }
func (c *Client) Kind() transport.Kind { return transport.KindWebSocket }

func (c *Client) State() transport.State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Client) SetStateListener(fn func(string, transport.State)) {
	c.mu.Lock()
	c.listener = fn
	c.mu.Unlock()
}

func (c *Client) setState(s transport.State) {
	c.mu.Lock()
	if c.state == s || c.state == transport.StateClosed {
		c.mu.Unlock()
		return
	}
	c.state = s
	fn := c.listener
	c.mu.Unlock()
	if fn != nil {
		fn(c.url, s)
	}
}

// Connect starts the connection loop and waits for the first dial attempt.
// On failure the loop keeps retrying in the background.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.state == transport.StateClosed {
		c.mu.Unlock()
		return transport.ErrClosed
	}
	if c.started {
		connected := c.state == transport.StateConnected
		c.mu.Unlock()
		if connected {
			return nil
		}
		return transport.ErrNotConnected
	}
	c.started = true
	c.mu.Unlock()

	first := make(chan error, 1)
	c.setState(transport.StateConnecting)
	go c.run(first)
	select {
	case err := <-first:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Client) run(first chan error) {
	bo := c.opts.Backoff
	for {
		conn, err := c.dial()
		if first != nil {
			first <- err
			first = nil
		}
		if err != nil {
			c.setState(transport.StateDisconnected)
			d := bo.Next()
			c.log.Debug("dial failed", zap.Error(err), zap.Duration("retry_in", d))
			observability.Metrics().RelayDials.WithLabelValues(c.url, "error").Inc()
			t := time.NewTimer(d)
			select {
			case <-c.ctx.Done():
				t.Stop()
				return
			case <-t.C:
			}
			continue
		}
		bo.Reset()
		c.serve(conn)
		if c.ctx.Err() != nil {
			return
		}
		c.setState(transport.StateDisconnected)
		c.failPending(transport.ErrNotConnected)
		c.log.Info("connection lost, reconnecting")
	}
}

func (c *Client) dial() (*websocket.Conn, error) {
	d := websocket.Dialer{HandshakeTimeout: c.opts.HandshakeTimeout}
	conn, _, err := d.DialContext(c.ctx, c.url, nil)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", c.url, err)
	}
	return conn, nil
}

// serve runs one session until its socket fails.
func (c *Client) serve(conn *websocket.Conn) {
	s := &session{conn: conn, out: make(chan []byte, sendBuffer), done: make(chan struct{})}
	c.mu.Lock()
	c.sess = s
	subs := make(map[string]*wsSub, len(c.subs))
	for id, sub := range c.subs {
		subs[id] = sub
	}
	c.mu.Unlock()

	go c.writePump(s)
	c.setState(transport.StateConnected)
	for id, sub := range subs {
		if err := c.sendReq(c.ctx, id, sub.filters); err != nil {
			c.log.Warn("re-subscribe failed", zap.String("sub", id), zap.Error(err))
		}
	}
	c.readPump(s)

	c.mu.Lock()
	if c.sess == s {
		c.sess = nil
	}
	c.mu.Unlock()
	close(s.done)
	_ = conn.Close()
}

func (c *Client) writePump(s *session) {
	var tick <-chan time.Time
	if c.opts.PingInterval > 0 {
		t := time.NewTicker(c.opts.PingInterval)
		defer t.Stop()
		tick = t.C
	}
	for {
		select {
		case <-s.done:
			return
		case frame := <-s.out:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				_ = s.conn.Close()
				return
			}
		case <-tick:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				_ = s.conn.Close()
				return
			}
		}
	}
}

func (c *Client) readPump(s *session) {
	s.conn.SetReadLimit(maxMessageSize)
	if c.opts.PingInterval > 0 {
		wait := 2 * c.opts.PingInterval
		_ = s.conn.SetReadDeadline(time.Now().Add(wait))
		s.conn.SetPongHandler(func(string) error {
			return s.conn.SetReadDeadline(time.Now().Add(wait))
		})
	}
	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) && c.ctx.Err() == nil {
				c.log.Debug("read failed", zap.Error(err))
			}
			return
		}
		env, err := protocol.Parse(data)
		if err != nil {
			c.log.Debug("dropping malformed frame", zap.Error(err))
			continue
		}
		c.dispatch(env)
	}
}

func (c *Client) dispatch(env *protocol.Envelope) {
	switch env.Label {
	case protocol.LabelEvent:
		if sub := c.sub(env.SubID); sub != nil && sub.h.OnEvent != nil {
			sub.h.OnEvent(env.Event)
		}
	case protocol.LabelEOSE:
		if sub := c.sub(env.SubID); sub != nil && sub.h.OnEOSE != nil {
			sub.h.OnEOSE()
		}
	case protocol.LabelOK:
		c.mu.Lock()
		waiters := c.pending[env.EventID]
		delete(c.pending, env.EventID)
		c.mu.Unlock()
		for _, ch := range waiters {
			ch <- okResult{ok: env.OK, msg: env.Message}
		}
	case protocol.LabelClosed:
		c.mu.Lock()
		sub := c.subs[env.SubID]
		delete(c.subs, env.SubID)
		c.mu.Unlock()
		if sub != nil && sub.h.OnClosed != nil {
			sub.h.OnClosed(env.Message)
		}
	case protocol.LabelNotice:
		c.log.Info("relay notice", zap.String("message", env.Message))
	}
}

func (c *Client) sub(id string) *wsSub {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.subs[id]
}

func (c *Client) write(ctx context.Context, frame []byte) error {
	c.mu.Lock()
	s := c.sess
	closed := c.state == transport.StateClosed
	c.mu.Unlock()
	if closed {
		return transport.ErrClosed
	}
	if s == nil {
		return transport.ErrNotConnected
	}
	select {
	case s.out <- frame:
		return nil
	case <-s.done:
		return transport.ErrNotConnected
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Client) failPending(err error) {
	c.mu.Lock()
	pending := c.pending
	c.pending = make(map[string][]chan okResult)
	c.mu.Unlock()
	for _, waiters := range pending {
		for _, ch := range waiters {
			ch <- okResult{err: err}
		}
	}
}

func (c *Client) dropPending(id string, ch chan okResult) {
	c.mu.Lock()
	defer c.mu.Unlock()
	waiters := c.pending[id]
	for i, w := range waiters {
		if w == ch {
			waiters = append(waiters[:i], waiters[i+1:]...)
			break
		}
	}
	if len(waiters) == 0 {
		delete(c.pending, id)
	} else {
		c.pending[id] = waiters
	}
}

func (c *Client) Publish(ctx context.Context, ev *event.Event) error {
	frame, err := (&protocol.Envelope{Label: protocol.LabelEvent, Event: ev}).Encode()
	if err != nil {
		return err
	}
	ch := make(chan okResult, 1)
	c.mu.Lock()
	c.pending[ev.ID] = append(c.pending[ev.ID], ch)
	c.mu.Unlock()
	defer c.dropPending(ev.ID, ch)

	if err := c.write(ctx, frame); err != nil {
		return err
	}
	select {
	case r := <-ch:
		if r.err != nil {
			return r.err
		}
		if !r.ok {
			return &transport.RejectedError{Relay: c.url, EventID: ev.ID, Message: r.msg}
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Client) sendReq(ctx context.Context, subID string, filters event.Filters) error {
	frame, err := (&protocol.Envelope{Label: protocol.LabelReq, SubID: subID, Filters: filters}).Encode()
	if err != nil {
		return err
	}
	return c.write(ctx, frame)
}

func (c *Client) Subscribe(ctx context.Context, subID string, filters event.Filters, h transport.SubHandler) error {
	c.mu.Lock()
	if c.state == transport.StateClosed {
		c.mu.Unlock()
		return transport.ErrClosed
	}
	c.subs[subID] = &wsSub{filters: filters, h: h}
	c.mu.Unlock()
	err := c.sendReq(ctx, subID, filters)
	if errors.Is(err, transport.ErrNotConnected) {
		// sent on connect
		return nil
	}
	return err
}

func (c *Client) Unsubscribe(subID string) error {
	c.mu.Lock()
	_, ok := c.subs[subID]
	delete(c.subs, subID)
	c.mu.Unlock()
	if !ok {
		return nil
	}
	frame, err := (&protocol.Envelope{Label: protocol.LabelClose, SubID: subID}).Encode()
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), writeWait)
	defer cancel()
	err = c.write(ctx, frame)
	if errors.Is(err, transport.ErrNotConnected) || errors.Is(err, transport.ErrClosed) {
		return nil
	}
	return err
}

func (c *Client) Close() error {
	c.closeOnce.Do(func() {
		c.setState(transport.StateClosed)
		c.cancel()
		c.mu.Lock()
		s := c.sess
		c.sess = nil
		c.mu.Unlock()
		if s != nil {
			_ = s.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
			_ = s.conn.Close()
		}
		c.failPending(transport.ErrClosed)
	})
	return nil
}
