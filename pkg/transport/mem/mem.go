// Package mem provides in-process relays attached to relay.Hub instances.
// They are used in tests and for single-process setups, and support fault
// injection: publish rejection, publish delay and link loss.
package mem

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/OpenAgentsInc/commander-sub021/pkg/event"
	"github.com/OpenAgentsInc/commander-sub021/pkg/relay"
	"github.com/OpenAgentsInc/commander-sub021/pkg/transport"
)

// Network maps mem://<name> URLs to hubs.
type Network struct {
	mu     sync.Mutex
	hubs   map[string]*relay.Hub
	relays map[string]*Relay
	down   map[string]bool
	opts   relay.Options
}

// NewNetwork creates an empty network. Hubs are created on first use with opts.
func NewNetwork(opts relay.Options) *Network {
	return &Network{
		hubs:   make(map[string]*relay.Hub),
		relays: make(map[string]*Relay),
		down:   make(map[string]bool),
		opts:   opts,
	}
}

func hubName(url string) string {
	_, rest, _ := strings.Cut(transport.NormalizeURL(url), "://")
	return rest
}

// Hub returns the hub behind url, creating it if needed.
func (n *Network) Hub(url string) *relay.Hub {
	name := hubName(url)
	n.mu.Lock()
	defer n.mu.Unlock()
	h := n.hubs[name]
	if h == nil {
		h = relay.NewHub(n.opts)
		n.hubs[name] = h
	}
	return h
}

// SetDown makes later Connect calls for url fail until cleared.
func (n *Network) SetDown(url string, down bool) {
	n.mu.Lock()
	n.down[hubName(url)] = down
	n.mu.Unlock()
}

func (n *Network) isDown(url string) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.down[hubName(url)]
}

// Dial is a transport.Dialer for the mem scheme.
func (n *Network) Dial(url string) (transport.Relay, error) {
	if transport.Scheme(url) != "mem" {
		return nil, fmt.Errorf("mem: unsupported url %q", url)
	}
	r := newRelay(transport.NormalizeURL(url), n)
	n.mu.Lock()
	n.relays[r.url] = r
	n.mu.Unlock()
	return r, nil
}

// Relay returns the most recently dialed relay for url.
func (n *Network) Relay(url string) *Relay {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.relays[transport.NormalizeURL(url)]
}

// Close closes every hub.
func (n *Network) Close() {
	n.mu.Lock()
	hubs := n.hubs
	n.hubs = map[string]*relay.Hub{}
	n.mu.Unlock()
	for _, h := range hubs {
		h.Close()
	}
}

type memSub struct {
	filters event.Filters
	h       transport.SubHandler
}

// Relay is a transport.Relay whose link is a direct call into a hub.
// Frames from the hub are queued and handed to subscription handlers on a
// dedicated goroutine, like a socket read loop.
type Relay struct {
	url    string
	net    *Network
	connID string

	mu       sync.Mutex
	state    transport.State
	subs     map[string]*memSub
	listener func(string, transport.State)
	reject   string
	delay    time.Duration

	qmu       sync.Mutex
	queue     []func()
	wake      chan struct{}
	done      chan struct{}
	closeOnce sync.Once
}

func newRelay(url string, n *Network) *Relay {
	r := &Relay{
		url:    url,
		net:    n,
		connID: uuid.NewString(),
		subs:   make(map[string]*memSub),
		wake:   make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
	go r.loop()
	return r
}

func (r *Relay) URL() string          { return r.url }
func (r *Relay) Kind() transport.Kind { return transport.KindMem }
func (r *Relay) hub() *relay.Hub      { return r.net.Hub(r.url) }

func (r *Relay) State() transport.State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

func (r *Relay) SetStateListener(fn func(string, transport.State)) {
	r.mu.Lock()
	r.listener = fn
	r.mu.Unlock()
}

// Reject makes every later publish fail with msg, e.g. "blocked: no".
// An empty msg restores normal behavior.
func (r *Relay) Reject(msg string) {
	r.mu.Lock()
	r.reject = msg
	r.mu.Unlock()
}

// Delay holds every later publish for d before acknowledging it.
func (r *Relay) Delay(d time.Duration) {
	r.mu.Lock()
	r.delay = d
	r.mu.Unlock()
}

func (r *Relay) setState(s transport.State) {
	r.mu.Lock()
	if r.state == s || r.state == transport.StateClosed {
		r.mu.Unlock()
		return
	}
	r.state = s
	fn := r.listener
	r.mu.Unlock()
	if fn != nil {
		fn(r.url, s)
	}
}

func (r *Relay) Connect(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r.mu.Lock()
	switch r.state {
	case transport.StateClosed:
		r.mu.Unlock()
		return transport.ErrClosed
	case transport.StateConnected:
		r.mu.Unlock()
		return nil
	}
	r.mu.Unlock()
	if r.net.isDown(r.url) {
		return fmt.Errorf("mem: %s unreachable", r.url)
	}

	r.mu.Lock()
	subs := make(map[string]*memSub, len(r.subs))
	for id, s := range r.subs {
		subs[id] = s
	}
	r.mu.Unlock()
	r.setState(transport.StateConnected)
	for id, s := range subs {
		r.register(id, s)
	}
	return nil
}

// Disconnect simulates link loss. Subscriptions are kept and re-issued by
// the next Connect.
func (r *Relay) Disconnect() {
	r.hub().Disconnect(r.connID)
	r.setState(transport.StateDisconnected)
}

func (r *Relay) Publish(ctx context.Context, ev *event.Event) error {
	r.mu.Lock()
	state, reject, delay := r.state, r.reject, r.delay
	r.mu.Unlock()
	if state == transport.StateClosed {
		return transport.ErrClosed
	}
	if state != transport.StateConnected {
		return transport.ErrNotConnected
	}
	if delay > 0 {
		t := time.NewTimer(delay)
		defer t.Stop()
		select {
		case <-t.C:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if reject != "" {
		return &transport.RejectedError{Relay: r.url, EventID: ev.ID, Message: reject}
	}
	if ok, msg := r.hub().Publish(ev.Clone()); !ok {
		return &transport.RejectedError{Relay: r.url, EventID: ev.ID, Message: msg}
	}
	return nil
}

func (r *Relay) Subscribe(_ context.Context, subID string, filters event.Filters, h transport.SubHandler) error {
	s := &memSub{filters: filters, h: h}
	r.mu.Lock()
	if r.state == transport.StateClosed {
		r.mu.Unlock()
		return transport.ErrClosed
	}
	r.subs[subID] = s
	connected := r.state == transport.StateConnected
	r.mu.Unlock()
	if connected {
		r.register(subID, s)
	}
	return nil
}

func (r *Relay) register(subID string, s *memSub) {
	err := r.hub().Subscribe(r.connID, subID, s.filters,
		func(ev *event.Event) {
			r.enqueue(func() {
				if r.current(subID, s) && s.h.OnEvent != nil {
					s.h.OnEvent(ev)
				}
			})
		},
		func() {
			r.enqueue(func() {
				if r.current(subID, s) && s.h.OnEOSE != nil {
					s.h.OnEOSE()
				}
			})
		})
	if err != nil {
		r.mu.Lock()
		delete(r.subs, subID)
		r.mu.Unlock()
		r.enqueue(func() {
			if s.h.OnClosed != nil {
				s.h.OnClosed(err.Error())
			}
		})
	}
}

// current reports whether s is still the live subscription under subID.
func (r *Relay) current(subID string, s *memSub) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state == transport.StateConnected && r.subs[subID] == s
}

func (r *Relay) Unsubscribe(subID string) error {
	r.mu.Lock()
	delete(r.subs, subID)
	r.mu.Unlock()
	r.hub().Unsubscribe(r.connID, subID)
	return nil
}

func (r *Relay) Close() error {
	r.closeOnce.Do(func() {
		r.hub().Disconnect(r.connID)
		r.setState(transport.StateClosed)
		close(r.done)
	})
	return nil
}

func (r *Relay) enqueue(fn func()) {
	r.qmu.Lock()
	r.queue = append(r.queue, fn)
	r.qmu.Unlock()
	select {
	case r.wake <- struct{}{}:
	default:
	}
}

func (r *Relay) loop() {
	for {
		select {
		case <-r.done:
			return
		case <-r.wake:
		}
		for {
			r.qmu.Lock()
			batch := r.queue
			r.queue = nil
			r.qmu.Unlock()
			if len(batch) == 0 {
				break
			}
			for _, fn := range batch {
				fn()
			}
		}
	}
}
