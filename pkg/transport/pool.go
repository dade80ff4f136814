package transport

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/OpenAgentsInc/commander-sub021/pkg/event"
	"github.com/OpenAgentsInc/commander-sub021/pkg/observability"
)

// PoolOptions tunes a Pool.
type PoolOptions struct {
	// PublishTimeout bounds the wait for each relay's OK (default 5s).
	PublishTimeout time.Duration
	// PublishRate is events per second per relay; 0 disables throttling.
	PublishRate  float64
	PublishBurst int
	Logger       *zap.Logger
}

// Pool keeps at most one canonical Relay per normalized URL and shares it
// between every publish and subscription.
type Pool struct {
	opts PoolOptions
	log  *zap.Logger

	mu      sync.RWMutex
	relays  map[string]*relayEntry
	dialers map[string]Dialer
	subs    map[string]*Subscription
	closed  bool
}

type relayEntry struct {
	relay   Relay
	limiter *rate.Limiter
	// ready is closed once the first connect attempt finished; connErr holds its result.
	ready   chan struct{}
	connErr error
}

// NewPool returns an empty pool. Register dialers before use.
func NewPool(opts PoolOptions) *Pool {
	if opts.PublishTimeout <= 0 {
		opts.PublishTimeout = 5 * time.Second
	}
	if opts.PublishBurst <= 0 {
		opts.PublishBurst = 1
	}
	return &Pool{
		opts:    opts,
		log:     observability.Named(opts.Logger, "pool"),
		relays:  make(map[string]*relayEntry),
		dialers: make(map[string]Dialer),
		subs:    make(map[string]*Subscription),
	}
}

// RegisterDialer installs the factory used for URLs with the given scheme.
func (p *Pool) RegisterDialer(scheme string, d Dialer) {
	p.mu.Lock()
	p.dialers[scheme] = d
	p.mu.Unlock()
}

func (p *Pool) newLimiter() *rate.Limiter {
	if p.opts.PublishRate <= 0 {
		return rate.NewLimiter(rate.Inf, p.opts.PublishBurst)
	}
	return rate.NewLimiter(rate.Limit(p.opts.PublishRate), p.opts.PublishBurst)
}

// AddRelay registers r as the canonical relay for its URL. An existing relay
// is kept unless it is closed or r is connected while it is not; the loser
// is closed. It returns whether r was accepted and the relay it replaced.
func (p *Pool) AddRelay(r Relay) (accepted bool, replaced Relay) {
	u := NormalizeURL(r.URL())
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		_ = r.Close()
		return false, nil
	}
	cur := p.relays[u]
	if cur != nil && !better(r, cur.relay) {
		p.mu.Unlock()
		_ = r.Close()
		return false, nil
	}
	e := &relayEntry{relay: r, limiter: p.newLimiter(), ready: make(chan struct{})}
	if r.State() == StateConnected {
		close(e.ready)
	}
	p.relays[u] = e
	p.mu.Unlock()

	r.SetStateListener(p.onState)
	if cur != nil {
		replaced = cur.relay
		go func(old Relay) { _ = old.Close() }(replaced)
	}
	if r.State() != StateConnected {
		go p.connect(context.Background(), e)
	}
	return true, replaced
}

// better decides whether a should replace b as canonical.
func better(a, b Relay) bool {
	if b.State() == StateClosed {
		return true
	}
	return a.State() == StateConnected && b.State() != StateConnected
}

func (p *Pool) connect(ctx context.Context, e *relayEntry) {
	err := e.relay.Connect(ctx)
	if err != nil {
		p.log.Warn("relay connect failed", zap.String("relay", e.relay.URL()), zap.Error(err))
		observability.Metrics().RelayDials.WithLabelValues(e.relay.URL(), "error").Inc()
	} else {
		observability.Metrics().RelayDials.WithLabelValues(e.relay.URL(), "ok").Inc()
	}
	e.connErr = err
	close(e.ready)
}

// entry returns the canonical relay for u, dialing it on first use, and
// waits for the first connect attempt. A non-nil entry with a non-nil error
// means the relay exists but is not connected yet.
func (p *Pool) entry(ctx context.Context, u string) (*relayEntry, error) {
	u = NormalizeURL(u)
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, ErrClosed
	}
	e := p.relays[u]
	if e == nil {
		d := p.dialers[Scheme(u)]
		if d == nil {
			p.mu.Unlock()
			return nil, fmt.Errorf("%w: %s", ErrNoDialer, u)
		}
		r, err := d(u)
		if err != nil {
			p.mu.Unlock()
			return nil, fmt.Errorf("dial %s: %w", u, err)
		}
		e = &relayEntry{relay: r, limiter: p.newLimiter(), ready: make(chan struct{})}
		p.relays[u] = e
		p.mu.Unlock()
		r.SetStateListener(p.onState)
		go p.connect(context.WithoutCancel(ctx), e)
	} else {
		p.mu.Unlock()
	}

	select {
	case <-e.ready:
	case <-ctx.Done():
		return e, ctx.Err()
	}
	if e.relay.State() == StateConnected {
		return e, nil
	}
	if e.connErr != nil {
		return e, e.connErr
	}
	return e, ErrNotConnected
}

// Ensure returns the canonical relay for url, connecting it if needed.
func (p *Pool) Ensure(ctx context.Context, url string) (Relay, error) {
	e, err := p.entry(ctx, url)
	if e == nil {
		return nil, err
	}
	return e.relay, err
}

// PublishResult is the outcome of publishing to one relay.
type PublishResult struct {
	Relay   string
	Err     error
	Latency time.Duration
}

// OK reports whether the relay accepted the event.
func (r PublishResult) OK() bool { return r.Err == nil }

// Publish sends ev to every relay in urls concurrently. The channel yields
// one result per distinct relay, in completion order, and is closed after
// the last one.
func (p *Pool) Publish(ctx context.Context, urls []string, ev *event.Event) <-chan PublishResult {
	urls = Dedupe(urls)
	out := make(chan PublishResult, len(urls))
	var g errgroup.Group
	for _, u := range urls {
		g.Go(func() error {
			out <- p.publishOne(ctx, u, ev)
			return nil
		})
	}
	go func() {
		_ = g.Wait()
		close(out)
	}()
	return out
}

func (p *Pool) publishOne(ctx context.Context, u string, ev *event.Event) PublishResult {
	start := time.Now()
	res := PublishResult{Relay: u}
	e, err := p.entry(ctx, u)
	if err == nil {
		err = e.limiter.Wait(ctx)
	}
	if err == nil {
		pctx, cancel := context.WithTimeout(ctx, p.opts.PublishTimeout)
		err = e.relay.Publish(pctx, ev)
		cancel()
	}
	var rej *RejectedError
	if errors.As(err, &rej) && rej.Duplicate() {
		// the relay already stores this exact event
		err = nil
	}
	res.Err = err
	res.Latency = time.Since(start)

	m := observability.Metrics()
	if err != nil {
		m.RelayPublish.WithLabelValues(u, "error").Inc()
		p.log.Debug("publish failed", zap.String("relay", u), zap.String("event", ev.ID), zap.Error(err))
	} else {
		m.RelayPublish.WithLabelValues(u, "ok").Inc()
		m.PublishDuration.Observe(res.Latency.Seconds())
	}
	return res
}

// Handler receives merged frames of a pool subscription. Callbacks may run
// concurrently from different relays.
type Handler struct {
	OnEvent func(relay string, ev *event.Event)
	OnEOSE  func(relay string)
	// OnRelayDown fires when a relay leaves the live set; live is the number
	// of relays still delivering.
	OnRelayDown func(relay string, err error, live int)
	// OnRelayUp fires when a relay (re)joins the live set.
	OnRelayUp func(relay string, live int)
}

// Subscribe registers filters on every relay in urls under one fresh
// subscription id. Relays that fail are reported by Errors and skipped; it
// fails only when no relay could take the subscription at all.
func (p *Pool) Subscribe(ctx context.Context, urls []string, filters event.Filters, h Handler) (*Subscription, error) {
	urls = Dedupe(urls)
	if len(urls) == 0 {
		return nil, errors.New("subscribe: empty relay set")
	}
	sub := &Subscription{
		ID:   uuid.NewString(),
		pool: p,
		h:    h,
		live: make(map[string]bool, len(urls)),
		errs: make(map[string]error),
	}
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, ErrClosed
	}
	p.subs[sub.ID] = sub
	p.mu.Unlock()

	var g errgroup.Group
	for _, u := range urls {
		g.Go(func() error {
			e, err := p.entry(ctx, u)
			if e == nil {
				sub.fail(u, err)
				return nil
			}
			sub.addRelay(u)
			rh := SubHandler{
				OnEvent: func(ev *event.Event) {
					if !sub.isClosed() && h.OnEvent != nil {
						h.OnEvent(u, ev)
					}
				},
				OnEOSE: func() {
					if !sub.isClosed() && h.OnEOSE != nil {
						h.OnEOSE(u)
					}
				},
				OnClosed: func(reason string) {
					sub.setLive(u, false, fmt.Errorf("closed by relay: %s", reason))
				},
			}
			if serr := e.relay.Subscribe(ctx, sub.ID, filters, rh); serr != nil {
				sub.fail(u, serr)
				return nil
			}
			if err != nil {
				sub.fail(u, err)
				return nil
			}
			sub.markLive(u)
			return nil
		})
	}
	_ = g.Wait()

	if len(sub.Relays()) == 0 {
		p.mu.Lock()
		delete(p.subs, sub.ID)
		p.mu.Unlock()
		return nil, fmt.Errorf("subscribe: no relay usable: %w", errors.Join(sub.errorList()...))
	}
	observability.Metrics().ActiveSubscriptions.Inc()
	p.log.Debug("subscribed", zap.String("sub", sub.ID), zap.Int("relays", len(sub.Relays())), zap.Int("live", sub.Live()))
	return sub, nil
}

func (p *Pool) onState(url string, s State) {
	u := NormalizeURL(url)
	g := observability.Metrics().RelayConnected.WithLabelValues(u)
	if s == StateConnected {
		g.Set(1)
	} else {
		g.Set(0)
	}
	p.log.Debug("relay state", zap.String("relay", u), zap.Stringer("state", s))

	p.mu.RLock()
	subs := make([]*Subscription, 0, len(p.subs))
	for _, sub := range p.subs {
		subs = append(subs, sub)
	}
	p.mu.RUnlock()
	for _, sub := range subs {
		if !sub.hasRelay(u) {
			continue
		}
		switch s {
		case StateConnected:
			sub.setLive(u, true, nil)
		case StateDisconnected, StateClosed:
			sub.setLive(u, false, ErrNotConnected)
		}
	}
}

// RelayStatus is a snapshot of one pooled relay.
type RelayStatus struct {
	URL   string `json:"url"`
	Kind  string `json:"kind"`
	State string `json:"state"`
}

// Relays lists the pooled relays sorted by URL.
func (p *Pool) Relays() []RelayStatus {
	p.mu.RLock()
	out := make([]RelayStatus, 0, len(p.relays))
	for u, e := range p.relays {
		out = append(out, RelayStatus{URL: u, Kind: e.relay.Kind().String(), State: e.relay.State().String()})
	}
	p.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].URL < out[j].URL })
	return out
}

// Close closes every relay. Open subscriptions stop receiving.
func (p *Pool) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	relays := make([]Relay, 0, len(p.relays))
	for _, e := range p.relays {
		relays = append(relays, e.relay)
	}
	p.relays = map[string]*relayEntry{}
	subs := p.subs
	p.subs = map[string]*Subscription{}
	p.mu.Unlock()

	for _, s := range subs {
		s.markClosed()
	}
	var errs []error
	for _, r := range relays {
		if err := r.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Dedupe normalizes urls and drops empties and repeats, keeping order.
func Dedupe(urls []string) []string {
	seen := make(map[string]struct{}, len(urls))
	out := make([]string, 0, len(urls))
	for _, u := range urls {
		n := NormalizeURL(u)
		if n == "" {
			continue
		}
		if _, ok := seen[n]; ok {
			continue
		}
		seen[n] = struct{}{}
		out = append(out, n)
	}
	return out
}
