package dvm

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/OpenAgentsInc/commander-sub021/pkg/event"
	"github.com/OpenAgentsInc/commander-sub021/pkg/ledger"
	"github.com/OpenAgentsInc/commander-sub021/pkg/observability"
	"github.com/OpenAgentsInc/commander-sub021/pkg/transport"
)

// Subscriber opens multi-relay subscriptions.
type Subscriber interface {
	Subscribe(ctx context.Context, urls []string, filters event.Filters, h transport.Handler) (*transport.Subscription, error)
}

// Connectivity reports a change of a job's live relay set.
type Connectivity struct {
	RequestID string
	Relay     string
	Live      int
	// Lost is true when no relay delivers any more, false when delivery
	// came back.
	Lost bool
	Err  error
}

// Handlers are the per-job callbacks. They run outside the job lock and may
// call back into the client. Any of them may be nil.
type Handlers struct {
	OnStatus       func(StatusUpdate)
	OnResult       func(Result)
	OnTerminal     func(ledger.Entry)
	OnConnectivity func(Connectivity)
	// OnWarning receives reply and relay errors that did not change the
	// job: *DecryptionError and *SubscriptionError.
	OnWarning func(error)
}

// LogHandlers returns handlers that only log a job's progress, for jobs
// followed in the background.
func LogHandlers(log *zap.Logger, id string) Handlers {
	log = log.With(zap.String("id", id))
	return Handlers{
		OnStatus: func(s StatusUpdate) {
			log.Info("job status", zap.String("status", string(s.Status)), zap.String("info", s.Info))
		},
		OnTerminal: func(e ledger.Entry) {
			log.Info("job finished", zap.String("state", string(e.State)))
		},
		OnConnectivity: func(c Connectivity) {
			log.Warn("job connectivity", zap.Bool("lost", c.Lost), zap.Int("live", c.Live))
		},
		OnWarning: func(err error) {
			log.Debug("job warning", zap.Error(err))
		},
	}
}

// TrackedJob is what the correlator needs to know about a dispatched request.
type TrackedJob struct {
	Request *event.Event
	// SecretKey decrypts replies addressed to the requester.
	SecretKey    string
	Provider     string
	Encrypted    bool
	InputSummary string
	Model        string
	Relays       []string
}

// CorrelatorOptions tunes reply filters.
type CorrelatorOptions struct {
	// SinceSkew moves the filter's since bound before the request time.
	SinceSkew time.Duration
	// Limit caps stored events returned per filter.
	Limit int
	// AnnounceCancel publishes a deletion for cancelled requests.
	AnnounceCancel bool
	Logger         *zap.Logger
}

// Correlator matches replies to tracked jobs and drives their state.
// Each job owns a context with its own lock; jobs never contend.
type Correlator struct {
	sub      Subscriber
	pub      Publisher
	codec    *Codec
	identity Identity
	ledger   *ledger.Ledger
	opts     CorrelatorOptions
	log      *zap.Logger

	mu   sync.Mutex
	jobs map[string]*jobCtx
}

type jobCtx struct {
	id        string
	kind      int
	provider  string
	sk        string
	createdAt int64
	relays    []string

	mu       sync.Mutex
	sub      *transport.Subscription
	handlers Handlers
	seen     map[string]struct{}
	done     bool
	doneCh   chan struct{}
	lost     bool
}

// NewCorrelator wires a correlator. pub is used only for cancel announcements
// and may be nil.
func NewCorrelator(sub Subscriber, pub Publisher, codec *Codec, l *ledger.Ledger, opts CorrelatorOptions) *Correlator {
	if opts.SinceSkew <= 0 {
		opts.SinceSkew = 30 * time.Second
	}
	if opts.Limit <= 0 {
		opts.Limit = 100
	}
	return &Correlator{
		sub:      sub,
		pub:      pub,
		codec:    codec,
		identity: codec.identity,
		ledger:   l,
		opts:     opts,
		log:      observability.Named(opts.Logger, "correlator"),
		jobs:     make(map[string]*jobCtx),
	}
}

// JobFilters builds the two reply filters of a job: results of the matching
// kind (from the provider when targeted) and status updates, both bound to
// the request id.
func JobFilters(id string, kind int, provider string, createdAt int64, skew time.Duration, limit int) event.Filters {
	since := createdAt - int64(skew/time.Second)
	if since < 0 {
		since = 0
	}
	results := event.Filter{
		Kinds: []int{event.ResultKind(kind)},
		Tags:  map[string][]string{"e": {id}},
		Since: since,
		Limit: limit,
	}
	if provider != "" {
		results.Authors = []string{provider}
	}
	status := event.Filter{
		Kinds: []int{event.KindJobFeedback},
		Tags:  map[string][]string{"e": {id}},
		Since: since,
		Limit: limit,
	}
	return event.Filters{results, status}
}

// Track records a pending ledger entry and opens the job context. A request
// whose id already finished in the ledger is left alone; subscribing to it
// yields a handle that is already done.
func (c *Correlator) Track(j TrackedJob) error {
	if j.Request == nil || j.Request.ID == "" {
		return &ValidationError{Field: "request", Reason: "missing"}
	}
	ev := j.Request
	if prev, ok := c.ledger.Get(ev.ID); ok && prev.State.Terminal() {
		c.log.Info("request already finished; not reopened", zap.String("id", ev.ID), zap.String("state", string(prev.State)))
		return nil
	}
	var bidSats int64
	if bid, err := strconv.ParseInt(ev.Tags.Value("bid"), 10, 64); err == nil && bid > 0 {
		bidSats = bid / 1000
	}
	if err := c.ledger.Record(ledger.Entry{
		RequestID:         ev.ID,
		RequesterKey:      ev.PubKey,
		JobKind:           ev.Kind,
		InputSummary:      j.InputSummary,
		State:             ledger.StatePending,
		Provider:          j.Provider,
		Encrypted:         j.Encrypted,
		ProviderModelUsed: j.Model,
		AmountRequested:   bidSats,
		CreatedUnixMs:     ev.CreatedAt * 1000,
	}); err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.jobs[ev.ID]; ok {
		return nil
	}
	c.jobs[ev.ID] = &jobCtx{
		id:        ev.ID,
		kind:      ev.Kind,
		provider:  j.Provider,
		sk:        j.SecretKey,
		createdAt: ev.CreatedAt,
		relays:    transport.Dedupe(j.Relays),
		seen:      make(map[string]struct{}),
		doneCh:    make(chan struct{}),
	}
	return nil
}

// Resume opens a context for a ledger entry that is still running but has
// none, such as a job restored from a snapshot. It reports whether a context
// was opened.
func (c *Correlator) Resume(e ledger.Entry, sk string, relays []string) bool {
	if e.RequestID == "" || e.State.Terminal() || len(relays) == 0 {
		return false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.jobs[e.RequestID]; ok {
		return false
	}
	c.jobs[e.RequestID] = &jobCtx{
		id:        e.RequestID,
		kind:      e.JobKind,
		provider:  e.Provider,
		sk:        sk,
		createdAt: e.CreatedUnixMs / 1000,
		relays:    transport.Dedupe(relays),
		seen:      make(map[string]struct{}),
		doneCh:    make(chan struct{}),
	}
	c.log.Info("job resumed", zap.String("id", e.RequestID), zap.String("state", string(e.State)))
	return true
}

func (c *Correlator) job(id string) *jobCtx {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.jobs[id]
}

// Active is the number of jobs with an open context.
func (c *Correlator) Active() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.jobs)
}

// JobSubscription is the caller's handle on a job subscription.
type JobSubscription struct {
	RequestID string
	c         *Correlator
	jc        *jobCtx
	done      chan struct{}
}

// Done is closed when the job reaches a terminal state.
func (s *JobSubscription) Done() <-chan struct{} { return s.done }

// Entry returns the current ledger entry.
func (s *JobSubscription) Entry() (ledger.Entry, bool) { return s.c.ledger.Get(s.RequestID) }

// Unsubscribe stops reply delivery without changing the job state. The job
// can be subscribed again.
func (s *JobSubscription) Unsubscribe() {
	if s.jc == nil {
		return
	}
	s.jc.mu.Lock()
	sub := s.jc.sub
	s.jc.sub = nil
	s.jc.handlers = Handlers{}
	s.jc.mu.Unlock()
	if sub != nil {
		sub.Unsubscribe()
	}
}

var closedCh = func() chan struct{} { ch := make(chan struct{}); close(ch); return ch }()

// Subscribe opens the reply subscription of a tracked job on its relays.
// A job that already finished returns a handle whose Done is closed.
// Subscribing again replaces the handlers.
func (c *Correlator) Subscribe(ctx context.Context, id string, h Handlers) (*JobSubscription, error) {
	jc := c.job(id)
	if jc == nil {
		e, ok := c.ledger.Get(id)
		if ok && e.State.Terminal() {
			return &JobSubscription{RequestID: id, c: c, done: closedCh}, nil
		}
		return nil, ErrUnknownJob
	}

	jc.mu.Lock()
	jc.handlers = h
	if jc.sub != nil || jc.done {
		jc.mu.Unlock()
		return &JobSubscription{RequestID: id, c: c, jc: jc, done: jc.doneCh}, nil
	}
	jc.mu.Unlock()

	filters := JobFilters(id, jc.kind, jc.provider, jc.createdAt, c.opts.SinceSkew, c.opts.Limit)
	sub, err := c.sub.Subscribe(ctx, jc.relays, filters, transport.Handler{
		OnEvent: func(relay string, ev *event.Event) { c.handle(jc, relay, ev) },
		OnEOSE: func(relay string) {
			c.log.Debug("stored replies done", zap.String("id", id), zap.String("relay", relay))
		},
		OnRelayDown: func(relay string, err error, live int) { c.relayDown(jc, relay, err, live) },
		OnRelayUp:   func(relay string, live int) { c.relayUp(jc, relay, live) },
	})
	if err != nil {
		return nil, &SubscriptionError{RequestID: id, Err: err}
	}

	jc.mu.Lock()
	if jc.done {
		jc.mu.Unlock()
		sub.Unsubscribe()
		return &JobSubscription{RequestID: id, c: c, jc: jc, done: jc.doneCh}, nil
	}
	jc.sub = sub
	handlers := jc.handlers
	jc.mu.Unlock()

	for relay, rerr := range sub.Errors() {
		c.log.Warn("relay unavailable for job", zap.String("id", id), zap.String("relay", relay), zap.Error(rerr))
		if handlers.OnWarning != nil {
			handlers.OnWarning(&SubscriptionError{RequestID: id, Relay: relay, Err: rerr})
		}
	}
	if sub.Live() == 0 {
		c.relayDown(jc, "", errors.New("no relay connected"), 0)
	}
	c.log.Debug("job subscribed", zap.String("id", id), zap.Strings("relays", sub.Relays()), zap.Int("live", sub.Live()))
	return &JobSubscription{RequestID: id, c: c, jc: jc, done: jc.doneCh}, nil
}

func drop(reason string) { observability.Metrics().RepliesDropped.WithLabelValues(reason).Inc() }

// handle runs for every reply delivered by any relay of the job.
func (c *Correlator) handle(jc *jobCtx, relay string, ev *event.Event) {
	jc.mu.Lock()
	if jc.done {
		jc.mu.Unlock()
		drop("terminal")
		c.log.Debug("reply after terminal state", zap.String("id", jc.id), zap.String("event", ev.ID))
		return
	}
	_, dup := jc.seen[ev.ID]
	jc.mu.Unlock()
	if dup {
		drop("duplicate")
		return
	}

	if err := c.identity.Verify(ev); err != nil {
		drop("signature")
		c.log.Debug("dropping reply with bad signature", zap.String("event", ev.ID), zap.String("relay", relay), zap.Error(err))
		return
	}
	if jc.provider != "" && ev.PubKey != jc.provider {
		drop("provider")
		return
	}
	if ev.Kind != event.KindJobFeedback && ev.Kind != event.ResultKind(jc.kind) {
		drop("kind")
		return
	}

	plain, derr := c.codec.DecodeReply(jc.sk, ev.PubKey, ev)
	clear := ev.Clone()
	clear.Content = plain.Content
	m, err := Classify(clear)
	if err != nil || m.RequestID != jc.id {
		drop("unmatched")
		return
	}
	m.Event = ev
	m.Unreadable = plain.Unreadable
	observability.Metrics().RepliesReceived.WithLabelValues(m.Class.String()).Inc()

	var warning error
	if derr != nil {
		observability.Metrics().DecryptFailures.Inc()
		c.log.Warn("reply unreadable", zap.String("id", jc.id), zap.String("event", ev.ID), zap.Error(derr))
		warning = derr
	}

	jc.mu.Lock()
	if jc.done {
		jc.mu.Unlock()
		drop("terminal")
		return
	}
	if _, dup := jc.seen[ev.ID]; dup {
		jc.mu.Unlock()
		drop("duplicate")
		return
	}
	jc.seen[ev.ID] = struct{}{}
	to, fields, update := c.decide(m)
	var entry ledger.Entry
	terminal := false
	if to != "" {
		applied, terr := c.ledger.Transition(jc.id, to, fields)
		if terr != nil {
			c.log.Error("ledger transition failed", zap.String("id", jc.id), zap.Error(terr))
		}
		if applied && to.Terminal() {
			terminal = true
			entry = c.finishLocked(jc)
		}
	} else if update {
		if _, uerr := c.ledger.Update(jc.id, fields); uerr != nil {
			c.log.Error("ledger update failed", zap.String("id", jc.id), zap.Error(uerr))
		}
	}
	h := jc.handlers
	sub := jc.sub
	if terminal {
		jc.sub = nil
	}
	jc.mu.Unlock()

	if warning != nil && h.OnWarning != nil {
		h.OnWarning(warning)
	}
	switch m.Class {
	case ClassStatus:
		if h.OnStatus != nil {
			h.OnStatus(*m.Status)
		}
	case ClassResult:
		if h.OnResult != nil {
			h.OnResult(*m.Result)
		}
	}
	if terminal {
		c.release(jc, sub, entry, h)
	}
}

// decide maps a reply to a ledger change. Unreadable replies never move the
// state.
func (c *Correlator) decide(m Message) (to ledger.State, f ledger.Fields, update bool) {
	if m.Unreadable {
		return "", f, false
	}
	switch m.Class {
	case ClassStatus:
		st := m.Status
		switch st.Status {
		case StatusProcessing:
			return ledger.StateProcessing, f, false
		case StatusError:
			f.ErrorDetail = firstNonEmpty(st.Info, st.Content, "provider reported error")
			return ledger.StateError, f, false
		case StatusSuccess:
			f.ResultSummary = clip(firstNonEmpty(st.Content, st.Info))
			return ledger.StateCompleted, f, false
		case StatusPaymentRequired:
			if st.Amount != nil && st.Amount.Sats() > 0 {
				f.AmountRequested = st.Amount.Sats()
				return "", f, true
			}
		}
	case ClassResult:
		f.ResultSummary = clip(m.Result.Payload)
		if m.Result.Payment != nil {
			f.AmountRequested = m.Result.Payment.Sats()
		}
		return ledger.StateCompleted, f, false
	}
	return "", f, false
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

func clip(s string) string {
	if r := []rune(s); len(r) > 200 {
		return string(r[:197]) + "..."
	}
	return s
}

// finishLocked marks jc terminal and removes it from the arena. jc.mu is held.
func (c *Correlator) finishLocked(jc *jobCtx) ledger.Entry {
	jc.done = true
	close(jc.doneCh)
	c.mu.Lock()
	delete(c.jobs, jc.id)
	c.mu.Unlock()
	e, _ := c.ledger.Get(jc.id)
	return e
}

func (c *Correlator) release(jc *jobCtx, sub *transport.Subscription, e ledger.Entry, h Handlers) {
	if sub != nil {
		sub.Unsubscribe()
	}
	c.log.Info("job finished", zap.String("id", jc.id), zap.String("state", string(e.State)))
	if h.OnTerminal != nil {
		h.OnTerminal(e)
	}
}

func (c *Correlator) relayDown(jc *jobCtx, relay string, err error, live int) {
	jc.mu.Lock()
	h := jc.handlers
	lost := live == 0 && !jc.lost && !jc.done
	if lost {
		jc.lost = true
	}
	jc.mu.Unlock()

	if relay != "" {
		c.log.Warn("relay dropped job subscription", zap.String("id", jc.id), zap.String("relay", relay), zap.Int("live", live), zap.Error(err))
		if h.OnWarning != nil {
			h.OnWarning(&SubscriptionError{RequestID: jc.id, Relay: relay, Err: err})
		}
	}
	if !lost {
		return
	}
	observability.Metrics().RelaySetLost.Inc()
	c.log.Warn("all relays lost for job; waiting for reconnect", zap.String("id", jc.id))
	if h.OnConnectivity != nil {
		h.OnConnectivity(Connectivity{RequestID: jc.id, Relay: relay, Live: 0, Lost: true, Err: err})
	}
}

func (c *Correlator) relayUp(jc *jobCtx, relay string, live int) {
	jc.mu.Lock()
	h := jc.handlers
	restored := jc.lost && !jc.done
	jc.lost = false
	jc.mu.Unlock()
	if !restored {
		return
	}
	c.log.Info("relay connectivity restored for job", zap.String("id", jc.id), zap.String("relay", relay), zap.Int("live", live))
	if h.OnConnectivity != nil {
		h.OnConnectivity(Connectivity{RequestID: jc.id, Relay: relay, Live: live})
	}
}

// Cancel moves a job to cancelled and drops its subscription. Cancelling a
// finished job is a no-op. A running job without a context, one restored
// from a snapshot or left over after Close, is cancelled in the ledger only.
func (c *Correlator) Cancel(ctx context.Context, id string) error {
	jc := c.job(id)
	if jc == nil {
		if _, ok := c.ledger.Get(id); !ok {
			return ErrUnknownJob
		}
		applied, err := c.ledger.Transition(id, ledger.StateCancelled, ledger.Fields{ErrorDetail: "cancelled by requester"})
		if applied {
			c.log.Info("untracked job cancelled", zap.String("id", id))
		}
		return err
	}
	jc.mu.Lock()
	if jc.done {
		jc.mu.Unlock()
		return nil
	}
	applied, err := c.ledger.Transition(id, ledger.StateCancelled, ledger.Fields{ErrorDetail: "cancelled by requester"})
	if err != nil || !applied {
		jc.mu.Unlock()
		return err
	}
	e := c.finishLocked(jc)
	sub, h := jc.sub, jc.handlers
	jc.sub = nil
	jc.mu.Unlock()

	c.release(jc, sub, e, h)
	if c.opts.AnnounceCancel {
		c.announceCancel(ctx, jc)
	}
	return nil
}

// announceCancel publishes a deletion of the request. Failures are logged.
func (c *Correlator) announceCancel(ctx context.Context, jc *jobCtx) {
	if c.pub == nil || jc.sk == "" || len(jc.relays) == 0 {
		return
	}
	del := &event.Event{
		Kind:      event.KindDeletion,
		CreatedAt: c.codec.now().Unix(),
		Tags:      event.Tags{{"e", jc.id}, {"k", strconv.Itoa(jc.kind)}},
		Content:   "job cancelled",
	}
	if err := c.identity.Sign(del, jc.sk); err != nil {
		c.log.Warn("sign cancel announcement", zap.String("id", jc.id), zap.Error(err))
		return
	}
	accepted := 0
	for r := range c.pub.Publish(ctx, jc.relays, del) {
		if r.Err == nil {
			accepted++
		}
	}
	c.log.Debug("cancel announced", zap.String("id", jc.id), zap.Int("accepted", accepted))
}

// MarkPaid records a caller-reported payment and moves the job to paid.
// Payments are not verified.
func (c *Correlator) MarkPaid(id string, sats int64) (bool, error) {
	jc := c.job(id)
	if jc == nil {
		if _, ok := c.ledger.Get(id); !ok {
			return false, ErrUnknownJob
		}
		return c.ledger.Transition(id, ledger.StatePaid, ledger.Fields{AmountReceived: sats})
	}
	jc.mu.Lock()
	defer jc.mu.Unlock()
	if jc.done {
		return false, nil
	}
	return c.ledger.Transition(id, ledger.StatePaid, ledger.Fields{AmountReceived: sats})
}

// Close drops every job subscription. Jobs keep their ledger state.
func (c *Correlator) Close() {
	c.mu.Lock()
	jobs := c.jobs
	c.jobs = make(map[string]*jobCtx)
	c.mu.Unlock()
	for _, jc := range jobs {
		jc.mu.Lock()
		sub := jc.sub
		jc.sub = nil
		jc.handlers = Handlers{}
		jc.mu.Unlock()
		if sub != nil {
			sub.Unsubscribe()
		}
	}
}
