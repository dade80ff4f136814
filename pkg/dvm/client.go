package dvm

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/OpenAgentsInc/commander-sub021/pkg/config"
	"github.com/OpenAgentsInc/commander-sub021/pkg/event"
	"github.com/OpenAgentsInc/commander-sub021/pkg/identity"
	"github.com/OpenAgentsInc/commander-sub021/pkg/ledger"
	"github.com/OpenAgentsInc/commander-sub021/pkg/observability"
	"github.com/OpenAgentsInc/commander-sub021/pkg/transport"
)

// RelayPool is what the client needs from the shared relay pool.
type RelayPool interface {
	Publisher
	Subscriber
}

// Options configures a Client.
type Options struct {
	// SecretKey signs requests and decrypts replies. Required.
	SecretKey string
	// WriteRelays receive requests; ReadRelays carry replies. When one is
	// empty the other is used for both.
	WriteRelays []string
	ReadRelays  []string
	Pool        RelayPool
	// Ledger is owned by the caller when set; otherwise the client creates
	// and closes a private one.
	Ledger   *ledger.Ledger
	Identity Identity
	Cipher   Cipher
	Jobs     config.JobsConfig
	Logger   *zap.Logger
}

// JobParams is one job submission.
type JobParams struct {
	Kind       int
	Inputs     []Input
	Params     []Param
	OutputMime string
	BidMsats   int64
	// EncryptFor encrypts the request to this provider key and targets it.
	EncryptFor string
	// ReplyTo targets a provider in the clear.
	ReplyTo string
	// Relays overrides the configured write relays for this job.
	Relays []string
}

// DispatchOutcome is the result of a successful dispatch.
type DispatchOutcome struct {
	RequestID string
	Event     *event.Event
	Encrypted bool
	Provider  string
	Report    *DispatchReport
	// Warnings lists request options that were ignored, see EncodeRequest,
	// and a tracking failure after the request went out.
	Warnings []error
	// Finished is set when the request is identical to a job that already
	// reached a terminal state. Nothing was published and Report is nil.
	Finished bool
}

// Client dispatches jobs and tracks their replies.
type Client struct {
	sk         string
	pub        string
	write      []string
	read       []string
	jobs       config.JobsConfig
	codec      *Codec
	dispatcher *Dispatcher
	correlator *Correlator
	ledger     *ledger.Ledger
	ownLedger  bool
	closed     atomic.Bool
	log        *zap.Logger
}

// NewClient validates opts and wires the client's components.
func NewClient(opts Options) (*Client, error) {
	if opts.Pool == nil {
		return nil, &ValidationError{Field: "pool", Reason: "missing"}
	}
	if opts.Identity == nil {
		opts.Identity = identity.Signer{}
	}
	pub, err := opts.Identity.PublicKey(opts.SecretKey)
	if err != nil {
		return nil, &ValidationError{Field: "secret_key", Reason: err.Error()}
	}
	write, read := transport.Dedupe(opts.WriteRelays), transport.Dedupe(opts.ReadRelays)
	if len(write) == 0 {
		write = read
	}
	if len(read) == 0 {
		read = write
	}
	if len(write) == 0 {
		return nil, &ValidationError{Field: "relays", Reason: "no relays configured"}
	}
	log := observability.Named(opts.Logger, "dvm")
	c := &Client{
		sk:     opts.SecretKey,
		pub:    pub,
		write:  write,
		read:   read,
		jobs:   opts.Jobs,
		ledger: opts.Ledger,
		log:    log,
	}
	if c.ledger == nil {
		c.ledger = ledger.New(ledger.Options{Logger: opts.Logger})
		c.ownLedger = true
	}
	c.codec = NewCodec(opts.Identity, opts.Cipher, opts.Logger)
	c.dispatcher = NewDispatcher(opts.Pool, opts.Logger)
	c.correlator = NewCorrelator(opts.Pool, opts.Pool, c.codec, c.ledger, CorrelatorOptions{
		SinceSkew:      time.Duration(opts.Jobs.SinceSkewSec) * time.Second,
		Limit:          opts.Jobs.Limit,
		AnnounceCancel: opts.Jobs.AnnounceCancel,
		Logger:         opts.Logger,
	})
	return c, nil
}

// PublicKey is the requester key of this client.
func (c *Client) PublicKey() string { return c.pub }

// Ledger exposes the job ledger.
func (c *Client) Ledger() *ledger.Ledger { return c.ledger }

// Dispatch encodes, signs and publishes a job, then starts tracking it.
// The job is tracked only when at least one relay accepted the request.
func (c *Client) Dispatch(ctx context.Context, p JobParams) (*DispatchOutcome, error) {
	if c.closed.Load() {
		return nil, ErrClosed
	}
	kind := p.Kind
	if kind == 0 {
		kind = c.jobs.DefaultKind
	}
	mime := p.OutputMime
	if mime == "" {
		mime = c.jobs.OutputMime
	}
	bid := p.BidMsats
	if bid == 0 {
		bid = c.jobs.DefaultBid
	}
	replyTo := p.ReplyTo
	if replyTo == "" && p.EncryptFor == "" {
		replyTo = c.jobs.Provider
	}
	relays := c.write
	if len(p.Relays) > 0 {
		relays = transport.Dedupe(p.Relays)
	}

	rp := RequestParams{
		SecretKey:  c.sk,
		Kind:       kind,
		Inputs:     p.Inputs,
		Params:     p.Params,
		OutputMime: mime,
		BidMsats:   bid,
		EncryptFor: p.EncryptFor,
		ReplyTo:    replyTo,
		Relays:     c.read,
	}
	enc, err := c.codec.EncodeRequest(rp)
	if err != nil {
		return nil, err
	}
	for _, w := range enc.Warnings {
		c.log.Warn("request option ignored", zap.Error(w))
	}
	// Cleartext ids are content hashes: the same job sent twice within a
	// second is the same request.
	if prev, ok := c.ledger.Get(enc.Event.ID); ok && prev.State.Terminal() {
		c.log.Info("request matches a finished job; not republished", zap.String("id", enc.Event.ID), zap.String("state", string(prev.State)))
		return &DispatchOutcome{
			RequestID: enc.Event.ID,
			Event:     enc.Event,
			Encrypted: enc.Encrypted,
			Provider:  enc.Provider,
			Warnings:  enc.Warnings,
			Finished:  true,
		}, nil
	}

	rep, err := c.dispatcher.Dispatch(ctx, enc.Event, relays)
	if err != nil {
		return nil, err
	}
	observability.Metrics().JobsDispatched.WithLabelValues(strconv.Itoa(enc.Event.Kind), strconv.FormatBool(enc.Encrypted)).Inc()

	model := (&JobRequest{Params: p.Params}).Param("model")
	read := c.read
	if len(p.Relays) > 0 {
		read = transport.Dedupe(append(append([]string(nil), relays...), c.read...))
	}
	warnings := enc.Warnings
	if err := c.correlator.Track(TrackedJob{
		Request:      enc.Event,
		SecretKey:    c.sk,
		Provider:     enc.Provider,
		Encrypted:    enc.Encrypted,
		InputSummary: summarize(rp, enc.Encrypted),
		Model:        model,
		Relays:       read,
	}); err != nil {
		// The request is already out; report it and leave it untracked.
		c.log.Error("job dispatched but not tracked", zap.String("id", enc.Event.ID), zap.Error(err))
		warnings = append(warnings, fmt.Errorf("track %s: %w", enc.Event.ID, err))
	}
	c.log.Info("job dispatched",
		zap.String("id", enc.Event.ID),
		zap.Int("kind", enc.Event.Kind),
		zap.Bool("encrypted", enc.Encrypted),
		zap.Strings("accepted", rep.Accepted),
	)
	return &DispatchOutcome{
		RequestID: enc.Event.ID,
		Event:     enc.Event,
		Encrypted: enc.Encrypted,
		Provider:  enc.Provider,
		Report:    rep,
		Warnings:  warnings,
	}, nil
}

// DispatchJob dispatches a job and returns its request id.
func (c *Client) DispatchJob(ctx context.Context, p JobParams) (string, error) {
	out, err := c.Dispatch(ctx, p)
	if err != nil {
		return "", err
	}
	return out.RequestID, nil
}

// SubscribeJob opens the reply subscription of a dispatched job.
func (c *Client) SubscribeJob(ctx context.Context, id string, onStatus func(StatusUpdate), onResult func(Result)) (*JobSubscription, error) {
	return c.Watch(ctx, id, Handlers{OnStatus: onStatus, OnResult: onResult})
}

// Watch is SubscribeJob with the full handler set. A running job of this
// client that has no context, such as one loaded from a snapshot, is
// resumed first.
func (c *Client) Watch(ctx context.Context, id string, h Handlers) (*JobSubscription, error) {
	if c.closed.Load() {
		return nil, ErrClosed
	}
	if c.correlator.job(id) == nil {
		if e, ok := c.ledger.Get(id); ok {
			c.resume(e)
		}
	}
	return c.correlator.Subscribe(ctx, id, h)
}

// ResumePending reopens a context for every running job this client
// requested that has none, and returns their ids. Subscribe to each to
// receive its replies.
func (c *Client) ResumePending() []string {
	var ids []string
	for _, e := range c.ledger.History() {
		if c.resume(e) {
			ids = append(ids, e.RequestID)
		}
	}
	return ids
}

func (c *Client) resume(e ledger.Entry) bool {
	if e.RequesterKey != c.pub {
		return false
	}
	return c.correlator.Resume(e, c.sk, c.read)
}

// CancelJob cancels a job. Replies arriving afterwards are ignored.
func (c *Client) CancelJob(ctx context.Context, id string) error { return c.correlator.Cancel(ctx, id) }

// MarkPaid records a payment the caller made for a job.
func (c *Client) MarkPaid(id string, sats int64) (bool, error) {
	return c.correlator.MarkPaid(id, sats)
}

// GetJob returns one ledger entry.
func (c *Client) GetJob(id string) (ledger.Entry, bool) { return c.ledger.Get(id) }

// GetJobAudit returns the recorded state changes of a job.
func (c *Client) GetJobAudit(id string) []ledger.AuditRecord { return c.ledger.Audit(id) }

// GetJobHistory returns every job in dispatch order.
func (c *Client) GetJobHistory() []ledger.Entry { return c.ledger.History() }

// GetJobStatistics folds the ledger into aggregate counters.
func (c *Client) GetJobStatistics() ledger.Stats { return c.ledger.Stats() }

// RunJob dispatches a job and blocks until it reaches a terminal state.
// When ctx ends first the job is cancelled and ctx's error returned along
// with the cancelled entry.
func (c *Client) RunJob(ctx context.Context, p JobParams, h Handlers) (ledger.Entry, error) {
	id, err := c.DispatchJob(ctx, p)
	if err != nil {
		return ledger.Entry{}, err
	}
	sub, err := c.Watch(ctx, id, h)
	if err != nil {
		var serr *SubscriptionError
		if errors.As(err, &serr) {
			_ = c.correlator.Cancel(context.WithoutCancel(ctx), id)
		}
		e, _ := c.ledger.Get(id)
		return e, err
	}
	select {
	case <-sub.Done():
		e, _ := c.ledger.Get(id)
		return e, nil
	case <-ctx.Done():
		if cerr := c.correlator.Cancel(context.WithoutCancel(ctx), id); cerr != nil {
			c.log.Warn("cancel after deadline", zap.String("id", id), zap.Error(cerr))
		}
		e, _ := c.ledger.Get(id)
		return e, ctx.Err()
	}
}

// Active is the number of jobs still being correlated.
func (c *Client) Active() int { return c.correlator.Active() }

// Close drops every job subscription and waits for background publishes.
// The pool stays open; it belongs to the caller.
func (c *Client) Close() {
	if c.closed.Swap(true) {
		return
	}
	c.correlator.Close()
	c.dispatcher.Wait()
	if c.ownLedger {
		c.ledger.Close()
	}
}
