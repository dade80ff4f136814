// Package relay implements a small in-process relay: it stores events with a
// retention window, answers REQ filters with stored events followed by EOSE,
// and fans new events out to live subscriptions.
//
// The hub backs the mem transport in tests and the websocket relay server in
// cmd/dvm-relay.
package relay

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/OpenAgentsInc/commander-sub021/pkg/event"
	"github.com/OpenAgentsInc/commander-sub021/pkg/memkv"
	"github.com/OpenAgentsInc/commander-sub021/pkg/observability"
	"github.com/OpenAgentsInc/commander-sub021/pkg/protocol"
)

const eventPrefix = "event:"

// Options configures a Hub.
type Options struct {
	// Retention is how long stored events stay queryable (default 1h).
	Retention time.Duration
	// MaxFilters caps the filters of one REQ (default 16).
	MaxFilters int
	// Verify checks signatures. Nil only checks the event id.
	Verify func(*event.Event) error
	// Store holds events; nil allocates a private one closed with the hub.
	Store  *memkv.Store
	Logger *zap.Logger
}

// ErrTooManyFilters is returned by Subscribe when a REQ exceeds MaxFilters.
var ErrTooManyFilters = errors.New("too many filters")

// Hub is safe for concurrent use.
type Hub struct {
	opts     Options
	store    *memkv.Store
	ownStore bool
	log      *zap.Logger

	mu     sync.RWMutex
	conns  map[string]map[string]*sub // connID -> subID -> sub
	closed bool
}

type sub struct {
	filters event.Filters
	deliver func(*event.Event)
}

// NewHub builds a hub.
func NewHub(opts Options) *Hub {
	if opts.Retention <= 0 {
		opts.Retention = time.Hour
	}
	if opts.MaxFilters <= 0 {
		opts.MaxFilters = 16
	}
	h := &Hub{
		opts:  opts,
		store: opts.Store,
		log:   observability.Named(opts.Logger, "relay"),
		conns: make(map[string]map[string]*sub),
	}
	if h.store == nil {
		h.store = memkv.New(memkv.Options{})
		h.ownStore = true
	}
	return h
}

// Publish validates, stores and fans out ev. It returns the OK status and
// message a relay would send back.
func (h *Hub) Publish(ev *event.Event) (bool, string) {
	if ev == nil {
		return false, reason(protocol.ReasonInvalid, "missing event")
	}
	h.mu.RLock()
	closed := h.closed
	h.mu.RUnlock()
	if closed {
		return false, reason(protocol.ReasonError, "relay shutting down")
	}
	if !ev.CheckID() {
		return false, reason(protocol.ReasonInvalid, "event id does not match content")
	}
	if h.opts.Verify != nil {
		if err := h.opts.Verify(ev); err != nil {
			return false, reason(protocol.ReasonInvalid, "bad signature")
		}
	}

	if !event.IsEphemeral(ev.Kind) {
		b, err := json.Marshal(ev)
		if err != nil {
			return false, reason(protocol.ReasonError, err.Error())
		}
		key := eventPrefix + ev.ID
		if !h.store.SetNX(key, b, h.opts.Retention) {
			if h.store.Exists(key) {
				return false, reason(protocol.ReasonDuplicate, "already have this event")
			}
			return false, reason(protocol.ReasonError, "storage full")
		}
		observability.Metrics().HubEventsStored.Inc()
		if ev.Kind == event.KindDeletion {
			h.applyDeletion(ev)
		}
	}
	h.fanout(ev)
	return true, ""
}

func reason(prefix, msg string) string { return prefix + ": " + msg }

// applyDeletion drops the referenced events written by the same author.
func (h *Hub) applyDeletion(del *event.Event) {
	for _, t := range del.Tags.FindAll("e") {
		id := t.Value()
		old, ok := h.load(id)
		if !ok || old.PubKey != del.PubKey {
			continue
		}
		h.store.Delete(eventPrefix + id)
		h.log.Debug("deleted event", zap.String("id", id), zap.String("by", del.ID))
	}
}

func (h *Hub) load(id string) (*event.Event, bool) {
	b, ok := h.store.Get(eventPrefix + id)
	if !ok {
		return nil, false
	}
	var ev event.Event
	if err := json.Unmarshal(b, &ev); err != nil {
		return nil, false
	}
	return &ev, true
}

// Get returns a stored event by id.
func (h *Hub) Get(id string) (*event.Event, bool) { return h.load(id) }

// Len is the number of stored events.
func (h *Hub) Len() int {
	n := 0
	h.store.Scan(eventPrefix, func(string, []byte) bool { n++; return true })
	return n
}

func (h *Hub) fanout(ev *event.Event) {
	h.mu.RLock()
	var targets []func(*event.Event)
	for _, subs := range h.conns {
		for _, s := range subs {
			if s.filters.Match(ev) {
				targets = append(targets, s.deliver)
			}
		}
	}
	h.mu.RUnlock()
	for _, deliver := range targets {
		deliver(ev.Clone())
	}
	observability.Metrics().HubFanout.Add(float64(len(targets)))
}

// Subscribe registers filters for (connID, subID), replacing a previous
// subscription with the same ids. Matching stored events are delivered
// oldest first, then eose is called, then live events follow. An event
// published during the stored-event pass may be delivered twice.
func (h *Hub) Subscribe(connID, subID string, filters event.Filters, deliver func(*event.Event), eose func()) error {
	if len(filters) > h.opts.MaxFilters {
		return fmt.Errorf("%w: %d > %d", ErrTooManyFilters, len(filters), h.opts.MaxFilters)
	}
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return errors.New("relay closed")
	}
	subs := h.conns[connID]
	if subs == nil {
		subs = make(map[string]*sub)
		h.conns[connID] = subs
	}
	subs[subID] = &sub{filters: filters, deliver: deliver}
	h.mu.Unlock()

	for _, ev := range h.query(filters) {
		deliver(ev)
	}
	if eose != nil {
		eose()
	}
	return nil
}

// query returns stored events matching any filter, each filter capped by its
// Limit (newest kept), sorted oldest first.
func (h *Hub) query(filters event.Filters) []*event.Event {
	var all []*event.Event
	h.store.Scan(eventPrefix, func(_ string, b []byte) bool {
		var ev event.Event
		if json.Unmarshal(b, &ev) == nil && filters.Match(&ev) {
			all = append(all, &ev)
		}
		return true
	})
	sort.Slice(all, func(i, j int) bool {
		if all[i].CreatedAt != all[j].CreatedAt {
			return all[i].CreatedAt > all[j].CreatedAt
		}
		return all[i].ID < all[j].ID
	})

	picked := make(map[string]bool)
	for i := range filters {
		f := &filters[i]
		n := 0
		for _, ev := range all {
			if f.Limit > 0 && n >= f.Limit {
				break
			}
			if f.Matches(ev) {
				picked[ev.ID] = true
				n++
			}
		}
	}
	out := make([]*event.Event, 0, len(picked))
	for i := len(all) - 1; i >= 0; i-- {
		if picked[all[i].ID] {
			out = append(out, all[i])
		}
	}
	return out
}

// Unsubscribe removes one subscription. Unknown ids are ignored.
func (h *Hub) Unsubscribe(connID, subID string) {
	h.mu.Lock()
	if subs := h.conns[connID]; subs != nil {
		delete(subs, subID)
		if len(subs) == 0 {
			delete(h.conns, connID)
		}
	}
	h.mu.Unlock()
}

// Disconnect removes every subscription of a connection.
func (h *Hub) Disconnect(connID string) {
	h.mu.Lock()
	delete(h.conns, connID)
	h.mu.Unlock()
}

// Subscriptions is the number of live subscriptions.
func (h *Hub) Subscriptions() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	n := 0
	for _, subs := range h.conns {
		n += len(subs)
	}
	return n
}

// Close drops all subscriptions and refuses further publishes.
func (h *Hub) Close() {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	h.closed = true
	h.conns = map[string]map[string]*sub{}
	h.mu.Unlock()
	if h.ownStore {
		h.store.Close()
	}
}
