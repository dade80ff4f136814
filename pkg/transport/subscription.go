package transport

import (
	"sort"
	"sync"

	"github.com/OpenAgentsInc/commander-sub021/pkg/observability"
)

// Subscription is one subscription id registered on a set of relays.
type Subscription struct {
	ID string

	pool *Pool
	h    Handler

	mu     sync.Mutex
	relays []string
	live   map[string]bool
	errs   map[string]error
	closed bool
}

// Relays returns the relays the subscription is registered on.
func (s *Subscription) Relays() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.relays...)
}

// Live is the number of relays currently delivering.
func (s *Subscription) Live() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.liveLocked()
}

func (s *Subscription) liveLocked() int {
	n := 0
	for _, ok := range s.live {
		if ok {
			n++
		}
	}
	return n
}

// Errors returns the last error seen per relay.
func (s *Subscription) Errors() map[string]error {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]error, len(s.errs))
	for k, v := range s.errs {
		out[k] = v
	}
	return out
}

func (s *Subscription) errorList() []error {
	s.mu.Lock()
	defer s.mu.Unlock()
	keys := make([]string, 0, len(s.errs))
	for k := range s.errs {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]error, 0, len(keys))
	for _, k := range keys {
		out = append(out, s.errs[k])
	}
	return out
}

func (s *Subscription) addRelay(u string) {
	s.mu.Lock()
	s.relays = append(s.relays, u)
	s.mu.Unlock()
}

func (s *Subscription) hasRelay(u string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range s.relays {
		if r == u {
			return true
		}
	}
	return false
}

func (s *Subscription) fail(u string, err error) {
	s.mu.Lock()
	s.errs[u] = err
	s.live[u] = false
	s.mu.Unlock()
}

func (s *Subscription) markLive(u string) {
	s.mu.Lock()
	s.live[u] = true
	delete(s.errs, u)
	s.mu.Unlock()
}

// setLive records a live-set change and fires the matching callback once per
// actual change.
func (s *Subscription) setLive(u string, up bool, err error) {
	s.mu.Lock()
	if s.closed || s.live[u] == up {
		s.mu.Unlock()
		return
	}
	s.live[u] = up
	if up {
		delete(s.errs, u)
	} else if err != nil {
		s.errs[u] = err
	}
	n := s.liveLocked()
	s.mu.Unlock()

	if up {
		if s.h.OnRelayUp != nil {
			s.h.OnRelayUp(u, n)
		}
		return
	}
	if s.h.OnRelayDown != nil {
		s.h.OnRelayDown(u, err, n)
	}
}

func (s *Subscription) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *Subscription) markClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.closed = true
	return true
}

// Unsubscribe sends CLOSE to every relay of the subscription. It is safe to
// call more than once and concurrently with event delivery; no callback
// fires after it returns.
func (s *Subscription) Unsubscribe() {
	if !s.markClosed() {
		return
	}
	relays := s.Relays()
	p := s.pool
	p.mu.Lock()
	delete(p.subs, s.ID)
	entries := make([]*relayEntry, 0, len(relays))
	for _, u := range relays {
		if e := p.relays[u]; e != nil {
			entries = append(entries, e)
		}
	}
	p.mu.Unlock()
	for _, e := range entries {
		_ = e.relay.Unsubscribe(s.ID)
	}
	observability.Metrics().ActiveSubscriptions.Dec()
}
