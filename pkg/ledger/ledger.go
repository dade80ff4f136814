// Package ledger keeps the record of dispatched and observed jobs: one
// document per request id, an append-only audit trail of state transitions
// and statistics derived from the documents on demand.
package ledger

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/OpenAgentsInc/commander-sub021/pkg/memkv"
	"github.com/OpenAgentsInc/commander-sub021/pkg/observability"
)

var (
	ErrNotFound     = errors.New("ledger: no such job")
	ErrInvalidState = errors.New("ledger: invalid state")
	ErrMissingID    = errors.New("ledger: missing request id")
	ErrStoreFull    = errors.New("ledger: store full")
)

// Entry is one job. Amounts are in sats; timestamps are unix milliseconds.
type Entry struct {
	RequestID         string `json:"request_id"`
	RequesterKey      string `json:"requester_key"`
	JobKind           int    `json:"job_kind"`
	InputSummary      string `json:"input_summary,omitempty"`
	State             State  `json:"state"`
	Provider          string `json:"provider,omitempty"`
	Encrypted         bool   `json:"encrypted,omitempty"`
	ProviderModelUsed string `json:"provider_model_used,omitempty"`
	AmountRequested   int64  `json:"amount_requested,omitempty"`
	AmountReceived    int64  `json:"amount_received,omitempty"`
	ResultSummary     string `json:"result_summary,omitempty"`
	ErrorDetail       string `json:"error_detail,omitempty"`
	CreatedUnixMs     int64  `json:"created_unix_ms"`
	UpdatedUnixMs     int64  `json:"updated_unix_ms"`
	FinishedUnixMs    int64  `json:"finished_unix_ms,omitempty"`
}

// Fields are optional values applied with a transition. Zero values are
// left untouched.
type Fields struct {
	ProviderModelUsed string
	AmountRequested   int64
	AmountReceived    int64
	ResultSummary     string
	ErrorDetail       string
}

func (f Fields) apply(e *Entry) {
	if f.ProviderModelUsed != "" {
		e.ProviderModelUsed = f.ProviderModelUsed
	}
	if f.AmountRequested > 0 {
		e.AmountRequested = f.AmountRequested
	}
	if f.AmountReceived > 0 {
		e.AmountReceived = f.AmountReceived
	}
	if f.ResultSummary != "" {
		e.ResultSummary = f.ResultSummary
	}
	if f.ErrorDetail != "" {
		e.ErrorDetail = f.ErrorDetail
	}
}

// AuditRecord is one line of the append-only audit trail.
type AuditRecord struct {
	Seq       int64  `json:"seq"`
	RequestID string `json:"request_id"`
	From      State  `json:"from,omitempty"`
	To        State  `json:"to"`
	Detail    string `json:"detail,omitempty"`
	UnixMs    int64  `json:"unix_ms"`
}

// Options configures a Ledger.
type Options struct {
	// Store holds the documents; nil allocates a private store.
	Store *memkv.Store
	// Sink mirrors audit records, e.g. to Redis. Optional.
	Sink   Sink
	Now    func() time.Time
	Logger *zap.Logger
}

// Ledger is safe for concurrent use. Writes to one entry are serialized by
// the store's per-key update.
type Ledger struct {
	kv     *memkv.Store
	ownKV  bool
	now    func() time.Time
	log    *zap.Logger
	mirror *mirror

	mu    sync.RWMutex
	order []string // request ids in creation order
	seq   int64
}

func keyJob(id string) string   { return "job:" + id }
func keyAudit(seq int64) string { return fmt.Sprintf("audit:%020d", seq) }
func millis(t time.Time) int64  { return t.UnixMilli() }

// New returns an empty ledger.
func New(opts Options) *Ledger {
	l := &Ledger{kv: opts.Store, now: opts.Now, log: observability.Named(opts.Logger, "ledger")}
	if l.kv == nil {
		l.kv = memkv.New(memkv.Options{})
		l.ownKV = true
	}
	if l.now == nil {
		l.now = time.Now
	}
	if opts.Sink != nil {
		l.mirror = newMirror(opts.Sink, l.log)
	}
	return l
}

// Close flushes the audit mirror and releases a private store.
func (l *Ledger) Close() {
	if l.mirror != nil {
		l.mirror.close()
	}
	if l.ownKV {
		l.kv.Close()
	}
}

// Record inserts e, or merges it into an existing entry. A merge keeps the
// stored state when it is terminal and never moves it backwards.
func (l *Ledger) Record(e Entry) error {
	if strings.TrimSpace(e.RequestID) == "" {
		return ErrMissingID
	}
	if e.State == "" {
		e.State = StatePending
	}
	if !e.State.Valid() {
		return fmt.Errorf("%w: %q", ErrInvalidState, e.State)
	}
	now := millis(l.now())
	if e.CreatedUnixMs == 0 {
		e.CreatedUnixMs = now
	}
	e.UpdatedUnixMs = now
	if e.State.Terminal() && e.FinishedUnixMs == 0 {
		e.FinishedUnixMs = now
	}

	b, err := json.Marshal(e)
	if err != nil {
		return err
	}
	if l.kv.SetNX(keyJob(e.RequestID), b, 0) {
		l.mu.Lock()
		l.order = append(l.order, e.RequestID)
		l.mu.Unlock()
		l.audit(e.RequestID, "", e.State, "recorded")
		l.log.Debug("job recorded", zap.String("id", e.RequestID), zap.Int("kind", e.JobKind), zap.String("state", string(e.State)))
		return nil
	}

	if !l.kv.Exists(keyJob(e.RequestID)) {
		return fmt.Errorf("%w: %s", ErrStoreFull, e.RequestID)
	}
	var from, to State
	l.kv.Update(keyJob(e.RequestID), func(old []byte) ([]byte, bool) {
		var cur Entry
		if json.Unmarshal(old, &cur) != nil {
			return nil, false
		}
		from = cur.State
		merged := cur
		if cur.State != e.State && CanTransition(cur.State, e.State) {
			merged.State = e.State
			merged.FinishedUnixMs = e.FinishedUnixMs
		}
		mergeInfo(&merged, e)
		merged.UpdatedUnixMs = now
		to = merged.State
		nb, err := json.Marshal(merged)
		return nb, err == nil
	})
	if from != to {
		l.audit(e.RequestID, from, to, "recorded")
	}
	return nil
}

func mergeInfo(dst *Entry, src Entry) {
	if dst.RequesterKey == "" {
		dst.RequesterKey = src.RequesterKey
	}
	if dst.JobKind == 0 {
		dst.JobKind = src.JobKind
	}
	if dst.InputSummary == "" {
		dst.InputSummary = src.InputSummary
	}
	if dst.Provider == "" {
		dst.Provider = src.Provider
	}
	dst.Encrypted = dst.Encrypted || src.Encrypted
	Fields{
		ProviderModelUsed: src.ProviderModelUsed,
		AmountRequested:   src.AmountRequested,
		AmountReceived:    src.AmountReceived,
		ResultSummary:     src.ResultSummary,
		ErrorDetail:       src.ErrorDetail,
	}.apply(dst)
}

// Transition moves the job to state to and applies f. It reports false
// without error when the job is already terminal or the edge is not
// allowed; such calls change nothing.
func (l *Ledger) Transition(id string, to State, f Fields) (bool, error) {
	if !to.Valid() {
		return false, fmt.Errorf("%w: %q", ErrInvalidState, to)
	}
	var from State
	applied := false
	l.kv.Update(keyJob(id), func(old []byte) ([]byte, bool) {
		var cur Entry
		if json.Unmarshal(old, &cur) != nil {
			return nil, false
		}
		from = cur.State
		if !CanTransition(cur.State, to) {
			return nil, false
		}
		now := millis(l.now())
		cur.State = to
		f.apply(&cur)
		cur.UpdatedUnixMs = now
		if to.Terminal() {
			cur.FinishedUnixMs = now
		}
		nb, err := json.Marshal(cur)
		if err != nil {
			return nil, false
		}
		applied = true
		return nb, true
	})
	if !applied {
		if !l.kv.Exists(keyJob(id)) {
			return false, fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		l.log.Debug("transition ignored", zap.String("id", id), zap.String("from", string(from)), zap.String("to", string(to)))
		return false, nil
	}
	l.audit(id, from, to, detailOf(f))
	observability.Metrics().Transitions.WithLabelValues(string(to)).Inc()
	return true, nil
}

func detailOf(f Fields) string {
	switch {
	case f.ErrorDetail != "":
		return f.ErrorDetail
	case f.ResultSummary != "":
		return f.ResultSummary
	}
	return ""
}

// Update applies f without changing the state. Terminal entries are left
// untouched and report false.
func (l *Ledger) Update(id string, f Fields) (bool, error) {
	applied := false
	l.kv.Update(keyJob(id), func(old []byte) ([]byte, bool) {
		var cur Entry
		if json.Unmarshal(old, &cur) != nil || cur.State.Terminal() {
			return nil, false
		}
		f.apply(&cur)
		cur.UpdatedUnixMs = millis(l.now())
		nb, err := json.Marshal(cur)
		if err != nil {
			return nil, false
		}
		applied = true
		return nb, true
	})
	if !applied && !l.kv.Exists(keyJob(id)) {
		return false, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return applied, nil
}

// Get returns the entry for id.
func (l *Ledger) Get(id string) (Entry, bool) {
	b, ok := l.kv.Get(keyJob(id))
	if !ok {
		return Entry{}, false
	}
	var e Entry
	if err := json.Unmarshal(b, &e); err != nil {
		return Entry{}, false
	}
	return e, true
}

// History returns every entry in creation order.
func (l *Ledger) History() []Entry {
	l.mu.RLock()
	ids := append([]string(nil), l.order...)
	l.mu.RUnlock()
	out := make([]Entry, 0, len(ids))
	for _, id := range ids {
		if e, ok := l.Get(id); ok {
			out = append(out, e)
		}
	}
	return out
}

// Len is the number of entries.
func (l *Ledger) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.order)
}

func (l *Ledger) audit(id string, from, to State, detail string) {
	l.mu.Lock()
	l.seq++
	rec := AuditRecord{Seq: l.seq, RequestID: id, From: from, To: to, Detail: detail, UnixMs: millis(l.now())}
	l.mu.Unlock()
	b, _ := json.Marshal(rec)
	l.kv.Set(keyAudit(rec.Seq), b, 0)
	if l.mirror != nil {
		l.mirror.push(rec)
	}
}

// Audit returns the audit trail in order, restricted to one job when id is
// not empty.
func (l *Ledger) Audit(id string) []AuditRecord {
	var out []AuditRecord
	l.kv.Scan("audit:", func(_ string, b []byte) bool {
		var rec AuditRecord
		if json.Unmarshal(b, &rec) == nil && (id == "" || rec.RequestID == id) {
			out = append(out, rec)
		}
		return true
	})
	sort.Slice(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	return out
}
