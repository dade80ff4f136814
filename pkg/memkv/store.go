package memkv

import (
	"container/heap"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// Options configures a Store.
type Options struct {
	Shards   int              // number of shards (default 64)
	MaxBytes uint64           // hard cap on the total size of values (0 = unlimited)
	Now      func() time.Time // clock, for tests
}

func (o Options) withDefaults() Options {
	if o.Shards <= 0 {
		o.Shards = 64
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	return o
}

// Store is a sharded in-memory key/value map with per-key TTL.
type Store struct {
	opts   Options
	shards []shard

	expMu sync.Mutex
	expq  expQueue
	wake  chan struct{}
	done  chan struct{}
	wg    sync.WaitGroup
	once  sync.Once

	mKeys    atomic.Uint64
	mBytes   atomic.Uint64
	mSets    atomic.Uint64
	mGets    atomic.Uint64
	mHits    atomic.Uint64
	mMisses  atomic.Uint64
	mDels    atomic.Uint64
	mExpired atomic.Uint64
	mUpdates atomic.Uint64
}

type shard struct {
	mu sync.RWMutex
	m  map[string]*entry
}

type entry struct {
	val      []byte
	expireAt int64 // unix nano; 0 = no expiry
}

func (e *entry) expired(now int64) bool { return e.expireAt != 0 && e.expireAt <= now }

// New starts a store and its background expirer. Call Close when done.
func New(opts Options) *Store {
	opts = opts.withDefaults()
	s := &Store{
		opts:   opts,
		shards: make([]shard, opts.Shards),
		wake:   make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
	for i := range s.shards {
		s.shards[i].m = make(map[string]*entry)
	}
	s.wg.Add(1)
	go s.expirer()
	return s
}

// Close stops the expirer. It is safe to call more than once.
func (s *Store) Close() {
	s.once.Do(func() { close(s.done) })
	s.wg.Wait()
}

func (s *Store) shardFor(key string) *shard {
	// FNV-1a 64
	var h uint64 = 1469598103934665603
	for i := 0; i < len(key); i++ {
		h ^= uint64(key[i])
		h *= 1099511628211
	}
	return &s.shards[int(h%uint64(len(s.shards)))]
}

func (s *Store) now() int64 { return s.opts.Now().UnixNano() }

// reserve accounts for delta new bytes; false if MaxBytes would be exceeded.
func (s *Store) reserve(delta uint64) bool {
	if s.opts.MaxBytes == 0 {
		s.mBytes.Add(delta)
		return true
	}
	for {
		cur := s.mBytes.Load()
		if cur+delta > s.opts.MaxBytes {
			return false
		}
		if s.mBytes.CompareAndSwap(cur, cur+delta) {
			return true
		}
	}
}

func (s *Store) release(n int) {
	if n <= 0 {
		return
	}
	s.mBytes.Add(^uint64(n - 1))
}

func clone(b []byte) []byte {
	out := make([]byte, len(b))
	copy(out, b)
	return out
}

func (s *Store) expiresAt(ttl time.Duration) int64 {
	if ttl <= 0 {
		return 0
	}
	return s.opts.Now().Add(ttl).UnixNano()
}

// Set stores a copy of val. It returns true when the key was created and
// false when it was overwritten or rejected by MaxBytes.
func (s *Store) Set(key string, val []byte, ttl time.Duration) bool {
	created, _ := s.put(key, val, ttl, false)
	return created
}

// SetNX stores val only if key is absent or expired. It reports whether it stored.
func (s *Store) SetNX(key string, val []byte, ttl time.Duration) bool {
	created, stored := s.put(key, val, ttl, true)
	return created && stored
}

func (s *Store) put(key string, val []byte, ttl time.Duration, onlyNew bool) (created, stored bool) {
	expAt := s.expiresAt(ttl)
	v := clone(val)
	now := s.now()

	sh := s.shardFor(key)
	sh.mu.Lock()
	prev, existed := sh.m[key]
	if existed && prev.expired(now) {
		delete(sh.m, key)
		s.mExpired.Add(1)
		s.mKeys.Add(^uint64(0))
		s.release(len(prev.val))
		existed, prev = false, nil
	}
	if existed && onlyNew {
		sh.mu.Unlock()
		return false, false
	}
	oldLen := 0
	if existed {
		oldLen = len(prev.val)
	}
	delta := len(v) - oldLen
	if delta > 0 && !s.reserve(uint64(delta)) {
		sh.mu.Unlock()
		return false, false
	}
	sh.m[key] = &entry{val: v, expireAt: expAt}
	if !existed {
		s.mKeys.Add(1)
	} else if delta < 0 {
		s.release(-delta)
	}
	s.mSets.Add(1)
	sh.mu.Unlock()

	if expAt != 0 {
		s.enqueueExpire(key, expAt)
	}
	return !existed, true
}

// Get returns a copy of the value.
func (s *Store) Get(key string) ([]byte, bool) {
	sh := s.shardFor(key)
	sh.mu.RLock()
	e, ok := sh.m[key]
	var val []byte
	live := ok && !e.expired(s.now())
	if live {
		val = clone(e.val)
	}
	sh.mu.RUnlock()

	s.mGets.Add(1)
	if !live {
		if ok {
			s.evict(key)
		}
		s.mMisses.Add(1)
		return nil, false
	}
	s.mHits.Add(1)
	return val, true
}

// Exists reports whether key is present and not expired.
func (s *Store) Exists(key string) bool {
	sh := s.shardFor(key)
	sh.mu.RLock()
	e, ok := sh.m[key]
	live := ok && !e.expired(s.now())
	sh.mu.RUnlock()
	return live
}

// Update replaces the value with fn(old) while holding the key's shard lock.
// fn returns the new value and false to leave the entry untouched. Update
// reports whether the value changed.
func (s *Store) Update(key string, fn func(old []byte) ([]byte, bool)) bool {
	sh := s.shardFor(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	e, ok := sh.m[key]
	if !ok {
		return false
	}
	if e.expired(s.now()) {
		delete(sh.m, key)
		s.mExpired.Add(1)
		s.mKeys.Add(^uint64(0))
		s.release(len(e.val))
		return false
	}
	newVal, apply := fn(clone(e.val))
	if !apply {
		return false
	}
	delta := len(newVal) - len(e.val)
	if delta > 0 && !s.reserve(uint64(delta)) {
		return false
	}
	e.val = clone(newVal)
	if delta < 0 {
		s.release(-delta)
	}
	s.mUpdates.Add(1)
	return true
}

// Delete removes key and reports whether it was present.
func (s *Store) Delete(key string) bool {
	sh := s.shardFor(key)
	sh.mu.Lock()
	e, ok := sh.m[key]
	if ok {
		delete(sh.m, key)
	}
	sh.mu.Unlock()
	if ok {
		s.mDels.Add(1)
		s.mKeys.Add(^uint64(0))
		s.release(len(e.val))
	}
	return ok
}

// Expire sets a new TTL; ttl <= 0 deletes the key. False if the key is missing.
func (s *Store) Expire(key string, ttl time.Duration) bool {
	if ttl <= 0 {
		return s.Delete(key)
	}
	exp := s.expiresAt(ttl)
	sh := s.shardFor(key)
	sh.mu.Lock()
	e, ok := sh.m[key]
	if !ok || e.expired(s.now()) {
		sh.mu.Unlock()
		if ok {
			s.evict(key)
		}
		return false
	}
	e.expireAt = exp
	sh.mu.Unlock()
	s.enqueueExpire(key, exp)
	return true
}

// TTL returns the remaining lifetime. A key without expiry reports 0, true.
func (s *Store) TTL(key string) (time.Duration, bool) {
	sh := s.shardFor(key)
	sh.mu.RLock()
	e, ok := sh.m[key]
	var exp int64
	if ok {
		exp = e.expireAt
	}
	sh.mu.RUnlock()
	if !ok {
		return 0, false
	}
	if exp == 0 {
		return 0, true
	}
	now := s.now()
	if exp <= now {
		s.evict(key)
		return 0, false
	}
	return time.Duration(exp - now), true
}

// Scan calls fn with a copy of every live entry whose key has prefix, until
// fn returns false. Order is unspecified. fn runs without shard locks held.
func (s *Store) Scan(prefix string, fn func(key string, val []byte) bool) {
	now := s.now()
	for i := range s.shards {
		sh := &s.shards[i]
		sh.mu.RLock()
		type kv struct {
			k string
			v []byte
		}
		var batch []kv
		for k, e := range sh.m {
			if strings.HasPrefix(k, prefix) && !e.expired(now) {
				batch = append(batch, kv{k, clone(e.val)})
			}
		}
		sh.mu.RUnlock()
		for _, it := range batch {
			if !fn(it.k, it.v) {
				return
			}
		}
	}
}

// Len is the number of stored keys, including expired ones not yet evicted.
func (s *Store) Len() int { return int(s.mKeys.Load()) }

// evict removes key if it is still expired.
func (s *Store) evict(key string) {
	sh := s.shardFor(key)
	sh.mu.Lock()
	e, ok := sh.m[key]
	if ok && e.expired(s.now()) {
		delete(sh.m, key)
		s.mExpired.Add(1)
		s.mKeys.Add(^uint64(0))
		s.release(len(e.val))
	}
	sh.mu.Unlock()
}

// Stats is a point-in-time copy of the store counters.
type Stats struct {
	Keys    uint64
	Bytes   uint64
	Sets    uint64
	Gets    uint64
	Hits    uint64
	Misses  uint64
	Dels    uint64
	Expired uint64
	Updates uint64
}

// Metrics snapshots the counters without locking.
func (s *Store) Metrics() Stats {
	return Stats{
		Keys:    s.mKeys.Load(),
		Bytes:   s.mBytes.Load(),
		Sets:    s.mSets.Load(),
		Gets:    s.mGets.Load(),
		Hits:    s.mHits.Load(),
		Misses:  s.mMisses.Load(),
		Dels:    s.mDels.Load(),
		Expired: s.mExpired.Load(),
		Updates: s.mUpdates.Load(),
	}
}

// expiry queue

type expItem struct {
	when int64
	key  string
}

type expQueue []expItem

func (q expQueue) Len() int           { return len(q) }
func (q expQueue) Less(i, j int) bool { return q[i].when < q[j].when }
func (q expQueue) Swap(i, j int)      { q[i], q[j] = q[j], q[i] }
func (q *expQueue) Push(x any)        { *q = append(*q, x.(expItem)) }
func (q *expQueue) Pop() any {
	old := *q
	it := old[len(old)-1]
	*q = old[:len(old)-1]
	return it
}

func (s *Store) enqueueExpire(key string, when int64) {
	s.expMu.Lock()
	heap.Push(&s.expq, expItem{when: when, key: key})
	s.expMu.Unlock()
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *Store) expirer() {
	defer s.wg.Done()
	const idle = time.Hour
	timer := time.NewTimer(idle)
	defer timer.Stop()
	for {
		s.expMu.Lock()
		now := s.now()
		var due []string
		for s.expq.Len() > 0 && s.expq[0].when <= now {
			due = append(due, heap.Pop(&s.expq).(expItem).key)
		}
		wait := idle
		if s.expq.Len() > 0 {
			wait = time.Duration(s.expq[0].when - now)
		}
		s.expMu.Unlock()

		for _, k := range due {
			s.evict(k)
		}

		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(wait)
		select {
		case <-s.done:
			return
		case <-s.wake:
		case <-timer.C:
		}
	}
}
