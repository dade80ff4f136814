package ledger

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Sink receives every audit record after it is stored.
type Sink interface {
	Append(ctx context.Context, rec AuditRecord) error
}

// pusher is the subset of the redis client the sink needs.
type pusher interface {
	RPush(ctx context.Context, key string, values ...interface{}) *redis.IntCmd
}

// RedisSink appends audit records as JSON to a Redis list.
type RedisSink struct {
	client pusher
	key    string
}

// NewRedisSink connects to url and checks the connection.
func NewRedisSink(ctx context.Context, url, key string) (*RedisSink, *redis.Client, error) {
	opt, err := redis.ParseURL(url)
	if err != nil {
		return nil, nil, err
	}
	client := redis.NewClient(opt)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, nil, err
	}
	return newRedisSink(client, key), client, nil
}

func newRedisSink(c pusher, key string) *RedisSink {
	if key == "" {
		key = "dvm:ledger:audit"
	}
	return &RedisSink{client: c, key: key}
}

func (s *RedisSink) Append(ctx context.Context, rec AuditRecord) error {
	b, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	return s.client.RPush(ctx, s.key, b).Err()
}

// mirror feeds a Sink from a bounded queue so ledger writes never wait on it.
type mirror struct {
	sink Sink
	log  *zap.Logger
	ch   chan AuditRecord
	wg   sync.WaitGroup

	mu     sync.RWMutex
	closed bool
}

func newMirror(s Sink, log *zap.Logger) *mirror {
	m := &mirror{sink: s, log: log, ch: make(chan AuditRecord, 1024)}
	m.wg.Add(1)
	go m.run()
	return m
}

func (m *mirror) push(rec AuditRecord) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return
	}
	select {
	case m.ch <- rec:
	default:
		m.log.Warn("audit mirror queue full, dropping record", zap.Int64("seq", rec.Seq))
	}
}

func (m *mirror) run() {
	defer m.wg.Done()
	for rec := range m.ch {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		if err := m.sink.Append(ctx, rec); err != nil {
			m.log.Warn("audit mirror append failed", zap.Int64("seq", rec.Seq), zap.Error(err))
		}
		cancel()
	}
}

func (m *mirror) close() {
	m.mu.Lock()
	if !m.closed {
		m.closed = true
		close(m.ch)
	}
	m.mu.Unlock()
	m.wg.Wait()
}
