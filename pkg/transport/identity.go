package transport

import (
	"math/rand/v2"
	"strings"
	"time"

	"github.com/OpenAgentsInc/commander-sub021/pkg/config"
)

// NormalizeURL maps equivalent spellings of a relay URL to one key so the
// pool keeps a single canonical connection per relay.
func NormalizeURL(u string) string { return config.NormalizeRelayURL(u) }

// Scheme returns the lowercase scheme of a relay URL.
func Scheme(u string) string {
	scheme, _, ok := strings.Cut(NormalizeURL(u), "://")
	if !ok {
		return ""
	}
	return scheme
}

// KindFromURL guesses the link kind from the URL scheme.
func KindFromURL(u string) Kind {
	switch Scheme(u) {
	case "ws", "wss":
		return KindWebSocket
	case "mem":
		return KindMem
	default:
		return KindUnknown
	}
}

// Backoff is an exponential retry delay with additive jitter.
type Backoff struct {
	Initial time.Duration
	Max     time.Duration
	Jitter  time.Duration

	cur time.Duration
}

// Next returns the delay to wait before the next attempt and doubles the base.
func (b *Backoff) Next() time.Duration {
	if b.Initial <= 0 {
		b.Initial = 500 * time.Millisecond
	}
	if b.Max <= 0 {
		b.Max = 30 * time.Second
	}
	if b.cur <= 0 {
		b.cur = b.Initial
	}
	d := withJitter(b.cur, b.Jitter)
	if b.cur < b.Max {
		b.cur *= 2
		if b.cur > b.Max {
			b.cur = b.Max
		}
	}
	return d
}

// Reset returns the delay to Initial after a successful attempt.
func (b *Backoff) Reset() { b.cur = 0 }

func withJitter(d, jitter time.Duration) time.Duration {
	if jitter <= 0 {
		return d
	}
	return d + time.Duration(rand.Int64N(int64(jitter)))
}
