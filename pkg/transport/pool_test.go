package transport_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/OpenAgentsInc/commander-sub021/pkg/event"
	"github.com/OpenAgentsInc/commander-sub021/pkg/identity"
	"github.com/OpenAgentsInc/commander-sub021/pkg/relay"
	"github.com/OpenAgentsInc/commander-sub021/pkg/transport"
	"github.com/OpenAgentsInc/commander-sub021/pkg/transport/mem"
)

var urls = []string{"mem://a", "mem://b", "mem://c"}

func setup(t *testing.T) (*transport.Pool, *mem.Network) {
	t.Helper()
	n := mem.NewNetwork(relay.Options{Verify: identity.Signer{}.Verify})
	p := transport.NewPool(transport.PoolOptions{PublishTimeout: time.Second})
	p.RegisterDialer("mem", n.Dial)
	t.Cleanup(func() {
		_ = p.Close()
		n.Close()
	})
	return p, n
}

func testEvent(t *testing.T, kind int, tags event.Tags) *event.Event {
	t.Helper()
	sk, err := identity.GenerateKey()
	require.NoError(t, err)
	ev := &event.Event{Kind: kind, CreatedAt: time.Now().Unix(), Tags: tags, Content: "x"}
	require.NoError(t, identity.Signer{}.Sign(ev, sk))
	return ev
}

func collect(ch <-chan transport.PublishResult) map[string]error {
	out := map[string]error{}
	for r := range ch {
		out[r.Relay] = r.Err
	}
	return out
}

func TestPublishAllAccept(t *testing.T) {
	p, _ := setup(t)
	ev := testEvent(t, 5050, nil)
	res := collect(p.Publish(context.Background(), append(urls, "MEM://a/"), ev))
	require.Len(t, res, 3)
	for u, err := range res {
		require.NoError(t, err, u)
	}
	// the relay already has it; duplicate counts as accepted
	res = collect(p.Publish(context.Background(), urls[:1], ev))
	require.NoError(t, res["mem://a"])
}

func TestPublishPartialFailure(t *testing.T) {
	p, n := setup(t)
	_, err := p.Ensure(context.Background(), "mem://b")
	require.NoError(t, err)
	_, err = p.Ensure(context.Background(), "mem://c")
	require.NoError(t, err)
	n.Relay("mem://b").Reject("blocked: not allowed")
	n.Relay("mem://c").Disconnect()

	res := collect(p.Publish(context.Background(), urls, testEvent(t, 5050, nil)))
	require.NoError(t, res["mem://a"])
	var rej *transport.RejectedError
	require.ErrorAs(t, res["mem://b"], &rej)
	require.Equal(t, "blocked: not allowed", rej.Message)
	require.ErrorIs(t, res["mem://c"], transport.ErrNotConnected)
}

func TestPublishUnknownScheme(t *testing.T) {
	p, _ := setup(t)
	res := collect(p.Publish(context.Background(), []string{"ws://nowhere"}, testEvent(t, 1, nil)))
	require.ErrorIs(t, res["ws://nowhere"], transport.ErrNoDialer)
}

func TestPublishTimeout(t *testing.T) {
	n := mem.NewNetwork(relay.Options{})
	defer n.Close()
	p := transport.NewPool(transport.PoolOptions{PublishTimeout: 20 * time.Millisecond})
	defer p.Close()
	p.RegisterDialer("mem", n.Dial)
	_, err := p.Ensure(context.Background(), "mem://slow")
	require.NoError(t, err)
	n.Relay("mem://slow").Delay(time.Second)
	res := collect(p.Publish(context.Background(), []string{"mem://slow"}, testEvent(t, 1, nil)))
	require.True(t, errors.Is(res["mem://slow"], context.DeadlineExceeded))
}

type recorder struct {
	mu     sync.Mutex
	events map[string][]string
	eose   map[string]bool
	down   []int
	up     []int
}

func newRecorder() *recorder {
	return &recorder{events: map[string][]string{}, eose: map[string]bool{}}
}

func (r *recorder) handler() transport.Handler {
	return transport.Handler{
		OnEvent: func(relay string, ev *event.Event) {
			r.mu.Lock()
			r.events[relay] = append(r.events[relay], ev.ID)
			r.mu.Unlock()
		},
		OnEOSE: func(relay string) {
			r.mu.Lock()
			r.eose[relay] = true
			r.mu.Unlock()
		},
		OnRelayDown: func(_ string, _ error, live int) {
			r.mu.Lock()
			r.down = append(r.down, live)
			r.mu.Unlock()
		},
		OnRelayUp: func(_ string, live int) {
			r.mu.Lock()
			r.up = append(r.up, live)
			r.mu.Unlock()
		},
	}
}

func (r *recorder) count(relay string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.events[relay])
}

func TestSubscribeMergesRelays(t *testing.T) {
	p, _ := setup(t)
	req := testEvent(t, 5050, nil)
	filters := event.Filters{{Kinds: []int{6050}, Tags: map[string][]string{"e": {req.ID}}}}

	rec := newRecorder()
	sub, err := p.Subscribe(context.Background(), urls, filters, rec.handler())
	require.NoError(t, err)
	require.Equal(t, 3, sub.Live())
	require.Eventually(t, func() bool {
		rec.mu.Lock()
		defer rec.mu.Unlock()
		return len(rec.eose) == 3
	}, time.Second, 5*time.Millisecond)

	res := testEvent(t, 6050, event.Tags{{"e", req.ID}})
	collect(p.Publish(context.Background(), urls, res))
	require.Eventually(t, func() bool {
		return rec.count("mem://a") == 1 && rec.count("mem://b") == 1 && rec.count("mem://c") == 1
	}, time.Second, 5*time.Millisecond)

	// unrelated events are filtered by the relay
	collect(p.Publish(context.Background(), urls, testEvent(t, 6050, event.Tags{{"e", "other"}})))

	sub.Unsubscribe()
	sub.Unsubscribe()
	collect(p.Publish(context.Background(), urls, testEvent(t, 6050, event.Tags{{"e", req.ID}})))
	time.Sleep(20 * time.Millisecond)
	require.Equal(t, 1, rec.count("mem://a"))
}

func TestSubscribeTracksLiveSet(t *testing.T) {
	p, n := setup(t)
	rec := newRecorder()
	sub, err := p.Subscribe(context.Background(), urls[:2], event.Filters{{Kinds: []int{7000}}}, rec.handler())
	require.NoError(t, err)
	require.Equal(t, 2, sub.Live())

	n.Relay("mem://a").Disconnect()
	n.Relay("mem://b").Disconnect()
	require.Equal(t, 0, sub.Live())
	rec.mu.Lock()
	require.Equal(t, []int{1, 0}, rec.down)
	rec.mu.Unlock()

	require.NoError(t, n.Relay("mem://b").Connect(context.Background()))
	require.Equal(t, 1, sub.Live())

	// subscription was re-issued on reconnect
	collect(p.Publish(context.Background(), urls[1:2], testEvent(t, 7000, nil)))
	require.Eventually(t, func() bool { return rec.count("mem://b") == 1 }, time.Second, 5*time.Millisecond)
}

func TestSubscribePartialAndTotalFailure(t *testing.T) {
	p, n := setup(t)
	n.SetDown("mem://c", true)
	sub, err := p.Subscribe(context.Background(), urls, event.Filters{{Kinds: []int{1}}}, transport.Handler{})
	require.NoError(t, err)
	require.Equal(t, 2, sub.Live())
	require.Contains(t, sub.Errors(), "mem://c")

	_, err = p.Subscribe(context.Background(), []string{"ws://x", "quic://y"}, event.Filters{{}}, transport.Handler{})
	require.Error(t, err)
	require.ErrorIs(t, err, transport.ErrNoDialer)
}

func TestPoolCanonicalRelay(t *testing.T) {
	p, n := setup(t)
	r1, err := p.Ensure(context.Background(), "mem://a")
	require.NoError(t, err)
	r2, err := p.Ensure(context.Background(), "MEM://A/")
	require.NoError(t, err)
	require.Same(t, r1, r2)

	// a connected newcomer does not replace a connected relay
	extra, _ := n.Dial("mem://a")
	require.NoError(t, extra.Connect(context.Background()))
	ok, _ := p.AddRelay(extra)
	require.False(t, ok)
	require.Equal(t, transport.StateClosed, extra.State())

	// but it replaces one that lost its link
	r1.(*mem.Relay).Disconnect()
	fresh, _ := n.Dial("mem://a")
	require.NoError(t, fresh.Connect(context.Background()))
	ok, replaced := p.AddRelay(fresh)
	require.True(t, ok)
	require.Same(t, r1, replaced)

	st := p.Relays()
	require.Len(t, st, 1)
	require.Equal(t, "connected", st[0].State)
}
