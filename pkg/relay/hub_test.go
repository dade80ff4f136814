package relay

import (
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/OpenAgentsInc/commander-sub021/pkg/event"
	"github.com/OpenAgentsInc/commander-sub021/pkg/identity"
)

func signed(t *testing.T, sk string, kind int, created int64, tags event.Tags, content string) *event.Event {
	t.Helper()
	ev := &event.Event{Kind: kind, CreatedAt: created, Tags: tags, Content: content}
	require.NoError(t, identity.Signer{}.Sign(ev, sk))
	return ev
}

func newKey(t *testing.T) string {
	t.Helper()
	sk, err := identity.GenerateKey()
	require.NoError(t, err)
	return sk
}

type collector struct {
	mu   sync.Mutex
	evs  []*event.Event
	eose int
}

func (c *collector) deliver(ev *event.Event) {
	c.mu.Lock()
	c.evs = append(c.evs, ev)
	c.mu.Unlock()
}

func (c *collector) onEOSE() {
	c.mu.Lock()
	c.eose++
	c.mu.Unlock()
}

func (c *collector) ids() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.evs))
	for _, ev := range c.evs {
		out = append(out, ev.ID)
	}
	return out
}

func TestPublishValidation(t *testing.T) {
	h := NewHub(Options{Verify: identity.Signer{}.Verify})
	defer h.Close()
	sk := newKey(t)

	ev := signed(t, sk, 1, 100, nil, "hi")
	ok, msg := h.Publish(ev)
	require.True(t, ok, msg)

	ok, msg = h.Publish(ev)
	require.False(t, ok)
	require.True(t, strings.HasPrefix(msg, "duplicate:"), msg)

	bad := ev.Clone()
	bad.Content = "tampered"
	ok, msg = h.Publish(bad)
	require.False(t, ok)
	require.True(t, strings.HasPrefix(msg, "invalid:"), msg)

	forged := signed(t, sk, 1, 101, nil, "x")
	forged.Sig = strings.Repeat("0", 128)
	ok, msg = h.Publish(forged)
	require.False(t, ok)
	require.Contains(t, msg, "bad signature")
}

func TestSubscribeStoredThenLive(t *testing.T) {
	h := NewHub(Options{})
	defer h.Close()
	sk := newKey(t)

	old1 := signed(t, sk, 6050, 100, event.Tags{{"e", "job1"}}, "a")
	old2 := signed(t, sk, 6050, 200, event.Tags{{"e", "job1"}}, "b")
	other := signed(t, sk, 6050, 150, event.Tags{{"e", "job2"}}, "c")
	for _, ev := range []*event.Event{old1, old2, other} {
		ok, msg := h.Publish(ev)
		require.True(t, ok, msg)
	}

	var c collector
	f := event.Filters{{Kinds: []int{6050}, Tags: map[string][]string{"e": {"job1"}}}}
	require.NoError(t, h.Subscribe("c1", "s1", f, c.deliver, c.onEOSE))
	require.Equal(t, []string{old1.ID, old2.ID}, c.ids())
	require.Equal(t, 1, c.eose)

	live := signed(t, sk, 6050, 300, event.Tags{{"e", "job1"}}, "d")
	ok, _ := h.Publish(live)
	require.True(t, ok)
	require.Equal(t, []string{old1.ID, old2.ID, live.ID}, c.ids())

	h.Unsubscribe("c1", "s1")
	ok, _ = h.Publish(signed(t, sk, 6050, 400, event.Tags{{"e", "job1"}}, "e"))
	require.True(t, ok)
	require.Len(t, c.ids(), 3)
	require.Equal(t, 0, h.Subscriptions())
}

func TestQueryLimitKeepsNewest(t *testing.T) {
	h := NewHub(Options{})
	defer h.Close()
	sk := newKey(t)
	var want []string
	for i := 0; i < 5; i++ {
		ev := signed(t, sk, 7000, int64(100+i), nil, "")
		h.Publish(ev)
		if i >= 3 {
			want = append(want, ev.ID)
		}
	}
	var c collector
	require.NoError(t, h.Subscribe("c", "s", event.Filters{{Kinds: []int{7000}, Limit: 2}}, c.deliver, nil))
	require.Equal(t, want, c.ids())
}

func TestEphemeralNotStored(t *testing.T) {
	h := NewHub(Options{})
	defer h.Close()
	sk := newKey(t)
	var c collector
	require.NoError(t, h.Subscribe("c", "s", event.Filters{{Kinds: []int{20001}}}, c.deliver, nil))
	ev := signed(t, sk, 20001, 1, nil, "")
	ok, _ := h.Publish(ev)
	require.True(t, ok)
	require.Len(t, c.ids(), 1)
	_, stored := h.Get(ev.ID)
	require.False(t, stored)
}

func TestDeletionBySameAuthorOnly(t *testing.T) {
	h := NewHub(Options{})
	defer h.Close()
	alice, bob := newKey(t), newKey(t)
	req := signed(t, alice, 5050, 10, nil, "job")
	h.Publish(req)

	h.Publish(signed(t, bob, event.KindDeletion, 11, event.Tags{{"e", req.ID}}, ""))
	_, ok := h.Get(req.ID)
	require.True(t, ok, "foreign deletion must be ignored")

	h.Publish(signed(t, alice, event.KindDeletion, 12, event.Tags{{"e", req.ID}}, "cancel"))
	_, ok = h.Get(req.ID)
	require.False(t, ok)
}

func TestRetentionAndLimits(t *testing.T) {
	h := NewHub(Options{Retention: 50 * time.Millisecond, MaxFilters: 1})
	defer h.Close()
	sk := newKey(t)
	ev := signed(t, sk, 1, 1, nil, "")
	h.Publish(ev)
	require.Eventually(t, func() bool { return h.Len() == 0 }, 2*time.Second, 10*time.Millisecond)

	err := h.Subscribe("c", "s", event.Filters{{}, {}}, func(*event.Event) {}, nil)
	require.ErrorIs(t, err, ErrTooManyFilters)

	h.Close()
	ok, msg := h.Publish(signed(t, sk, 1, 2, nil, ""))
	require.False(t, ok)
	require.True(t, strings.HasPrefix(msg, "error:"), msg)
}
