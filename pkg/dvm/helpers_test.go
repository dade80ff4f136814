package dvm_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/OpenAgentsInc/commander-sub021/pkg/config"
	"github.com/OpenAgentsInc/commander-sub021/pkg/dvm"
	"github.com/OpenAgentsInc/commander-sub021/pkg/event"
	"github.com/OpenAgentsInc/commander-sub021/pkg/identity"
	"github.com/OpenAgentsInc/commander-sub021/pkg/ledger"
	"github.com/OpenAgentsInc/commander-sub021/pkg/relay"
	"github.com/OpenAgentsInc/commander-sub021/pkg/transport"
	"github.com/OpenAgentsInc/commander-sub021/pkg/transport/mem"
)

var relays = []string{"mem://a", "mem://b", "mem://c"}

type keypair struct{ sk, pk string }

func newKeypair(t testing.TB) keypair {
	t.Helper()
	sk, err := identity.GenerateKey()
	require.NoError(t, err)
	pk, err := identity.PublicKey(sk)
	require.NoError(t, err)
	return keypair{sk, pk}
}

type harness struct {
	net      *mem.Network
	pool     *transport.Pool
	client   *dvm.Client
	codec    *dvm.Codec
	provider keypair
}

func newHarness(t *testing.T, jobs config.JobsConfig) *harness {
	t.Helper()
	n := mem.NewNetwork(relay.Options{Verify: identity.Signer{}.Verify})
	p := transport.NewPool(transport.PoolOptions{PublishTimeout: time.Second})
	p.RegisterDialer("mem", n.Dial)
	if jobs.DefaultKind == 0 {
		jobs.DefaultKind = event.KindTextGeneration
	}
	c, err := dvm.NewClient(dvm.Options{
		SecretKey:   newKeypair(t).sk,
		WriteRelays: relays,
		Pool:        p,
		Jobs:        jobs,
	})
	require.NoError(t, err)
	t.Cleanup(func() {
		c.Close()
		_ = p.Close()
		n.Close()
	})
	return &harness{net: n, pool: p, client: c, codec: dvm.NewCodec(nil, nil, nil), provider: newKeypair(t)}
}

func textJob(prompt string) dvm.JobParams {
	return dvm.JobParams{Inputs: []dvm.Input{{Data: prompt, Type: "text"}}}
}

// newClient builds another client on the harness relays sharing l.
func (h *harness) newClient(t *testing.T, sk string, l *ledger.Ledger) *dvm.Client {
	t.Helper()
	c, err := dvm.NewClient(dvm.Options{
		SecretKey:   sk,
		WriteRelays: relays,
		Pool:        h.pool,
		Ledger:      l,
		Jobs:        config.JobsConfig{DefaultKind: event.KindTextGeneration},
	})
	require.NoError(t, err)
	t.Cleanup(c.Close)
	return c
}

// request fetches the stored request event from a relay hub.
func (h *harness) request(t *testing.T, id string) *event.Event {
	t.Helper()
	for _, u := range relays {
		if ev, ok := h.net.Hub(u).Get(id); ok {
			return ev
		}
	}
	t.Fatalf("request %s not found on any relay", id)
	return nil
}

// reply signs a provider reply and injects it into the hub behind url.
func (h *harness) reply(t *testing.T, url string, p dvm.ReplyParams) *event.Event {
	t.Helper()
	if p.SecretKey == "" {
		p.SecretKey = h.provider.sk
	}
	ev, err := h.codec.EncodeReply(p)
	require.NoError(t, err)
	ok, msg := h.net.Hub(url).Publish(ev)
	require.True(t, ok, msg)
	return ev
}

func waitDone(t *testing.T, sub *dvm.JobSubscription) {
	t.Helper()
	select {
	case <-sub.Done():
	case <-time.After(2 * time.Second):
		t.Fatalf("job %s did not finish", sub.RequestID)
	}
}

func bg() context.Context { return context.Background() }
