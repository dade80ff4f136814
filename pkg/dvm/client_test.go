package dvm_test

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/OpenAgentsInc/commander-sub021/pkg/config"
	"github.com/OpenAgentsInc/commander-sub021/pkg/dvm"
	"github.com/OpenAgentsInc/commander-sub021/pkg/event"
	"github.com/OpenAgentsInc/commander-sub021/pkg/identity"
	"github.com/OpenAgentsInc/commander-sub021/pkg/ledger"
	"github.com/OpenAgentsInc/commander-sub021/pkg/memkv"
	"github.com/OpenAgentsInc/commander-sub021/pkg/protocol"
)

func state(c *dvm.Client, id string) ledger.State {
	e, _ := c.GetJob(id)
	return e.State
}

func TestJobLifecycle(t *testing.T) {
	h := newHarness(t, config.JobsConfig{})
	out, err := h.client.Dispatch(bg(), dvm.JobParams{
		Inputs: []dvm.Input{{Data: "hello", Type: "text"}},
		Params: []dvm.Param{{Name: "model", Values: []string{"llama3"}}},
	})
	require.NoError(t, err)
	require.NotEmpty(t, out.Report.Accepted)
	id := out.RequestID
	req := h.request(t, id)

	var mu sync.Mutex
	var statuses []dvm.JobStatus
	var results []dvm.Result
	var terminals atomic.Int32
	sub, err := h.client.Watch(bg(), id, dvm.Handlers{
		OnStatus:   func(s dvm.StatusUpdate) { mu.Lock(); statuses = append(statuses, s.Status); mu.Unlock() },
		OnResult:   func(r dvm.Result) { mu.Lock(); results = append(results, r); mu.Unlock() },
		OnTerminal: func(ledger.Entry) { terminals.Add(1) },
	})
	require.NoError(t, err)

	h.reply(t, "mem://b", dvm.ReplyParams{Request: req, Class: dvm.ClassStatus, Status: dvm.StatusProcessing})
	require.Eventually(t, func() bool { return state(h.client, id) == ledger.StateProcessing }, 2*time.Second, 5*time.Millisecond)

	res := h.reply(t, "mem://c", dvm.ReplyParams{Request: req, Class: dvm.ClassResult, Content: "world", AmountMsats: 21000})
	// the same result seen through another relay
	ok, _ := h.net.Hub("mem://a").Publish(res)
	require.True(t, ok)
	waitDone(t, sub)
	require.Eventually(t, func() bool { return terminals.Load() == 1 }, time.Second, 5*time.Millisecond)

	h.reply(t, "mem://a", dvm.ReplyParams{Request: req, Class: dvm.ClassStatus, Status: dvm.StatusError, Info: "too late"})
	time.Sleep(50 * time.Millisecond)

	e, ok := h.client.GetJob(id)
	require.True(t, ok)
	assert.Equal(t, ledger.StateCompleted, e.State)
	assert.Equal(t, "world", e.ResultSummary)
	assert.Equal(t, int64(21), e.AmountRequested)
	assert.Equal(t, "hello", e.InputSummary)
	assert.Equal(t, "llama3", e.ProviderModelUsed)
	assert.Equal(t, h.client.PublicKey(), e.RequesterKey)
	assert.Empty(t, e.ErrorDetail)
	assert.Equal(t, int32(1), terminals.Load())
	assert.Zero(t, h.client.Active())

	mu.Lock()
	assert.Equal(t, []dvm.JobStatus{dvm.StatusProcessing}, statuses)
	require.Len(t, results, 1)
	assert.Equal(t, h.provider.pk, results[0].Provider)
	mu.Unlock()

	st := h.client.GetJobStatistics()
	assert.Equal(t, 1, st.TotalJobsProcessed)
	assert.Equal(t, 1, st.TotalSuccessfulJobs)
}

func TestStoredRepliesAreReplayed(t *testing.T) {
	h := newHarness(t, config.JobsConfig{})
	id, err := h.client.DispatchJob(bg(), textJob("early"))
	require.NoError(t, err)
	req := h.request(t, id)
	h.reply(t, "mem://a", dvm.ReplyParams{Request: req, Class: dvm.ClassStatus, Status: dvm.StatusSuccess, Content: "done early"})

	sub, err := h.client.SubscribeJob(bg(), id, nil, nil)
	require.NoError(t, err)
	waitDone(t, sub)
	e, _ := h.client.GetJob(id)
	assert.Equal(t, ledger.StateCompleted, e.State)
	assert.Equal(t, "done early", e.ResultSummary)

	// a finished job can still be subscribed to
	again, err := h.client.SubscribeJob(bg(), id, nil, nil)
	require.NoError(t, err)
	waitDone(t, again)
}

func TestEncryptedJob(t *testing.T) {
	h := newHarness(t, config.JobsConfig{})
	out, err := h.client.Dispatch(bg(), dvm.JobParams{
		Inputs:     []dvm.Input{{Data: "secret prompt", Type: "text"}},
		EncryptFor: h.provider.pk,
		ReplyTo:    newKeypair(t).pk,
	})
	require.NoError(t, err)
	require.True(t, out.Encrypted)
	require.Equal(t, h.provider.pk, out.Provider)

	req := h.request(t, out.RequestID)
	assert.True(t, req.Tags.Has("encrypted"))
	assert.False(t, req.Tags.Has("i"))
	assert.NotContains(t, req.Content, "secret prompt")
	assert.Len(t, req.Tags.FindAll("p"), 1)
	opened, err := h.codec.OpenRequest(h.provider.sk, req)
	require.NoError(t, err)
	require.Len(t, opened.Inputs, 1)
	assert.Equal(t, "secret prompt", opened.Inputs[0].Data)

	var results []dvm.Result
	var mu sync.Mutex
	sub, err := h.client.SubscribeJob(bg(), out.RequestID, nil, func(r dvm.Result) { mu.Lock(); results = append(results, r); mu.Unlock() })
	require.NoError(t, err)

	// another provider's status is ignored for a targeted job
	h.reply(t, "mem://a", dvm.ReplyParams{SecretKey: newKeypair(t).sk, Request: req, Class: dvm.ClassStatus, Status: dvm.StatusError, Info: "not me"})
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, ledger.StatePending, state(h.client, out.RequestID))

	rev := h.reply(t, "mem://b", dvm.ReplyParams{Request: req, Class: dvm.ClassResult, Content: "the answer"})
	assert.True(t, rev.Tags.Has("encrypted"))
	assert.NotContains(t, rev.Content, "the answer")
	waitDone(t, sub)

	e, _ := h.client.GetJob(out.RequestID)
	assert.Equal(t, ledger.StateCompleted, e.State)
	assert.Equal(t, "the answer", e.ResultSummary)
	assert.Equal(t, "[encrypted]", e.InputSummary)
	assert.True(t, e.Encrypted)
	require.Eventually(t, func() bool { mu.Lock(); defer mu.Unlock(); return len(results) == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, "the answer", results[0].Payload)
}

func TestMalformedEncryptionTargetSendsCleartext(t *testing.T) {
	h := newHarness(t, config.JobsConfig{})
	out, err := h.client.Dispatch(bg(), dvm.JobParams{
		Inputs:     []dvm.Input{{Data: "plain prompt", Type: "text"}},
		EncryptFor: "not-a-key",
	})
	require.NoError(t, err)
	assert.False(t, out.Encrypted)
	assert.Empty(t, out.Provider)
	require.Len(t, out.Warnings, 1)
	var verr *dvm.ValidationError
	require.ErrorAs(t, out.Warnings[0], &verr)

	req := h.request(t, out.RequestID)
	assert.False(t, req.Tags.Has("encrypted"))
	assert.Equal(t, "plain prompt", req.Tags.Value("i"))
	assert.Contains(t, req.Content, "plain prompt")
}

func TestUnreadableReplyKeepsState(t *testing.T) {
	h := newHarness(t, config.JobsConfig{})
	out, err := h.client.Dispatch(bg(), dvm.JobParams{Inputs: []dvm.Input{{Data: "x", Type: "text"}}, EncryptFor: h.provider.pk})
	require.NoError(t, err)
	id := out.RequestID

	var mu sync.Mutex
	var results []dvm.Result
	var warnings []error
	sub, err := h.client.Watch(bg(), id, dvm.Handlers{
		OnResult:  func(r dvm.Result) { mu.Lock(); results = append(results, r); mu.Unlock() },
		OnWarning: func(err error) { mu.Lock(); warnings = append(warnings, err); mu.Unlock() },
	})
	require.NoError(t, err)

	bad := &event.Event{
		Kind:      event.ResultKind(event.KindTextGeneration),
		CreatedAt: time.Now().Unix(),
		Tags:      event.Tags{{"e", id}, {"p", h.client.PublicKey()}, {"encrypted"}},
		Content:   "Zm9v?iv=YmFy",
	}
	require.NoError(t, identity.Signer{}.Sign(bad, h.provider.sk))
	ok, msg := h.net.Hub("mem://a").Publish(bad)
	require.True(t, ok, msg)

	require.Eventually(t, func() bool { mu.Lock(); defer mu.Unlock(); return len(results) == 1 }, 2*time.Second, 5*time.Millisecond)
	mu.Lock()
	assert.Equal(t, dvm.UnreadablePlaceholder, results[0].Payload)
	require.NotEmpty(t, warnings)
	var derr *dvm.DecryptionError
	assert.ErrorAs(t, warnings[0], &derr)
	mu.Unlock()
	assert.Equal(t, ledger.StatePending, state(h.client, id))

	h.reply(t, "mem://a", dvm.ReplyParams{Request: h.request(t, id), Class: dvm.ClassResult, Content: "readable"})
	waitDone(t, sub)
	assert.Equal(t, ledger.StateCompleted, state(h.client, id))
}

func TestRepliesMatchedByRequestID(t *testing.T) {
	h := newHarness(t, config.JobsConfig{})
	idA, err := h.client.DispatchJob(bg(), textJob("a"))
	require.NoError(t, err)
	idB, err := h.client.DispatchJob(bg(), textJob("b"))
	require.NoError(t, err)
	subA, err := h.client.SubscribeJob(bg(), idA, nil, nil)
	require.NoError(t, err)
	subB, err := h.client.SubscribeJob(bg(), idB, nil, nil)
	require.NoError(t, err)

	// two back-references make the reply ambiguous
	amb := &event.Event{
		Kind:      event.KindJobFeedback,
		CreatedAt: time.Now().Unix(),
		Tags:      event.Tags{{"status", "error"}, {"e", idA}, {"e", idB}},
	}
	require.NoError(t, identity.Signer{}.Sign(amb, h.provider.sk))
	ok, _ := h.net.Hub("mem://a").Publish(amb)
	require.True(t, ok)

	h.reply(t, "mem://c", dvm.ReplyParams{Request: h.request(t, idB), Class: dvm.ClassResult, Content: "for b"})
	waitDone(t, subB)
	time.Sleep(50 * time.Millisecond)

	assert.Equal(t, ledger.StatePending, state(h.client, idA))
	select {
	case <-subA.Done():
		t.Fatal("job a finished from replies to b")
	default:
	}
	eB, _ := h.client.GetJob(idB)
	assert.Equal(t, "for b", eB.ResultSummary)
}

func TestCancelIgnoresLaterReplies(t *testing.T) {
	h := newHarness(t, config.JobsConfig{AnnounceCancel: true})
	id, err := h.client.DispatchJob(bg(), textJob("cancel me"))
	require.NoError(t, err)
	req := h.request(t, id)

	var results atomic.Int32
	sub, err := h.client.SubscribeJob(bg(), id, nil, func(dvm.Result) { results.Add(1) })
	require.NoError(t, err)

	require.NoError(t, h.client.CancelJob(bg(), id))
	waitDone(t, sub)
	require.NoError(t, h.client.CancelJob(bg(), id), "cancel is idempotent")
	require.ErrorIs(t, h.client.CancelJob(bg(), "unknown"), dvm.ErrUnknownJob)

	h.reply(t, "mem://a", dvm.ReplyParams{Request: req, Class: dvm.ClassResult, Content: "late"})
	time.Sleep(50 * time.Millisecond)
	e, _ := h.client.GetJob(id)
	assert.Equal(t, ledger.StateCancelled, e.State)
	assert.Empty(t, e.ResultSummary)
	assert.Zero(t, results.Load())

	// the deletion announcement removes the request from relays that stored it
	require.Eventually(t, func() bool {
		for _, u := range relays {
			if _, ok := h.net.Hub(u).Get(id); ok {
				return false
			}
		}
		return true
	}, 2*time.Second, 10*time.Millisecond)

	st := h.client.GetJobStatistics()
	assert.Equal(t, 1, st.TotalFailedJobs)
}

func TestCancelRacingReplies(t *testing.T) {
	h := newHarness(t, config.JobsConfig{})
	for i := 0; i < 20; i++ {
		id, err := h.client.DispatchJob(bg(), textJob(fmt.Sprintf("race %d", i)))
		require.NoError(t, err)
		req := h.request(t, id)
		var terminals atomic.Int32
		sub, err := h.client.Watch(bg(), id, dvm.Handlers{OnTerminal: func(ledger.Entry) { terminals.Add(1) }})
		require.NoError(t, err)

		done, err := h.codec.EncodeReply(dvm.ReplyParams{SecretKey: h.provider.sk, Request: req, Class: dvm.ClassStatus, Status: dvm.StatusSuccess})
		require.NoError(t, err)

		var wg sync.WaitGroup
		wg.Add(2)
		go func() {
			defer wg.Done()
			h.net.Hub("mem://a").Publish(done)
		}()
		go func() {
			defer wg.Done()
			assert.NoError(t, h.client.CancelJob(bg(), id))
		}()
		wg.Wait()
		waitDone(t, sub)
		require.Eventually(t, func() bool { return terminals.Load() == 1 }, time.Second, 5*time.Millisecond)
		time.Sleep(10 * time.Millisecond)
		assert.Equal(t, int32(1), terminals.Load())
		assert.Contains(t, []ledger.State{ledger.StateCompleted, ledger.StateCancelled}, state(h.client, id))
	}
}

func TestMarkPaid(t *testing.T) {
	h := newHarness(t, config.JobsConfig{})
	id, err := h.client.DispatchJob(bg(), dvm.JobParams{Inputs: []dvm.Input{{Data: "p", Type: "text"}}, BidMsats: 5000})
	require.NoError(t, err)
	req := h.request(t, id)
	sub, err := h.client.SubscribeJob(bg(), id, nil, nil)
	require.NoError(t, err)

	h.reply(t, "mem://a", dvm.ReplyParams{Request: req, Class: dvm.ClassStatus, Status: dvm.StatusPaymentRequired, AmountMsats: 10000, Invoice: "lnbc1"})
	require.Eventually(t, func() bool {
		e, _ := h.client.GetJob(id)
		return e.AmountRequested == 10
	}, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, 1, h.client.GetJobStatistics().JobsPendingPayment)

	ok, err := h.client.MarkPaid(id, 10)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, ledger.StatePaid, state(h.client, id))

	h.reply(t, "mem://a", dvm.ReplyParams{Request: req, Class: dvm.ClassResult, Content: "paid work"})
	waitDone(t, sub)
	st := h.client.GetJobStatistics()
	assert.Equal(t, 1, st.TotalSuccessfulJobs)
	assert.Equal(t, int64(10), st.TotalRevenueSats)

	ok, err = h.client.MarkPaid(id, 99)
	require.NoError(t, err)
	assert.False(t, ok)
	_, err = h.client.MarkPaid("nope", 1)
	assert.ErrorIs(t, err, dvm.ErrUnknownJob)
}

func TestDispatchSurvivesPartialRelayFailure(t *testing.T) {
	h := newHarness(t, config.JobsConfig{})
	for _, u := range relays[1:] {
		_, err := h.pool.Ensure(bg(), u)
		require.NoError(t, err)
	}
	h.net.Relay("mem://b").Reject("blocked: no jobs here")
	h.net.Relay("mem://c").Disconnect()

	out, err := h.client.Dispatch(bg(), textJob("one of three"))
	require.NoError(t, err)
	assert.Equal(t, []string{"mem://a"}, out.Report.Accepted)
	_, ok := h.client.GetJob(out.RequestID)
	assert.True(t, ok)
}

func TestDispatchFailsWhenNoRelayAccepts(t *testing.T) {
	h := newHarness(t, config.JobsConfig{})
	for _, u := range relays {
		_, err := h.pool.Ensure(bg(), u)
		require.NoError(t, err)
		h.net.Relay(u).Reject("blocked: closed")
	}
	_, err := h.client.DispatchJob(bg(), textJob("nobody"))
	var derr *dvm.DispatchError
	require.ErrorAs(t, err, &derr)
	assert.Len(t, derr.Failures, 3)
	assert.Empty(t, h.client.GetJobHistory(), "undelivered jobs are not tracked")
}

func TestRelaySetLossIsReported(t *testing.T) {
	h := newHarness(t, config.JobsConfig{})
	id, err := h.client.DispatchJob(bg(), textJob("lonely"))
	require.NoError(t, err)
	req := h.request(t, id)

	events := make(chan dvm.Connectivity, 8)
	sub, err := h.client.Watch(bg(), id, dvm.Handlers{OnConnectivity: func(c dvm.Connectivity) { events <- c }})
	require.NoError(t, err)

	for _, u := range relays {
		h.net.Relay(u).Disconnect()
	}
	select {
	case c := <-events:
		assert.True(t, c.Lost)
		assert.Zero(t, c.Live)
		assert.Equal(t, id, c.RequestID)
	case <-time.After(2 * time.Second):
		t.Fatal("relay set loss not reported")
	}
	assert.Equal(t, ledger.StatePending, state(h.client, id), "loss does not cancel the job")

	require.NoError(t, h.net.Relay("mem://a").Connect(bg()))
	select {
	case c := <-events:
		assert.False(t, c.Lost)
		assert.Equal(t, 1, c.Live)
	case <-time.After(2 * time.Second):
		t.Fatal("recovery not reported")
	}

	h.reply(t, "mem://a", dvm.ReplyParams{Request: req, Class: dvm.ClassResult, Content: "back"})
	waitDone(t, sub)
}

func TestRunJob(t *testing.T) {
	h := newHarness(t, config.JobsConfig{})
	go func() {
		for i := 0; i < 1000; i++ {
			hist := h.client.GetJobHistory()
			if len(hist) == 1 {
				req, ok := h.net.Hub("mem://a").Get(hist[0].RequestID)
				if ok {
					ev, err := h.codec.EncodeReply(dvm.ReplyParams{SecretKey: h.provider.sk, Request: req, Class: dvm.ClassResult, Content: "ran"})
					if err == nil {
						h.net.Hub("mem://a").Publish(ev)
					}
					return
				}
			}
			time.Sleep(5 * time.Millisecond)
		}
	}()
	ctx, cancel := context.WithTimeout(bg(), 5*time.Second)
	defer cancel()
	e, err := h.client.RunJob(ctx, textJob("run"), dvm.Handlers{})
	require.NoError(t, err)
	assert.Equal(t, ledger.StateCompleted, e.State)
	assert.Equal(t, "ran", e.ResultSummary)
}

func TestRunJobDeadlineCancels(t *testing.T) {
	h := newHarness(t, config.JobsConfig{})
	ctx, cancel := context.WithTimeout(bg(), 100*time.Millisecond)
	defer cancel()
	e, err := h.client.RunJob(ctx, textJob("slow"), dvm.Handlers{})
	require.True(t, errors.Is(err, context.DeadlineExceeded))
	assert.Equal(t, ledger.StateCancelled, e.State)
}

func TestNewClientValidation(t *testing.T) {
	h := newHarness(t, config.JobsConfig{})
	_, err := dvm.NewClient(dvm.Options{SecretKey: "zz", Pool: h.pool, WriteRelays: relays})
	var verr *dvm.ValidationError
	require.ErrorAs(t, err, &verr)
	_, err = dvm.NewClient(dvm.Options{SecretKey: newKeypair(t).sk, Pool: h.pool})
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "relays", verr.Field)
}

// A cleartext request sent twice within the same second has the same id.
// Once the first one finished, the second is not reopened.
func TestRedispatchOfFinishedRequest(t *testing.T) {
	h := newHarness(t, config.JobsConfig{})
	for attempt := 0; attempt < 5; attempt++ {
		p := textJob(fmt.Sprintf("same %d", attempt))
		first, err := h.client.Dispatch(bg(), p)
		require.NoError(t, err)
		require.False(t, first.Finished)
		require.NoError(t, h.client.CancelJob(bg(), first.RequestID))

		again, err := h.client.Dispatch(bg(), p)
		require.NoError(t, err)
		if again.RequestID != first.RequestID {
			// crossed a second boundary
			require.NoError(t, h.client.CancelJob(bg(), again.RequestID))
			continue
		}
		assert.True(t, again.Finished)
		assert.Nil(t, again.Report)
		assert.Zero(t, h.client.Active())

		sub, err := h.client.Watch(bg(), again.RequestID, dvm.Handlers{})
		require.NoError(t, err)
		waitDone(t, sub)
		require.NoError(t, h.client.CancelJob(bg(), again.RequestID))
		assert.Equal(t, ledger.StateCancelled, state(h.client, again.RequestID))
		return
	}
	t.Fatal("no two dispatches landed in the same second")
}

func TestUntrackedJobsCanBeCancelledAndPaid(t *testing.T) {
	h := newHarness(t, config.JobsConfig{})
	other := ledger.New(ledger.Options{})
	t.Cleanup(other.Close)
	cancelID, paidID := strings.Repeat("ab", 32), strings.Repeat("cd", 32)
	for _, id := range []string{cancelID, paidID} {
		require.NoError(t, other.Record(ledger.Entry{RequestID: id, RequesterKey: newKeypair(t).pk, JobKind: event.KindTextGeneration}))
	}
	data, err := other.Export(protocol.FormatJSON)
	require.NoError(t, err)
	n, err := h.client.Ledger().Import(data)
	require.NoError(t, err)
	require.Equal(t, 2, n)
	require.Equal(t, 2, h.client.GetJobStatistics().JobsInFlight)

	// requested under another key: nothing to decrypt replies with
	_, err = h.client.SubscribeJob(bg(), cancelID, nil, nil)
	require.ErrorIs(t, err, dvm.ErrUnknownJob)
	assert.Empty(t, h.client.ResumePending())

	require.NoError(t, h.client.CancelJob(bg(), cancelID))
	assert.Equal(t, ledger.StateCancelled, state(h.client, cancelID))
	ok, err := h.client.MarkPaid(paidID, 7)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, ledger.StatePaid, state(h.client, paidID))

	st := h.client.GetJobStatistics()
	assert.Zero(t, st.JobsInFlight)
	assert.Equal(t, 1, st.TotalFailedJobs)
	assert.Equal(t, int64(7), st.TotalRevenueSats)

	sub, err := h.client.SubscribeJob(bg(), cancelID, nil, nil)
	require.NoError(t, err)
	waitDone(t, sub)
}

func TestRunningJobsResumeOnNewClient(t *testing.T) {
	h := newHarness(t, config.JobsConfig{})
	me := newKeypair(t)
	shared := ledger.New(ledger.Options{})
	t.Cleanup(shared.Close)

	first := h.newClient(t, me.sk, shared)
	watched, err := first.DispatchJob(bg(), textJob("watched after restart"))
	require.NoError(t, err)
	pending, err := first.DispatchJob(bg(), textJob("resumed after restart"))
	require.NoError(t, err)
	first.Close()
	require.Zero(t, first.Active())

	second := h.newClient(t, me.sk, shared)
	results := make(chan string, 2)
	onResult := func(r dvm.Result) { results <- r.Payload }

	// Watch resumes a job it has no context for
	sub1, err := second.SubscribeJob(bg(), watched, nil, onResult)
	require.NoError(t, err)
	assert.Equal(t, []string{pending}, second.ResumePending())
	assert.Equal(t, 2, second.Active())
	sub2, err := second.SubscribeJob(bg(), pending, nil, onResult)
	require.NoError(t, err)

	h.reply(t, "mem://b", dvm.ReplyParams{Request: h.request(t, watched), Class: dvm.ClassResult, Content: "one"})
	h.reply(t, "mem://c", dvm.ReplyParams{Request: h.request(t, pending), Class: dvm.ClassResult, Content: "two"})
	waitDone(t, sub1)
	waitDone(t, sub2)
	assert.ElementsMatch(t, []string{"one", "two"}, []string{<-results, <-results})
	assert.Equal(t, ledger.StateCompleted, state(second, watched))
	assert.Equal(t, ledger.StateCompleted, state(second, pending))
	assert.Empty(t, second.ResumePending())
}

func TestClosedClientRefusesWork(t *testing.T) {
	h := newHarness(t, config.JobsConfig{})
	id, err := h.client.DispatchJob(bg(), textJob("before close"))
	require.NoError(t, err)
	h.client.Close()
	h.client.Close()

	_, err = h.client.Dispatch(bg(), textJob("after close"))
	require.ErrorIs(t, err, dvm.ErrClosed)
	_, err = h.client.Watch(bg(), id, dvm.Handlers{})
	require.ErrorIs(t, err, dvm.ErrClosed)
	_, err = h.client.RunJob(bg(), textJob("after close"), dvm.Handlers{})
	require.ErrorIs(t, err, dvm.ErrClosed)
}

func TestDispatchSurvivesTrackingFailure(t *testing.T) {
	h := newHarness(t, config.JobsConfig{})
	kv := memkv.New(memkv.Options{MaxBytes: 64})
	t.Cleanup(kv.Close)
	c := h.newClient(t, newKeypair(t).sk, ledger.New(ledger.Options{Store: kv}))

	out, err := c.Dispatch(bg(), textJob("published but not tracked"))
	require.NoError(t, err)
	assert.NotEmpty(t, out.Report.Accepted)
	require.NotEmpty(t, out.Warnings)
	assert.ErrorIs(t, out.Warnings[len(out.Warnings)-1], ledger.ErrStoreFull)
	_, ok := c.GetJob(out.RequestID)
	assert.False(t, ok)
	assert.Zero(t, c.Active())
	h.request(t, out.RequestID)
}
