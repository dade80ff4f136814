package protocol

import (
	"errors"
	"testing"

	"github.com/OpenAgentsInc/commander-sub021/pkg/event"
)

func TestEnvelopeEncodeParse(t *testing.T) {
	ev := &event.Event{ID: "abc", PubKey: "pk", Kind: 5050, Tags: event.Tags{{"output", "text/plain"}}, Content: "x"}
	cases := []Envelope{
		{Label: LabelEvent, Event: ev},
		{Label: LabelEvent, SubID: "s1", Event: ev},
		{Label: LabelReq, SubID: "s1", Filters: event.Filters{
			{Kinds: []int{6050}, Tags: map[string][]string{"e": {"abc"}}, Limit: 100},
			{Kinds: []int{7000}, Tags: map[string][]string{"e": {"abc"}}},
		}},
		{Label: LabelClose, SubID: "s1"},
		{Label: LabelOK, EventID: "abc", OK: false, Message: "duplicate: already have it"},
		{Label: LabelEOSE, SubID: "s1"},
		{Label: LabelNotice, Message: "hello"},
		{Label: LabelClosed, SubID: "s1", Message: "error: shutting down"},
	}
	for _, in := range cases {
		b, err := in.Encode()
		if err != nil {
			t.Fatalf("%s encode: %v", in.Label, err)
		}
		out, err := Parse(b)
		if err != nil {
			t.Fatalf("%s parse %s: %v", in.Label, b, err)
		}
		if out.Label != in.Label || out.SubID != in.SubID || out.Message != in.Message || out.OK != in.OK || out.EventID != in.EventID {
			t.Fatalf("%s mismatch: %+v vs %+v", in.Label, out, in)
		}
		if in.Event != nil && (out.Event == nil || out.Event.ID != ev.ID || out.Event.Tags.Value("output") != "text/plain") {
			t.Fatalf("%s event mismatch: %+v", in.Label, out.Event)
		}
		if len(out.Filters) != len(in.Filters) {
			t.Fatalf("%s filters mismatch: %+v", in.Label, out.Filters)
		}
	}
}

func TestEnvelopeReason(t *testing.T) {
	e := Envelope{Label: LabelOK, Message: "rate-limited: slow down"}
	if e.Reason() != ReasonRateLimited {
		t.Fatalf("reason = %q", e.Reason())
	}
	e.Message = "no prefix"
	if e.Reason() != "" {
		t.Fatalf("reason = %q", e.Reason())
	}
}

func TestParseMalformed(t *testing.T) {
	for _, in := range []string{`{}`, `[]`, `[1]`, `["WAT"]`, `["OK","id"]`, `["EVENT"]`, `["EVENT","s",{},"x"]`, `["REQ"]`} {
		if _, err := Parse([]byte(in)); !errors.Is(err, ErrMalformed) {
			t.Fatalf("%s: expected ErrMalformed, got %v", in, err)
		}
	}
}
