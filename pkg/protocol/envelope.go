// Package protocol encodes and parses the JSON array frames exchanged with
// relays, and the format-prefixed bodies used for local snapshots.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/OpenAgentsInc/commander-sub021/pkg/event"
)

// Envelope is one relay frame. Which fields are set depends on Label:
//
//	EVENT  (client) Event
//	EVENT  (relay)  SubID, Event
//	REQ             SubID, Filters
//	CLOSE           SubID
//	OK              EventID, OK, Message
//	EOSE            SubID
//	NOTICE          Message
//	CLOSED          SubID, Message
type Envelope struct {
	Label   string
	SubID   string
	Event   *event.Event
	Filters event.Filters
	EventID string
	OK      bool
	Message string
}

// ErrMalformed wraps every parse failure.
var ErrMalformed = errors.New("malformed relay frame")

// Reason returns the machine-readable prefix of Message ("duplicate",
// "blocked", ...) or "".
func (e *Envelope) Reason() string {
	prefix, _, ok := strings.Cut(e.Message, ":")
	if !ok {
		return ""
	}
	return strings.TrimSpace(prefix)
}

// Encode renders the frame as a JSON array.
func (e *Envelope) Encode() ([]byte, error) {
	var arr []any
	switch e.Label {
	case LabelEvent:
		if e.Event == nil {
			return nil, fmt.Errorf("EVENT frame without event")
		}
		if e.SubID != "" {
			arr = []any{LabelEvent, e.SubID, e.Event}
		} else {
			arr = []any{LabelEvent, e.Event}
		}
	case LabelReq:
		if e.SubID == "" {
			return nil, fmt.Errorf("REQ frame without subscription id")
		}
		arr = make([]any, 0, 2+len(e.Filters))
		arr = append(arr, LabelReq, e.SubID)
		for _, f := range e.Filters {
			arr = append(arr, f)
		}
	case LabelClose:
		arr = []any{LabelClose, e.SubID}
	case LabelOK:
		arr = []any{LabelOK, e.EventID, e.OK, e.Message}
	case LabelEOSE:
		arr = []any{LabelEOSE, e.SubID}
	case LabelNotice:
		arr = []any{LabelNotice, e.Message}
	case LabelClosed:
		arr = []any{LabelClosed, e.SubID, e.Message}
	default:
		return nil, fmt.Errorf("unknown frame label %q", e.Label)
	}
	return json.Marshal(arr)
}

// Parse decodes one frame.
func Parse(data []byte) (*Envelope, error) {
	var raw []json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if len(raw) == 0 {
		return nil, fmt.Errorf("%w: empty array", ErrMalformed)
	}
	e := &Envelope{}
	if err := json.Unmarshal(raw[0], &e.Label); err != nil {
		return nil, fmt.Errorf("%w: label: %v", ErrMalformed, err)
	}
	str := func(i int, dst *string) error {
		if i >= len(raw) {
			return fmt.Errorf("%w: %s needs element %d", ErrMalformed, e.Label, i)
		}
		if err := json.Unmarshal(raw[i], dst); err != nil {
			return fmt.Errorf("%w: %s element %d: %v", ErrMalformed, e.Label, i, err)
		}
		return nil
	}
	switch e.Label {
	case LabelEvent:
		idx := 1
		if len(raw) == 3 {
			if err := str(1, &e.SubID); err != nil {
				return nil, err
			}
			idx = 2
		} else if len(raw) != 2 {
			return nil, fmt.Errorf("%w: EVENT has %d elements", ErrMalformed, len(raw))
		}
		var ev event.Event
		if err := json.Unmarshal(raw[idx], &ev); err != nil {
			return nil, fmt.Errorf("%w: event: %v", ErrMalformed, err)
		}
		e.Event = &ev
	case LabelReq:
		if err := str(1, &e.SubID); err != nil {
			return nil, err
		}
		for i := 2; i < len(raw); i++ {
			var f event.Filter
			if err := json.Unmarshal(raw[i], &f); err != nil {
				return nil, fmt.Errorf("%w: filter %d: %v", ErrMalformed, i-2, err)
			}
			e.Filters = append(e.Filters, f)
		}
	case LabelClose, LabelEOSE:
		if err := str(1, &e.SubID); err != nil {
			return nil, err
		}
	case LabelOK:
		if err := str(1, &e.EventID); err != nil {
			return nil, err
		}
		if len(raw) < 3 {
			return nil, fmt.Errorf("%w: OK without status", ErrMalformed)
		}
		if err := json.Unmarshal(raw[2], &e.OK); err != nil {
			return nil, fmt.Errorf("%w: OK status: %v", ErrMalformed, err)
		}
		if len(raw) > 3 {
			_ = json.Unmarshal(raw[3], &e.Message)
		}
	case LabelNotice:
		if err := str(1, &e.Message); err != nil {
			return nil, err
		}
	case LabelClosed:
		if err := str(1, &e.SubID); err != nil {
			return nil, err
		}
		if len(raw) > 2 {
			_ = json.Unmarshal(raw[2], &e.Message)
		}
	default:
		return nil, fmt.Errorf("%w: unknown label %q", ErrMalformed, e.Label)
	}
	return e, nil
}
