package dvm

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

// EncodingError reports a request that could not be serialized, encrypted
// or signed. The dispatch attempt is abandoned.
type EncodingError struct {
	Op  string
	Err error
}

func (e *EncodingError) Error() string { return "encode request: " + e.Op + ": " + e.Err.Error() }
func (e *EncodingError) Unwrap() error { return e.Err }

// DispatchError reports that no relay accepted a request.
type DispatchError struct {
	RequestID string
	// Failures holds the error of every relay tried, keyed by URL.
	Failures map[string]error
}

func (e *DispatchError) Error() string {
	if len(e.Failures) == 0 {
		return fmt.Sprintf("dispatch %s: no relays", e.RequestID)
	}
	urls := make([]string, 0, len(e.Failures))
	for u := range e.Failures {
		urls = append(urls, u)
	}
	sort.Strings(urls)
	parts := make([]string, 0, len(urls))
	for _, u := range urls {
		parts = append(parts, u+": "+e.Failures[u].Error())
	}
	return fmt.Sprintf("dispatch %s: no relay accepted (%s)", e.RequestID, strings.Join(parts, "; "))
}

func (e *DispatchError) Unwrap() []error {
	out := make([]error, 0, len(e.Failures))
	for _, err := range e.Failures {
		out = append(out, err)
	}
	return out
}

// DecryptionError reports one reply whose payload could not be decrypted.
// It never changes the job state.
type DecryptionError struct {
	EventID string
	Sender  string
	Err     error
}

func (e *DecryptionError) Error() string {
	return fmt.Sprintf("decrypt reply %s from %s: %v", e.EventID, e.Sender, e.Err)
}
func (e *DecryptionError) Unwrap() error { return e.Err }

// SubscriptionError reports a relay that could not carry a job subscription.
// It is tolerated while another relay still delivers.
type SubscriptionError struct {
	RequestID string
	Relay     string
	Err       error
}

func (e *SubscriptionError) Error() string {
	return fmt.Sprintf("subscription for %s on %s: %v", e.RequestID, e.Relay, e.Err)
}
func (e *SubscriptionError) Unwrap() error { return e.Err }

// ValidationError reports a malformed input. Where a safer mode exists the
// operation continues in that mode and the error is surfaced as a warning.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string { return "invalid " + e.Field + ": " + e.Reason }

// ErrUnknownJob is returned for request ids the client does not track.
var ErrUnknownJob = errors.New("unknown job")

// ErrClosed is returned after Client.Close.
var ErrClosed = errors.New("client closed")
