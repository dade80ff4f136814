// Package event defines the signed message shape exchanged with relays and the
// filters used to subscribe to it.
package event

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Event is the wire-level relay message. Field names are fixed by the relay
// protocol and must not change.
type Event struct {
	ID        string `json:"id"`
	PubKey    string `json:"pubkey"`
	CreatedAt int64  `json:"created_at"`
	Kind      int    `json:"kind"`
	Tags      Tags   `json:"tags"`
	Content   string `json:"content"`
	Sig       string `json:"sig"`
}

// MarshalJSON keeps tags as an empty array rather than null.
func (e Event) MarshalJSON() ([]byte, error) {
	type alias Event
	a := alias(e)
	if a.Tags == nil {
		a.Tags = Tags{}
	}
	return marshalNoEscape(a)
}

// Serialize returns the canonical form hashed into the event id:
//
//	[0,<pubkey>,<created_at>,<kind>,<tags>,<content>]
func (e *Event) Serialize() ([]byte, error) {
	tags := e.Tags
	if tags == nil {
		tags = Tags{}
	}
	return marshalNoEscape([]any{0, e.PubKey, e.CreatedAt, e.Kind, tags, e.Content})
}

// ComputeID hashes the canonical serialization and returns the lowercase hex id.
func (e *Event) ComputeID() (string, error) {
	b, err := e.Serialize()
	if err != nil {
		return "", fmt.Errorf("serialize event: %w", err)
	}
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:]), nil
}

// CheckID reports whether e.ID matches the content hash.
func (e *Event) CheckID() bool {
	id, err := e.ComputeID()
	return err == nil && id == e.ID
}

// IDBytes decodes the hex id.
func (e *Event) IDBytes() ([]byte, error) {
	b, err := hex.DecodeString(e.ID)
	if err != nil {
		return nil, err
	}
	if len(b) != sha256.Size {
		return nil, errors.New("event id must be 32 bytes")
	}
	return b, nil
}

// Time returns CreatedAt as time.Time.
func (e *Event) Time() time.Time { return time.Unix(e.CreatedAt, 0) }

// Clone returns a deep copy.
func (e *Event) Clone() *Event {
	if e == nil {
		return nil
	}
	c := *e
	c.Tags = e.Tags.Clone()
	return &c
}

// String renders the event as JSON, for logs.
func (e *Event) String() string {
	b, err := json.Marshal(e)
	if err != nil {
		return fmt.Sprintf("event(%s)", e.ID)
	}
	return string(b)
}

// marshalNoEscape encodes v as JSON without HTML escaping; relays hash the raw
// characters, so '<', '>' and '&' must stay literal.
func marshalNoEscape(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}
