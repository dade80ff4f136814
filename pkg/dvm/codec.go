package dvm

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/OpenAgentsInc/commander-sub021/pkg/crypto/box"
	"github.com/OpenAgentsInc/commander-sub021/pkg/event"
	"github.com/OpenAgentsInc/commander-sub021/pkg/identity"
	"github.com/OpenAgentsInc/commander-sub021/pkg/keyenc"
	"github.com/OpenAgentsInc/commander-sub021/pkg/observability"
)

// UnreadablePlaceholder replaces the content of a reply that could not be
// decrypted.
const UnreadablePlaceholder = "[unreadable: encrypted content could not be decrypted]"

// Identity signs and verifies events.
type Identity interface {
	PublicKey(sk string) (string, error)
	Sign(ev *event.Event, sk string) error
	Verify(ev *event.Event) error
}

// Cipher encrypts payloads between two keys.
type Cipher interface {
	Encrypt(sk, recipientPub string, plaintext []byte) (string, error)
	Decrypt(sk, senderPub, ciphertext string) ([]byte, error)
}

// Codec builds and parses job messages.
type Codec struct {
	identity Identity
	cipher   Cipher
	now      func() time.Time
	log      *zap.Logger
}

// NewCodec returns a codec. Nil collaborators default to ed25519 signing
// and the box cipher.
func NewCodec(id Identity, c Cipher, logger *zap.Logger) *Codec {
	if id == nil {
		id = identity.Signer{}
	}
	if c == nil {
		c = box.Cipher{}
	}
	return &Codec{identity: id, cipher: c, now: time.Now, log: observability.Named(logger, "codec")}
}

// RequestParams describes a job request to encode.
type RequestParams struct {
	SecretKey string
	Kind      int
	Inputs    []Input
	Params    []Param
	// OutputMime defaults to text/plain.
	OutputMime string
	BidMsats   int64
	// EncryptFor is the provider key the payload is encrypted to. It also
	// becomes the reply target.
	EncryptFor string
	// ReplyTo targets a provider without encryption. Ignored when the
	// request is encrypted.
	ReplyTo   string
	Relays    []string
	CreatedAt time.Time
}

// EncodedRequest is a signed request ready to publish.
type EncodedRequest struct {
	Event     *event.Event
	Encrypted bool
	// Provider is the reply target key, or "".
	Provider string
	// Payload is the serialized input and param tags, before encryption.
	Payload string
	// Warnings lists inputs that were ignored in favor of a safer mode.
	Warnings []error
}

// normalizeKey accepts hex or npub.
func normalizeKey(s string) (string, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return "", false
	}
	k, err := keyenc.NormalizePublicKey(s)
	if err != nil {
		return "", false
	}
	return k, true
}

// EncodeRequest assembles and signs a request. A malformed EncryptFor or
// ReplyTo does not fail: the request goes out in the clear and untargeted
// respectively, with a *ValidationError in Warnings.
func (c *Codec) EncodeRequest(p RequestParams) (*EncodedRequest, error) {
	if p.Kind == 0 {
		p.Kind = event.KindTextGeneration
	}
	if !event.IsJobRequest(p.Kind) {
		return nil, &ValidationError{Field: "kind", Reason: fmt.Sprintf("%d outside %d-%d", p.Kind, event.KindJobRequestMin, event.KindJobRequestMax)}
	}
	if p.OutputMime == "" {
		p.OutputMime = "text/plain"
	}
	if p.CreatedAt.IsZero() {
		p.CreatedAt = c.now()
	}
	out := &EncodedRequest{}

	payloadTags := make(event.Tags, 0, len(p.Inputs)+len(p.Params))
	for _, in := range p.Inputs {
		payloadTags = append(payloadTags, inputTag(in))
	}
	for _, pr := range p.Params {
		payloadTags = append(payloadTags, append(event.Tag{"param", pr.Name}, pr.Values...))
	}
	payload, err := marshalCompact(payloadTags)
	if err != nil {
		return nil, &EncodingError{Op: "serialize payload", Err: err}
	}
	out.Payload = payload

	target := ""
	if strings.TrimSpace(p.EncryptFor) != "" {
		k, ok := normalizeKey(p.EncryptFor)
		reason := "not a 64 hex char public key; sending in the clear"
		if ok {
			if err := box.CheckPublicKey(k); err != nil {
				ok, reason = false, err.Error()+"; sending in the clear"
			}
		}
		if ok {
			target = k
		} else {
			out.Warnings = append(out.Warnings, &ValidationError{Field: "encrypt_for", Reason: reason})
			c.log.Warn("encryption target malformed, dispatching unencrypted", zap.String("value", p.EncryptFor))
		}
	}

	ev := &event.Event{Kind: p.Kind, CreatedAt: p.CreatedAt.Unix()}
	if target != "" {
		ct, err := c.cipher.Encrypt(p.SecretKey, target, []byte(payload))
		if err != nil {
			return nil, &EncodingError{Op: "encrypt payload", Err: err}
		}
		ev.Content = ct
		ev.Tags = append(ev.Tags, event.Tag{"p", target}, event.Tag{"encrypted"})
		out.Encrypted = true
		out.Provider = target
	} else {
		ev.Content = payload
		ev.Tags = append(ev.Tags, payloadTags...)
		if strings.TrimSpace(p.ReplyTo) != "" {
			if k, ok := normalizeKey(p.ReplyTo); ok {
				ev.Tags = append(ev.Tags, event.Tag{"p", k})
				out.Provider = k
			} else {
				out.Warnings = append(out.Warnings, &ValidationError{Field: "reply_to", Reason: "not a 64 hex char public key; request is untargeted"})
				c.log.Warn("reply target malformed, dropping it", zap.String("value", p.ReplyTo))
			}
		}
	}

	ev.Tags = append(ev.Tags, event.Tag{"output", p.OutputMime})
	if p.BidMsats > 0 {
		ev.Tags = append(ev.Tags, event.Tag{"bid", strconv.FormatInt(p.BidMsats, 10)})
	}
	if len(p.Relays) > 0 {
		ev.Tags = append(ev.Tags, append(event.Tag{"relays"}, p.Relays...))
	}

	if err := c.identity.Sign(ev, p.SecretKey); err != nil {
		return nil, &EncodingError{Op: "sign", Err: err}
	}
	out.Event = ev
	return out, nil
}

func inputTag(in Input) event.Tag {
	t := event.Tag{"i", in.Data, in.Type}
	if in.Relay != "" || in.Marker != "" {
		t = append(t, in.Relay)
	}
	if in.Marker != "" {
		t = append(t, in.Marker)
	}
	return t
}

// marshalCompact renders v as JSON without HTML escaping or a trailing newline.
func marshalCompact(v any) (string, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return "", err
	}
	return strings.TrimSuffix(buf.String(), "\n"), nil
}

// PlainReply is a reply with its content in the clear.
type PlainReply struct {
	Event   *event.Event
	Content string
	// Encrypted is true when the reply carried the encrypted marker.
	Encrypted bool
	// Unreadable is true when decryption failed; Content is then the placeholder.
	Unreadable bool
}

// DecodeReply returns the reply content, decrypting it with
// (sk, theirPub) when the reply is marked encrypted. On failure the
// returned reply carries the placeholder and the error is a
// *DecryptionError.
func (c *Codec) DecodeReply(sk, theirPub string, ev *event.Event) (PlainReply, error) {
	r := PlainReply{Event: ev, Content: ev.Content}
	if !ev.Tags.Has("encrypted") {
		return r, nil
	}
	r.Encrypted = true
	pt, err := c.cipher.Decrypt(sk, theirPub, ev.Content)
	if err != nil {
		r.Content = UnreadablePlaceholder
		r.Unreadable = true
		return r, &DecryptionError{EventID: ev.ID, Sender: theirPub, Err: err}
	}
	r.Content = string(pt)
	return r, nil
}

// Classify decodes ev into the message union. Replies must carry exactly
// one "e" back-reference.
func Classify(ev *event.Event) (Message, error) {
	m := Message{Event: ev}
	switch {
	case event.IsJobRequest(ev.Kind):
		req, err := ParseRequest(ev)
		if err != nil {
			return m, err
		}
		m.Class, m.RequestID, m.Request = ClassRequest, ev.ID, req
		return m, nil
	case ev.Kind == event.KindJobFeedback, event.IsJobResult(ev.Kind):
	default:
		return m, &ValidationError{Field: "kind", Reason: fmt.Sprintf("%d is not a job message", ev.Kind)}
	}

	refs := ev.Tags.FindAll("e")
	if len(refs) != 1 || refs[0].Value() == "" {
		return m, &ValidationError{Field: "e", Reason: fmt.Sprintf("reply has %d request references, want 1", len(refs))}
	}
	m.RequestID = refs[0].Value()
	amount := parseAmount(ev.Tags)

	if ev.Kind == event.KindJobFeedback {
		st, _ := ev.Tags.Find("status")
		m.Class = ClassStatus
		m.Status = &StatusUpdate{
			RequestID: m.RequestID,
			Provider:  ev.PubKey,
			Status:    JobStatus(st.Value()),
			Info:      st.At(2),
			Amount:    amount,
			Content:   ev.Content,
		}
		return m, nil
	}
	m.Class = ClassResult
	m.Result = &Result{
		RequestID: m.RequestID,
		Provider:  ev.PubKey,
		Payload:   ev.Content,
		Payment:   amount,
		Request:   ev.Tags.Value("request"),
	}
	return m, nil
}

func parseAmount(tags event.Tags) *PaymentInfo {
	t, ok := tags.Find("amount")
	if !ok {
		return nil
	}
	n, err := strconv.ParseInt(t.Value(), 10, 64)
	if err != nil || n < 0 {
		return nil
	}
	return &PaymentInfo{AmountMsats: n, InvoiceRef: t.At(2)}
}

// ParseRequest decodes the clear parts of a request event. The inputs of
// an encrypted request stay empty; see OpenRequest.
func ParseRequest(ev *event.Event) (*JobRequest, error) {
	if !event.IsJobRequest(ev.Kind) {
		return nil, &ValidationError{Field: "kind", Reason: fmt.Sprintf("%d is not a request kind", ev.Kind)}
	}
	r := &JobRequest{
		ID:         ev.ID,
		Author:     ev.PubKey,
		Kind:       ev.Kind,
		CreatedAt:  ev.CreatedAt,
		OutputMime: ev.Tags.Value("output"),
		Provider:   ev.Tags.Value("p"),
		Encrypted:  ev.Tags.Has("encrypted"),
	}
	if bid := ev.Tags.Value("bid"); bid != "" {
		n, err := strconv.ParseInt(bid, 10, 64)
		if err != nil {
			return nil, &ValidationError{Field: "bid", Reason: err.Error()}
		}
		r.BidMsats = n
	}
	if t, ok := ev.Tags.Find("relays"); ok && len(t) > 1 {
		r.Relays = append([]string(nil), t[1:]...)
	}
	applyPayloadTags(r, ev.Tags)
	return r, nil
}

func applyPayloadTags(r *JobRequest, tags event.Tags) {
	for _, t := range tags {
		switch t.Name() {
		case "i":
			r.Inputs = append(r.Inputs, Input{Data: t.At(1), Type: t.At(2), Relay: t.At(3), Marker: t.At(4)})
		case "param":
			if len(t) >= 2 {
				r.Params = append(r.Params, Param{Name: t[1], Values: append([]string(nil), t[2:]...)})
			}
		}
	}
}

// OpenRequest parses a request and, when it is encrypted, decrypts its
// payload with the provider key sk.
func (c *Codec) OpenRequest(sk string, ev *event.Event) (*JobRequest, error) {
	r, err := ParseRequest(ev)
	if err != nil || !r.Encrypted {
		return r, err
	}
	pt, err := c.cipher.Decrypt(sk, ev.PubKey, ev.Content)
	if err != nil {
		return r, &DecryptionError{EventID: ev.ID, Sender: ev.PubKey, Err: err}
	}
	var tags event.Tags
	if err := json.Unmarshal(pt, &tags); err != nil {
		return r, &DecryptionError{EventID: ev.ID, Sender: ev.PubKey, Err: fmt.Errorf("payload: %w", err)}
	}
	applyPayloadTags(r, tags)
	return r, nil
}

// ReplyParams describes a status update or result answering a request.
type ReplyParams struct {
	SecretKey string
	Request   *event.Event
	// Class is ClassStatus or ClassResult.
	Class       Class
	Status      JobStatus
	Info        string
	Content     string
	AmountMsats int64
	Invoice     string
	// Encrypt encrypts Content to the request author. Requests that were
	// themselves encrypted are always answered encrypted.
	Encrypt   bool
	CreatedAt time.Time
}

// EncodeReply builds and signs a provider reply. Requesters never send
// these; they exist for providers and tools built on this package.
func (c *Codec) EncodeReply(p ReplyParams) (*event.Event, error) {
	if p.Request == nil {
		return nil, &ValidationError{Field: "request", Reason: "missing"}
	}
	if p.CreatedAt.IsZero() {
		p.CreatedAt = c.now()
	}
	ev := &event.Event{CreatedAt: p.CreatedAt.Unix(), Content: p.Content}
	switch p.Class {
	case ClassStatus:
		ev.Kind = event.KindJobFeedback
		st := event.Tag{"status", string(p.Status)}
		if p.Info != "" {
			st = append(st, p.Info)
		}
		ev.Tags = append(ev.Tags, st)
	case ClassResult:
		ev.Kind = event.ResultKind(p.Request.Kind)
		req, err := marshalCompact(p.Request)
		if err != nil {
			return nil, &EncodingError{Op: "embed request", Err: err}
		}
		ev.Tags = append(ev.Tags, event.Tag{"request", req})
	default:
		return nil, &ValidationError{Field: "class", Reason: p.Class.String()}
	}
	ev.Tags = append(ev.Tags, event.Tag{"e", p.Request.ID}, event.Tag{"p", p.Request.PubKey})
	if p.AmountMsats > 0 {
		amt := event.Tag{"amount", strconv.FormatInt(p.AmountMsats, 10)}
		if p.Invoice != "" {
			amt = append(amt, p.Invoice)
		}
		ev.Tags = append(ev.Tags, amt)
	}
	if p.Encrypt || p.Request.Tags.Has("encrypted") {
		ct, err := c.cipher.Encrypt(p.SecretKey, p.Request.PubKey, []byte(p.Content))
		if err != nil {
			return nil, &EncodingError{Op: "encrypt reply", Err: err}
		}
		ev.Content = ct
		ev.Tags = append(ev.Tags, event.Tag{"encrypted"})
	}
	if err := c.identity.Sign(ev, p.SecretKey); err != nil {
		return nil, &EncodingError{Op: "sign", Err: err}
	}
	return ev, nil
}

// summarize shortens the first input for the ledger.
func summarize(p RequestParams, encrypted bool) string {
	if encrypted {
		return "[encrypted]"
	}
	if len(p.Inputs) == 0 {
		return ""
	}
	s := p.Inputs[0].Data
	if r := []rune(s); len(r) > 80 {
		s = string(r[:77]) + "..."
	}
	return s
}
