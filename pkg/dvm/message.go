package dvm

import "github.com/OpenAgentsInc/commander-sub021/pkg/event"

// Class discriminates the message union.
type Class int

const (
	ClassUnknown Class = iota
	ClassRequest
	ClassStatus
	ClassResult
)

func (c Class) String() string {
	switch c {
	case ClassRequest:
		return "request"
	case ClassStatus:
		return "status"
	case ClassResult:
		return "result"
	default:
		return "unknown"
	}
}

// JobStatus is the value of a status update's "status" tag. Values outside
// the known set are kept verbatim.
type JobStatus string

const (
	StatusPaymentRequired JobStatus = "payment-required"
	StatusProcessing      JobStatus = "processing"
	StatusError           JobStatus = "error"
	StatusSuccess         JobStatus = "success"
	StatusPartial         JobStatus = "partial"
)

// Input is one ["i", data, type, relay, marker] tag.
type Input struct {
	Data   string `json:"data"`
	Type   string `json:"type"`
	Relay  string `json:"relay,omitempty"`
	Marker string `json:"marker,omitempty"`
}

// Param is one ["param", name, values...] tag.
type Param struct {
	Name   string   `json:"name"`
	Values []string `json:"values"`
}

// PaymentInfo is an ["amount", msats, invoice] tag.
type PaymentInfo struct {
	AmountMsats int64  `json:"amount_msats"`
	InvoiceRef  string `json:"invoice,omitempty"`
}

// Sats converts the amount to whole sats, rounding down.
func (p *PaymentInfo) Sats() int64 {
	if p == nil {
		return 0
	}
	return p.AmountMsats / 1000
}

// JobRequest is a decoded request. Inputs and Params are empty for an
// encrypted request that was not opened.
type JobRequest struct {
	ID         string   `json:"id"`
	Author     string   `json:"author"`
	Kind       int      `json:"kind"`
	CreatedAt  int64    `json:"created_at"`
	Inputs     []Input  `json:"inputs,omitempty"`
	Params     []Param  `json:"params,omitempty"`
	OutputMime string   `json:"output_mime,omitempty"`
	BidMsats   int64    `json:"bid_msats,omitempty"`
	Provider   string   `json:"provider,omitempty"`
	Encrypted  bool     `json:"encrypted,omitempty"`
	Relays     []string `json:"relays,omitempty"`
}

// Param returns the first value of the named param, or "".
func (r *JobRequest) Param(name string) string {
	for _, p := range r.Params {
		if p.Name == name && len(p.Values) > 0 {
			return p.Values[0]
		}
	}
	return ""
}

// StatusUpdate is a decoded kind 7000 reply.
type StatusUpdate struct {
	RequestID string       `json:"request_id"`
	Provider  string       `json:"provider"`
	Status    JobStatus    `json:"status"`
	Info      string       `json:"info,omitempty"`
	Amount    *PaymentInfo `json:"amount,omitempty"`
	Content   string       `json:"content,omitempty"`
}

// Result is a decoded result reply.
type Result struct {
	RequestID string       `json:"request_id"`
	Provider  string       `json:"provider"`
	Payload   string       `json:"payload"`
	Payment   *PaymentInfo `json:"payment,omitempty"`
	// Request is the embedded request event JSON, when the provider echoed it.
	Request string `json:"request,omitempty"`
}

// Message is the closed union of everything the codec decodes. Exactly one
// of Request, Status and Result is set, selected by Class.
type Message struct {
	Class     Class
	Event     *event.Event
	RequestID string
	// Unreadable marks a reply whose encrypted content could not be opened;
	// the content fields then hold UnreadablePlaceholder.
	Unreadable bool

	Request *JobRequest
	Status  *StatusUpdate
	Result  *Result
}
