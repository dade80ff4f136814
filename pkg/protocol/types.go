package protocol

// Frame labels. Every relay frame is a JSON array whose first element is one
// of these.
const (
	LabelEvent  = "EVENT"  // client→relay publish, relay→client delivery
	LabelReq    = "REQ"    // client→relay subscribe
	LabelClose  = "CLOSE"  // client→relay unsubscribe
	LabelOK     = "OK"     // relay→client publish ack
	LabelEOSE   = "EOSE"   // relay→client end of stored events
	LabelNotice = "NOTICE" // relay→client human readable message
	LabelClosed = "CLOSED" // relay→client subscription ended by relay
)

// Machine-readable prefixes relays put in OK and CLOSED messages.
const (
	ReasonDuplicate   = "duplicate"
	ReasonBlocked     = "blocked"
	ReasonInvalid     = "invalid"
	ReasonRateLimited = "rate-limited"
	ReasonError       = "error"
)

// ContentType is optional hint for payload decoding.
const (
	ContentUnknown = "application/octet-stream"
	ContentCBOR    = "application/cbor"
	ContentJSON    = "application/json"
	ContentProto   = "application/x-protobuf"
)
