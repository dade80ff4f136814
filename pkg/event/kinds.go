package event

// Kind numbers used by job requests and their replies.
const (
	KindDeletion = 5

	KindJobRequestMin = 5000
	KindJobRequestMax = 5999
	KindJobResultMin  = 6000
	KindJobResultMax  = 6999
	KindJobFeedback   = 7000

	// KindTextGeneration is the default request kind.
	KindTextGeneration = 5050

	// ResultKindOffset maps a request kind to its result kind.
	ResultKindOffset = 1000
)

// IsJobRequest reports whether k is in the request range.
func IsJobRequest(k int) bool { return k >= KindJobRequestMin && k <= KindJobRequestMax }

// IsJobResult reports whether k is in the result range.
func IsJobResult(k int) bool { return k >= KindJobResultMin && k <= KindJobResultMax }

// ResultKind returns the result kind for a request kind.
func ResultKind(requestKind int) int { return requestKind + ResultKindOffset }

// IsEphemeral reports whether relays should forward but not store the kind.
func IsEphemeral(k int) bool { return k >= 20000 && k < 30000 }
