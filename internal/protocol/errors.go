package protocol

import "errors"

// Failure taxonomy shared across the module. Each sentinel maps to a wire
// code so error envelopes survive the trip through NATS and back.
var (
	// ErrInvalidEnvelope marks a structurally broken envelope. Construction
	// and decoding fail fatally; nothing downstream ever sees one.
	ErrInvalidEnvelope = errors.New("invalid envelope")

	// ErrUnknownIntent marks a payload whose tag no handler claims. Workers
	// recover from it via their default handler; it only surfaces when a
	// worker has no default.
	ErrUnknownIntent = errors.New("unknown intent")

	// ErrWorkerBusy is returned immediately when a worker is at its
	// concurrency limit. Requests are never queued on its behalf.
	ErrWorkerBusy = errors.New("worker busy")

	// ErrTimeout marks a collaboration that outlived the recipient's
	// configured deadline.
	ErrTimeout = errors.New("collaboration timed out")

	// ErrUpstreamFailure marks a dependency (model endpoint, index, peer)
	// that failed while handling an otherwise valid request.
	ErrUpstreamFailure = errors.New("upstream failure")
)

// Wire codes carried in error envelopes.
const (
	CodeInvalidEnvelope     = "invalid_envelope"
	CodeUnknownIntent       = "unknown_intent"
	CodeWorkerBusy          = "worker_busy"
	CodeTimeout             = "timeout"
	CodeUpstreamFailure     = "upstream_failure"
	CodeWorkerError         = "worker_error"
	CodeCancelled           = "cancelled"
	CodeEscalationExhausted = "escalation_exhausted"
)

// CodeFor maps an error to its wire code. Errors outside the taxonomy are
// reported as plain worker errors.
func CodeFor(err error) string {
	switch {
	case errors.Is(err, ErrInvalidEnvelope):
		return CodeInvalidEnvelope
	case errors.Is(err, ErrUnknownIntent):
		return CodeUnknownIntent
	case errors.Is(err, ErrWorkerBusy):
		return CodeWorkerBusy
	case errors.Is(err, ErrTimeout):
		return CodeTimeout
	case errors.Is(err, ErrUpstreamFailure):
		return CodeUpstreamFailure
	default:
		return CodeWorkerError
	}
}

// ErrFor maps a wire code back to its sentinel, or nil for codes that do not
// correspond to one.
func ErrFor(code string) error {
	switch code {
	case CodeInvalidEnvelope:
		return ErrInvalidEnvelope
	case CodeUnknownIntent:
		return ErrUnknownIntent
	case CodeWorkerBusy:
		return ErrWorkerBusy
	case CodeTimeout, CodeEscalationExhausted:
		return ErrTimeout
	case CodeUpstreamFailure:
		return ErrUpstreamFailure
	default:
		return nil
	}
}
