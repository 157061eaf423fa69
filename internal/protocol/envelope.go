package protocol

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Envelope type discriminators.
const (
	TypeRequest   = "request"
	TypeResponse  = "response"
	TypeBroadcast = "broadcast"
	TypeError     = "error"
)

// Priority orders envelopes from most to least urgent. Lower value wins.
type Priority int

const (
	PriorityUrgent Priority = iota
	PriorityHigh
	PriorityNormal
	PriorityLow
)

func (p Priority) String() string {
	switch p {
	case PriorityUrgent:
		return "urgent"
	case PriorityHigh:
		return "high"
	case PriorityNormal:
		return "normal"
	case PriorityLow:
		return "low"
	default:
		return fmt.Sprintf("priority(%d)", int(p))
	}
}

// Valid reports whether p is one of the defined priority levels.
func (p Priority) Valid() bool {
	return p >= PriorityUrgent && p <= PriorityLow
}

// Envelope is the unit of exchange between workers. Once constructed it is
// never mutated; forwarding helpers return copies. Content is shared between
// copies and must be treated as read-only by handlers.
type Envelope struct {
	ID           string         `json:"id"`
	Type         string         `json:"type"`
	Sender       string         `json:"sender"`
	Recipient    string         `json:"recipient,omitempty"`
	Content      map[string]any `json:"content"`
	InResponseTo string         `json:"in_response_to,omitempty"`
	Priority     Priority       `json:"priority"`
	Hops         int            `json:"hops,omitempty"`
	CreatedAt    time.Time      `json:"created_at"`
}

// Option adjusts optional envelope fields at construction time.
type Option func(*Envelope)

// WithPriority sets the envelope priority. Invalid values are rejected by the
// constructor.
func WithPriority(p Priority) Option {
	return func(e *Envelope) { e.Priority = p }
}

// NewRequest builds a request envelope. The recipient may be empty when the
// dispatcher resolves it by capability before sending.
func NewRequest(sender, recipient string, content map[string]any, opts ...Option) (*Envelope, error) {
	e := &Envelope{
		ID:        uuid.New().String(),
		Type:      TypeRequest,
		Sender:    sender,
		Recipient: recipient,
		Content:   content,
		Priority:  PriorityNormal,
		CreatedAt: time.Now().UTC(),
	}
	for _, opt := range opts {
		opt(e)
	}
	if err := e.Validate(); err != nil {
		return nil, err
	}
	return e, nil
}

// NewBroadcast builds a broadcast envelope addressed to every worker.
func NewBroadcast(sender string, content map[string]any, opts ...Option) (*Envelope, error) {
	e := &Envelope{
		ID:        uuid.New().String(),
		Type:      TypeBroadcast,
		Sender:    sender,
		Content:   content,
		Priority:  PriorityNormal,
		CreatedAt: time.Now().UTC(),
	}
	for _, opt := range opts {
		opt(e)
	}
	if err := e.Validate(); err != nil {
		return nil, err
	}
	return e, nil
}

// NewResponse builds the response to req. Correlation fields are derived:
// the response answers req.ID and travels back to req.Sender.
func NewResponse(req *Envelope, content map[string]any) *Envelope {
	if content == nil {
		content = map[string]any{}
	}
	return &Envelope{
		ID:           uuid.New().String(),
		Type:         TypeResponse,
		Sender:       req.Recipient,
		Recipient:    req.Sender,
		Content:      content,
		InResponseTo: req.ID,
		Priority:     req.Priority,
		CreatedAt:    time.Now().UTC(),
	}
}

// NewErrorResponse builds an error response to req carrying a machine-readable
// code and a human-readable message.
func NewErrorResponse(req *Envelope, code, message string) *Envelope {
	e := NewResponse(req, map[string]any{
		"error": message,
		"code":  code,
	})
	e.Type = TypeError
	return e
}

// Validate checks structural invariants. Construction fails fatally on the
// first violation; envelopes received off the wire are validated the same way.
func (e *Envelope) Validate() error {
	switch {
	case e.ID == "":
		return fmt.Errorf("%w: missing id", ErrInvalidEnvelope)
	case e.Sender == "":
		return fmt.Errorf("%w: missing sender", ErrInvalidEnvelope)
	case e.Content == nil:
		return fmt.Errorf("%w: missing content", ErrInvalidEnvelope)
	case !e.Priority.Valid():
		return fmt.Errorf("%w: priority %d out of range", ErrInvalidEnvelope, int(e.Priority))
	case e.Hops < 0:
		return fmt.Errorf("%w: negative hop count", ErrInvalidEnvelope)
	}
	switch e.Type {
	case TypeRequest:
		// Recipient may still be unresolved (capability routing).
	case TypeBroadcast:
		if e.Recipient != "" {
			return fmt.Errorf("%w: broadcast carries a recipient", ErrInvalidEnvelope)
		}
	case TypeResponse, TypeError:
		if e.InResponseTo == "" {
			return fmt.Errorf("%w: %s without in_response_to", ErrInvalidEnvelope, e.Type)
		}
		if e.Recipient == "" {
			return fmt.Errorf("%w: %s without recipient", ErrInvalidEnvelope, e.Type)
		}
	default:
		return fmt.Errorf("%w: unknown type %q", ErrInvalidEnvelope, e.Type)
	}
	return nil
}

// Intent extracts the handler selection tag from the content payload. The
// query_type key wins over semantic_type; an untagged payload yields "".
func (e *Envelope) Intent() string {
	if v, ok := e.Content["query_type"].(string); ok && v != "" {
		return v
	}
	if v, ok := e.Content["semantic_type"].(string); ok && v != "" {
		return v
	}
	return ""
}

// IsError reports whether the envelope is an error response.
func (e *Envelope) IsError() bool {
	return e.Type == TypeError
}

// ErrorCode returns the machine-readable code of an error envelope, or "".
func (e *Envelope) ErrorCode() string {
	if !e.IsError() {
		return ""
	}
	code, _ := e.Content["code"].(string)
	return code
}

// WithRecipient returns a copy of e addressed to recipient.
func (e *Envelope) WithRecipient(recipient string) *Envelope {
	c := *e
	c.Recipient = recipient
	return &c
}

// WithHops returns a copy of e carrying the given hop count. Forwarded
// requests get a fresh id so each hop is individually traceable; correlation
// with the original request is the dispatcher's concern.
func (e *Envelope) WithHops(hops int) *Envelope {
	c := *e
	c.ID = uuid.New().String()
	c.Hops = hops
	c.CreatedAt = time.Now().UTC()
	return &c
}

// Encode serializes the envelope for the wire.
func (e *Envelope) Encode() ([]byte, error) {
	data, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("encode envelope: %w", err)
	}
	return data, nil
}

// Decode parses and validates an envelope off the wire.
func Decode(data []byte) (*Envelope, error) {
	var e Envelope
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidEnvelope, err)
	}
	if err := e.Validate(); err != nil {
		return nil, err
	}
	return &e, nil
}
