package envelope

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ErrMalformed marks a message that can never be correlated: it does not
// decode, or it carries no id.
var ErrMalformed = errors.New("malformed envelope")

// Request is the unit a producer publishes to the input queue.
type Request struct {
	ID        string            `json:"id"`
	Payload   Value             `json:"payload"`
	Origin    string            `json:"origin"`
	CreatedAt time.Time         `json:"timestamp"`
	Meta      map[string]string `json:"meta,omitempty"`
}

// Reply is the unit a consumer publishes to the output queue. Its ID is the
// ID of the Request it answers.
type Reply struct {
	ID        string            `json:"id"`
	Payload   Value             `json:"payload"`
	Origin    string            `json:"origin"`
	CreatedAt time.Time         `json:"timestamp"`
	Meta      map[string]string `json:"meta,omitempty"`
}

// ReplyQueue returns the queue replies for origin are published to. With
// perOrigin set, each origin gets "<outputQueue>.<origin>".
func ReplyQueue(outputQueue, origin string, perOrigin bool) string {
	if perOrigin && origin != "" {
		return outputQueue + "." + origin
	}
	return outputQueue
}

// NewID returns a fresh correlation id.
func NewID() string {
	return uuid.NewString()
}

// NewRequest builds a Request with a fresh id.
func NewRequest(payload Value, origin string) Request {
	return Request{
		ID:        NewID(),
		Payload:   payload,
		Origin:    origin,
		CreatedAt: time.Now().UTC(),
	}
}

// Reply builds the Reply answering r.
func (r Request) Reply(payload Value) Reply {
	return Reply{
		ID:        r.ID,
		Payload:   payload,
		Origin:    r.Origin,
		CreatedAt: time.Now().UTC(),
		Meta:      r.Meta,
	}
}

// EncodeRequest serializes r for the wire.
func EncodeRequest(r Request) ([]byte, error) {
	if r.ID == "" {
		return nil, fmt.Errorf("encode request: %w: missing id", ErrMalformed)
	}
	data, err := json.Marshal(r)
	if err != nil {
		return nil, fmt.Errorf("encode request %s: %w", r.ID, err)
	}
	return data, nil
}

// DecodeRequest parses a Request. Any failure wraps ErrMalformed.
func DecodeRequest(data []byte) (Request, error) {
	var r Request
	if err := json.Unmarshal(data, &r); err != nil {
		return Request{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if r.ID == "" {
		return Request{}, fmt.Errorf("%w: missing id", ErrMalformed)
	}
	return r, nil
}

// EncodeReply serializes r for the wire.
func EncodeReply(r Reply) ([]byte, error) {
	if r.ID == "" {
		return nil, fmt.Errorf("encode reply: %w: missing id", ErrMalformed)
	}
	data, err := json.Marshal(r)
	if err != nil {
		return nil, fmt.Errorf("encode reply %s: %w", r.ID, err)
	}
	return data, nil
}

// DecodeReply parses a Reply. Any failure wraps ErrMalformed.
func DecodeReply(data []byte) (Reply, error) {
	var r Reply
	if err := json.Unmarshal(data, &r); err != nil {
		return Reply{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if r.ID == "" {
		return Reply{}, fmt.Errorf("%w: missing id", ErrMalformed)
	}
	return r, nil
}
