package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"
)

var (
	// ErrMissingCategory is returned when encoding an envelope without a category
	ErrMissingCategory = errors.New("envelope has no category")
	// ErrMalformedEnvelope wraps any failure to decode an envelope body
	ErrMalformedEnvelope = errors.New("malformed envelope")
	// ErrNoPayload is returned by Decode when the envelope carries no payload
	ErrNoPayload = errors.New("envelope has no payload")
)

// Envelope is the single message unit exchanged over a connection.
//
// Body layout (inside the frame, after the Type byte that carries Category):
//
//	[Status int32][CreatedAt int64][Text optional-string][Payload optional-bytes]
//
// Payload is a JSON document whose shape depends on Category; nil means absent.
// Text is optional human-readable detail; empty means absent.
// Readers ignore bytes after Payload so later versions can append fields.
type Envelope struct {
	Category  Category
	Status    Status
	Payload   json.RawMessage
	Text      string
	CreatedAt int64 // milliseconds since epoch
}

// NewEnvelope builds an envelope stamped with the current time. payload may be
// nil (absent), a json.RawMessage/[]byte (used as is) or any JSON-marshalable value.
func NewEnvelope(category Category, status Status, payload any, text string) (*Envelope, error) {
	raw, err := marshalPayload(payload)
	if err != nil {
		return nil, fmt.Errorf("encode %s payload: %w", category, err)
	}
	return &Envelope{
		Category:  category,
		Status:    status,
		Payload:   raw,
		Text:      text,
		CreatedAt: time.Now().UnixMilli(),
	}, nil
}

// Request is shorthand for a StatusOK envelope carrying payload.
func Request(category Category, payload any) (*Envelope, error) {
	return NewEnvelope(category, StatusOK, payload, "")
}

// Reply builds a payload-less envelope. It cannot fail.
func Reply(category Category, status Status, text string) *Envelope {
	return &Envelope{
		Category:  category,
		Status:    status,
		Text:      text,
		CreatedAt: time.Now().UnixMilli(),
	}
}

// Failure is Reply for a non-success status.
func Failure(category Category, status Status, text string) *Envelope {
	return Reply(category, status, text)
}

func marshalPayload(payload any) (json.RawMessage, error) {
	switch p := payload.(type) {
	case nil:
		return nil, nil
	case json.RawMessage:
		return p, nil
	case []byte:
		return json.RawMessage(p), nil
	}
	return json.Marshal(payload)
}

// IsSuccess reports whether the envelope's status is in the 2xx family.
func (e *Envelope) IsSuccess() bool {
	return e.Status.IsSuccess()
}

// HasPayload reports whether a payload is present.
func (e *Envelope) HasPayload() bool {
	return e.Payload != nil
}

// Decode unmarshals the JSON payload into v.
func (e *Envelope) Decode(v any) error {
	if e.Payload == nil {
		return ErrNoPayload
	}
	return json.Unmarshal(e.Payload, v)
}

// Err returns nil for a success envelope and a *StatusError otherwise.
func (e *Envelope) Err() error {
	if e.IsSuccess() {
		return nil
	}
	msg := e.Text
	if msg == "" {
		msg = e.Category.String()
	}
	return &StatusError{Code: e.Status, Message: msg}
}

func (e *Envelope) String() string {
	return fmt.Sprintf("%s status=%d payload=%dB", e.Category, e.Status, len(e.Payload))
}

// EncodeBody serializes the envelope fields that follow the Type byte.
func (e *Envelope) EncodeBody() ([]byte, error) {
	buf := new(bytes.Buffer)
	if err := WriteInt32(buf, int32(e.Status)); err != nil {
		return nil, err
	}
	if err := WriteInt64(buf, e.CreatedAt); err != nil {
		return nil, err
	}
	if err := WriteOptionalString(buf, e.Text); err != nil {
		return nil, err
	}
	if err := WriteOptionalBytes(buf, e.Payload); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// DecodeBody fills the envelope from a frame body.
func (e *Envelope) DecodeBody(body []byte) error {
	r := bytes.NewReader(body)
	status, err := ReadInt32(r)
	if err != nil {
		return fmt.Errorf("%w: status: %v", ErrMalformedEnvelope, err)
	}
	createdAt, err := ReadInt64(r)
	if err != nil {
		return fmt.Errorf("%w: timestamp: %v", ErrMalformedEnvelope, err)
	}
	text, err := ReadOptionalString(r)
	if err != nil {
		return fmt.Errorf("%w: text: %v", ErrMalformedEnvelope, err)
	}
	payload, err := ReadOptionalBytes(r)
	if err != nil {
		return fmt.Errorf("%w: payload: %v", ErrMalformedEnvelope, err)
	}

	e.Status = Status(status)
	e.CreatedAt = createdAt
	e.Text = text
	e.Payload = payload
	return nil
}

// ToFrame wraps the envelope in a frame of the current protocol version.
func (e *Envelope) ToFrame() (*Frame, error) {
	if e.Category == CategoryNone {
		return nil, ErrMissingCategory
	}
	body, err := e.EncodeBody()
	if err != nil {
		return nil, err
	}
	return &Frame{
		Version: ProtocolVersion,
		Type:    uint8(e.Category),
		Payload: body,
	}, nil
}

// FromFrame decodes an envelope carried by f.
func FromFrame(f *Frame) (*Envelope, error) {
	env := &Envelope{Category: Category(f.Type)}
	if env.Category == CategoryNone {
		return nil, fmt.Errorf("%w: %v", ErrMalformedEnvelope, ErrMissingCategory)
	}
	if err := env.DecodeBody(f.Payload); err != nil {
		return nil, err
	}
	return env, nil
}

// EncodeEnvelope writes env as one frame. See EncodeFrame for peerVersion.
func EncodeEnvelope(w io.Writer, env *Envelope, peerVersion ...uint8) error {
	frame, err := env.ToFrame()
	if err != nil {
		return err
	}
	return EncodeFrame(w, frame, peerVersion...)
}

// MarshalEnvelope encodes env into a standalone byte slice.
func MarshalEnvelope(env *Envelope, peerVersion ...uint8) ([]byte, error) {
	frame, err := env.ToFrame()
	if err != nil {
		return nil, err
	}
	return MarshalFrame(frame, peerVersion...)
}

// DecodeEnvelope reads one frame and decodes its envelope. It returns the frame
// alongside so callers can inspect the peer's protocol version.
func DecodeEnvelope(r io.Reader) (*Envelope, *Frame, error) {
	frame, err := DecodeFrame(r)
	if err != nil {
		return nil, nil, err
	}
	env, err := FromFrame(frame)
	if err != nil {
		return nil, frame, err
	}
	return env, frame, nil
}

// IsMalformed reports whether err came from a frame that was read completely
// but could not be understood. The stream is still in sync after such errors,
// unlike I/O errors or ErrFrameTooLarge.
func IsMalformed(err error) bool {
	return errors.Is(err, ErrMalformedEnvelope) ||
		errors.Is(err, ErrInvalidFrameLength) ||
		errors.Is(err, ErrDecompressionFailed) ||
		errors.Is(err, ErrInvalidCompressedLen)
}
