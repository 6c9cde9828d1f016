// Package protocol implements the broker's binary wire format: each frame is
// a 4-byte big-endian length prefix followed by a Protobuf-encoded envelope
// carrying a numeric payload type, the payload bytes and an optional client
// message id.
package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"
)

// MaxPayloadSize caps the payload bytes carried in one envelope.
const MaxPayloadSize = 1 << 20

// maxEnvelopeOverhead is the worst case the envelope adds above the payload:
// the payload type tag and varint, the payload field tag and length varint,
// and the client message id field with a uuid string.
const maxEnvelopeOverhead = 64

// MaxFrameSize caps the declared length of a single frame: a full-size
// payload plus the envelope framing around it. A prefix above this is
// rejected before any allocation so a corrupt or hostile stream cannot make
// the reader balloon memory.
const MaxFrameSize = MaxPayloadSize + maxEnvelopeOverhead

// LengthPrefixSize is the size of the frame length prefix in bytes.
const LengthPrefixSize = 4

var (
	// ErrBufferTooShort means fewer than four bytes were available, so not
	// even the length prefix could be read.
	ErrBufferTooShort = errors.New("buffer too short for length prefix")

	// ErrIncompleteMessage means the prefix declared more bytes than the
	// buffer holds.
	ErrIncompleteMessage = errors.New("incomplete message")

	// ErrFrameTooLarge means the prefix declared a length above MaxFrameSize.
	ErrFrameTooLarge = errors.New("frame exceeds maximum size")
)

// Envelope is the outer wire message. PayloadType selects the schema of
// Payload; ClientMsgID is an optional request correlation id echoed back by
// the broker.
type Envelope struct {
	PayloadType PayloadType
	Payload     []byte
	ClientMsgID string
}

// Envelope field numbers in the broker schema.
const (
	envFieldPayloadType = 1
	envFieldPayload     = 2
	envFieldClientMsgID = 3
)

// MarshalEnvelope serializes the envelope body without the length prefix.
func MarshalEnvelope(env *Envelope) []byte {
	b := protowire.AppendTag(nil, envFieldPayloadType, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(env.PayloadType))
	if len(env.Payload) > 0 {
		b = protowire.AppendTag(b, envFieldPayload, protowire.BytesType)
		b = protowire.AppendBytes(b, env.Payload)
	}
	if env.ClientMsgID != "" {
		b = protowire.AppendTag(b, envFieldClientMsgID, protowire.BytesType)
		b = protowire.AppendString(b, env.ClientMsgID)
	}
	return b
}

// UnmarshalEnvelope parses an envelope body. Unknown fields are skipped so a
// newer broker schema does not break decoding.
func UnmarshalEnvelope(b []byte) (*Envelope, error) {
	env := &Envelope{}
	sawType := false
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, fmt.Errorf("envelope: malformed tag: %w", protowire.ParseError(n))
		}
		b = b[n:]
		switch {
		case num == envFieldPayloadType && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return nil, fmt.Errorf("envelope: malformed payload type: %w", protowire.ParseError(n))
			}
			env.PayloadType = PayloadType(v)
			sawType = true
			b = b[n:]
		case num == envFieldPayload && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return nil, fmt.Errorf("envelope: malformed payload: %w", protowire.ParseError(n))
			}
			env.Payload = append([]byte(nil), v...)
			b = b[n:]
		case num == envFieldClientMsgID && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return nil, fmt.Errorf("envelope: malformed client msg id: %w", protowire.ParseError(n))
			}
			env.ClientMsgID = string(v)
			b = b[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return nil, fmt.Errorf("envelope: malformed field %d: %w", num, protowire.ParseError(n))
			}
			b = b[n:]
		}
	}
	if !sawType {
		return nil, errors.New("envelope: missing payload type")
	}
	return env, nil
}

// EncodeFrame serializes the envelope and prepends the length prefix.
func EncodeFrame(env *Envelope) ([]byte, error) {
	if len(env.Payload) > MaxPayloadSize {
		return nil, fmt.Errorf("%w: payload %d bytes", ErrFrameTooLarge, len(env.Payload))
	}
	body := MarshalEnvelope(env)
	if len(body) > MaxFrameSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, len(body))
	}
	frame := make([]byte, LengthPrefixSize+len(body))
	binary.BigEndian.PutUint32(frame[:LengthPrefixSize], uint32(len(body)))
	copy(frame[LengthPrefixSize:], body)
	return frame, nil
}

// DecodeFrame parses one length-prefixed frame from buf. Input is broker
// controlled; every length is validated before use and malformed input
// returns an error, never panics.
func DecodeFrame(buf []byte) (*Envelope, error) {
	if len(buf) < LengthPrefixSize {
		return nil, fmt.Errorf("%w: have %d bytes", ErrBufferTooShort, len(buf))
	}
	declared := binary.BigEndian.Uint32(buf[:LengthPrefixSize])
	if declared > MaxFrameSize {
		return nil, fmt.Errorf("%w: declared %d bytes", ErrFrameTooLarge, declared)
	}
	if int(declared) > len(buf)-LengthPrefixSize {
		return nil, fmt.Errorf("%w: declared %d bytes, have %d",
			ErrIncompleteMessage, declared, len(buf)-LengthPrefixSize)
	}
	return UnmarshalEnvelope(buf[LengthPrefixSize : LengthPrefixSize+int(declared)])
}
