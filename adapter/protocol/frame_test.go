package protocol

import (
	"bytes"
	"encoding/binary"
	"errors"
	"testing"
)

func TestFrameRoundTrip(t *testing.T) {
	env := &Envelope{
		PayloadType: PayloadApplicationAuthReq,
		Payload:     []byte{0x0a, 0x03, 'a', 'b', 'c'},
		ClientMsgID: "msg-42",
	}

	frame, err := EncodeFrame(env)
	if err != nil {
		t.Fatalf("EncodeFrame failed: %v", err)
	}

	// Length prefix must describe exactly the envelope bytes
	length := binary.BigEndian.Uint32(frame[:LengthPrefixSize])
	if int(length) != len(frame)-LengthPrefixSize {
		t.Errorf("Length prefix %d does not match body length %d", length, len(frame)-LengthPrefixSize)
	}

	decoded, err := DecodeFrame(frame)
	if err != nil {
		t.Fatalf("DecodeFrame failed: %v", err)
	}

	if decoded.PayloadType != env.PayloadType {
		t.Errorf("Expected payload type %d, got %d", env.PayloadType, decoded.PayloadType)
	}
	if !bytes.Equal(decoded.Payload, env.Payload) {
		t.Errorf("Payload mismatch: expected %v, got %v", env.Payload, decoded.Payload)
	}
	if decoded.ClientMsgID != env.ClientMsgID {
		t.Errorf("Expected client msg ID %q, got %q", env.ClientMsgID, decoded.ClientMsgID)
	}
}

func TestFrameRoundTripEmptyPayload(t *testing.T) {
	env := &Envelope{PayloadType: PayloadHeartbeatEvent}

	frame, err := EncodeFrame(env)
	if err != nil {
		t.Fatalf("EncodeFrame failed: %v", err)
	}

	decoded, err := DecodeFrame(frame)
	if err != nil {
		t.Fatalf("DecodeFrame failed: %v", err)
	}
	if decoded.PayloadType != PayloadHeartbeatEvent {
		t.Errorf("Expected heartbeat payload type, got %d", decoded.PayloadType)
	}
	if len(decoded.Payload) != 0 {
		t.Errorf("Expected empty payload, got %d bytes", len(decoded.Payload))
	}
}

func TestDecodeFrameBufferTooShort(t *testing.T) {
	_, err := DecodeFrame([]byte{0x00, 0x00})
	if !errors.Is(err, ErrBufferTooShort) {
		t.Errorf("Expected ErrBufferTooShort, got %v", err)
	}
}

func TestDecodeFrameIncompleteMessage(t *testing.T) {
	env := &Envelope{
		PayloadType: PayloadSpotEvent,
		Payload:     []byte{1, 2, 3, 4, 5},
	}
	frame, err := EncodeFrame(env)
	if err != nil {
		t.Fatalf("EncodeFrame failed: %v", err)
	}

	// Truncate the body
	_, err = DecodeFrame(frame[:len(frame)-2])
	if !errors.Is(err, ErrIncompleteMessage) {
		t.Errorf("Expected ErrIncompleteMessage, got %v", err)
	}
}

func TestDecodeFrameTooLarge(t *testing.T) {
	buf := make([]byte, LengthPrefixSize)
	binary.BigEndian.PutUint32(buf, MaxFrameSize+1)

	_, err := DecodeFrame(buf)
	if !errors.Is(err, ErrFrameTooLarge) {
		t.Errorf("Expected ErrFrameTooLarge, got %v", err)
	}
}

func TestEncodeFrameTooLarge(t *testing.T) {
	env := &Envelope{
		PayloadType: PayloadSpotEvent,
		Payload:     make([]byte, MaxPayloadSize+1),
	}
	if _, err := EncodeFrame(env); !errors.Is(err, ErrFrameTooLarge) {
		t.Errorf("Expected ErrFrameTooLarge, got %v", err)
	}
}

func TestFrameRoundTripMaxPayload(t *testing.T) {
	// A payload of exactly the maximum size must survive the round trip
	// even with the envelope framing and a correlation id on top.
	payload := make([]byte, MaxPayloadSize)
	payload[0] = 0x01
	payload[len(payload)-1] = 0xff

	env := &Envelope{
		PayloadType: PayloadSpotEvent,
		Payload:     payload,
		ClientMsgID: "9b1deb4d-3b7d-4bad-9bdd-2b0d7b3dcb6d",
	}

	frame, err := EncodeFrame(env)
	if err != nil {
		t.Fatalf("EncodeFrame failed at the payload limit: %v", err)
	}

	decoded, err := DecodeFrame(frame)
	if err != nil {
		t.Fatalf("DecodeFrame failed at the payload limit: %v", err)
	}
	if !bytes.Equal(decoded.Payload, payload) {
		t.Error("Payload corrupted in round trip")
	}
	if decoded.ClientMsgID != env.ClientMsgID {
		t.Errorf("Expected client msg id %q, got %q", env.ClientMsgID, decoded.ClientMsgID)
	}
}

func TestUnmarshalEnvelopeMalformedInput(t *testing.T) {
	// Arbitrary garbage must error out, never panic
	inputs := [][]byte{
		{0xff},
		{0x08},             // tag with missing varint
		{0x12, 0x05, 0x01}, // length-delimited field shorter than declared
		{0x1a, 0xff, 0xff, 0xff, 0xff, 0x0f},
	}

	for _, input := range inputs {
		if _, err := UnmarshalEnvelope(input); err == nil {
			t.Errorf("Expected error for malformed input %v", input)
		}
	}
}

func TestUnmarshalEnvelopeSkipsUnknownFields(t *testing.T) {
	env := &Envelope{
		PayloadType: PayloadVersionRes,
		Payload:     []byte{0x0a, 0x01, 'x'},
	}
	b := MarshalEnvelope(env)

	// Append an unknown varint field (field 9)
	b = append(b, 0x48, 0x07)

	decoded, err := UnmarshalEnvelope(b)
	if err != nil {
		t.Fatalf("UnmarshalEnvelope failed: %v", err)
	}
	if decoded.PayloadType != PayloadVersionRes {
		t.Errorf("Expected payload type %d, got %d", PayloadVersionRes, decoded.PayloadType)
	}
}
