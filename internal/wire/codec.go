package wire

import (
	"bufio"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
)

// MaxPayloadBytes is the maximum accepted stream frame payload; oversize
// frames abort the connection.
const MaxPayloadBytes = 1 << 20 // 1 MiB

// ErrOversizeFrame is returned by ReadFrame when the declared length
// exceeds MaxPayloadBytes.
var ErrOversizeFrame = errors.New("wire: frame exceeds maximum payload size")

// ErrUnknownType names an envelope whose type tag is not in the closed
// inbound set. DecodeEnvelopeType does not check tags and never returns it.
var ErrUnknownType = errors.New("wire: unknown message type")

// WriteFrame writes a single length-prefixed frame: a 4-byte big-endian
// length followed by payload. Safe to call concurrently only if the caller
// serializes access to w (the per-connection writer task owns w exclusively).
func WriteFrame(w io.Writer, payload []byte) error {
	if len(payload) > MaxPayloadBytes {
		return ErrOversizeFrame
	}
	var hdr [4]byte
	binary.BigEndian.PutUint32(hdr[:], uint32(len(payload)))
	if _, err := w.Write(hdr[:]); err != nil {
		return fmt.Errorf("wire: write frame header: %w", err)
	}
	if _, err := w.Write(payload); err != nil {
		return fmt.Errorf("wire: write frame payload: %w", err)
	}
	return nil
}

// ReadFrame reads one length-prefixed frame from r. Returns ErrOversizeFrame
// without consuming the payload bytes if the declared length is too large —
// callers must treat that as fatal for the connection since the stream is
// no longer framed correctly once a peer lies about length.
func ReadFrame(r *bufio.Reader) ([]byte, error) {
	var hdr [4]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(hdr[:])
	if n > MaxPayloadBytes {
		return nil, ErrOversizeFrame
	}
	payload := make([]byte, n)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, fmt.Errorf("wire: read frame payload: %w", err)
	}
	return payload, nil
}

// EncodeEnvelope marshals a type tag and data payload into a JSON envelope
// ready for WriteFrame.
func EncodeEnvelope(msgType string, data any) ([]byte, error) {
	env := Envelope{Type: msgType, Data: data}
	b, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("wire: encode envelope %s: %w", msgType, err)
	}
	return b, nil
}

// DecodeEnvelopeType peeks the type tag without fully decoding Data, so the
// caller can dispatch to the right concrete payload type.
func DecodeEnvelopeType(payload []byte) (string, json.RawMessage, error) {
	var raw struct {
		Type string          `json:"type"`
		Data json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(payload, &raw); err != nil {
		return "", nil, fmt.Errorf("wire: decode envelope: %w", err)
	}
	return raw.Type, raw.Data, nil
}

// DatagramHeaderSize is the number of header bytes every telemetry/input
// datagram carries before its JSON body: the raw envelope is unprefixed,
// one encoded message per datagram.
const DatagramHeaderSize = 0

// EncodeDatagram marshals a full envelope for unprefixed UDP/QUIC-datagram
// transport — no length prefix, since the datagram itself is one message.
func EncodeDatagram(msgType string, data any) ([]byte, error) {
	return EncodeEnvelope(msgType, data)
}

// DecodeDatagram decodes a single datagram payload.
func DecodeDatagram(payload []byte) (string, json.RawMessage, error) {
	return DecodeEnvelopeType(payload)
}
