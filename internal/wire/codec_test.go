package wire

import (
	"bufio"
	"bytes"
	"encoding/json"
	"testing"
)

func TestFrameRoundTrip(t *testing.T) {
	payload, err := EncodeEnvelope(TypeHeartbeat, HeartbeatPayload{ClientTick: 42})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}

	var buf bytes.Buffer
	if err := WriteFrame(&buf, payload); err != nil {
		t.Fatalf("write frame: %v", err)
	}

	got, err := ReadFrame(bufio.NewReader(&buf))
	if err != nil {
		t.Fatalf("read frame: %v", err)
	}
	if !bytes.Equal(got, payload) {
		t.Fatalf("round trip mismatch: got %q want %q", got, payload)
	}

	msgType, data, err := DecodeEnvelopeType(got)
	if err != nil {
		t.Fatalf("decode envelope: %v", err)
	}
	if msgType != TypeHeartbeat {
		t.Fatalf("type mismatch: got %q", msgType)
	}
	var hb HeartbeatPayload
	if err := json.Unmarshal(data, &hb); err != nil {
		t.Fatalf("decode data: %v", err)
	}
	if hb.ClientTick != 42 {
		t.Fatalf("client tick mismatch: got %d", hb.ClientTick)
	}
}

func TestReadFrameOversizeRejected(t *testing.T) {
	var buf bytes.Buffer
	hdr := []byte{0x7f, 0xff, 0xff, 0xff} // huge declared length
	buf.Write(hdr)

	_, err := ReadFrame(bufio.NewReader(&buf))
	if err != ErrOversizeFrame {
		t.Fatalf("expected ErrOversizeFrame, got %v", err)
	}
}

func TestReadFrameShortRead(t *testing.T) {
	var buf bytes.Buffer
	buf.Write([]byte{0, 0, 0, 10}) // declares 10 bytes, supplies none
	if _, err := ReadFrame(bufio.NewReader(&buf)); err == nil {
		t.Fatal("expected error on truncated frame")
	}
}

func TestPriorityClassification(t *testing.T) {
	cases := map[string]Priority{
		TypeAuthSuccess:     Critical,
		TypeError:           Critical,
		TypeGameModeChanged: Critical,
		TypeTelemetry:       Droppable,
		TypeHeartbeatAck:    Droppable,
		TypeLobbyState:      Droppable,
	}
	for msgType, want := range cases {
		if got := PriorityOf(msgType); got != want {
			t.Errorf("PriorityOf(%s) = %v, want %v", msgType, got, want)
		}
	}
}
