package protocol

import (
	"bytes"
	"errors"
	"strings"
	"testing"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	t.Parallel()

	env, err := NewEnvelope(TypeMove, "p-1", MoveData{
		RoomID: "r-1",
		Move:   Move{PosA: Pos{Row: 1, Col: 2}, PosB: Pos{Row: 1, Col: 3}, MoveNumber: 7},
	})
	if err != nil {
		t.Fatalf("new envelope: %v", err)
	}
	env.MessageID = "m-1"

	raw, err := Encode(env)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}

	got, err := Decode(raw)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.Type != TypeMove || got.PeerID != "p-1" || got.MessageID != "m-1" {
		t.Fatalf("unexpected envelope: %+v", got)
	}
	var data MoveData
	if err := got.DecodeData(&data); err != nil {
		t.Fatalf("decode data: %v", err)
	}
	if data.RoomID != "r-1" || data.Move.MoveNumber != 7 {
		t.Fatalf("unexpected payload: %+v", data)
	}
}

func TestDecodeIgnoresUnknownFields(t *testing.T) {
	t.Parallel()

	raw := []byte(`{"type":"PING","timestamp":5,"bogus":"x","data":{"timestamp":5,"extra":1}}`)
	env, err := Decode(raw)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if env.Type != TypePing {
		t.Fatalf("type = %q", env.Type)
	}
}

func TestDecodeMissingTypeIsParseError(t *testing.T) {
	t.Parallel()

	_, err := Decode([]byte(`{"timestamp":5}`))
	var pe *ParseError
	if !errors.As(err, &pe) {
		t.Fatalf("expected ParseError, got %v", err)
	}
	if !errors.Is(err, ErrMissingType) {
		t.Fatalf("expected ErrMissingType, got %v", err)
	}
}

func TestDecodeMalformedJSONIsParseError(t *testing.T) {
	t.Parallel()

	_, err := Decode([]byte(`{"type":`))
	var pe *ParseError
	if !errors.As(err, &pe) {
		t.Fatalf("expected ParseError, got %v", err)
	}
}

func TestOversizedFramesRejected(t *testing.T) {
	t.Parallel()

	big := bytes.Repeat([]byte("a"), MaxFrameBytes+1)
	if _, err := Decode(big); err == nil {
		t.Fatal("expected decode error for oversized frame")
	}

	env, err := NewEnvelope(TypeChat, "p-1", ChatData{RoomID: "r-1", Message: strings.Repeat("a", MaxFrameBytes)})
	if err != nil {
		t.Fatalf("new envelope: %v", err)
	}
	if _, err := Encode(env); !errors.Is(err, ErrFrameTooLarge) {
		t.Fatalf("expected ErrFrameTooLarge, got %v", err)
	}
}

func TestCriticalFrames(t *testing.T) {
	t.Parallel()

	move, _ := NewEnvelope(TypeMove, "p-1", nil)
	if !move.Critical() {
		t.Fatal("MOVE should be critical")
	}
	ping, _ := NewEnvelope(TypePing, "p-1", nil)
	if ping.Critical() {
		t.Fatal("PING should not be critical")
	}

	sync, _ := NewEnvelope(TypeStateSync, "p-1", StateSyncData{RoomID: "r-1"})
	if sync.Critical() {
		t.Fatal("non-final STATE_SYNC should not be critical")
	}
	final, _ := NewEnvelope(TypeStateSync, "p-1", StateSyncData{RoomID: "r-1", Final: true})
	if !final.Critical() {
		t.Fatal("final STATE_SYNC should be critical")
	}
}

func TestKnownType(t *testing.T) {
	t.Parallel()

	if !KnownType(TypeGameStart) {
		t.Fatal("GAME_START should be known")
	}
	if KnownType("TELEPORT") {
		t.Fatal("TELEPORT should not be known")
	}
}
