package protocol

import (
	"bytes"
	"encoding/json"
	"fmt"
	"testing"

	"pgregory.net/rapid"
)

// TestFrameRoundTrip tests that any valid frame can be encoded and decoded
func TestFrameRoundTrip(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		msgType := rapid.Byte().Draw(t, "type")
		// Compressed frames require valid LZ4 data, covered by TestCompressionRoundTripRapid
		flags := rapid.Byte().Draw(t, "flags") &^ FlagCompressed
		payload := rapid.SliceOfN(rapid.Byte(), 0, 1024).Draw(t, "payload")

		original := &Frame{Version: ProtocolVersion, Type: msgType, Flags: flags, Payload: payload}

		var buf bytes.Buffer
		if err := EncodeFrame(&buf, original); err != nil {
			t.Fatalf("encode failed: %v", err)
		}
		decoded, err := DecodeFrame(&buf)
		if err != nil {
			t.Fatalf("decode failed: %v", err)
		}

		if decoded.Type != original.Type || decoded.Flags != original.Flags {
			t.Fatalf("header mismatch: got %d/%d, want %d/%d", decoded.Type, decoded.Flags, original.Type, original.Flags)
		}
		if !bytes.Equal(decoded.Payload, original.Payload) {
			t.Fatalf("payload mismatch")
		}
	})
}

// TestCompressionRoundTripRapid tests that compressible bodies round-trip
func TestCompressionRoundTripRapid(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		pattern := rapid.SliceOfN(rapid.Byte(), 1, 50).Draw(t, "pattern")
		repeat := rapid.IntRange(10, 100).Draw(t, "repeat")
		payload := bytes.Repeat(pattern, repeat)

		var buf bytes.Buffer
		if err := EncodeFrame(&buf, &Frame{Version: ProtocolVersion, Type: 1, Payload: payload}); err != nil {
			t.Fatalf("encode failed: %v", err)
		}
		decoded, err := DecodeFrame(&buf)
		if err != nil {
			t.Fatalf("decode failed: %v", err)
		}
		if !bytes.Equal(decoded.Payload, payload) {
			t.Fatalf("payload mismatch after compression")
		}
	})
}

// TestEnvelopeRoundTripRapid tests that any envelope with a category survives the wire
func TestEnvelopeRoundTripRapid(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		env := &Envelope{
			Category:  Category(rapid.ByteMin(1).Draw(t, "category")),
			Status:    Status(rapid.Int32().Draw(t, "status")),
			Text:      rapid.StringN(0, 200, 1000).Draw(t, "text"),
			CreatedAt: rapid.Int64().Draw(t, "createdAt"),
		}
		if rapid.Bool().Draw(t, "hasPayload") {
			n := rapid.IntRange(0, 300).Draw(t, "n")
			env.Payload = json.RawMessage(fmt.Sprintf(`{"n":%d}`, n))
		}

		var buf bytes.Buffer
		if err := EncodeEnvelope(&buf, env); err != nil {
			t.Fatalf("encode failed: %v", err)
		}
		decoded, _, err := DecodeEnvelope(&buf)
		if err != nil {
			t.Fatalf("decode failed: %v", err)
		}

		if decoded.Category != env.Category || decoded.Status != env.Status ||
			decoded.Text != env.Text || decoded.CreatedAt != env.CreatedAt {
			t.Fatalf("field mismatch: got %+v, want %+v", decoded, env)
		}
		if !bytes.Equal(decoded.Payload, env.Payload) || (decoded.Payload == nil) != (env.Payload == nil) {
			t.Fatalf("payload mismatch: got %q, want %q", decoded.Payload, env.Payload)
		}
	})
}

// TestDecodeEnvelopeNeverPanics feeds arbitrary bytes to the decoder
func TestDecodeEnvelopeNeverPanics(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		data := rapid.SliceOfN(rapid.Byte(), 0, 256).Draw(t, "data")
		_, _, _ = DecodeEnvelope(bytes.NewReader(data))
	})
}

// TestFIFOOrdering tests that envelopes written back to back are read in order
func TestFIFOOrdering(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		count := rapid.IntRange(1, 50).Draw(t, "count")

		var buf bytes.Buffer
		for i := 0; i < count; i++ {
			env := &Envelope{Category: CategoryNotice, Status: StatusOK, CreatedAt: int64(i)}
			if err := EncodeEnvelope(&buf, env); err != nil {
				t.Fatalf("encode %d failed: %v", i, err)
			}
		}
		for i := 0; i < count; i++ {
			env, _, err := DecodeEnvelope(&buf)
			if err != nil {
				t.Fatalf("decode %d failed: %v", i, err)
			}
			if env.CreatedAt != int64(i) {
				t.Fatalf("out of order: got %d, want %d", env.CreatedAt, i)
			}
		}
	})
}
