package command

import (
	"bytes"
	"testing"
)

func TestPublicationMessageRoundTrip(t *testing.T) {
	in := PublicationMessage{
		Correlated: Correlated{ClientID: 7, CorrelationID: 42},
		StreamID:   1001,
		Channel:    "aeron:udp?endpoint=127.0.0.1:40123",
	}
	var out PublicationMessage
	if err := out.Decode(in.Encode()); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out != in {
		t.Fatalf("round trip: %+v != %+v", out, in)
	}
}

func TestCounterMessageRoundTrip(t *testing.T) {
	in := CounterMessage{
		Correlated: Correlated{ClientID: 1, CorrelationID: 2},
		TypeID:     1002,
		Key:        []byte{1, 2, 3, 4},
		Label:      "app counter",
	}
	var out CounterMessage
	if err := out.Decode(in.Encode()); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out.TypeID != in.TypeID || out.Label != in.Label || !bytes.Equal(out.Key, in.Key) {
		t.Fatalf("round trip: %+v != %+v", out, in)
	}
}

func TestImageReadyRoundTrip(t *testing.T) {
	in := ImageReady{
		CorrelationID:        9,
		SessionID:            77,
		StreamID:             1001,
		SubscriberRegID:      5,
		SubscriberPositionID: 12,
		LogFileName:          "/dev/shm/aerobus/images/9.logbuffer",
		SourceIdentity:       "127.0.0.1:40123",
	}
	var out ImageReady
	if err := out.Decode(in.Encode()); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out != in {
		t.Fatalf("round trip: %+v != %+v", out, in)
	}
}

func TestDecodeShortBuffer(t *testing.T) {
	in := ErrorResponse{OffendingCorrelationID: 3, ErrorCode: ErrCodeInvalidChannel, Message: "bad channel"}
	encoded := in.Encode()

	for cut := 0; cut < len(encoded); cut++ {
		var out ErrorResponse
		if err := out.Decode(encoded[:cut]); err != ErrShortMessage {
			t.Fatalf("cut %d: want ErrShortMessage, got %v", cut, err)
		}
	}

	var out ErrorResponse
	if err := out.Decode(encoded); err != nil {
		t.Fatalf("full decode: %v", err)
	}
	if out != in {
		t.Fatalf("round trip: %+v != %+v", out, in)
	}
}
