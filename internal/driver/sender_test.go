package driver

import (
	"testing"
	"time"

	"github.com/ppiankov/aerobus/internal/command"
	"github.com/ppiankov/aerobus/internal/logbuffer"
)

func TestSenderAdvancesOverCommittedFrames(t *testing.T) {
	h := newHarness(t)
	sender := NewSender(h.ctx)
	h.conductor.SetSender(sender)

	h.addPublication("aeron:udp?endpoint=127.0.0.1:40123", 1001, false)
	ready := decodePublicationReady(t, h.expectOne(command.OnPublicationReady))

	pub := h.conductor.publications[0]
	log, err := logbuffer.Map(ready.LogFileName)
	if err != nil {
		t.Fatalf("map log: %v", err)
	}
	defer log.Close()

	appender := logbuffer.NewTermAppender(log, 0)
	header := log.Meta().DefaultFrameHeader()
	msg := make([]byte, 96) // aligned frame length 128
	for i := 0; i < 3; i++ {
		if result := appender.AppendUnfragmented(header, msg, nil); result < 0 {
			t.Fatalf("append %d: %d", i, result)
		}
	}

	if work := sender.DoWork(); work == 0 {
		t.Fatalf("sender found no work")
	}
	if got := pub.senderPos.Get(); got != 3*128 {
		t.Fatalf("sender position %d, want %d", got, 3*128)
	}

	// An uncommitted claim blocks the position at its frame.
	var claim logbuffer.Claim
	if result := appender.Claim(header, 96, &claim); result < 0 {
		t.Fatalf("claim: %d", result)
	}
	appender.AppendUnfragmented(header, msg, nil)
	sender.DoWork()
	if got := pub.senderPos.Get(); got != 3*128 {
		t.Fatalf("sender position crossed uncommitted frame: %d", got)
	}

	claim.Commit()
	sender.DoWork()
	if got := pub.senderPos.Get(); got != 5*128 {
		t.Fatalf("sender position %d after commit, want %d", got, 5*128)
	}

	// The conductor folds the sender position into the publisher limit.
	h.advance(10 * time.Millisecond)
	if limit := pub.pubLimit.Get(); limit < 5*128 {
		t.Fatalf("publisher limit %d below sender position", limit)
	}
}
