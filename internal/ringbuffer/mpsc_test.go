package ringbuffer

import (
	"bytes"
	"fmt"
	"sync"
	"testing"

	"github.com/ppiankov/aerobus/internal/memory"
)

func newTestRing(t *testing.T, capacity int32) *RingBuffer {
	t.Helper()
	rb, err := New(memory.NewBuffer(make([]byte, capacity+TrailerLength)))
	if err != nil {
		t.Fatalf("new ring: %v", err)
	}
	return rb
}

func TestWriteReadRoundTrip(t *testing.T) {
	rb := newTestRing(t, 1024)

	if err := rb.Write(7, []byte("a command")); err != nil {
		t.Fatalf("write: %v", err)
	}

	var gotType int32
	var gotMsg []byte
	n := rb.Read(func(msgTypeID int32, msg []byte) {
		gotType = msgTypeID
		gotMsg = append([]byte(nil), msg...)
	}, 10)

	if n != 1 {
		t.Fatalf("read %d messages, want 1", n)
	}
	if gotType != 7 || !bytes.Equal(gotMsg, []byte("a command")) {
		t.Fatalf("got type %d msg %q", gotType, gotMsg)
	}
}

func TestReadConsumesInOrder(t *testing.T) {
	rb := newTestRing(t, 1024)
	for i := 0; i < 5; i++ {
		if err := rb.Write(1, []byte(fmt.Sprintf("msg-%d", i))); err != nil {
			t.Fatalf("write %d: %v", i, err)
		}
	}

	var got []string
	rb.Read(func(_ int32, msg []byte) { got = append(got, string(msg)) }, 100)
	for i, s := range got {
		if want := fmt.Sprintf("msg-%d", i); s != want {
			t.Fatalf("message %d: %q, want %q", i, s, want)
		}
	}
	if len(got) != 5 {
		t.Fatalf("read %d messages", len(got))
	}
}

func TestWriteFailsWhenFull(t *testing.T) {
	rb := newTestRing(t, 1024)
	msg := make([]byte, 100)

	wrote := 0
	for {
		if err := rb.Write(1, msg); err != nil {
			if err != ErrInsufficientCapacity {
				t.Fatalf("unexpected error: %v", err)
			}
			break
		}
		wrote++
		if wrote > 100 {
			t.Fatalf("ring never filled")
		}
	}

	// Draining frees space for further writes.
	rb.Read(func(int32, []byte) {}, 100)
	if err := rb.Write(1, msg); err != nil {
		t.Fatalf("write after drain: %v", err)
	}
}

func TestWrapInsertsPadding(t *testing.T) {
	rb := newTestRing(t, 1024)
	msg := make([]byte, 100)

	// Cycle enough records through to force wrap several times. A 112-byte
	// record does not divide the capacity, so each wrap leaves a padding
	// record; a read that reaches it stops at the end of the data region
	// without delivering a message.
	paddingReads := 0
	for i := 0; i < 20; i++ {
		if err := rb.Write(int32(i%5)+1, msg); err != nil {
			t.Fatalf("write %d: %v", i, err)
		}
		handler := func(msgTypeID int32, got []byte) {
			if int32(len(got)) != 100 {
				t.Fatalf("iteration %d: payload length %d", i, len(got))
			}
		}
		n := rb.Read(handler, 1)
		if n == 0 {
			paddingReads++
			n = rb.Read(handler, 1)
		}
		if n != 1 {
			t.Fatalf("iteration %d: read %d", i, n)
		}
	}
	if paddingReads == 0 {
		t.Fatalf("no padding record inserted at the wrap point")
	}
}

func TestMessageTooLong(t *testing.T) {
	rb := newTestRing(t, 1024)
	if err := rb.Write(1, make([]byte, rb.MaxMsgLength()+1)); err != ErrMessageTooLong {
		t.Fatalf("want ErrMessageTooLong, got %v", err)
	}
}

func TestInvalidTypeRejected(t *testing.T) {
	rb := newTestRing(t, 1024)
	if err := rb.Write(0, []byte("x")); err == nil {
		t.Fatalf("type 0 accepted")
	}
	if err := rb.Write(PaddingMsgTypeID, []byte("x")); err == nil {
		t.Fatalf("padding type accepted")
	}
}

func TestNextCorrelationIDMonotonic(t *testing.T) {
	rb := newTestRing(t, 1024)
	prev := rb.NextCorrelationID()
	for i := 0; i < 10; i++ {
		next := rb.NextCorrelationID()
		if next != prev+1 {
			t.Fatalf("correlation id jumped: %d -> %d", prev, next)
		}
		prev = next
	}
}

func TestConcurrentProducersSingleConsumer(t *testing.T) {
	if testing.Short() {
		t.Skip("stress test")
	}

	rb := newTestRing(t, 64*1024)
	const producers = 4
	const perProducer = 1000

	var wg sync.WaitGroup
	for p := 0; p < producers; p++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			msg := make([]byte, 16)
			msg[0] = byte(id)
			for i := 0; i < perProducer; i++ {
				for rb.Write(1, msg) == ErrInsufficientCapacity {
				}
			}
		}(p)
	}

	received := make([]int, producers)
	total := 0
	done := make(chan struct{})
	go func() {
		defer close(done)
		for total < producers*perProducer {
			total += rb.Read(func(_ int32, msg []byte) {
				received[msg[0]]++
			}, 64)
		}
	}()

	wg.Wait()
	<-done

	for p, n := range received {
		if n != perProducer {
			t.Fatalf("producer %d: received %d, want %d", p, n, perProducer)
		}
	}
}
