package dist

import (
	"errors"
	"io"
	"testing"
)

func TestPipe_OrderedDelivery(t *testing.T) {
	a, b := NewPipe()
	for i := 0; i < 5; i++ {
		if err := a.Send(&Message{Kind: MessageKind(100 + i)}); err != nil {
			t.Fatalf("Send: %v", err)
		}
	}
	for i := 0; i < 5; i++ {
		m, err := b.Receive()
		if err != nil {
			t.Fatalf("Receive: %v", err)
		}
		if m.Kind != MessageKind(100+i) {
			t.Fatalf("message %d: got kind %d", i, m.Kind)
		}
	}
}

func TestPipe_CloseDrainsThenEOF(t *testing.T) {
	a, b := NewPipe()
	a.Send(&Message{Kind: KindFinalArtifact})
	a.Close()

	m, err := b.Receive()
	if err != nil || m.Kind != KindFinalArtifact {
		t.Fatalf("buffered message: got %v, %v", m, err)
	}
	if _, err := b.Receive(); !errors.Is(err, io.EOF) {
		t.Fatalf("after drain: got %v, want io.EOF", err)
	}
	if err := b.Send(&Message{}); !errors.Is(err, ErrStreamClosed) {
		t.Fatalf("Send after close: got %v, want ErrStreamClosed", err)
	}
	if _, err := a.Receive(); !errors.Is(err, io.EOF) {
		t.Fatalf("closing end Receive: got %v, want io.EOF", err)
	}
}

func TestPipe_CloseUnblocksReceive(t *testing.T) {
	a, b := NewPipe()
	done := make(chan error, 1)
	go func() {
		_, err := b.Receive()
		done <- err
	}()
	a.Close()
	if err := <-done; !errors.Is(err, io.EOF) {
		t.Fatalf("blocked Receive: got %v, want io.EOF", err)
	}
}
