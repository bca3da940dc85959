package web

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/cjeanneret/CoilGo/internal/logic/motion"
)

func receive(t *testing.T, ch <-chan string) StatusEvent {
	t.Helper()
	select {
	case msg := <-ch:
		var evt StatusEvent
		if err := json.Unmarshal([]byte(msg), &evt); err != nil {
			t.Fatalf("unmarshal: %v", err)
		}
		return evt
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for broadcast")
	}
	return StatusEvent{}
}

func TestBroadcaster_SubscribeAndReceive(t *testing.T) {
	b := NewStatusBroadcaster()
	ch, unsub := b.Subscribe()
	defer unsub()

	b.Broadcast("info", "hello")

	evt := receive(t, ch)
	if evt.Msg != "hello" || evt.Level != "info" {
		t.Errorf("event = %+v", evt)
	}
	if evt.Time == "" {
		t.Error("event should have a timestamp")
	}
	if evt.Status != nil {
		t.Error("log event should carry no status")
	}
}

func TestBroadcaster_MultipleSubscribers(t *testing.T) {
	b := NewStatusBroadcaster()
	ch1, unsub1 := b.Subscribe()
	defer unsub1()
	ch2, unsub2 := b.Subscribe()
	defer unsub2()

	b.BroadcastMsg("multi")

	for i, ch := range []<-chan string{ch1, ch2} {
		if evt := receive(t, ch); evt.Msg != "multi" || evt.Level != "info" {
			t.Errorf("subscriber %d: event = %+v", i, evt)
		}
	}
}

func TestBroadcaster_UnsubscribeClosesChannel(t *testing.T) {
	b := NewStatusBroadcaster()
	ch, unsub := b.Subscribe()
	unsub()

	if _, ok := <-ch; ok {
		t.Error("expected channel to be closed after unsubscribe")
	}
	// Broadcasting after unsubscribe should not panic
	b.Broadcast("info", "after unsub")
}

func TestBroadcaster_FullChannelDropsMessage(t *testing.T) {
	b := NewStatusBroadcaster()
	ch, unsub := b.Subscribe()
	defer unsub()

	for i := 0; i < 64; i++ {
		b.Broadcast("info", "fill")
	}
	// Must not block: the message is dropped
	b.Broadcast("info", "overflow")

	if n := len(ch); n != 64 {
		t.Errorf("expected 64 buffered messages, got %d", n)
	}
}

func TestBroadcaster_BroadcastStatus(t *testing.T) {
	b := NewStatusBroadcaster()
	ch, unsub := b.Subscribe()
	defer unsub()

	b.BroadcastStatus(motion.Status{StepsLeft: -12, Direction: "ccw", RPM: 10, Coils: "0110", Busy: true})

	evt := receive(t, ch)
	if evt.Level != "status" || evt.Status == nil {
		t.Fatalf("event = %+v", evt)
	}
	if evt.Status.StepsLeft != -12 || evt.Status.Coils != "0110" || !evt.Status.Busy {
		t.Errorf("status = %+v", *evt.Status)
	}
}

func TestBroadcaster_ForwardKeepsLatest(t *testing.T) {
	b := NewStatusBroadcaster()
	ch, unsub := b.Subscribe()
	defer unsub()

	updates := make(chan motion.Status)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		b.Forward(ctx, updates, 50*time.Millisecond)
		close(done)
	}()

	// Unbuffered sends: each one is taken before the next is made.
	for i := int64(3); i >= 1; i-- {
		updates <- motion.Status{StepsLeft: i, Busy: true}
	}
	updates <- motion.Status{StepsLeft: 0}

	evt := receive(t, ch)
	if evt.Status == nil || evt.Status.StepsLeft != 0 || evt.Status.Busy {
		t.Errorf("first relayed status = %+v, want the final idle one", evt.Status)
	}

	select {
	case msg := <-ch:
		t.Errorf("unexpected extra event: %s", msg)
	case <-time.After(120 * time.Millisecond):
	}

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Forward did not return after cancel")
	}
}

func TestBroadcastWriter_Write(t *testing.T) {
	b := NewStatusBroadcaster()
	ch, unsub := b.Subscribe()
	defer unsub()

	w := BroadcastWriter(b)
	line := "  [CoilGo] [LIVE] Move: 4096 steps cw  \n"
	n, err := w.Write([]byte(line))
	if err != nil {
		t.Fatalf("Write error: %v", err)
	}
	if n != len(line) {
		t.Errorf("n = %d, want %d", n, len(line))
	}

	if evt := receive(t, ch); evt.Msg != "[CoilGo] [LIVE] Move: 4096 steps cw" {
		t.Errorf("msg = %q", evt.Msg)
	}
}

func TestBroadcastWriter_EmptyWriteIgnored(t *testing.T) {
	b := NewStatusBroadcaster()
	ch, unsub := b.Subscribe()
	defer unsub()

	BroadcastWriter(b).Write([]byte("   \n"))

	select {
	case <-ch:
		t.Error("expected no message for whitespace-only write")
	case <-time.After(50 * time.Millisecond):
	}
}
