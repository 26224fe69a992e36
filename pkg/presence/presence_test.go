package presence

import (
	"context"
	"testing"
	"time"

	"ctap2-hid-authenticator/pkg/collaborators"
)

type fakeButton struct {
	pressed chan struct{}
}

func (b *fakeButton) Pressed() bool {
	select {
	case <-b.pressed:
		return true
	default:
		return false
	}
}

func newTestGate() (*Gate, *fakeButton) {
	button := &fakeButton{pressed: make(chan struct{})}
	g := New(button, collaborators.UnenrolledFingerprintSensor{})
	g.pollInterval = time.Millisecond
	return g, button
}

func TestWaitGrantsOnButtonPress(t *testing.T) {
	g, button := newTestGate()

	done := make(chan bool, 1)
	go func() {
		done <- g.Wait(context.Background(), 1)
	}()

	time.Sleep(5 * time.Millisecond)
	close(button.pressed)

	select {
	case granted := <-done:
		if !granted {
			t.Fatalf("expected Wait to grant after button press")
		}
	case <-time.After(time.Second):
		t.Fatalf("Wait did not return after button press")
	}
}

func TestWaitDeniesOnCancel(t *testing.T) {
	g, _ := newTestGate()

	done := make(chan bool, 1)
	go func() {
		done <- g.Wait(context.Background(), 2)
	}()

	time.Sleep(5 * time.Millisecond)
	g.Cancel(2)

	select {
	case granted := <-done:
		if granted {
			t.Fatalf("expected Wait to deny after CANCEL")
		}
	case <-time.After(time.Second):
		t.Fatalf("Wait did not return after Cancel")
	}
}

func TestCancelUnrelatedChannelDoesNotAffectOthers(t *testing.T) {
	g, button := newTestGate()

	done := make(chan bool, 1)
	go func() {
		done <- g.Wait(context.Background(), 3)
	}()

	time.Sleep(5 * time.Millisecond)
	g.Cancel(99) // unrelated channel, no-op
	close(button.pressed)

	select {
	case granted := <-done:
		if !granted {
			t.Fatalf("expected channel 3's wait to be unaffected by cancelling channel 99")
		}
	case <-time.After(time.Second):
		t.Fatalf("Wait did not return")
	}
}

func TestWaitReturnsFalseOnContextCancellation(t *testing.T) {
	g, _ := newTestGate()
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan bool, 1)
	go func() {
		done <- g.Wait(ctx, 4)
	}()

	time.Sleep(5 * time.Millisecond)
	cancel()

	select {
	case granted := <-done:
		if granted {
			t.Fatalf("expected Wait to deny after context cancellation")
		}
	case <-time.After(time.Second):
		t.Fatalf("Wait did not return after context cancellation")
	}
}
