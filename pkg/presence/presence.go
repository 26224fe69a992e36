// Package presence implements the user-presence gate: a polling wait for a
// physical button press that a CTAP2 command blocks on before it may touch
// the credential store.
//
// Grounded on original_source/security_key.py's wait_up/wait_user_input
// (10 ms GPIO polling loop, a shared "presence granted" flag, and a
// CANCEL-observed abort), generalized into a per-channel gate since this
// authenticator, unlike the source, tracks a CTAP-HID channel per caller.
package presence

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"ctap2-hid-authenticator/pkg/collaborators"
)

// PollInterval is the cadence at which the gate samples the button, per
// spec.md §4.5.
const PollInterval = 10 * time.Millisecond

// Gate blocks a transaction until the button is pressed or the channel is
// cancelled. One Gate is shared by every channel on the authenticator; each
// waiting channel gets its own cancellation slot.
type Gate struct {
	mu           sync.Mutex
	cancel       map[uint32]chan struct{}
	button       collaborators.Button
	fingerprint  collaborators.FingerprintSensor
	pollInterval time.Duration
}

// New builds a Gate polling button and, once pressed, taking one best-effort
// reading from fingerprint. Per spec.md's resolution of open question (c),
// the fingerprint result does not change the authData flags (those stay
// fixed per §4.6/§4.7) — it exists so a future UV policy has a real signal
// to switch on without changing this gate's contract.
func New(button collaborators.Button, fingerprint collaborators.FingerprintSensor) *Gate {
	return &Gate{
		cancel:       make(map[uint32]chan struct{}),
		button:       button,
		fingerprint:  fingerprint,
		pollInterval: PollInterval,
	}
}

func (g *Gate) register(channel uint32) chan struct{} {
	g.mu.Lock()
	defer g.mu.Unlock()
	ch := make(chan struct{})
	g.cancel[channel] = ch
	return ch
}

func (g *Gate) unregister(channel uint32) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.cancel, channel)
}

// Cancel aborts any in-progress wait on channel. It is a no-op if the
// channel is not currently waiting, matching CANCEL's behavior against a
// channel with nothing in flight.
func (g *Gate) Cancel(channel uint32) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if ch, ok := g.cancel[channel]; ok {
		close(ch)
		delete(g.cancel, channel)
	}
}

// Wait blocks until the button is pressed (returns true) or the wait is
// cancelled via Cancel or ctx (returns false). There is no hard timeout on
// the presence wait itself, per spec.md §4.8; callers that want one should
// cancel ctx.
func (g *Gate) Wait(ctx context.Context, channel uint32) bool {
	cancelCh := g.register(channel)
	defer g.unregister(channel)

	limiter := rate.NewLimiter(rate.Every(g.pollInterval), 1)
	for {
		select {
		case <-ctx.Done():
			return false
		case <-cancelCh:
			return false
		default:
		}

		if err := limiter.Wait(ctx); err != nil {
			return false
		}

		if g.button.Pressed() {
			_, _ = g.fingerprint.Verify()
			return true
		}
	}
}
