package ctap2

import (
	"context"
	"sync"
	"time"

	"ctap2-hid-authenticator/pkg/attestation"
	"ctap2-hid-authenticator/pkg/credential"
	"ctap2-hid-authenticator/pkg/cryptoprovider"
	"ctap2-hid-authenticator/pkg/keepalive"
	"ctap2-hid-authenticator/pkg/presence"
)

// Authenticator owns every piece of state this CTAP2 implementation needs:
// the credential store, the crypto provider, the user-presence gate, and the
// assertion-enumeration cursor. Per spec.md §9's "process-wide state"
// design note, nothing here is a package-level variable — every handler
// takes an exclusive reference to one Authenticator value.
type Authenticator struct {
	Store    *credential.Store
	Crypto   *cryptoprovider.Provider
	Presence *presence.Gate

	// Status, if set by the caller running this command, is flipped to
	// StatusTUPNeeded for the duration of a user-presence wait and back to
	// StatusProcessing once it resolves, per spec.md §4.4's "status byte 2
	// while waiting for user presence". nil in tests that call handlers
	// directly; the dispatcher sets it for every CBOR command.
	Status *keepalive.Status

	// AttestationDebug, if set, receives a copy of every successful
	// authenticatorMakeCredential response for field debugging
	// (SPEC_FULL.md §4.9). nil disables the dump entirely.
	AttestationDebug *attestation.History

	cursor assertionCursor
}

// New builds an Authenticator over the given store, crypto provider, and
// presence gate.
func New(store *credential.Store, crypto *cryptoprovider.Provider, presenceGate *presence.Gate) *Authenticator {
	return &Authenticator{Store: store, Crypto: crypto, Presence: presenceGate}
}

// waitPresence wraps Presence.Wait, reporting the wait to Status if one is
// attached.
func (a *Authenticator) waitPresence(ctx context.Context, channel uint32) bool {
	if a.Status != nil {
		a.Status.Set(keepalive.StatusTUPNeeded)
		defer a.Status.Set(keepalive.StatusProcessing)
	}
	return a.Presence.Wait(ctx, channel)
}

// cursorTTL is the assertion cursor's inactivity expiry, per spec.md §3.
const cursorTTL = 30 * time.Second

// preparedAssertion is one candidate's assertion object, computed in full at
// GetAssertion time and handed out one-by-one by GetNextAssertion.
type preparedAssertion struct {
	Descriptor credential.PublicKeyDescriptor
	AuthData   []byte
	Signature  []byte
	User       credential.UserEntity
}

// assertionCursor is the per-session enumeration state described in
// spec.md §3: an ordered list of prepared assertions, an index, and a
// last-access timestamp.
type assertionCursor struct {
	mu         sync.Mutex
	items      []preparedAssertion
	index      int
	lastAccess time.Time
}

func (c *assertionCursor) set(items []preparedAssertion, now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.items = items
	c.index = 0
	c.lastAccess = now
}

// next returns the assertion at the current index and advances it, or
// reports ok=false if the cursor is empty, exhausted, or stale.
func (c *assertionCursor) next(now time.Time) (preparedAssertion, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if len(c.items) == 0 || c.index >= len(c.items) {
		return preparedAssertion{}, false
	}
	if now.Sub(c.lastAccess) > cursorTTL {
		return preparedAssertion{}, false
	}

	item := c.items[c.index]
	c.index++
	c.lastAccess = now
	return item, true
}

func (c *assertionCursor) clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.items = nil
	c.index = 0
}
