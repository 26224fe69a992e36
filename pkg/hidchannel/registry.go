// Package hidchannel implements the CTAP-HID channel registry: allocation
// of 32-bit channel IDs and the per-channel reassembly state that
// pkg/hidwire's Reassembler needs a home for.
package hidchannel

import (
	"crypto/rand"
	"encoding/binary"
	"errors"
	"sync"

	"ctap2-hid-authenticator/pkg/hidwire"
)

// ErrChannelExhausted is returned in the astronomically unlikely event the
// registry cannot find a free channel ID after repeated random draws.
var ErrChannelExhausted = errors.New("hidchannel: unable to allocate a free channel id")

const maxAllocationAttempts = 64

// Registry maps channel IDs to their in-progress reassembly state. It is
// safe for concurrent use; the dispatcher serializes mutation to it anyway
// since only one transaction is in flight at a time, but the registry does
// not rely on external serialization to stay internally consistent.
type Registry struct {
	mu       sync.Mutex
	channels map[uint32]*hidwire.Reassembler
}

// NewRegistry creates an empty channel registry.
func NewRegistry() *Registry {
	return &Registry{channels: make(map[uint32]*hidwire.Reassembler)}
}

// Allocate generates a fresh random channel ID in [1, 0xFFFFFFFE] that is
// not already registered, per spec.md §4.2 (INIT received on the broadcast
// channel).
func (r *Registry) Allocate() (uint32, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for attempt := 0; attempt < maxAllocationAttempts; attempt++ {
		id, err := randomChannelID()
		if err != nil {
			return 0, err
		}
		if _, exists := r.channels[id]; exists {
			continue
		}
		r.channels[id] = nil
		return id, nil
	}
	return 0, ErrChannelExhausted
}

func randomChannelID() (uint32, error) {
	var buf [4]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return 0, err
	}
	id := binary.BigEndian.Uint32(buf[:])
	if id == 0 || id == hidwire.BroadcastChannel {
		// Re-roll by folding into range rather than recursing unboundedly.
		id = id%0xFFFFFFFE + 1
	}
	return id, nil
}

// BeginTransaction records the reassembly state for a newly received
// initialization packet on channel. Callers must not call this while a
// transaction is already InProgress on channel; per spec.md's channel-busy
// error (0x06), a concurrent init-type frame on a channel with an
// incomplete reassembly must be rejected, not silently replace it.
func (r *Registry) BeginTransaction(channel uint32, h hidwire.Header, firstFragment []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.channels[channel] = hidwire.NewReassembler(h, firstFragment)
}

// InProgress returns the active reassembler for channel, if any.
func (r *Registry) InProgress(channel uint32) (*hidwire.Reassembler, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	reasm, ok := r.channels[channel]
	return reasm, ok && reasm != nil
}

// Reset clears the reassembly state for channel without deallocating the
// channel ID itself, per the ERROR and completion paths of spec.md §3.
func (r *Registry) Reset(channel uint32) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.channels[channel] = nil
}

// Known reports whether channel has been allocated (possibly idle, i.e. no
// in-progress transaction).
func (r *Registry) Known(channel uint32) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.channels[channel]
	return ok
}
