package ctap2

import "context"

// HandleReset implements authenticatorReset (0x07). Per spec.md §9's
// resolution of open question (b), this gates the erase behind the
// user-presence wait even though original_source/security_key.py's
// authenticatorReset does not.
func (a *Authenticator) HandleReset(ctx context.Context, channel uint32) []byte {
	if !a.waitPresence(ctx, channel) {
		return []byte{CTAP2ErrKeepaliveCancel}
	}
	if err := a.Store.Reset(); err != nil {
		return []byte{CTAP2ErrOther}
	}
	a.cursor.clear()
	return []byte{CTAP1ErrSuccess}
}
