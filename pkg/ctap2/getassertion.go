package ctap2

import (
	"context"
	"time"

	"github.com/fxamacker/cbor/v2"

	"ctap2-hid-authenticator/pkg/attestation"
	"ctap2-hid-authenticator/pkg/credential"
)

// candidateSet resolves the credentials a GetAssertion call may use: every
// stored credential for rpID if allowList is empty, otherwise only those
// also named in allowList, per spec.md §4.6 step 1. Ordering follows the
// store's insertion order.
func candidateSet(stored []credential.Credential, allowList []credentialDescriptor) []credential.Credential {
	if len(allowList) == 0 {
		return stored
	}
	allowed := make(map[string]bool, len(allowList))
	for _, d := range allowList {
		allowed[string(d.ID)] = true
	}
	var out []credential.Credential
	for _, c := range stored {
		if allowed[string(c.ID)] {
			out = append(out, c)
		}
	}
	return out
}

// HandleGetAssertion implements authenticatorGetAssertion (0x02).
func (a *Authenticator) HandleGetAssertion(ctx context.Context, channel uint32, data []byte) []byte {
	var req getAssertionRequest
	if err := cbor.Unmarshal(data, &req); err != nil {
		return []byte{CTAP2ErrInvalidCBOR}
	}
	if req.RPID == "" {
		return []byte{CTAP2ErrMissingParameter}
	}

	candidates := candidateSet(a.Store.AllForRP(req.RPID), req.AllowList)
	if len(candidates) == 0 {
		return []byte{CTAP2ErrNoCredentials}
	}

	authData := attestation.BuildAssertionAuthData(req.RPID, 0)
	signed := append(append([]byte(nil), authData...), req.ClientDataHash...)

	items := make([]preparedAssertion, 0, len(candidates))
	for _, c := range candidates {
		sig, err := a.Crypto.Sign(c.Algorithm, c.PrivateKey, signed)
		if err != nil {
			return []byte{CTAP2ErrOther}
		}
		items = append(items, preparedAssertion{
			Descriptor: c.Descriptor(),
			AuthData:   authData,
			Signature:  sig,
			User:       c.User,
		})
	}

	if !a.waitPresence(ctx, channel) {
		return []byte{CTAP2ErrKeepaliveCancel}
	}

	now := time.Now()
	a.cursor.set(items, now)
	first, ok := a.cursor.next(now)
	if !ok {
		return []byte{CTAP2ErrOther}
	}

	count := len(items)
	resp := assertionResponse{
		Credential:          credentialDescriptor{ID: first.Descriptor.ID, Type: first.Descriptor.Type},
		AuthData:            first.AuthData,
		Signature:           first.Signature,
		User:                userEntity{ID: first.User.ID, Name: first.User.Name, DisplayName: first.User.DisplayName},
		NumberOfCredentials: &count,
	}
	encoded, err := canonical.Marshal(resp)
	if err != nil {
		return []byte{CTAP2ErrOther}
	}
	return append([]byte{CTAP1ErrSuccess}, encoded...)
}

// HandleGetNextAssertion implements authenticatorGetNextAssertion (0x08).
func (a *Authenticator) HandleGetNextAssertion() []byte {
	item, ok := a.cursor.next(time.Now())
	if !ok {
		return []byte{CTAP2ErrNotAllowed}
	}

	resp := assertionResponse{
		Credential: credentialDescriptor{ID: item.Descriptor.ID, Type: item.Descriptor.Type},
		AuthData:   item.AuthData,
		Signature:  item.Signature,
		User:       userEntity{ID: item.User.ID, Name: item.User.Name, DisplayName: item.User.DisplayName},
	}
	encoded, err := canonical.Marshal(resp)
	if err != nil {
		return []byte{CTAP2ErrOther}
	}
	return append([]byte{CTAP1ErrSuccess}, encoded...)
}
