package ctap2

import (
	"context"
	"time"

	"github.com/fxamacker/cbor/v2"

	"ctap2-hid-authenticator/pkg/attestation"
	"ctap2-hid-authenticator/pkg/credential"
)

// preferredAlgorithm scans params in order and accepts the first one this
// authenticator supports, defaulting to ES256 if none match, per spec.md
// §4.6 step 2.
func preferredAlgorithm(params []pubKeyCredParam) credential.Algorithm {
	for _, p := range params {
		alg := credential.Algorithm(p.Alg)
		if alg.Valid() {
			return alg
		}
	}
	return credential.AlgES256
}

// HandleMakeCredential implements authenticatorMakeCredential (0x01).
func (a *Authenticator) HandleMakeCredential(ctx context.Context, channel uint32, data []byte) []byte {
	var req makeCredentialRequest
	if err := cbor.Unmarshal(data, &req); err != nil {
		return []byte{CTAP2ErrInvalidCBOR}
	}
	if req.RP.ID == "" || len(req.User.ID) == 0 || len(req.PubKeyCredParams) == 0 {
		return []byte{CTAP2ErrMissingParameter}
	}

	if !a.waitPresence(ctx, channel) {
		return []byte{CTAP2ErrKeepaliveCancel}
	}

	for _, excluded := range req.ExcludeList {
		if a.Store.Exists(req.RP.ID, excluded.ID) {
			return []byte{CTAP2ErrCredentialExcluded}
		}
	}

	alg := preferredAlgorithm(req.PubKeyCredParams)

	credID, err := credential.NewID()
	if err != nil {
		return []byte{CTAP2ErrOther}
	}

	privateKey, publicKey, err := a.Crypto.Keygen(alg, credID)
	if err != nil {
		return []byte{CTAP2ErrOther}
	}

	stored, err := a.Store.Upsert(credential.Credential{
		ID:         credID,
		RPID:       req.RP.ID,
		UserHandle: req.User.ID,
		User: credential.UserEntity{
			ID:          req.User.ID,
			Name:        req.User.Name,
			DisplayName: req.User.DisplayName,
		},
		Algorithm:  alg,
		PrivateKey: privateKey,
	})
	if err != nil {
		return []byte{CTAP2ErrOther}
	}

	coseKey, err := a.Crypto.COSEKey(alg, publicKey)
	if err != nil {
		return []byte{CTAP2ErrOther}
	}

	authData, err := attestation.BuildRegistrationAuthData(req.RP.ID, stored.SignCount, stored.ID, coseKey)
	if err != nil {
		return []byte{CTAP2ErrOther}
	}

	signed := append(append([]byte(nil), authData...), req.ClientDataHash...)
	signature, err := a.Crypto.Sign(alg, privateKey, signed)
	if err != nil {
		return []byte{CTAP2ErrOther}
	}

	obj := attestation.BuildObject(authData, int32(alg), signature)
	encoded, err := attestation.MarshalObject(obj)
	if err != nil {
		return []byte{CTAP2ErrOther}
	}

	if a.AttestationDebug != nil {
		dump := attestation.NewDump(stored.ID, obj, req.ClientDataHash, time.Now())
		// Best-effort: a field-debugging aid never fails the registration
		// it is observing.
		a.AttestationDebug.Record(dump)
	}

	return append([]byte{CTAP1ErrSuccess}, encoded...)
}
