// Package attestation builds authData byte strings and the packed
// self-attestation object returned from authenticatorMakeCredential.
//
// Grounded on the teacher's pkg/attestation/attestation.go (the
// SaveToFile/LoadFromFile shape, generalized from a JSON side-channel dump
// into the actual CTAP2 wire object this authenticator must return) and on
// original_source/security_key.py's authenticatorMakeCredential, which
// assembles the same rpIdHash ∥ flags ∥ signCount ∥ aaguid ∥ credIdLen ∥
// credId ∥ coseKey layout by hand.
package attestation

import (
	"crypto/sha256"
	"encoding/binary"
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

// Flag bits for the authData flags byte.
const (
	FlagUP byte = 0x01 // user present
	FlagUV byte = 0x04 // user verified
	FlagAT byte = 0x40 // attested credential data included
)

// AAGUID is this authenticator model's fixed identifier, carried over
// byte-for-byte from original_source/security_key.py's aaguid_str so
// credentials minted by either implementation report the same model.
var AAGUID = [16]byte{0x4d, 0x41, 0x19, 0x0c, 0x7b, 0xeb, 0x4a, 0x84, 0x80, 0x18, 0xad, 0xf2, 0x65, 0xa6, 0x35, 0x2d}

// RPIDHash returns SHA-256(rpID), the first 32 bytes of every authData.
func RPIDHash(rpID string) [32]byte {
	return sha256.Sum256([]byte(rpID))
}

// BuildRegistrationAuthData assembles authData for authenticatorMakeCredential:
// rpIdHash(32) ∥ flags(1)=UP|UV|AT ∥ signCount(4) ∥ aaguid(16) ∥
// credIdLen(2 BE) ∥ credId ∥ coseKey.
func BuildRegistrationAuthData(rpID string, signCount uint32, credID, coseKey []byte) ([]byte, error) {
	if len(credID) > 0xFFFF {
		return nil, fmt.Errorf("attestation: credential id too long: %d bytes", len(credID))
	}

	rpHash := RPIDHash(rpID)
	out := make([]byte, 0, 32+1+4+16+2+len(credID)+len(coseKey))
	out = append(out, rpHash[:]...)
	out = append(out, FlagUP|FlagUV|FlagAT)
	out = binary.BigEndian.AppendUint32(out, signCount)
	out = append(out, AAGUID[:]...)
	out = binary.BigEndian.AppendUint16(out, uint16(len(credID)))
	out = append(out, credID...)
	out = append(out, coseKey...)
	return out, nil
}

// BuildAssertionAuthData assembles authData for authenticatorGetAssertion
// and authenticatorGetNextAssertion: rpIdHash(32) ∥ flags(1)=UP|UV ∥
// signCount(4). No attested credential data is present on the assertion
// path.
func BuildAssertionAuthData(rpID string, signCount uint32) []byte {
	rpHash := RPIDHash(rpID)
	out := make([]byte, 0, 32+1+4)
	out = append(out, rpHash[:]...)
	out = append(out, FlagUP|FlagUV)
	out = binary.BigEndian.AppendUint32(out, signCount)
	return out
}

// PackedAttestationStatement is the {alg, sig} pair returned under key 3 of
// the attestation object for a self-signed "packed" attestation.
type PackedAttestationStatement struct {
	Alg int32  `cbor:"alg"`
	Sig []byte `cbor:"sig"`
}

// Object is the canonical CBOR attestation object {1:fmt, 2:authData,
// 3:attStmt} returned to the client for authenticatorMakeCredential.
type Object struct {
	Format   string                     `cbor:"1,keyasint"`
	AuthData []byte                     `cbor:"2,keyasint"`
	Stmt     PackedAttestationStatement `cbor:"3,keyasint"`
}

var canonical = newCanonicalEncoder()

func newCanonicalEncoder() cbor.EncMode {
	mode, err := cbor.CTAP2EncOptions().EncMode()
	if err != nil {
		panic("attestation: building canonical CBOR encoder: " + err.Error())
	}
	return mode
}

// BuildObject assembles the packed attestation object for authData, alg,
// and sig. Split out from Marshal so a caller that also wants to hand the
// Object to a History can build it once and encode it separately.
func BuildObject(authData []byte, alg int32, sig []byte) Object {
	return Object{
		Format:   "packed",
		AuthData: authData,
		Stmt:     PackedAttestationStatement{Alg: alg, Sig: sig},
	}
}

// MarshalObject encodes an already-built Object in canonical CBOR, per
// spec.md §4.9's requirement of deterministic key order and shortest-form
// integers.
func MarshalObject(obj Object) ([]byte, error) {
	return canonical.Marshal(obj)
}

// Marshal builds and encodes a packed attestation object in one step.
func Marshal(authData []byte, alg int32, sig []byte) ([]byte, error) {
	return MarshalObject(BuildObject(authData, alg, sig))
}
