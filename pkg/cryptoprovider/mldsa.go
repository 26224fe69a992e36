package cryptoprovider

import (
	"crypto"
	"fmt"
	"io"

	"github.com/cloudflare/circl/sign/mldsa/mldsa44"
	"github.com/cloudflare/circl/sign/mldsa/mldsa65"

	"ctap2-hid-authenticator/pkg/credential"
)

// seedSize is the width of the ML-DSA key-generation seed (FIPS 204's ξ),
// identical across parameter sets.
const seedSize = 32

// mldsaVariant is alg -48 (ML-DSA-44) or alg -49 (ML-DSA-65). The original
// Python implementation reached for liboqs's Dilithium bindings
// (sign_challenge_mldsa in original_source/security_key.py); circl's
// sign/mldsa package is this repo's pack-grounded equivalent, already
// wired into the module for the same reason snapetech-plexTuner's go.mod
// pulls it in.
//
// Private keys are stored as their 32-byte generation seed rather than the
// packed expanded key: NewKeyFromSeed is cheap enough to redo on every Sign
// call, and storing the seed keeps the on-disk credential store's private
// key field a fixed, short size regardless of parameter set.
type mldsaVariant struct {
	alg credential.Algorithm
}

func (v mldsaVariant) Algorithm() credential.Algorithm { return v.alg }

func (v mldsaVariant) Keygen(entropy io.Reader) (privateKey, publicKey []byte, err error) {
	var seed [seedSize]byte
	if _, err := io.ReadFull(entropy, seed[:]); err != nil {
		return nil, nil, fmt.Errorf("mldsa keygen: %w", err)
	}

	switch v.alg {
	case credential.AlgMLDSA44:
		pk, _ := mldsa44.NewKeyFromSeed(&seed)
		var packed [mldsa44.PublicKeySize]byte
		pk.Pack(&packed)
		return append([]byte(nil), seed[:]...), packed[:], nil
	case credential.AlgMLDSA65:
		pk, _ := mldsa65.NewKeyFromSeed(&seed)
		var packed [mldsa65.PublicKeySize]byte
		pk.Pack(&packed)
		return append([]byte(nil), seed[:]...), packed[:], nil
	default:
		return nil, nil, ErrUnsupportedAlgorithm
	}
}

func (v mldsaVariant) Sign(privateKey, message []byte) ([]byte, error) {
	if len(privateKey) != seedSize {
		return nil, fmt.Errorf("mldsa: private key must be the %d-byte seed, got %d", seedSize, len(privateKey))
	}
	var seed [seedSize]byte
	copy(seed[:], privateKey)

	switch v.alg {
	case credential.AlgMLDSA44:
		_, sk := mldsa44.NewKeyFromSeed(&seed)
		return sk.Sign(nil, message, crypto.Hash(0))
	case credential.AlgMLDSA65:
		_, sk := mldsa65.NewKeyFromSeed(&seed)
		return sk.Sign(nil, message, crypto.Hash(0))
	default:
		return nil, ErrUnsupportedAlgorithm
	}
}

func (v mldsaVariant) COSEKey(publicKey []byte) ([]byte, error) {
	key := map[int]interface{}{
		1:  7, // kty: this authenticator's ML-DSA tag
		3:  int(v.alg),
		-1: append([]byte(nil), publicKey...),
	}
	return canonical.Marshal(key)
}
