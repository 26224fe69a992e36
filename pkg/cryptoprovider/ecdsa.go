package cryptoprovider

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"io"
	"math/big"

	"ctap2-hid-authenticator/pkg/credential"
)

// ecdsaVariant is alg -7: ECDSA over P-256 with SHA-256, COSE kty 2 (EC2).
//
// Grounded on original_source/security_key.py's gen_keys ECDSA branch, which
// derives the private scalar from sha256 of a random identifier rather than
// asking the curve library for a key pair directly; kept here so a fixed
// entropy stream still yields a reproducible key.
type ecdsaVariant struct{}

func (ecdsaVariant) Algorithm() credential.Algorithm { return credential.AlgES256 }

func (ecdsaVariant) Keygen(entropy io.Reader) (privateKey, publicKey []byte, err error) {
	scalar := make([]byte, 32)
	if _, err := io.ReadFull(entropy, scalar); err != nil {
		return nil, nil, fmt.Errorf("ecdsa keygen: %w", err)
	}

	curve := elliptic.P256()
	d := new(big.Int).SetBytes(scalar)
	if d.Sign() == 0 {
		return nil, nil, fmt.Errorf("ecdsa keygen: derived zero scalar")
	}
	x, y := curve.ScalarBaseMult(scalar)

	priv := make([]byte, 32)
	d.FillBytes(priv)

	pub := make([]byte, 64)
	x.FillBytes(pub[:32])
	y.FillBytes(pub[32:])

	return priv, pub, nil
}

func (ecdsaVariant) unpackPrivate(privateKey []byte) (*ecdsa.PrivateKey, error) {
	if len(privateKey) != 32 {
		return nil, fmt.Errorf("ecdsa: private key must be 32 bytes, got %d", len(privateKey))
	}
	curve := elliptic.P256()
	d := new(big.Int).SetBytes(privateKey)
	x, y := curve.ScalarBaseMult(privateKey)
	return &ecdsa.PrivateKey{
		PublicKey: ecdsa.PublicKey{Curve: curve, X: x, Y: y},
		D:         d,
	}, nil
}

// Sign hashes message with SHA-256 and returns the ASN.1 DER-encoded ECDSA
// signature, matching the encoding WebAuthn/CTAP2 clients expect for ES256.
func (v ecdsaVariant) Sign(privateKey, message []byte) ([]byte, error) {
	priv, err := v.unpackPrivate(privateKey)
	if err != nil {
		return nil, err
	}
	digest := sha256.Sum256(message)
	return ecdsa.SignASN1(rand.Reader, priv, digest[:])
}

func (ecdsaVariant) COSEKey(publicKey []byte) ([]byte, error) {
	if len(publicKey) != 64 {
		return nil, fmt.Errorf("ecdsa: public key must be 64 bytes, got %d", len(publicKey))
	}
	key := map[int]interface{}{
		1:  2,                     // kty: EC2
		3:  int(credential.AlgES256), // alg: ES256
		-1: 1,                     // crv: P-256
		-2: append([]byte(nil), publicKey[:32]...),
		-3: append([]byte(nil), publicKey[32:]...),
	}
	return canonical.Marshal(key)
}
