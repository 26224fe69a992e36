// Package credential implements the persistent credential store: a
// relying-party-keyed map of credentials, atomic serialize/deserialize, and
// upsert-by-user-handle semantics. Grounded on original_source/security_key.py's
// current_keys/gen_keys/check_key_exists family, carried over to a typed Go
// store backed by github.com/fxamacker/cbor/v2 the way
// pkg/ctap2/ctap2.go's teacher predecessor carries its CBOR payloads.
package credential

import (
	"crypto/rand"
	"errors"
)

// credIDSuffix is the literal 9-byte ASCII suffix every credential ID ends
// with. Preserved byte-for-byte so credential IDs minted by this
// implementation round-trip with any previously registered RP that saw the
// Python original's uuid.uuid4().bytes + '_cryptane'.encode() scheme.
const credIDSuffix = "_cryptane"

// IDLength is the fixed length of a credential ID: 16 random bytes plus the
// 9-byte suffix.
const IDLength = 16 + len(credIDSuffix)

// Algorithm is a COSE signature algorithm identifier. Only the three values
// below are valid credential algorithms in this authenticator.
type Algorithm int32

const (
	AlgES256    Algorithm = -7
	AlgMLDSA44  Algorithm = -48
	AlgMLDSA65  Algorithm = -49
)

// Valid reports whether alg is one of the three algorithms this
// authenticator supports.
func (a Algorithm) Valid() bool {
	switch a {
	case AlgES256, AlgMLDSA44, AlgMLDSA65:
		return true
	default:
		return false
	}
}

// UserEntity is the client-supplied user object carried verbatim through
// registration and returned in assertions.
type UserEntity struct {
	ID          []byte `cbor:"id"`
	Name        string `cbor:"name,omitempty"`
	DisplayName string `cbor:"displayName,omitempty"`
}

// PublicKeyDescriptor is the {id, type} pair clients use to name a
// credential in exclude/allow lists and in assertion responses.
type PublicKeyDescriptor struct {
	ID   []byte `cbor:"id"`
	Type string `cbor:"type"`
}

// Credential is the entity stored per (rp_id, cred_id), matching the field
// table in spec.md §3.
type Credential struct {
	ID          []byte     `cbor:"id"`
	RPID        string     `cbor:"rp_id"`
	UserHandle  []byte     `cbor:"user_handle"`
	User        UserEntity `cbor:"user_entity"`
	Algorithm   Algorithm  `cbor:"algorithm"`
	PrivateKey  []byte     `cbor:"private_key"`
	SignCount   uint32     `cbor:"sign_count"`
}

// Descriptor returns the {id, type: "public-key"} view of the credential.
func (c Credential) Descriptor() PublicKeyDescriptor {
	return PublicKeyDescriptor{ID: c.ID, Type: "public-key"}
}

// NewID mints a fresh credential ID: 16 random bytes followed by the literal
// "_cryptane" suffix.
func NewID() ([]byte, error) {
	id := make([]byte, IDLength)
	if _, err := rand.Read(id[:16]); err != nil {
		return nil, err
	}
	copy(id[16:], credIDSuffix)
	return id, nil
}

// ErrInvalidAlgorithm is returned when a stored or requested credential
// names an algorithm outside {-7, -48, -49}.
var ErrInvalidAlgorithm = errors.New("credential: algorithm must be -7, -48, or -49")
