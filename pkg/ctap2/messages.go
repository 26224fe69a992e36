package ctap2

import "github.com/fxamacker/cbor/v2"

var canonical = newCanonicalEncoder()

func newCanonicalEncoder() cbor.EncMode {
	mode, err := cbor.CTAP2EncOptions().EncMode()
	if err != nil {
		panic("ctap2: building canonical CBOR encoder: " + err.Error())
	}
	return mode
}

// rpEntity is the client-supplied relying-party object on MakeCredential.
type rpEntity struct {
	ID   string `cbor:"id"`
	Name string `cbor:"name,omitempty"`
}

// userEntity mirrors credential.UserEntity's wire shape.
type userEntity struct {
	ID          []byte `cbor:"id"`
	Name        string `cbor:"name,omitempty"`
	DisplayName string `cbor:"displayName,omitempty"`
}

// pubKeyCredParam is one entry of pubKeyCredParams or an algorithm listing.
type pubKeyCredParam struct {
	Alg  int64  `cbor:"alg"`
	Type string `cbor:"type"`
}

// credentialDescriptor names a credential in an exclude/allow list or in an
// assertion response.
type credentialDescriptor struct {
	ID   []byte `cbor:"id"`
	Type string `cbor:"type"`
}

type makeCredentialRequest struct {
	ClientDataHash   []byte                 `cbor:"1,keyasint"`
	RP               rpEntity               `cbor:"2,keyasint"`
	User             userEntity             `cbor:"3,keyasint"`
	PubKeyCredParams []pubKeyCredParam      `cbor:"4,keyasint"`
	ExcludeList      []credentialDescriptor `cbor:"5,keyasint,omitempty"`
}

type getAssertionRequest struct {
	RPID           string                 `cbor:"1,keyasint"`
	ClientDataHash []byte                 `cbor:"2,keyasint"`
	AllowList      []credentialDescriptor `cbor:"3,keyasint,omitempty"`
}

type assertionResponse struct {
	Credential          credentialDescriptor `cbor:"1,keyasint"`
	AuthData            []byte               `cbor:"2,keyasint"`
	Signature           []byte               `cbor:"3,keyasint"`
	User                userEntity           `cbor:"4,keyasint"`
	NumberOfCredentials *int                 `cbor:"5,keyasint,omitempty"`
}

type getInfoResponse struct {
	Versions                 []string          `cbor:"1,keyasint"`
	Extensions               []string          `cbor:"2,keyasint"`
	AAGUID                   []byte            `cbor:"3,keyasint"`
	Options                  map[string]bool   `cbor:"4,keyasint"`
	MaxMsgSize               int               `cbor:"5,keyasint"`
	PinUvAuthProtocols       []int             `cbor:"6,keyasint"`
	MaxCredentialCountInList int               `cbor:"7,keyasint"`
	MaxCredentialIDLength    int               `cbor:"8,keyasint"`
	Transports               []string          `cbor:"9,keyasint"`
	Algorithms               []pubKeyCredParam `cbor:"10,keyasint"`
}
