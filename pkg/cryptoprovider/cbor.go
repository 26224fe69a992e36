package cryptoprovider

import "github.com/fxamacker/cbor/v2"

// canonical is the shared CBOR encode mode for every COSE key this package
// produces. CTAP2EncOptions is fxamacker/cbor's built-in preset for the
// sorted-by-key, definite-length canonical form CTAP2 clients expect, so a
// COSE map's keys always come out in the same order this authenticator's
// attestation and assertion objects use.
var canonical cbor.EncMode

func init() {
	mode, err := cbor.CTAP2EncOptions().EncMode()
	if err != nil {
		panic("cryptoprovider: building canonical CBOR encoder: " + err.Error())
	}
	canonical = mode
}
