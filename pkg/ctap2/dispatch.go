package ctap2

import "context"

// HandleCBOR processes one CTAP-HID CBOR payload (command byte plus CBOR
// parameter map) and returns the full response: a status byte optionally
// followed by a canonical CBOR response map.
func (a *Authenticator) HandleCBOR(ctx context.Context, channel uint32, payload []byte) []byte {
	msg, err := ParseCTAP2Message(payload)
	if err != nil {
		return []byte{CTAP1ErrInvalidLength}
	}

	switch msg.Command {
	case CTAP2MakeCredential:
		return a.HandleMakeCredential(ctx, channel, msg.Data)
	case CTAP2GetAssertion:
		return a.HandleGetAssertion(ctx, channel, msg.Data)
	case CTAP2GetNextAssertion:
		return a.HandleGetNextAssertion()
	case CTAP2GetInfo:
		return a.HandleGetInfo()
	case CTAP2Reset:
		return a.HandleReset(ctx, channel)
	case CTAP2ClientPIN:
		return []byte{CTAP2ErrPinNotSet}
	default:
		return []byte{CTAP1ErrInvalidCommand}
	}
}
