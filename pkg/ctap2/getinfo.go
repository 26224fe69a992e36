package ctap2

import "ctap2-hid-authenticator/pkg/attestation"

// HandleGetInfo implements authenticatorGetInfo (0x04), with the exact
// capability map from original_source/security_key.py's
// authenticatorGetInfo.
func (a *Authenticator) HandleGetInfo() []byte {
	resp := getInfoResponse{
		Versions:   []string{"FIDO_2_0", "FIDO_2_1_PRE"},
		Extensions: []string{"credProtect"},
		AAGUID:     attestation.AAGUID[:],
		Options: map[string]bool{
			"rk":   true,
			"plat": false,
			"up":   true,
			"uv":   true,
		},
		MaxMsgSize:               1200,
		PinUvAuthProtocols:       []int{1},
		MaxCredentialCountInList: 8,
		MaxCredentialIDLength:    128,
		Transports:               []string{"usb"},
		Algorithms: []pubKeyCredParam{
			{Alg: -7, Type: "public-key"},
			{Alg: -48, Type: "public-key"},
			{Alg: -49, Type: "public-key"},
		},
	}
	encoded, err := canonical.Marshal(resp)
	if err != nil {
		return []byte{CTAP2ErrOther}
	}
	return append([]byte{CTAP1ErrSuccess}, encoded...)
}
