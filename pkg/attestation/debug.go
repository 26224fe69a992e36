package attestation

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Dump is the on-disk record of one authenticatorMakeCredential response,
// generalized from the teacher's ctap2.AttestationData (RequestID,
// Timestamp, AttestationObject, ClientDataJSON) into this authenticator's
// own wire types: the Object it actually returns, and the client data hash
// CTAP2 carries instead of a full clientDataJSON.
type Dump struct {
	RequestID         string    `json:"requestId"`
	Timestamp         time.Time `json:"timestamp"`
	AttestationObject Object    `json:"attestationObject"`
	ClientDataHash    []byte    `json:"clientDataHash"`
}

// NewDump builds a Dump for the credential identified by credID.
func NewDump(credID []byte, obj Object, clientDataHash []byte, at time.Time) Dump {
	return Dump{
		RequestID:         hex.EncodeToString(credID),
		Timestamp:         at,
		AttestationObject: obj,
		ClientDataHash:    clientDataHash,
	}
}

// Validate mirrors the teacher's ValidateAttestationData, adapted to Dump's
// own fields.
func (d Dump) Validate() error {
	if d.RequestID == "" {
		return fmt.Errorf("attestation: request id cannot be empty")
	}
	if d.Timestamp.IsZero() {
		return fmt.Errorf("attestation: timestamp cannot be zero")
	}
	if len(d.AttestationObject.AuthData) == 0 {
		return fmt.Errorf("attestation: attestation object cannot be empty")
	}
	if len(d.ClientDataHash) == 0 {
		return fmt.Errorf("attestation: client data hash cannot be empty")
	}
	return nil
}

// SaveToFile saves dump to a JSON file, per the teacher's
// attestation.SaveToFile.
func SaveToFile(dump Dump, filename string) error {
	data, err := json.MarshalIndent(dump, "", "  ")
	if err != nil {
		return fmt.Errorf("attestation: marshal dump: %w", err)
	}
	return os.WriteFile(filename, data, 0644)
}

// LoadFromFile loads a Dump back from a JSON file, per the teacher's
// attestation.LoadFromFile.
func LoadFromFile(filename string) (Dump, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return Dump{}, fmt.Errorf("attestation: read dump: %w", err)
	}
	var dump Dump
	if err := json.Unmarshal(data, &dump); err != nil {
		return Dump{}, fmt.Errorf("attestation: unmarshal dump: %w", err)
	}
	return dump, nil
}

// History persists the most recent attestation dumps to a directory for
// field debugging (SPEC_FULL.md §4.9). A nil *History is the disabled
// state: callers must only invoke Record on a History obtained from
// OpenHistory.
type History struct {
	mu      sync.Mutex
	dir     string
	limit   int
	written []string // filenames, oldest first
}

// OpenHistory returns a History writing into dir, keeping at most limit
// dumps on disk and pruning the oldest once that limit is exceeded.
func OpenHistory(dir string, limit int) (*History, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("attestation: create debug dir: %w", err)
	}
	return &History{dir: dir, limit: limit}, nil
}

// Record validates and saves dump under h's directory, then prunes the
// oldest file past the configured limit.
func (h *History) Record(dump Dump) error {
	if err := dump.Validate(); err != nil {
		return err
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	filename := filepath.Join(h.dir, fmt.Sprintf("attestation-%s-%d.json", dump.RequestID, dump.Timestamp.UnixNano()))
	if err := SaveToFile(dump, filename); err != nil {
		return err
	}
	h.written = append(h.written, filename)

	for len(h.written) > h.limit {
		stale := h.written[0]
		h.written = h.written[1:]
		os.Remove(stale)
	}
	return nil
}
