package credential

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/fxamacker/cbor/v2"
)

// rpEntry is the on-disk shape for one relying party: its credentials in
// first-inserted order. A CBOR map keyed by the raw credential-ID bytes
// would match spec.md §4.7's map<bytes, Credential> most literally, but Go
// maps require a comparable, not a slice, key; a slice already carries the
// insertion order authenticatorGetAssertion needs to replay the
// registration sequence deterministically (spec.md §4.6) — the same
// guarantee the Python original got for free from dict insertion order —
// so credentials are kept in an ordered slice and indexed in memory.
type rpEntry struct {
	Credentials []Credential `cbor:"credentials"`
	index       map[string]int
}

func (e *rpEntry) rebuildIndex() {
	e.index = make(map[string]int, len(e.Credentials))
	for i, c := range e.Credentials {
		e.index[string(c.ID)] = i
	}
}

func (e *rpEntry) find(credID []byte) (Credential, bool) {
	if e.index == nil {
		e.rebuildIndex()
	}
	i, ok := e.index[string(credID)]
	if !ok {
		return Credential{}, false
	}
	return e.Credentials[i], true
}

// Store is the persistent, process-local credential database. It loads
// once at startup, mutates in memory, and persists by a full rewrite on
// every mutation via write-to-temp-then-rename, per spec.md §4.7 and §9's
// resolution of the full-rewrite approach into an atomic one.
type Store struct {
	mu   sync.Mutex
	path string
	data map[string]*rpEntry
}

// Open loads the store at path, creating an empty one if it does not yet
// exist. Loading at startup is the only read path; all further access goes
// through the in-memory map.
func Open(path string) (*Store, error) {
	s := &Store{path: path, data: make(map[string]*rpEntry)}

	raw, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		if err := s.persistLocked(); err != nil {
			return nil, fmt.Errorf("credential: creating empty store: %w", err)
		}
		return s, nil
	}
	if err != nil {
		return nil, fmt.Errorf("credential: reading store: %w", err)
	}
	if len(raw) == 0 {
		return s, nil
	}
	if err := cbor.Unmarshal(raw, &s.data); err != nil {
		return nil, fmt.Errorf("credential: decoding store: %w", err)
	}
	if s.data == nil {
		s.data = make(map[string]*rpEntry)
	}
	return s, nil
}

// persistLocked rewrites the entire store to disk atomically. Callers must
// hold s.mu.
func (s *Store) persistLocked() error {
	raw, err := cbor.Marshal(s.data)
	if err != nil {
		return fmt.Errorf("credential: encoding store: %w", err)
	}

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("credential: creating store directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".store-*.tmp")
	if err != nil {
		return fmt.Errorf("credential: creating temp file: %w", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath) // no-op once the rename below succeeds

	if _, err := tmp.Write(raw); err != nil {
		tmp.Close()
		return fmt.Errorf("credential: writing temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("credential: syncing temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("credential: closing temp file: %w", err)
	}
	if err := os.Rename(tmpPath, s.path); err != nil {
		return fmt.Errorf("credential: renaming store into place: %w", err)
	}
	return nil
}

// Upsert inserts or updates a credential. If a credential with the same
// RPID and UserHandle already exists, its cred_id is reused and the record
// is updated in place, per spec.md invariant (b); otherwise the supplied
// credential (with its newly minted ID) is inserted.
func (s *Store) Upsert(c Credential) (Credential, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry := s.data[c.RPID]
	if entry == nil {
		entry = &rpEntry{}
		s.data[c.RPID] = entry
	}
	if entry.index == nil {
		entry.rebuildIndex()
	}

	if existing, ok := findByUserHandle(entry, c.UserHandle); ok {
		c.ID = existing.ID
		entry.Credentials[entry.index[string(existing.ID)]] = c
		if err := s.persistLocked(); err != nil {
			return Credential{}, err
		}
		return c, nil
	}

	entry.index[string(c.ID)] = len(entry.Credentials)
	entry.Credentials = append(entry.Credentials, c)
	if err := s.persistLocked(); err != nil {
		return Credential{}, err
	}
	return c, nil
}

func findByUserHandle(entry *rpEntry, userHandle []byte) (Credential, bool) {
	for _, c := range entry.Credentials {
		if bytes.Equal(c.UserHandle, userHandle) {
			return c, true
		}
	}
	return Credential{}, false
}

// Exists reports whether rpID has a credential with the given credential
// ID, used by the excludeList check in authenticatorMakeCredential.
func (s *Store) Exists(rpID string, credID []byte) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.data[rpID]
	if !ok {
		return false
	}
	_, ok = entry.find(credID)
	return ok
}

// Get returns the credential with the given RP ID and credential ID.
func (s *Store) Get(rpID string, credID []byte) (Credential, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.data[rpID]
	if !ok {
		return Credential{}, false
	}
	return entry.find(credID)
}

// AllForRP returns every credential registered for rpID, in the order they
// were first inserted.
func (s *Store) AllForRP(rpID string) []Credential {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.data[rpID]
	if !ok {
		return nil
	}
	out := make([]Credential, len(entry.Credentials))
	copy(out, entry.Credentials)
	return out
}

// Reset erases the on-disk store and clears the in-memory map. The next
// mutation recreates the file from an empty map, per spec.md §4.7.
func (s *Store) Reset() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data = make(map[string]*rpEntry)
	if err := os.Remove(s.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("credential: removing store file: %w", err)
	}
	return nil
}
