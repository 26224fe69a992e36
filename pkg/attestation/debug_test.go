package attestation

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestSaveAndLoadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	obj := BuildObject([]byte{1, 2, 3}, -7, []byte{4, 5, 6})
	dump := NewDump([]byte("credential-id"), obj, []byte{0xaa, 0xbb}, time.Now())

	path := filepath.Join(dir, "dump.json")
	if err := SaveToFile(dump, path); err != nil {
		t.Fatalf("SaveToFile: %v", err)
	}

	got, err := LoadFromFile(path)
	if err != nil {
		t.Fatalf("LoadFromFile: %v", err)
	}
	if got.RequestID != dump.RequestID {
		t.Fatalf("RequestID = %q, want %q", got.RequestID, dump.RequestID)
	}
	if string(got.AttestationObject.AuthData) != string(dump.AttestationObject.AuthData) {
		t.Fatalf("AuthData mismatch after round trip")
	}
}

func TestDumpValidateRejectsZeroValue(t *testing.T) {
	if err := (Dump{}).Validate(); err == nil {
		t.Fatalf("expected Validate to reject a zero-value Dump")
	}
}

func TestHistoryPrunesOldestPastLimit(t *testing.T) {
	dir := t.TempDir()
	history, err := OpenHistory(dir, 2)
	if err != nil {
		t.Fatalf("OpenHistory: %v", err)
	}

	obj := BuildObject([]byte{1, 2, 3}, -7, []byte{4})
	for i := 0; i < 5; i++ {
		credID := []byte{byte(i)}
		dump := NewDump(credID, obj, []byte{0x01}, time.Now().Add(time.Duration(i)))
		if err := history.Record(dump); err != nil {
			t.Fatalf("Record %d: %v", i, err)
		}
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("ReadDir: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("got %d files on disk, want 2 after pruning", len(entries))
	}
}

func TestHistoryRejectsInvalidDump(t *testing.T) {
	dir := t.TempDir()
	history, err := OpenHistory(dir, 5)
	if err != nil {
		t.Fatalf("OpenHistory: %v", err)
	}
	if err := history.Record(Dump{}); err == nil {
		t.Fatalf("expected Record to reject an invalid dump")
	}
}
