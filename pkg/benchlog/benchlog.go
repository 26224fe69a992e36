// Package benchlog implements the optional per-transaction benchmark log:
// a JSON array on disk, rewritten in full on every append, plus the
// Prometheus counters the expanded specification layers on top of it.
//
// Grounded on original_source/security_key.py's add_to_log/log_file_path
// (read-modify-rewrite-the-whole-array), translated into the teacher's
// "small helper struct with a mutex and a file path" shape used throughout
// pkg/credential for its own persistence.
package benchlog

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// TransactionSide captures one half of a logged transaction: the command
// byte and the raw payload bytes that crossed the wire.
type TransactionSide struct {
	Command byte   `json:"command"`
	Payload []byte `json:"payload"`
}

// Record is one benchmark entry, per spec.md §4.10.
type Record struct {
	Input    TransactionSide `json:"input"`
	Output   TransactionSide `json:"output"`
	LastAlgo int32           `json:"last_algo"`
	Time     time.Duration   `json:"time"`
}

// Logger appends Records to a JSON array file, rewriting the whole file on
// every append since the expected volume is small (one record per CTAP2
// transaction).
type Logger struct {
	mu      sync.Mutex
	path    string
	records []Record
}

// Open creates (or truncates) the benchmark log at a path under dir named
// benchmark-YYYY-MM-DD-HH-MM-SS.json, per spec.md §6.
func Open(dir string) (*Logger, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("benchlog: creating directory: %w", err)
	}
	name := fmt.Sprintf("benchmark-%s.json", time.Now().Format("2006-01-02-15-04-05"))
	path := filepath.Join(dir, name)
	l := &Logger{path: path}
	if err := l.flushLocked(); err != nil {
		return nil, err
	}
	return l, nil
}

// Path returns the file this logger writes to.
func (l *Logger) Path() string {
	return l.path
}

// Append records one transaction and rewrites the log file.
func (l *Logger) Append(record Record) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.records = append(l.records, record)
	return l.flushLocked()
}

func (l *Logger) flushLocked() error {
	encoded, err := json.MarshalIndent(l.records, "", "  ")
	if err != nil {
		return fmt.Errorf("benchlog: marshal records: %w", err)
	}
	tmp := l.path + ".tmp"
	if err := os.WriteFile(tmp, encoded, 0o644); err != nil {
		return fmt.Errorf("benchlog: write temp file: %w", err)
	}
	if err := os.Rename(tmp, l.path); err != nil {
		return fmt.Errorf("benchlog: rename into place: %w", err)
	}
	return nil
}

// Timer measures one transaction's elapsed time, starting on construction.
type Timer struct {
	start time.Time
}

// StartTimer begins timing a transaction.
func StartTimer() Timer {
	return Timer{start: time.Now()}
}

// Elapsed returns the duration since StartTimer was called.
func (t Timer) Elapsed() time.Duration {
	return time.Since(t.start)
}
