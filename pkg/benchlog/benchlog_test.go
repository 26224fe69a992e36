package benchlog

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestOpenNamesFileWithTimestampSuffix(t *testing.T) {
	l, err := Open(t.TempDir())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	base := filepath.Base(l.Path())
	if !strings.HasPrefix(base, "benchmark-") || !strings.HasSuffix(base, ".json") {
		t.Fatalf("unexpected log file name %q", base)
	}
}

func TestAppendRewritesWholeArray(t *testing.T) {
	l, err := Open(t.TempDir())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	for i := 0; i < 3; i++ {
		rec := Record{
			Input:    TransactionSide{Command: 0x01, Payload: []byte{byte(i)}},
			Output:   TransactionSide{Command: 0x01, Payload: []byte{0x00}},
			LastAlgo: -7,
			Time:     time.Millisecond,
		}
		if err := l.Append(rec); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}

	data, err := os.ReadFile(l.Path())
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	var decoded []Record
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(decoded) != 3 {
		t.Fatalf("expected 3 records on disk, got %d", len(decoded))
	}
	if decoded[2].Input.Payload[0] != 2 {
		t.Fatalf("records must be written in append order")
	}
}

func TestTimerMeasuresElapsed(t *testing.T) {
	timer := StartTimer()
	time.Sleep(time.Millisecond)
	if timer.Elapsed() <= 0 {
		t.Fatalf("Elapsed must be positive after a sleep")
	}
}

func TestMetricsTransactionsCounted(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)

	m.Transactions.WithLabelValues("authenticatorMakeCredential", "success").Inc()
	m.Transactions.WithLabelValues("authenticatorMakeCredential", "success").Inc()

	got := testutil.ToFloat64(m.Transactions.WithLabelValues("authenticatorMakeCredential", "success"))
	if got != 2 {
		t.Fatalf("transaction counter = %v, want 2", got)
	}
}
