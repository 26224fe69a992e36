package hiddevice

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/fxamacker/cbor/v2"

	"ctap2-hid-authenticator/pkg/collaborators"
	"ctap2-hid-authenticator/pkg/credential"
	"ctap2-hid-authenticator/pkg/ctap2"
	"ctap2-hid-authenticator/pkg/cryptoprovider"
	"ctap2-hid-authenticator/pkg/hidwire"
	"ctap2-hid-authenticator/pkg/presence"
)

type recordingWriter struct {
	mu      sync.Mutex
	reports [][]byte
}

func (w *recordingWriter) WriteReport(report []byte) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	cp := append([]byte(nil), report...)
	w.reports = append(w.reports, cp)
	return nil
}

func (w *recordingWriter) take() [][]byte {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := w.reports
	w.reports = nil
	return out
}

func waitForReports(t *testing.T, w *recordingWriter, n int) [][]byte {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		w.mu.Lock()
		got := len(w.reports)
		w.mu.Unlock()
		if got >= n {
			return w.take()
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("timed out waiting for %d report(s), saw fewer", n)
	return nil
}

func newTestDevice(t *testing.T, button collaborators.Button) (*Device, *recordingWriter) {
	t.Helper()
	store, err := credential.Open(filepath.Join(t.TempDir(), "keys.cbor"))
	if err != nil {
		t.Fatalf("Open store: %v", err)
	}
	crypto := cryptoprovider.New(rand.Reader)
	gate := presence.New(button, collaborators.UnenrolledFingerprintSensor{})
	auth := ctap2.New(store, crypto, gate)
	writer := &recordingWriter{}
	return New(writer, auth, collaborators.NoopLED{}), writer
}

func initReport(nonce []byte) []byte {
	report := make([]byte, hidwire.ReportSize)
	binary.BigEndian.PutUint32(report[0:4], hidwire.BroadcastChannel)
	report[4] = 0x06 | 0x80
	binary.BigEndian.PutUint16(report[5:7], uint16(len(nonce)))
	copy(report[7:], nonce)
	return report
}

// allocateChannel sends CTAPHID_INIT on the broadcast channel and returns the
// channel ID the device allocated in its response.
func allocateChannel(t *testing.T, d *Device, w *recordingWriter) uint32 {
	t.Helper()
	d.HandleReport(context.Background(), initReport([]byte{1, 2, 3, 4, 5, 6, 7, 8}))
	resp := waitForReports(t, w, 1)[0]
	return binary.BigEndian.Uint32(resp[15:19])
}

// TestInitAllocatesChannel is end-to-end scenario 1.
func TestInitAllocatesChannel(t *testing.T) {
	d, w := newTestDevice(t, collaborators.AlwaysPresentButton{})
	nonce := []byte{0x01, 0x02, 0x03, 0x04, 0x05, 0x06, 0x07, 0x08}

	d.HandleReport(context.Background(), initReport(nonce))

	reports := waitForReports(t, w, 1)
	if len(reports) != 1 {
		t.Fatalf("expected exactly one init response frame, got %d", len(reports))
	}
	resp := reports[0]
	if resp[4] != (0x06 | 0x80) {
		t.Fatalf("cmd byte = %#x, want INIT|0x80", resp[4])
	}
	if string(resp[7:15]) != string(nonce) {
		t.Fatalf("nonce not echoed back")
	}
	channel := binary.BigEndian.Uint32(resp[15:19])
	if channel == 0 || channel == hidwire.BroadcastChannel {
		t.Fatalf("allocated channel must not be 0 or broadcast, got %#x", channel)
	}
	if resp[19] != protocolVersion || resp[23] != capabilities {
		t.Fatalf("unexpected version/capabilities trailer: %v", resp[19:24])
	}
}

func pingReport(channel uint32, payload []byte) []byte {
	report := make([]byte, hidwire.ReportSize)
	binary.BigEndian.PutUint32(report[0:4], channel)
	report[4] = cmdPing | 0x80
	binary.BigEndian.PutUint16(report[5:7], uint16(len(payload)))
	copy(report[7:], payload)
	return report
}

// TestPingEchoesPayload is end-to-end scenario 2 (single-frame case).
func TestPingEchoesPayload(t *testing.T) {
	d, w := newTestDevice(t, collaborators.AlwaysPresentButton{})
	channel := allocateChannel(t, d, w)
	payload := []byte("hello ctap-hid")

	d.HandleReport(context.Background(), pingReport(channel, payload))

	reports := waitForReports(t, w, 1)
	resp := reports[0]
	if resp[4] != (cmdPing | 0x80) {
		t.Fatalf("cmd byte = %#x, want PING|0x80", resp[4])
	}
	bcnt := binary.BigEndian.Uint16(resp[5:7])
	if int(bcnt) != len(payload) {
		t.Fatalf("bcnt = %d, want %d", bcnt, len(payload))
	}
	if string(resp[7:7+len(payload)]) != string(payload) {
		t.Fatalf("ping payload not echoed back")
	}
}

func cborInitReport(channel uint32, payload []byte) []byte {
	report := make([]byte, hidwire.ReportSize)
	binary.BigEndian.PutUint32(report[0:4], channel)
	report[4] = cmdCBOR | 0x80
	binary.BigEndian.PutUint16(report[5:7], uint16(len(payload)))
	copy(report[7:], payload)
	return report
}

func makeCredentialCBORPayload(t *testing.T) []byte {
	t.Helper()
	req := map[int]interface{}{
		1: make([]byte, 32),
		2: map[string]interface{}{"id": "example.com"},
		3: map[string]interface{}{"id": []byte{0x01}},
		4: []interface{}{map[string]interface{}{"alg": int64(-7), "type": "public-key"}},
	}
	encoded, err := cbor.Marshal(req)
	if err != nil {
		t.Fatalf("marshal makeCredentialRequest: %v", err)
	}
	return append([]byte{ctap2.CTAP2MakeCredential}, encoded...)
}

// TestCancelDuringPresenceWaitViaHID exercises the dispatcher's concurrency
// contract for end-to-end scenario 6: a CANCEL frame must reach the presence
// gate while a CBOR command's own goroutine is still blocked waiting.
func TestCancelDuringPresenceWaitViaHID(t *testing.T) {
	d, w := newTestDevice(t, neverPressedButton{})
	channel := allocateChannel(t, d, w)

	// The request does not fit one initialization frame, so the whole
	// encoded burst is fed in.
	frames, err := hidwire.Encode(channel, cmdCBOR, makeCredentialCBORPayload(t))
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	for _, f := range frames {
		d.HandleReport(context.Background(), f)
	}
	time.Sleep(20 * time.Millisecond)

	cancel := make([]byte, hidwire.ReportSize)
	binary.BigEndian.PutUint32(cancel[0:4], channel)
	cancel[4] = cmdCancel | 0x80
	d.HandleReport(context.Background(), cancel)

	// KEEPALIVE frames are written while the command waits for presence; the
	// CBOR response frame follows them.
	var resp []byte
	deadline := time.Now().Add(2 * time.Second)
	for resp == nil {
		if time.Now().After(deadline) {
			t.Fatalf("no CBOR|0x80 response frame after CANCEL")
		}
		for _, r := range waitForReports(t, w, 1) {
			if r[4] == (cmdCBOR | 0x80) {
				resp = r
			}
		}
	}
	if resp[7] != ctap2.CTAP2ErrKeepaliveCancel {
		t.Fatalf("status = %#x, want KeepaliveCancel", resp[7])
	}
}

type neverPressedButton struct{}

func (neverPressedButton) Pressed() bool { return false }

// TestCommandOnUnallocatedChannelErrors checks that a command (here PING) on a
// channel INIT never allocated is answered with ERROR InvalidCmd.
func TestCommandOnUnallocatedChannelErrors(t *testing.T) {
	d, w := newTestDevice(t, collaborators.AlwaysPresentButton{})

	report := make([]byte, hidwire.ReportSize)
	binary.BigEndian.PutUint32(report[0:4], 0x99887766)
	report[4] = cmdPing | 0x80
	binary.BigEndian.PutUint16(report[5:7], 0)

	d.HandleReport(context.Background(), report)

	reports := waitForReports(t, w, 1)
	resp := reports[0]
	if resp[4] != (cmdError | 0x80) {
		t.Fatalf("cmd byte = %#x, want ERROR|0x80", resp[4])
	}
	if resp[7] != errInvalidCmd {
		t.Fatalf("error code = %#x, want InvalidCmd", resp[7])
	}
}

// TestConcurrentInitOnBusyChannelErrors exercises spec.md's ERR_CHANNEL_BUSY
// (0x06): an init-type frame for a second command arriving on a channel
// that already has an incomplete transaction in progress must be rejected,
// not silently discard the first transaction.
func TestConcurrentInitOnBusyChannelErrors(t *testing.T) {
	d, w := newTestDevice(t, collaborators.AlwaysPresentButton{})

	d.HandleReport(context.Background(), initReport([]byte{1, 2, 3, 4, 5, 6, 7, 8}))
	initResp := waitForReports(t, w, 1)[0]
	channel := binary.BigEndian.Uint32(initResp[15:19])

	// First frame of a 3-frame PING transaction: incomplete, leaves a
	// reassembly in progress on channel.
	payload := make([]byte, 120)
	first := make([]byte, hidwire.ReportSize)
	binary.BigEndian.PutUint32(first[0:4], channel)
	first[4] = cmdPing | 0x80
	binary.BigEndian.PutUint16(first[5:7], uint16(len(payload)))
	copy(first[7:], payload)
	d.HandleReport(context.Background(), first)

	// A second init-type frame on the same channel before the first
	// transaction completes.
	second := make([]byte, hidwire.ReportSize)
	binary.BigEndian.PutUint32(second[0:4], channel)
	second[4] = cmdPing | 0x80
	binary.BigEndian.PutUint16(second[5:7], 5)
	copy(second[7:], []byte{9, 9, 9, 9, 9})
	d.HandleReport(context.Background(), second)

	reports := waitForReports(t, w, 1)
	resp := reports[0]
	if resp[4] != (cmdError | 0x80) {
		t.Fatalf("cmd byte = %#x, want ERROR|0x80", resp[4])
	}
	if resp[7] != errChannelBusy {
		t.Fatalf("error code = %#x, want ChannelBusy", resp[7])
	}
}

// TestOutOfOrderContinuationErrors is invariant 2.
func TestOutOfOrderContinuationErrors(t *testing.T) {
	d, w := newTestDevice(t, collaborators.AlwaysPresentButton{})
	channel := allocateChannel(t, d, w)

	payload := make([]byte, 200)
	report := make([]byte, hidwire.ReportSize)
	binary.BigEndian.PutUint32(report[0:4], channel)
	report[4] = cmdPing | 0x80
	binary.BigEndian.PutUint16(report[5:7], uint16(len(payload)))
	copy(report[7:], payload)
	d.HandleReport(context.Background(), report)

	cont := make([]byte, hidwire.ReportSize)
	binary.BigEndian.PutUint32(cont[0:4], channel)
	cont[4] = 1 // skip expected seq 0
	d.HandleReport(context.Background(), cont)

	reports := waitForReports(t, w, 1)
	resp := reports[0]
	if resp[4] != (cmdError|0x80) || resp[7] != errInvalidSeq {
		t.Fatalf("expected ERROR InvalidSeq, got cmd=%#x code=%#x", resp[4], resp[7])
	}
}
