// Command ctap2key runs the CTAP-HID/CTAP2 authenticator core against a
// USB-HID gadget character device.
package main

import (
	"context"
	"crypto/rand"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"ctap2-hid-authenticator/pkg/attestation"
	"ctap2-hid-authenticator/pkg/benchlog"
	"ctap2-hid-authenticator/pkg/collaborators"
	"ctap2-hid-authenticator/pkg/credential"
	"ctap2-hid-authenticator/pkg/cryptoprovider"
	"ctap2-hid-authenticator/pkg/ctap2"
	"ctap2-hid-authenticator/pkg/hiddevice"
	"ctap2-hid-authenticator/pkg/hidwire"
	"ctap2-hid-authenticator/pkg/presence"
)

// attestationDebugLimit bounds how many attestation dumps accumulate on
// disk when -attestation-debug-dir is set.
const attestationDebugLimit = 50

func main() {
	var (
		devicePath   = flag.String("device", "/dev/hidg0", "HID-gadget character device to serve CTAP-HID over")
		storePath    = flag.String("store", "/etc/ctap2key/keys.cbor", "Path to the credential store file")
		benchDir     = flag.String("bench-dir", "", "Directory for the JSON benchmark log; empty disables it")
		metricsAddr  = flag.String("metrics-addr", "", "Address to serve Prometheus /metrics on; empty disables it")
		attnDebugDir = flag.String("attestation-debug-dir", "", "Directory to dump attestation objects for field debugging; empty disables it")
		timeout      = flag.Duration("timeout", 0, "Operation timeout for the whole process; 0 runs forever")
	)
	flag.Parse()

	if err := setupLogFile(); err != nil {
		fmt.Fprintf(os.Stderr, "failed to set up log file: %v\n", err)
		os.Exit(1)
	}

	ctx := context.Background()
	var cancel context.CancelFunc
	if *timeout > 0 {
		ctx, cancel = context.WithTimeout(ctx, *timeout)
	} else {
		ctx, cancel = context.WithCancel(ctx)
	}
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		log.Printf("received signal %v, initiating shutdown...", sig)
		cancel()
		go func() {
			time.Sleep(3 * time.Second)
			log.Printf("force exit after 3 seconds")
			os.Exit(1)
		}()
	}()

	if err := run(ctx, *devicePath, *storePath, *benchDir, *metricsAddr, *attnDebugDir); err != nil {
		if err == context.DeadlineExceeded {
			log.Printf("operation timed out")
			return
		}
		if err == context.Canceled {
			log.Printf("operation cancelled")
			return
		}
		log.Printf("error: %v", err)
		os.Exit(1)
	}
	log.Printf("ctap2key exited cleanly")
}

func run(ctx context.Context, devicePath, storePath, benchDir, metricsAddr, attnDebugDir string) error {
	if err := os.MkdirAll(filepath.Dir(storePath), 0o755); err != nil {
		return fmt.Errorf("creating store directory: %w", err)
	}
	store, err := credential.Open(storePath)
	if err != nil {
		return fmt.Errorf("opening credential store: %w", err)
	}

	crypto := cryptoprovider.New(rand.Reader)
	gate := presence.New(collaborators.AlwaysPresentButton{}, collaborators.UnenrolledFingerprintSensor{})
	auth := ctap2.New(store, crypto, gate)

	if attnDebugDir != "" {
		history, err := attestation.OpenHistory(attnDebugDir, attestationDebugLimit)
		if err != nil {
			return fmt.Errorf("opening attestation debug history: %w", err)
		}
		auth.AttestationDebug = history
		log.Printf("attestation debug dumps: %s", attnDebugDir)
	}

	device, err := openHIDDevice(devicePath)
	if err != nil {
		return fmt.Errorf("opening HID device: %w", err)
	}
	defer device.Close()

	dispatcher := hiddevice.New(device, auth, collaborators.NoopLED{})

	if benchDir != "" {
		bench, err := benchlog.Open(benchDir)
		if err != nil {
			return fmt.Errorf("opening benchmark log: %w", err)
		}
		dispatcher.Bench = bench
		log.Printf("benchmark log: %s", bench.Path())
	}

	if metricsAddr != "" {
		reg := prometheus.NewRegistry()
		dispatcher.Metrics = benchlog.NewMetrics(reg)
		go func() {
			log.Printf("serving metrics on %s/metrics", metricsAddr)
			if err := benchlog.Serve(ctx, metricsAddr, reg); err != nil {
				log.Printf("metrics server stopped: %v", err)
			}
		}()
	}

	log.Printf("ctap2key serving %s", devicePath)
	return readLoop(ctx, device, dispatcher)
}

func readLoop(ctx context.Context, device *hidGadgetDevice, dispatcher *hiddevice.Device) error {
	buf := make([]byte, hidwire.ReportSize)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		n, err := device.file.Read(buf)
		if err != nil {
			if err == io.EOF {
				return nil
			}
			return fmt.Errorf("reading HID report: %w", err)
		}
		if n != hidwire.ReportSize {
			continue
		}

		report := append([]byte(nil), buf...)
		dispatcher.HandleReport(ctx, report)
	}
}

// hidGadgetDevice wraps the HID-gadget character device as a
// hiddevice.ReportWriter.
type hidGadgetDevice struct {
	file *os.File
}

func openHIDDevice(path string) (*hidGadgetDevice, error) {
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return nil, err
	}
	return &hidGadgetDevice{file: f}, nil
}

func (d *hidGadgetDevice) WriteReport(report []byte) error {
	_, err := d.file.Write(report)
	return err
}

func (d *hidGadgetDevice) Close() error {
	return d.file.Close()
}

var logFileHandle *os.File

// setupLogFile mirrors cmd/ctap2-hybrid/main.go's log-to-file-and-stdout setup.
func setupLogFile() error {
	logDir := "log"
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		return fmt.Errorf("failed to create log directory: %w", err)
	}

	logFile := filepath.Join(logDir, "latest.log")
	file, err := os.OpenFile(logFile, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("failed to create log file: %w", err)
	}
	logFileHandle = file

	multiWriter := io.MultiWriter(file, os.Stdout)
	log.SetOutput(multiWriter)

	log.Printf("=== ctap2key log started ===")
	log.Printf("log file: %s", logFile)
	log.Printf("timestamp: %s", time.Now().Format(time.RFC3339))
	return nil
}
