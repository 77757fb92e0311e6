package monitor

import (
	"bytes"
	"context"
	"testing"
	"time"

	"fwbridge/internal/port/porttest"
)

func fastConfig() Config {
	return Config{
		Primary:         115200,
		Candidates:      []int{9600, 19200},
		PrimaryWindow:   30 * time.Millisecond,
		CandidateWindow: 30 * time.Millisecond,
	}
}

// A silent sketch accepts the primary default and the port stays open
// there.
func TestSilentDeviceAcceptsPrimary(t *testing.T) {
	mock := porttest.NewMockPort()

	baud, err := Autodetect(context.Background(), mock, fastConfig())
	if err != nil {
		t.Fatalf("Autodetect failed: %v", err)
	}
	if baud != 115200 {
		t.Errorf("Expected 115200 for silent device, got %d", baud)
	}
	if !mock.IsOpen() {
		t.Error("Port should remain open for monitoring")
	}
	if opens := mock.Opens(); len(opens) != 1 || opens[0] != 115200 {
		t.Errorf("Expected a single open at 115200, got %v", opens)
	}
}

func TestPrintableTrafficAcceptsPrimary(t *testing.T) {
	mock := porttest.NewMockPort()
	mock.Preload([]byte("temperature: 21.4 C\r\nhumidity: 40%\r\n"))

	baud, err := Autodetect(context.Background(), mock, fastConfig())
	if err != nil {
		t.Fatalf("Autodetect failed: %v", err)
	}
	if baud != 115200 {
		t.Errorf("Expected 115200 for printable traffic, got %d", baud)
	}
}

// Garbage on every rate exhausts the candidates and falls back to the
// primary default, leaving the port open there.
func TestGarbageFallsBackToPrimary(t *testing.T) {
	mock := porttest.NewMockPort()
	mock.Preload(bytes.Repeat([]byte{0xFE, 0x81, 0x03, 0xD9}, 32))

	cfg := fastConfig()
	baud, err := Autodetect(context.Background(), mock, cfg)
	if err != nil {
		t.Fatalf("Autodetect failed: %v", err)
	}
	if baud != cfg.Primary {
		t.Errorf("Expected fallback to %d, got %d", cfg.Primary, baud)
	}
	if !mock.IsOpen() {
		t.Error("Port should remain open at the fallback baud")
	}
	// primary, two candidates, final fallback reopen
	if opens := mock.Opens(); len(opens) != 4 {
		t.Errorf("Expected 4 opens, got %v", opens)
	}
}

func TestMixedTrafficBelowThresholdRejected(t *testing.T) {
	mock := porttest.NewMockPort()
	// Half printable, half not: below the 80% bar at the primary rate,
	// and nothing arrives at the candidate rates.
	sample := append(bytes.Repeat([]byte{'A'}, 16), bytes.Repeat([]byte{0xFF}, 16)...)
	mock.Preload(sample)

	cfg := fastConfig()
	baud, err := Autodetect(context.Background(), mock, cfg)
	if err != nil {
		t.Fatalf("Autodetect failed: %v", err)
	}
	if baud != cfg.Primary {
		t.Errorf("Expected fallback to primary, got %d", baud)
	}
}

func TestDefaultsCandidateList(t *testing.T) {
	cfg := Defaults()
	if cfg.Primary != 115200 {
		t.Errorf("Primary default should be 115200, got %d", cfg.Primary)
	}
	want := []int{9600, 19200, 57600, 300, 1200, 2400, 4800, 14400, 28800, 38400, 56000, 76800, 230400, 250000}
	if len(cfg.Candidates) != len(want) {
		t.Fatalf("Expected %d candidates, got %d", len(want), len(cfg.Candidates))
	}
	for i, b := range want {
		if cfg.Candidates[i] != b {
			t.Errorf("Candidate %d: expected %d, got %d", i, b, cfg.Candidates[i])
		}
	}
}
