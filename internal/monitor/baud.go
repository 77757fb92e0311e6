// Package monitor re-establishes the serial monitor after an upload by
// sampling the port at candidate baud rates and scoring how much of the
// traffic decodes as printable ASCII. A wrong baud turns text into
// high-bit garbage, so the ratio separates cleanly.
package monitor

import (
	"context"
	"errors"
	"time"

	"github.com/golang/glog"

	"fwbridge/internal/port"
)

// printableThreshold accepts a baud once this share of sampled bytes is
// printable.
const printableThreshold = 0.8

// Config drives Autodetect. Zero value is not usable; start from
// Defaults().
type Config struct {
	Primary         int
	Candidates      []int
	PrimaryWindow   time.Duration
	CandidateWindow time.Duration
}

func Defaults() Config {
	return Config{
		Primary: 115200,
		Candidates: []int{
			9600, 19200, 57600, 300, 1200, 2400, 4800,
			14400, 28800, 38400, 56000, 76800, 230400, 250000,
		},
		PrimaryWindow:   2000 * time.Millisecond,
		CandidateWindow: 800 * time.Millisecond,
	}
}

// sample collects bytes for the window and counts the printable ones.
// Printable means 0x20..0x7E plus tab, LF and CR.
func sample(ctx context.Context, p port.Port, window time.Duration) (received, printable int, err error) {
	deadline := time.Now().Add(window)
	for {
		sctx, cancel := context.WithDeadline(ctx, deadline)
		chunk, rerr := p.ReadSome(sctx)
		cancel()
		if rerr != nil {
			if errors.Is(rerr, context.DeadlineExceeded) && ctx.Err() == nil {
				return received, printable, nil
			}
			return received, printable, rerr
		}
		received += len(chunk)
		for _, b := range chunk {
			if (b >= 0x20 && b <= 0x7E) || b == 0x09 || b == 0x0A || b == 0x0D {
				printable++
			}
		}
	}
}

func passes(received, printable int) bool {
	return received > 0 && float64(printable) >= printableThreshold*float64(received)
}

// Autodetect reopens the port and finds a baud whose traffic is
// predominantly printable. A silent device accepts the primary default.
// On return without error the port is open at the returned baud.
func Autodetect(ctx context.Context, p port.Port, cfg Config) (int, error) {
	if cfg.Primary == 0 {
		cfg = Defaults()
	}

	if err := p.ReopenAt(cfg.Primary); err != nil {
		return 0, err
	}
	received, printable, err := sample(ctx, p, cfg.PrimaryWindow)
	if err != nil {
		return 0, err
	}
	if received == 0 || passes(received, printable) {
		glog.V(1).Infof("monitor: settled on primary %d baud (%d/%d printable)",
			cfg.Primary, printable, received)
		return cfg.Primary, nil
	}

	for _, baud := range cfg.Candidates {
		if err := p.ReopenAt(baud); err != nil {
			return 0, err
		}
		received, printable, err := sample(ctx, p, cfg.CandidateWindow)
		if err != nil {
			return 0, err
		}
		if passes(received, printable) {
			glog.V(1).Infof("monitor: detected %d baud (%d/%d printable)",
				baud, printable, received)
			return baud, nil
		}
	}

	// Nothing scored; fall back to the primary default.
	if err := p.ReopenAt(cfg.Primary); err != nil {
		return 0, err
	}
	return cfg.Primary, nil
}
