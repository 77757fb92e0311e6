// Package uploader selects and drives the board-specific flashing
// strategy: reset ritual, wire protocol, progress reporting and port
// state recovery.
package uploader

import (
	"context"
	"time"

	"fwbridge/internal/firmware"
	"fwbridge/internal/port"
)

// ProgressFunc receives upload progress: percent in [0,100] and a stage
// label. The final event on failure carries the error stage.
type ProgressFunc func(percent int, stage string)

// ArtifactSink receives firmware artifacts that cannot be flashed over
// serial (mass-storage bootloaders). The caller delivers the file to the
// user with the given extension.
type ArtifactSink interface {
	Save(ext string, data []byte) error
}

// Strategy is one board family's upload procedure. Prepare performs the
// reset ritual that brings the board into its bootloader; Flash runs the
// wire protocol. The strategy borrows the port exclusively; Prepare may
// leave it open for Flash to reuse, and Flash leaves it closed on return.
type Strategy interface {
	Name() string
	Prepare(ctx context.Context, p port.Port) error
	Flash(ctx context.Context, p port.Port, im firmware.Image, progress ProgressFunc) error
}

// Timing collects the reset-ritual delays. The defaults are the values
// boards actually need; tests shrink them.
type Timing struct {
	DTRPulse    time.Duration // AVR reset pulse halves
	TouchSettle time.Duration // after the 1200-bps touch close
	ESPResetLow time.Duration // EN held in reset with GPIO0 low
	ESPBootHold time.Duration // GPIO0 held after reset release
	ESPSettle   time.Duration // lines released before sync
}

// DefaultTiming returns production delays.
func DefaultTiming() Timing {
	return Timing{
		DTRPulse:    100 * time.Millisecond,
		TouchSettle: 500 * time.Millisecond,
		ESPResetLow: 100 * time.Millisecond,
		ESPBootHold: 1200 * time.Millisecond,
		ESPSettle:   100 * time.Millisecond,
	}
}
