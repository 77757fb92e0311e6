package uploader

import (
	"context"
	"errors"
	"fmt"

	"github.com/golang/glog"

	"fwbridge/internal/board"
	"fwbridge/internal/firmware"
	"fwbridge/internal/monitor"
	"fwbridge/internal/port"
	"fwbridge/internal/protocol"
	"fwbridge/internal/protocol/bossa"
	"fwbridge/internal/protocol/esptool"
	"fwbridge/internal/protocol/stk500"
)

// Manager owns strategy selection and the prepare/flash/monitor
// orchestration around a single upload.
type Manager struct {
	Timing Timing
	Sink   ArtifactSink

	// MonitorConfig drives the post-upload baud autodetect; zero value
	// means monitor.Defaults().
	MonitorConfig monitor.Config

	// Test hooks: let in-package tests shrink protocol timeouts.
	tuneBossa  func(*bossa.Flasher)
	tuneESP    func(*esptool.Loader)
	tuneSTK500 func(*stk500.Programmer)
}

func NewManager() *Manager {
	return &Manager{Timing: DefaultTiming(), MonitorConfig: monitor.Defaults()}
}

// Upload flashes the artifact onto the board behind p. On success the
// port is left open at the returned baud, suitable for a monitor session;
// a mass-storage (UF2) hand-off returns 0 and leaves the port closed.
// On failure the port is closed and the progress sink has received a
// final event naming the failed stage.
func (m *Manager) Upload(ctx context.Context, p port.Port, artifact []byte, boardID string, progress ProgressFunc) (int, error) {
	return m.run(ctx, p, artifact, boardID, progress, true)
}

// FlashToBootloader is the re-entry point after a BootloaderPortNeeded:
// the caller acquired the re-enumerated port, so the reset ritual is
// skipped and flashing starts immediately.
func (m *Manager) FlashToBootloader(ctx context.Context, p port.Port, artifact []byte, boardID string, progress ProgressFunc) (int, error) {
	return m.run(ctx, p, artifact, boardID, progress, false)
}

func (m *Manager) run(ctx context.Context, p port.Port, artifact []byte, boardID string, progress ProgressFunc, prepare bool) (int, error) {
	fail := func(err *UploadError) (int, error) {
		closePort(p)
		if progress != nil {
			progress(0, "Error: "+err.Stage)
		}
		return 0, err
	}

	desc, err := board.Parse(boardID)
	if err != nil {
		return fail(stageError(ErrBoardUnsupported, boardID, err))
	}

	im, err := m.loadImage(desc, artifact)
	if err != nil {
		return fail(stageError(ErrInvalidArtifact, "decoding artifact", err))
	}
	if im.Len() > desc.Capacity {
		return fail(stageError(ErrInvalidArtifact,
			fmt.Sprintf("image is %d bytes, board flash holds %d", im.Len(), desc.Capacity), nil))
	}

	strat := m.strategyFor(desc)
	glog.V(1).Infof("uploader: board %s -> strategy %s (%d bytes)", boardID, strat.Name(), im.Len())

	if prepare {
		if progress != nil {
			progress(0, "Resetting board")
		}
		if err := strat.Prepare(ctx, p); err != nil {
			var ue *UploadError
			if errors.As(err, &ue) {
				return fail(ue)
			}
			return fail(stageError(ErrResetFailed, "prepare", err))
		}
	}

	if err := strat.Flash(ctx, p, im, progress); err != nil {
		var ue *UploadError
		if errors.As(err, &ue) {
			return fail(ue)
		}
		return fail(classify(err, "flash"))
	}

	// Mass-storage hand-off leaves no serial side to monitor.
	if desc.Family == board.UF2 {
		if progress != nil {
			progress(100, "Done")
		}
		return 0, nil
	}

	baud, err := monitor.Autodetect(ctx, p, m.MonitorConfig)
	if err != nil {
		return fail(stageError(ErrIoFailure, "reconnecting monitor", err))
	}
	if progress != nil {
		progress(100, fmt.Sprintf("Done, monitoring at %d baud", baud))
	}
	return baud, nil
}

func (m *Manager) loadImage(desc board.Descriptor, artifact []byte) (firmware.Image, error) {
	if desc.Family == board.AVR {
		return firmware.ParseHex(string(artifact))
	}
	return firmware.FromBinary(artifact)
}

func (m *Manager) strategyFor(desc board.Descriptor) Strategy {
	switch desc.Family {
	case board.AVR:
		return &avrStrategy{desc: desc, timing: m.Timing, tune: m.tuneSTK500}
	case board.BOSSARenesas, board.BOSSASAMD:
		return &bossaStrategy{desc: desc, timing: m.Timing, tune: m.tuneBossa}
	case board.ESP32:
		return &espStrategy{desc: desc, timing: m.Timing, tune: m.tuneESP}
	case board.UF2:
		return &uf2Strategy{desc: desc, timing: m.Timing, sink: m.Sink}
	}
	// board.Parse only emits the families above.
	panic("uploader: unreachable family " + desc.Family.String())
}

// classify maps transport and protocol errors onto the typed upload
// error kinds.
func classify(err error, stage string) *UploadError {
	switch {
	case errors.Is(err, stk500.ErrNoSync),
		errors.Is(err, bossa.ErrNoVersion),
		errors.Is(err, esptool.ErrSyncFailed):
		return stageError(ErrHandshakeFailed, stage, err)
	case errors.Is(err, stk500.ErrNotInSync),
		errors.Is(err, bossa.ErrMissingAck),
		errors.Is(err, esptool.ErrBadResponse):
		return stageError(ErrProtocolError, stage, err)
	case errors.Is(err, protocol.ErrTimeout):
		return stageError(ErrTimeout, stage, err)
	default:
		return stageError(ErrIoFailure, stage, err)
	}
}

// closePort is the failure-path cleanup; close errors are deliberately
// dropped, the surfaced error is the one that unwound the upload.
func closePort(p port.Port) {
	if p.IsOpen() {
		_ = p.Close()
	}
}
