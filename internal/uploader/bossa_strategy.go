package uploader

import (
	"context"
	"errors"
	"fmt"

	"github.com/golang/glog"

	"fwbridge/internal/board"
	"fwbridge/internal/firmware"
	"fwbridge/internal/port"
	"fwbridge/internal/protocol"
	"fwbridge/internal/protocol/bossa"
)

// bossaStrategy flashes SAM-BA boards (Renesas RA4M1, SAMD21). The
// 1200-bps touch drops the board into its bootloader, which may
// re-enumerate as a different USB device; when that happens the caller
// must hand us a fresh port and re-enter through FlashToBootloader.
type bossaStrategy struct {
	desc   board.Descriptor
	timing Timing
	tune   func(*bossa.Flasher)

	// touched records that this run performed the touch, so a
	// post-touch open/handshake failure reads as re-enumeration rather
	// than a protocol defect.
	touched bool
}

func (s *bossaStrategy) Name() string { return "bossa-" + s.desc.Family.String() }

func (s *bossaStrategy) Prepare(ctx context.Context, p port.Port) error {
	if s.desc.InBootloader(p.Info()) {
		glog.V(1).Infof("uploader: %s already in bootloader mode, skipping touch", p.Info())
		return nil
	}
	if err := touch1200(p, s.timing.TouchSettle); err != nil {
		return stageError(ErrResetFailed, "1200-bps touch", err)
	}
	s.touched = true
	return nil
}

func (s *bossaStrategy) Flash(ctx context.Context, p port.Port, im firmware.Image, progress ProgressFunc) error {
	if err := p.ReopenAt(board.BossaBaud); err != nil {
		if s.touched {
			return stageError(ErrBootloaderPortNeeded, "port re-enumerated after touch", err)
		}
		return stageError(ErrIoFailure, "opening port", err)
	}
	fl := bossa.New(protocol.NewSession(ctx, p))
	if s.tune != nil {
		s.tune(fl)
	}
	err := fl.Flash(im, s.desc.FlashBase, func(done, total int) {
		if progress != nil {
			progress(done*100/total, fmt.Sprintf("Flashing chunk %d/%d", done, total))
		}
	})
	closePort(p)
	if err != nil {
		if s.touched && (errors.Is(err, bossa.ErrNoVersion) || errors.Is(err, protocol.ErrTimeout)) {
			return stageError(ErrBootloaderPortNeeded, "bootloader handshake after touch", err)
		}
		return classify(err, "sam-ba upload")
	}
	return nil
}
