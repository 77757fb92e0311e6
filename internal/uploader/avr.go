package uploader

import (
	"context"
	"fmt"

	"fwbridge/internal/board"
	"fwbridge/internal/firmware"
	"fwbridge/internal/port"
	"fwbridge/internal/protocol"
	"fwbridge/internal/protocol/stk500"
)

// avrStrategy flashes ATmega-class boards: a DTR pulse drops the board
// into optiboot, then STK500 carries the pages.
type avrStrategy struct {
	desc   board.Descriptor
	timing Timing
	tune   func(*stk500.Programmer)
}

func (s *avrStrategy) Name() string { return "avr" }

func (s *avrStrategy) Prepare(ctx context.Context, p port.Port) error {
	if !p.IsOpen() {
		if err := p.Open(board.SerialBaud); err != nil {
			return stageError(ErrIoFailure, "opening port for reset", err)
		}
	}
	if err := pulseDTR(p, s.timing.DTRPulse); err != nil {
		return stageError(ErrResetFailed, "pulsing DTR", err)
	}
	return nil
}

func (s *avrStrategy) Flash(ctx context.Context, p port.Port, im firmware.Image, progress ProgressFunc) error {
	if !p.IsOpen() {
		if err := p.Open(board.SerialBaud); err != nil {
			return stageError(ErrIoFailure, "opening port", err)
		}
	}
	prog := stk500.New(protocol.NewSession(ctx, p))
	if s.tune != nil {
		s.tune(prog)
	}
	err := prog.Upload(im, func(written, total int) {
		if progress != nil {
			progress(written*100/total, fmt.Sprintf("Writing page %d/%d",
				(written+stk500.PageSize-1)/stk500.PageSize,
				(total+stk500.PageSize-1)/stk500.PageSize))
		}
	})
	closePort(p)
	if err != nil {
		return classify(err, "stk500 upload")
	}
	return nil
}
