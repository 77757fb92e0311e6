package uploader

import (
	"context"
	"fmt"
	"time"

	"fwbridge/internal/board"
	"fwbridge/internal/firmware"
	"fwbridge/internal/port"
	"fwbridge/internal/protocol"
	"fwbridge/internal/protocol/esptool"
)

// espStrategy flashes ESP32 dev boards through the ROM serial loader.
// Entry requires GPIO0 low during reset; the DTR/RTS lines reach those
// pins through transistors on the USB-serial bridge, inverted.
type espStrategy struct {
	desc   board.Descriptor
	timing Timing
	tune   func(*esptool.Loader)
}

func (s *espStrategy) Name() string { return "esptool" }

func (s *espStrategy) Prepare(ctx context.Context, p port.Port) error {
	if !p.IsOpen() {
		if err := p.Open(board.SerialBaud); err != nil {
			return stageError(ErrIoFailure, "opening port for reset", err)
		}
	}
	steps := []struct {
		dtr, rts bool
		hold     time.Duration
	}{
		{true, false, s.timing.ESPResetLow},
		{false, true, s.timing.ESPBootHold},
		{false, false, s.timing.ESPSettle},
	}
	for _, st := range steps {
		err := p.SetSignals(port.Signals{DTR: port.Bool(st.dtr), RTS: port.Bool(st.rts)})
		if err != nil {
			return stageError(ErrResetFailed, "driving boot-mode lines", err)
		}
		time.Sleep(st.hold)
	}
	return nil
}

func (s *espStrategy) Flash(ctx context.Context, p port.Port, im firmware.Image, progress ProgressFunc) error {
	if !p.IsOpen() {
		if err := p.Open(board.SerialBaud); err != nil {
			return stageError(ErrIoFailure, "opening port", err)
		}
	}
	l := esptool.New(protocol.NewSession(ctx, p))
	if s.tune != nil {
		s.tune(l)
	}
	err := l.Flash(im, s.desc.FlashBase, func(done, total int) {
		if progress != nil {
			progress(done*100/total, fmt.Sprintf("Writing block %d/%d", done, total))
		}
	})
	closePort(p)
	if err != nil {
		return classify(err, "esptool upload")
	}
	return nil
}
