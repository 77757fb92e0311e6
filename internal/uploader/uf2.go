package uploader

import (
	"context"

	"fwbridge/internal/board"
	"fwbridge/internal/firmware"
	"fwbridge/internal/port"
)

// uf2Strategy handles RP2040-class boards, which cannot be flashed over
// serial: the touch brings up the mass-storage bootloader, and the
// artifact is handed to the caller for the user to copy onto the mounted
// volume.
type uf2Strategy struct {
	desc   board.Descriptor
	timing Timing
	sink   ArtifactSink
}

func (s *uf2Strategy) Name() string { return "uf2-download" }

func (s *uf2Strategy) Prepare(ctx context.Context, p port.Port) error {
	if err := touch1200(p, s.timing.TouchSettle); err != nil {
		return stageError(ErrResetFailed, "1200-bps touch", err)
	}
	return nil
}

func (s *uf2Strategy) Flash(ctx context.Context, p port.Port, im firmware.Image, progress ProgressFunc) error {
	if p.IsOpen() {
		closePort(p)
	}
	if s.sink == nil {
		return stageError(ErrIoFailure, "no artifact sink configured", nil)
	}
	ext := s.desc.ArtifactExt
	if ext == "" {
		ext = ".uf2"
	}
	if err := s.sink.Save(ext, im.Data); err != nil {
		return stageError(ErrIoFailure, "handing off artifact", err)
	}
	if progress != nil {
		progress(100, "Artifact ready, copy it to the bootloader volume")
	}
	return nil
}
