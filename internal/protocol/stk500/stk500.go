// Package stk500 speaks the optiboot flavor of the STK500 programmer
// protocol: two-byte commands terminated by CRC_EOP, two-byte in-sync
// responses, 128-byte flash pages addressed by word.
package stk500

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang/glog"

	"fwbridge/internal/firmware"
	"fwbridge/internal/protocol"
)

const (
	CmdGetSync       = 0x30
	CmdEnterProgmode = 0x50
	CmdLeaveProgmode = 0x51
	CmdLoadAddress   = 0x55
	CmdProgramPage   = 0x64

	SyncCRCEOP = 0x20

	RespInSync = 0x14
	RespOK     = 0x10

	MemtypeFlash = 0x46

	PageSize = 128
)

var (
	// ErrNoSync is returned when the bootloader never answered the sync
	// handshake within its retry budget.
	ErrNoSync = errors.New("stk500: no sync with bootloader")
	// ErrNotInSync is returned for any response other than INSYNC/OK.
	ErrNotInSync = errors.New("stk500: device out of sync")
)

// Programmer drives one upload over an established session. The retry
// budget and timeouts default to what a just-reset Uno needs; tests
// shorten them.
type Programmer struct {
	s *protocol.Session

	SyncAttempts   int
	SyncDrain      time.Duration // pair-scan window between attempts
	SyncRetryDelay time.Duration
	RespTimeout    time.Duration
}

func New(s *protocol.Session) *Programmer {
	return &Programmer{
		s:              s,
		SyncAttempts:   20,
		SyncDrain:      200 * time.Millisecond,
		SyncRetryDelay: 100 * time.Millisecond,
		RespTimeout:    1000 * time.Millisecond,
	}
}

// Sync establishes contact with the bootloader. The running sketch may
// still be spewing bytes when the first attempts go out, so between
// attempts the incoming stream is scanned for the INSYNC/OK pair rather
// than read positionally.
func (p *Programmer) Sync() error {
	for attempt := 1; attempt <= p.SyncAttempts; attempt++ {
		if err := p.s.Write([]byte{CmdGetSync, SyncCRCEOP}); err != nil {
			return err
		}
		found, err := p.s.ScanForPair(RespInSync, RespOK, p.SyncDrain)
		if err != nil {
			return err
		}
		if found {
			glog.V(1).Infof("stk500: in sync after %d attempt(s)", attempt)
			return nil
		}
		time.Sleep(p.SyncRetryDelay)
	}
	return ErrNoSync
}

// command sends body followed by CRC_EOP and expects the INSYNC/OK pair.
func (p *Programmer) command(body ...byte) error {
	frame := append(append([]byte(nil), body...), SyncCRCEOP)
	if err := p.s.Write(frame); err != nil {
		return err
	}
	resp, err := p.s.ReadExact(2, p.RespTimeout)
	if err != nil {
		return err
	}
	if resp[0] != RespInSync || resp[1] != RespOK {
		return fmt.Errorf("%w: cmd %#02x replied % x", ErrNotInSync, body[0], resp)
	}
	return nil
}

func (p *Programmer) EnterProgMode() error { return p.command(CmdEnterProgmode) }
func (p *Programmer) LeaveProgMode() error { return p.command(CmdLeaveProgmode) }

// LoadAddress sets the flash word address (byte address >> 1) for the next
// page write. AVR flash is word-addressed.
func (p *Programmer) LoadAddress(wordAddr uint16) error {
	return p.command(CmdLoadAddress, byte(wordAddr&0xFF), byte(wordAddr>>8))
}

// ProgramPage writes up to PageSize bytes of flash at the loaded address.
func (p *Programmer) ProgramPage(data []byte) error {
	if len(data) == 0 || len(data) > PageSize {
		return fmt.Errorf("stk500: bad page length %d", len(data))
	}
	n := len(data)
	body := make([]byte, 0, 4+n)
	body = append(body, CmdProgramPage, byte(n>>8), byte(n&0xFF), MemtypeFlash)
	body = append(body, data...)
	return p.command(body...)
}

// Upload writes the whole image: sync, enter progmode, page loop, leave.
// Progress reports bytes written over total.
func (p *Programmer) Upload(im firmware.Image, progress func(written, total int)) error {
	if err := p.Sync(); err != nil {
		return err
	}
	if err := p.EnterProgMode(); err != nil {
		return err
	}
	total := im.Len()
	for off := 0; off < total; off += PageSize {
		end := off + PageSize
		if end > total {
			end = total
		}
		if err := p.LoadAddress(uint16(off >> 1)); err != nil {
			return fmt.Errorf("page at %#04x: %w", off, err)
		}
		if err := p.ProgramPage(im.Data[off:end]); err != nil {
			return fmt.Errorf("page at %#04x: %w", off, err)
		}
		if progress != nil {
			progress(end, total)
		}
	}
	return p.LeaveProgMode()
}
