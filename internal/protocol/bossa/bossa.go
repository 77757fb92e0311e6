// Package bossa speaks the SAM-BA text command protocol used by Atmel SAMD
// and Renesas RA4M1 Arduino bootloaders: ASCII commands terminated by '#',
// binary payloads staged through SRAM, acknowledgments that must be
// consumed before the next command goes out.
package bossa

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang/glog"

	"fwbridge/internal/firmware"
	"fwbridge/internal/protocol"
)

const (
	ChunkSize = 4096

	// Double-buffered staging area in device SRAM, 4 KB apart so a full
	// chunk can land in each half.
	sramBufferA = 0x20001000
	sramBufferB = 0x20002000

	// samdReadLimit caps a single R command on Arduino SAMD bootloaders;
	// larger reads come back corrupted (bootloader firmware bug).
	samdReadLimit = 63
)

var lineTerminators = []byte{'\n', '\r', '>'}

var (
	ErrNoVersion = errors.New("bossa: bootloader did not report a version")
	// ErrMissingAck marks a Y step whose acknowledgment never arrived;
	// proceeding without it would contaminate the next command's parser.
	ErrMissingAck = errors.New("bossa: acknowledgment missing")
)

// Flasher drives one SAM-BA upload over an established session. Timing
// fields carry the empirically required pacing; tests shorten them.
type Flasher struct {
	s *protocol.Session

	// splitReads is set when the version string identifies an Arduino
	// SAMD bootloader, which mis-handles reads above samdReadLimit.
	splitReads bool

	AckTimeout     time.Duration // short ACK after N# / address-set Y
	CommitTimeout  time.Duration // flash-commit Y
	VersionTimeout time.Duration
	EraseWait      time.Duration // settle after X for large regions
	HandshakePause time.Duration // between N# and V#
	PayloadGap     time.Duration // between S command and its binary bytes
}

func New(s *protocol.Session) *Flasher {
	return &Flasher{
		s:              s,
		AckTimeout:     100 * time.Millisecond,
		CommitTimeout:  5 * time.Second,
		VersionTimeout: 2 * time.Second,
		EraseWait:      2 * time.Second,
		HandshakePause: 200 * time.Millisecond,
		PayloadGap:     2 * time.Millisecond,
	}
}

// readAck consumes one acknowledgment, terminator residue included;
// leaving ACK bytes in the stream would contaminate the next command's
// reply.
func (f *Flasher) readAck(timeout time.Duration) error {
	if _, err := f.s.ReadUntilAny(lineTerminators, timeout); err != nil {
		return err
	}
	f.s.SkipPending(lineTerminators)
	return nil
}

// Handshake enters normal mode and reads the bootloader version. The N#
// acknowledgment is optional on some bootloaders, so a timeout there is
// tolerated. The sequence is stateless on the device side and may be run
// repeatedly.
func (f *Flasher) Handshake() (string, error) {
	if err := f.s.Write([]byte("N#")); err != nil {
		return "", err
	}
	if err := f.readAck(f.AckTimeout); err != nil && !errors.Is(err, protocol.ErrTimeout) {
		return "", err
	}
	time.Sleep(f.HandshakePause)

	if err := f.s.Write([]byte("V#")); err != nil {
		return "", err
	}
	line, err := f.s.ReadUntilAny(lineTerminators, f.VersionTimeout)
	if err != nil {
		if errors.Is(err, protocol.ErrTimeout) {
			return "", ErrNoVersion
		}
		return "", err
	}
	f.s.SkipPending(lineTerminators)
	version := strings.TrimSpace(string(line))
	if version == "" {
		return "", ErrNoVersion
	}
	if strings.Contains(version, "Arduino") {
		f.splitReads = true
	}
	glog.V(1).Infof("bossa: bootloader version %q", version)
	return version, nil
}

// Identify issues the optional I# device-identify command.
func (f *Flasher) Identify() (string, error) {
	if err := f.s.Write([]byte("I#")); err != nil {
		return "", err
	}
	line, err := f.s.ReadUntilAny(lineTerminators, f.VersionTimeout)
	if err != nil {
		return "", err
	}
	f.s.SkipPending(lineTerminators)
	return strings.TrimSpace(string(line)), nil
}

// Erase clears the flash region starting at addr and waits out the erase.
func (f *Flasher) Erase(addr uint32) error {
	if err := f.s.Write([]byte(fmt.Sprintf("X%x#", addr))); err != nil {
		return err
	}
	time.Sleep(f.EraseWait)
	f.s.Drain(f.AckTimeout)
	return nil
}

// writeSRAM stages raw bytes at addr via the S command. The command and
// its payload must not share a USB packet on some bootloaders, hence the
// gap before the binary bytes.
func (f *Flasher) writeSRAM(addr uint32, data []byte) error {
	if err := f.s.Write([]byte(fmt.Sprintf("S%x,%x#", addr, len(data)))); err != nil {
		return err
	}
	time.Sleep(f.PayloadGap)
	return f.s.Write(data)
}

// copyToFlash runs the two-step Y pair: declare the SRAM source, then
// commit to flash at dst. Each step's acknowledgment is consumed before
// the next command.
func (f *Flasher) copyToFlash(src, dst uint32, size int) error {
	if err := f.s.Write([]byte(fmt.Sprintf("Y%08x,0#", src))); err != nil {
		return err
	}
	if err := f.readAck(f.AckTimeout); err != nil {
		return fmt.Errorf("%w: Y address-set: %v", ErrMissingAck, err)
	}
	if err := f.s.Write([]byte(fmt.Sprintf("Y%08x,%08x#", dst, size))); err != nil {
		return err
	}
	if err := f.readAck(f.CommitTimeout); err != nil {
		return fmt.Errorf("%w: Y flash-commit: %v", ErrMissingAck, err)
	}
	return nil
}

// Read fetches size bytes from addr via the R command, splitting into
// sub-reads on bootloaders with the SAMD read bug.
func (f *Flasher) Read(addr uint32, size int) ([]byte, error) {
	limit := size
	if f.splitReads && limit > samdReadLimit {
		limit = samdReadLimit
	}
	out := make([]byte, 0, size)
	for len(out) < size {
		n := size - len(out)
		if n > limit {
			n = limit
		}
		if err := f.s.Write([]byte(fmt.Sprintf("R%x,%x#", addr+uint32(len(out)), n))); err != nil {
			return nil, err
		}
		chunk, err := f.s.ReadExact(n, f.VersionTimeout)
		if err != nil {
			return nil, err
		}
		out = append(out, chunk...)
	}
	return out, nil
}

// Go starts the user application at addr. The device resets; no reply.
func (f *Flasher) Go(addr uint32) error {
	return f.s.Write([]byte(fmt.Sprintf("G%x#", addr)))
}

// Flash writes the image at flashBase: handshake, erase, chunked
// SRAM-stage-and-commit loop, then jump. Progress reports chunks done
// over total.
func (f *Flasher) Flash(im firmware.Image, flashBase uint32, progress func(done, total int)) error {
	if _, err := f.Handshake(); err != nil {
		return err
	}
	if err := f.Erase(flashBase); err != nil {
		return fmt.Errorf("erase at %#x: %w", flashBase, err)
	}

	total := (im.Len() + ChunkSize - 1) / ChunkSize
	buffers := [2]uint32{sramBufferA, sramBufferB}
	for i := 0; i < total; i++ {
		off := i * ChunkSize
		end := off + ChunkSize
		if end > im.Len() {
			end = im.Len()
		}
		chunk := im.Data[off:end]
		sram := buffers[i%2]
		dst := flashBase + uint32(off)

		if err := f.writeSRAM(sram, chunk); err != nil {
			return fmt.Errorf("staging chunk %d/%d: %w", i+1, total, err)
		}
		if err := f.copyToFlash(sram, dst, len(chunk)); err != nil {
			return fmt.Errorf("flashing chunk %d/%d: %w", i+1, total, err)
		}
		if progress != nil {
			progress(i+1, total)
		}
	}
	return f.Go(flashBase)
}
