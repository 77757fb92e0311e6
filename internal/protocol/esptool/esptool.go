// Package esptool speaks the ESP32 ROM serial bootloader protocol:
// SLIP-framed commands with a little-endian header, an XOR checksum over
// flash data, and a sync preamble tuned for the ROM's auto-baud detector.
package esptool

import (
	"encoding/binary"
	"errors"
	"fmt"
	"time"

	"github.com/golang/glog"

	"fwbridge/internal/firmware"
	"fwbridge/internal/protocol"
)

// ROM loader opcodes.
const (
	OpFlashBegin = 0x02
	OpFlashData  = 0x03
	OpFlashEnd   = 0x04
	OpSync       = 0x08
)

const (
	BlockSize = 1024

	dirRequest  = 0x00
	dirResponse = 0x01

	checksumSeed = 0xEF

	syncAttempts = 7
)

var (
	ErrSyncFailed = errors.New("esptool: sync with ROM bootloader failed")
	// ErrBadResponse covers direction/opcode mismatches and failure status.
	ErrBadResponse = errors.New("esptool: unexpected response")
)

// Loader drives one flash over an established session. Timeouts are per
// operation; tests shorten them.
type Loader struct {
	s *protocol.Session

	SyncTimeout  time.Duration // per sync attempt, also the drain window
	RespTimeout  time.Duration
	BeginTimeout time.Duration // FLASH_BEGIN triggers the erase
}

func New(s *protocol.Session) *Loader {
	return &Loader{
		s:            s,
		SyncTimeout:  100 * time.Millisecond,
		RespTimeout:  3 * time.Second,
		BeginTimeout: 10 * time.Second,
	}
}

// checksum is the ROM's XOR checksum over flash payload bytes.
func checksum(data []byte) uint32 {
	sum := uint32(checksumSeed)
	for _, b := range data {
		sum ^= uint32(b)
	}
	return sum & 0xFF
}

// sendCommand frames and writes one request: direction, opcode, 16-bit
// payload length, 32-bit checksum/value field, payload.
func (l *Loader) sendCommand(op byte, data []byte, chk uint32) error {
	packet := make([]byte, 8+len(data))
	packet[0] = dirRequest
	packet[1] = op
	binary.LittleEndian.PutUint16(packet[2:4], uint16(len(data)))
	binary.LittleEndian.PutUint32(packet[4:8], chk)
	copy(packet[8:], data)
	return l.s.Write(slipEncode(packet))
}

// readResponse collects one SLIP frame and validates it mirrors op.
func (l *Loader) readResponse(op byte, timeout time.Duration) ([]byte, error) {
	// Skip to a frame delimiter, tolerating ROM boot chatter.
	if _, err := l.s.ReadUntilAny([]byte{slipEnd}, timeout); err != nil {
		return nil, err
	}
	body, err := l.s.ReadUntilAny([]byte{slipEnd}, timeout)
	if err != nil {
		return nil, err
	}
	if len(body) == 0 {
		// Empty frame: two delimiters back to back. Read the next body.
		body, err = l.s.ReadUntilAny([]byte{slipEnd}, timeout)
		if err != nil {
			return nil, err
		}
	}
	resp, err := slipDecode(body)
	if err != nil {
		return nil, err
	}
	if len(resp) < 8 || resp[0] != dirResponse || resp[1] != op {
		return nil, fmt.Errorf("%w to opcode %#02x: % x", ErrBadResponse, op, resp)
	}
	return resp, nil
}

// Sync locks the ROM's auto-baud detector onto our baud rate. The payload
// is the canonical 36-byte pattern; stray responses are drained between
// attempts since the ROM replies to sync multiple times.
func (l *Loader) Sync() error {
	payload := make([]byte, 36)
	copy(payload, []byte{0x07, 0x07, 0x12, 0x20})
	for i := 4; i < len(payload); i++ {
		payload[i] = 0x55
	}

	for attempt := 1; attempt <= syncAttempts; attempt++ {
		if err := l.sendCommand(OpSync, payload, 0); err != nil {
			return err
		}
		resp, err := l.readResponse(OpSync, l.SyncTimeout)
		if err == nil && resp != nil {
			l.s.Drain(l.SyncTimeout)
			glog.V(1).Infof("esptool: synced after %d attempt(s)", attempt)
			return nil
		}
		if err != nil && !errors.Is(err, protocol.ErrTimeout) && !errors.Is(err, ErrBadResponse) {
			return err
		}
		l.s.Drain(l.SyncTimeout)
	}
	return ErrSyncFailed
}

// FlashBegin sizes the transfer and triggers the flash erase; the erase
// happens inside the ROM before it replies, hence the long timeout.
func (l *Loader) FlashBegin(size, offset uint32) (numBlocks uint32, err error) {
	numBlocks = (size + BlockSize - 1) / BlockSize
	data := make([]byte, 16)
	binary.LittleEndian.PutUint32(data[0:4], size)
	binary.LittleEndian.PutUint32(data[4:8], numBlocks)
	binary.LittleEndian.PutUint32(data[8:12], BlockSize)
	binary.LittleEndian.PutUint32(data[12:16], offset)

	if err := l.sendCommand(OpFlashBegin, data, 0); err != nil {
		return 0, err
	}
	if _, err := l.readResponse(OpFlashBegin, l.BeginTimeout); err != nil {
		return 0, err
	}
	return numBlocks, nil
}

// FlashData sends one padded block with its sequence number.
func (l *Loader) FlashData(block []byte, seq uint32) error {
	data := make([]byte, 16+len(block))
	binary.LittleEndian.PutUint32(data[0:4], uint32(len(block)))
	binary.LittleEndian.PutUint32(data[4:8], seq)
	// Two reserved words follow, already zero.
	copy(data[16:], block)

	if err := l.sendCommand(OpFlashData, data, checksum(block)); err != nil {
		return err
	}
	_, err := l.readResponse(OpFlashData, l.RespTimeout)
	return err
}

// FlashEnd finishes the transfer. reboot=true resets into the new
// firmware; false leaves the ROM loader running.
func (l *Loader) FlashEnd(reboot bool) error {
	data := make([]byte, 4)
	if !reboot {
		binary.LittleEndian.PutUint32(data, 1)
	}
	if err := l.sendCommand(OpFlashEnd, data, 0); err != nil {
		return err
	}
	_, err := l.readResponse(OpFlashEnd, l.RespTimeout)
	return err
}

// Flash writes the image at offset: sync, begin (erase), block loop with
// monotonically increasing sequence numbers, then end with reboot.
// Progress reports blocks sent over total.
func (l *Loader) Flash(im firmware.Image, offset uint32, progress func(done, total int)) error {
	if err := l.Sync(); err != nil {
		return err
	}
	numBlocks, err := l.FlashBegin(uint32(im.Len()), offset)
	if err != nil {
		return fmt.Errorf("flash begin: %w", err)
	}
	for seq := uint32(0); seq < numBlocks; seq++ {
		block := im.Page(int(seq)*BlockSize, BlockSize)
		if err := l.FlashData(block, seq); err != nil {
			return fmt.Errorf("flashing block %d/%d: %w", seq+1, numBlocks, err)
		}
		if progress != nil {
			progress(int(seq)+1, int(numBlocks))
		}
	}
	if err := l.FlashEnd(true); err != nil {
		return fmt.Errorf("flash end: %w", err)
	}
	return nil
}
