package port

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/golang/glog"
	"go.bug.st/serial"
	"go.bug.st/serial/enumerator"
)

// reopenSettle is the minimum delay between close and reopen so the OS
// releases the device node and the CDC bridge sees a fresh line coding.
const reopenSettle = 100 * time.Millisecond

// pollInterval bounds how long ReadSome stays inside a blocking driver
// read before it rechecks its context.
const pollInterval = 100 * time.Millisecond

// SerialPort drives a named OS serial device through go.bug.st/serial.
type SerialPort struct {
	name string

	mu     sync.Mutex
	handle serial.Port
	baud   int
	info   USBInfo
}

// NewSerialPort wraps the named device (e.g. /dev/ttyACM0, COM5). The
// device is not opened; USB identity is resolved from the enumerator so
// Info works before and after Open.
func NewSerialPort(name string) *SerialPort {
	p := &SerialPort{name: name}
	p.info = lookupUSBInfo(name)
	return p
}

// Name returns the OS device path this port wraps.
func (p *SerialPort) Name() string { return p.name }

func (p *SerialPort) Open(baud int) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.handle != nil {
		return ErrAlreadyOpen
	}
	mode := &serial.Mode{
		BaudRate: baud,
		Parity:   serial.NoParity,
		DataBits: 8,
		StopBits: serial.OneStopBit,
	}
	h, err := serial.Open(p.name, mode)
	if err != nil {
		return fmt.Errorf("port: open %s at %d: %w", p.name, baud, err)
	}
	glog.V(1).Infof("port: opened %s at %d", p.name, baud)
	p.handle = h
	p.baud = baud
	return nil
}

func (p *SerialPort) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.handle == nil {
		return ErrNotOpen
	}
	err := p.handle.Close()
	p.handle = nil
	p.baud = 0
	if err != nil {
		return fmt.Errorf("port: close %s: %w", p.name, err)
	}
	glog.V(1).Infof("port: closed %s", p.name)
	return nil
}

func (p *SerialPort) ReopenAt(baud int) error {
	if p.IsOpen() {
		if err := p.Close(); err != nil {
			return err
		}
	}
	time.Sleep(reopenSettle)
	return p.Open(baud)
}

func (p *SerialPort) SetSignals(sig Signals) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.handle == nil {
		return ErrNotOpen
	}
	if sig.DTR != nil {
		if err := p.handle.SetDTR(*sig.DTR); err != nil {
			return fmt.Errorf("port: set DTR=%v: %w", *sig.DTR, err)
		}
	}
	if sig.RTS != nil {
		if err := p.handle.SetRTS(*sig.RTS); err != nil {
			return fmt.Errorf("port: set RTS=%v: %w", *sig.RTS, err)
		}
	}
	return nil
}

func (p *SerialPort) Write(b []byte) (int, error) {
	p.mu.Lock()
	h := p.handle
	p.mu.Unlock()
	if h == nil {
		return 0, ErrNotOpen
	}
	n, err := h.Write(b)
	if err != nil {
		return n, fmt.Errorf("port: write %s: %w", p.name, err)
	}
	return n, nil
}

// ReadSome returns the next chunk of bytes from the device, blocking until
// at least one byte is available or ctx is done. The driver read is bounded
// by pollInterval so cancellation is observed promptly.
func (p *SerialPort) ReadSome(ctx context.Context) ([]byte, error) {
	buf := make([]byte, 512)
	for {
		p.mu.Lock()
		h := p.handle
		p.mu.Unlock()
		if h == nil {
			return nil, ErrClosed
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if err := h.SetReadTimeout(pollInterval); err != nil {
			return nil, fmt.Errorf("port: set read timeout: %w", err)
		}
		n, err := h.Read(buf)
		if err != nil {
			return nil, fmt.Errorf("port: read %s: %w", p.name, err)
		}
		if n > 0 {
			out := make([]byte, n)
			copy(out, buf[:n])
			return out, nil
		}
	}
}

func (p *SerialPort) IsOpen() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.handle != nil
}

func (p *SerialPort) Info() USBInfo {
	// Re-resolve on demand: the identity changes when the board
	// re-enumerates into its bootloader.
	if info := lookupUSBInfo(p.name); info != (USBInfo{}) {
		p.mu.Lock()
		p.info = info
		p.mu.Unlock()
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.info
}

func lookupUSBInfo(name string) USBInfo {
	ports, err := enumerator.GetDetailedPortsList()
	if err != nil {
		glog.V(1).Infof("port: enumerator unavailable: %v", err)
		return USBInfo{}
	}
	for _, d := range ports {
		if d.Name != name || !d.IsUSB {
			continue
		}
		vid, err1 := strconv.ParseUint(d.VID, 16, 16)
		pid, err2 := strconv.ParseUint(d.PID, 16, 16)
		if err1 != nil || err2 != nil {
			continue
		}
		return USBInfo{VendorID: uint16(vid), ProductID: uint16(pid)}
	}
	return USBInfo{}
}
