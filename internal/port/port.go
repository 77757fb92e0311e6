// Serial port abstraction for the upload engine.
// Anything that exposes byte I/O plus DTR/RTS control can carry an upload;
// the real implementation lives in serial.go, the test double in porttest.
package port

import (
	"context"
	"errors"
	"fmt"
)

var (
	ErrAlreadyOpen = errors.New("port: already open")
	ErrNotOpen     = errors.New("port: not open")
	ErrClosed      = errors.New("port: closed during operation")
)

// Signals selects which modem-control lines to drive. A nil field leaves
// that line untouched.
type Signals struct {
	DTR *bool
	RTS *bool
}

// USBInfo identifies the USB device behind a port. Zero values mean the
// transport could not resolve an identity (e.g. a plain UART).
type USBInfo struct {
	VendorID  uint16 `json:"vendor_id"`
	ProductID uint16 `json:"product_id"`
}

func (u USBInfo) String() string {
	return fmt.Sprintf("%04x:%04x", u.VendorID, u.ProductID)
}

// Port is the transport contract consumed by every upload strategy.
//
// State machine: CLOSED -> OPEN(baud) -> CLOSED. Open fails on an open
// port; SetSignals, Write and ReadSome fail on a closed one. ReadSome
// blocks until at least one byte arrives or ctx is done. ReopenAt must be
// a close-then-open pair with a settle delay, never an in-place baud
// change: USB CDC bridges only propagate baud through a fresh
// SET_LINE_CODING transfer.
type Port interface {
	Open(baud int) error
	Close() error
	ReopenAt(baud int) error
	SetSignals(sig Signals) error
	Write(p []byte) (int, error)
	ReadSome(ctx context.Context) ([]byte, error)
	IsOpen() bool
	Info() USBInfo
}

// Bool is a convenience for building Signals literals.
func Bool(v bool) *bool { return &v }
