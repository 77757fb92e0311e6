package uploader

import (
	"time"

	"github.com/golang/glog"

	"fwbridge/internal/board"
	"fwbridge/internal/port"
)

// touch1200 performs the 1200-bps touch: open at 1200 baud, drop DTR,
// close immediately. The device-side USB stack reads this as "reset into
// bootloader"; the board may re-enumerate as a different USB device while
// we wait out the settle delay.
func touch1200(p port.Port, settle time.Duration) error {
	if p.IsOpen() {
		if err := p.Close(); err != nil {
			return err
		}
	}
	if err := p.Open(board.TouchBaud); err != nil {
		return err
	}
	if err := p.SetSignals(port.Signals{DTR: port.Bool(false)}); err != nil {
		p.Close()
		return err
	}
	if err := p.Close(); err != nil {
		return err
	}
	glog.V(1).Info("uploader: 1200-bps touch issued")
	time.Sleep(settle)
	return nil
}

// pulseDTR resets an AVR board through the DTR-wired reset capacitor:
// low, hold, high, hold.
func pulseDTR(p port.Port, hold time.Duration) error {
	if err := p.SetSignals(port.Signals{DTR: port.Bool(false)}); err != nil {
		return err
	}
	time.Sleep(hold)
	if err := p.SetSignals(port.Signals{DTR: port.Bool(true)}); err != nil {
		return err
	}
	time.Sleep(hold)
	return nil
}
