// Package discovery finds the serial ports and USB identities boards
// present to the host, including the re-enumerated bootloader device that
// appears after a 1200-bps touch.
package discovery

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/golang/glog"
	"github.com/google/gousb"
	"go.bug.st/serial/enumerator"

	"fwbridge/internal/port"
)

// Vendors whose serial devices are offered as upload candidates.
var knownVendors = map[uint16]string{
	0x2341: "Arduino",
	0x2A03: "Arduino (org)",
	0x1A86: "CH340 bridge",
	0x10C4: "CP210x bridge",
	0x0403: "FTDI bridge",
	0x303A: "Espressif",
	0x2E8A: "Raspberry Pi",
}

// PortInfo describes one discovered serial port.
type PortInfo struct {
	Name     string        `json:"name"`
	USB      port.USBInfo  `json:"usb"`
	SerialNo string        `json:"serial_number,omitempty"`
	Vendor   string        `json:"vendor,omitempty"`
}

// ListPorts returns the host's serial ports, USB-backed ones first, with
// known board vendors labeled.
func ListPorts() ([]PortInfo, error) {
	details, err := enumerator.GetDetailedPortsList()
	if err != nil {
		return nil, fmt.Errorf("discovery: enumerate ports: %w", err)
	}
	var usb, other []PortInfo
	for _, d := range details {
		info := PortInfo{Name: d.Name}
		if d.IsUSB {
			info.USB = parseUSBID(d.VID, d.PID)
			info.SerialNo = d.SerialNumber
			info.Vendor = knownVendors[info.USB.VendorID]
			usb = append(usb, info)
			continue
		}
		other = append(other, info)
	}
	return append(usb, other...), nil
}

// Candidates filters ListPorts down to devices from known board vendors.
func Candidates() ([]PortInfo, error) {
	all, err := ListPorts()
	if err != nil {
		return nil, err
	}
	var out []PortInfo
	for _, p := range all {
		if p.Vendor != "" {
			out = append(out, p)
		}
	}
	return out, nil
}

// FindPortByID returns the device path of the first serial port whose USB
// identity matches one of ids.
func FindPortByID(ids []port.USBInfo) (string, bool, error) {
	details, err := enumerator.GetDetailedPortsList()
	if err != nil {
		return "", false, fmt.Errorf("discovery: enumerate ports: %w", err)
	}
	for _, d := range details {
		if !d.IsUSB {
			continue
		}
		usb := parseUSBID(d.VID, d.PID)
		if MatchesAny(usb, ids) {
			return d.Name, true, nil
		}
	}
	return "", false, nil
}

// WaitForBootloader polls until a serial port with one of the bootloader
// identities enumerates, returning its device path. Used after a touch
// when the board re-enumerates and the old port handle goes stale.
func WaitForBootloader(ctx context.Context, ids []port.USBInfo, poll time.Duration) (string, error) {
	if poll <= 0 {
		poll = 250 * time.Millisecond
	}
	for {
		name, found, err := FindPortByID(ids)
		if err != nil {
			return "", err
		}
		if found {
			glog.V(1).Infof("discovery: bootloader port %s", name)
			return name, nil
		}
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(poll):
		}
	}
}

// USBDevicePresent checks over raw USB whether any of the identities is
// attached, regardless of whether a serial driver bound to it. Useful in
// diagnostics when a bootloader enumerates but no port shows up.
func USBDevicePresent(ids []port.USBInfo) (bool, error) {
	usbCtx := gousb.NewContext()
	defer usbCtx.Close()

	found := false
	devs, err := usbCtx.OpenDevices(func(desc *gousb.DeviceDesc) bool {
		u := port.USBInfo{VendorID: uint16(desc.Vendor), ProductID: uint16(desc.Product)}
		if MatchesAny(u, ids) {
			found = true
		}
		return false // enumerate only, never open
	})
	for _, d := range devs {
		d.Close()
	}
	if err != nil {
		return found, fmt.Errorf("discovery: usb scan: %w", err)
	}
	return found, nil
}

// MatchesAny reports whether u equals any of ids.
func MatchesAny(u port.USBInfo, ids []port.USBInfo) bool {
	for _, id := range ids {
		if u == id {
			return true
		}
	}
	return false
}

func parseUSBID(vid, pid string) port.USBInfo {
	v, err1 := strconv.ParseUint(strings.TrimPrefix(vid, "0x"), 16, 16)
	p, err2 := strconv.ParseUint(strings.TrimPrefix(pid, "0x"), 16, 16)
	if err1 != nil || err2 != nil {
		return port.USBInfo{}
	}
	return port.USBInfo{VendorID: uint16(v), ProductID: uint16(p)}
}
