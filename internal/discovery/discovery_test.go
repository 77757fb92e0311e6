package discovery

import (
	"testing"

	"fwbridge/internal/port"
)

func TestParseUSBID(t *testing.T) {
	cases := []struct {
		vid, pid string
		want     port.USBInfo
	}{
		{"2341", "006D", port.USBInfo{VendorID: 0x2341, ProductID: 0x006D}},
		{"0x2341", "0x1002", port.USBInfo{VendorID: 0x2341, ProductID: 0x1002}},
		{"303a", "1001", port.USBInfo{VendorID: 0x303A, ProductID: 0x1001}},
		{"zz", "0001", port.USBInfo{}},
		{"", "", port.USBInfo{}},
	}
	for _, c := range cases {
		if got := parseUSBID(c.vid, c.pid); got != c.want {
			t.Errorf("parseUSBID(%q, %q) = %v, expected %v", c.vid, c.pid, got, c.want)
		}
	}
}

func TestMatchesAny(t *testing.T) {
	ids := []port.USBInfo{
		{VendorID: 0x2341, ProductID: 0x006D},
		{VendorID: 0x2341, ProductID: 0x0054},
	}
	if !MatchesAny(port.USBInfo{VendorID: 0x2341, ProductID: 0x0054}, ids) {
		t.Error("Expected match for MKR bootloader id")
	}
	if MatchesAny(port.USBInfo{VendorID: 0x2341, ProductID: 0x1002}, ids) {
		t.Error("Run-mode id should not match")
	}
	if MatchesAny(port.USBInfo{}, nil) {
		t.Error("Empty list should never match")
	}
}
