package main

import (
	"fmt"

	"github.com/shirou/gopsutil/v3/host"

	"fwbridge/internal/discovery"
	"fwbridge/internal/port"
)

// Bootloader identities worth probing when a board seems to have vanished
// mid-upload.
var knownBootloaders = []port.USBInfo{
	{VendorID: 0x2341, ProductID: 0x006D}, // Uno R4 WiFi
	{VendorID: 0x2341, ProductID: 0x0054}, // MKR WiFi 1010
	{VendorID: 0x2341, ProductID: 0x0057}, // Nano 33 IoT
}

// runDoctor prints the host-side picture: OS, serial ports, and whether
// a bootloader device is attached on raw USB, whether or not a serial
// driver bound to it.
func runDoctor() {
	fmt.Println("🩺 fwbridge doctor")
	fmt.Println("==================")

	if info, err := host.Info(); err == nil {
		fmt.Printf("Host: %s %s (%s), kernel %s\n",
			info.Platform, info.PlatformVersion, info.KernelArch, info.KernelVersion)
	} else {
		fmt.Printf("Host: unavailable (%v)\n", err)
	}
	fmt.Println()

	fmt.Println("Serial ports:")
	ports, err := discovery.ListPorts()
	if err != nil {
		fmt.Printf("  ❌ %v\n", err)
	} else if len(ports) == 0 {
		fmt.Println("  (none)")
	} else {
		for _, p := range ports {
			mark := "  "
			if p.Vendor != "" {
				mark = "✅"
			}
			fmt.Printf("  %s %s  %s  %s\n", mark, p.Name, p.USB, p.Vendor)
		}
	}
	fmt.Println()

	present, err := discovery.USBDevicePresent(knownBootloaders)
	switch {
	case err != nil:
		fmt.Printf("Bootloader USB scan: unavailable (%v)\n", err)
	case present:
		fmt.Println("Bootloader USB scan: ⚠️  a board is sitting in bootloader mode")
	default:
		fmt.Println("Bootloader USB scan: none attached")
	}
}
