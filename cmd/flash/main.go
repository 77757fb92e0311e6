// fwbridge: browser-to-board firmware upload bridge
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/golang/glog"
	flag "github.com/spf13/pflag"

	"fwbridge/internal/board"
	"fwbridge/internal/config"
	"fwbridge/internal/discovery"
	"fwbridge/internal/port"
	"fwbridge/internal/uploader"
)

var (
	portName  = flag.String("port", "", "serial port device (default: FLASH_PORT, else first candidate)")
	boardID   = flag.String("board", "", "FQBN board id, e.g. arduino:avr:uno (default: FLASH_BOARD)")
	listPorts = flag.Bool("list-ports", false, "list candidate serial ports and exit")
	doctor    = flag.Bool("doctor", false, "print a host diagnostic report and exit")
	useTUI    = flag.Bool("tui", false, "render upload progress as a TUI progress bar")
	bootWait  = flag.Duration("bootloader-wait", 10*time.Second,
		"how long to wait for the bootloader port after a touch re-enumeration")
)

func main() {
	flag.Parse()
	defer glog.Flush()

	if *listPorts {
		if err := printPorts(); err != nil {
			fmt.Printf("❌ %v\n", err)
			os.Exit(1)
		}
		return
	}
	if *doctor {
		runDoctor()
		return
	}

	cfg, _ := config.LoadFlashConfig()
	name := *portName
	if name == "" {
		name = cfg.Port
	}
	fqbn := *boardID
	if fqbn == "" {
		fqbn = cfg.Board
	}
	if flag.NArg() != 1 || fqbn == "" {
		fmt.Println("usage: flash --board <fqbn> [--port <dev>] <artifact>")
		os.Exit(2)
	}
	if name == "" {
		var err error
		name, err = pickPort()
		if err != nil {
			fmt.Printf("❌ %v\n", err)
			os.Exit(1)
		}
	}

	artifact, err := os.ReadFile(flag.Arg(0))
	if err != nil {
		fmt.Printf("❌ Could not read artifact: %v\n", err)
		os.Exit(1)
	}

	baud, err := runUpload(name, fqbn, artifact, flag.Arg(0), cfg)
	if err != nil {
		fmt.Printf("❌ Upload failed: %v\n", err)
		os.Exit(1)
	}
	if baud > 0 {
		fmt.Printf("✅ Upload complete, monitor ready at %d baud\n", baud)
	} else {
		fmt.Println("✅ Artifact handed off, copy it to the bootloader volume")
	}
}

func runUpload(name, fqbn string, artifact []byte, artifactPath string, cfg *config.FlashConfig) (int, error) {
	mgr := uploader.NewManager()
	mgr.Sink = &fileSink{dir: cfg.ArtifactDir, base: artifactPath}

	progress := newProgressPrinter(*useTUI)
	defer progress.Close()

	ctx := context.Background()
	p := port.NewSerialPort(name)

	fmt.Printf("🔌 Port %s, board %s (%d bytes)\n", name, fqbn, len(artifact))
	baud, err := mgr.Upload(ctx, p, artifact, fqbn, progress.Report)
	if err == nil {
		return baud, nil
	}
	if !isBootloaderPortNeeded(err) {
		return 0, err
	}

	// The touch re-enumerated the board; find the bootloader port and
	// re-enter past the reset ritual.
	desc, derr := board.Parse(fqbn)
	if derr != nil {
		return 0, err
	}
	fmt.Println("🔁 Board re-enumerated, waiting for bootloader port...")
	wctx, cancel := context.WithTimeout(ctx, *bootWait)
	defer cancel()
	newName, werr := discovery.WaitForBootloader(wctx, desc.BootloaderIDs, 0)
	if werr != nil {
		return 0, fmt.Errorf("bootloader port never appeared: %w (original: %v)", werr, err)
	}
	fmt.Printf("🔁 Retrying on %s\n", newName)
	return mgr.FlashToBootloader(ctx, port.NewSerialPort(newName), artifact, fqbn, progress.Report)
}

func pickPort() (string, error) {
	ports, err := discovery.Candidates()
	if err != nil {
		return "", err
	}
	if len(ports) == 0 {
		return "", fmt.Errorf("no candidate serial ports found (try --list-ports)")
	}
	if len(ports) > 1 {
		fmt.Printf("⚠️  %d candidate ports, using %s\n", len(ports), ports[0].Name)
	}
	return ports[0].Name, nil
}

func printPorts() error {
	ports, err := discovery.ListPorts()
	if err != nil {
		return err
	}
	if len(ports) == 0 {
		fmt.Println("No serial ports found")
		return nil
	}
	for _, p := range ports {
		line := p.Name
		if p.USB != (port.USBInfo{}) {
			line += "  " + p.USB.String()
		}
		if p.Vendor != "" {
			line += "  (" + p.Vendor + ")"
		}
		fmt.Println(line)
	}
	return nil
}

func isBootloaderPortNeeded(err error) bool {
	return errors.Is(err, uploader.ErrBootloaderPortNeeded)
}
