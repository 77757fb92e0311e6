// fwbridge: browser-to-board firmware upload bridge
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strings"

	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"fwbridge/internal/config"
	"fwbridge/internal/monitor"
	"fwbridge/internal/port"
)

var (
	portName = flag.String("port", "", "serial port device (default: FLASH_PORT)")
	baud     = flag.Int("baud", 0, "monitor baud; 0 uses FLASH_MONITOR_BAUD, else runs autodetection")
)

var (
	titleStyle  = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("86"))
	footerStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("241"))
)

type dataMsg []byte

type errMsg struct{ err error }

type model struct {
	view    viewport.Model
	content strings.Builder
	title   string
	err     error
	ready   bool
}

func (m *model) Init() tea.Cmd { return nil }

func (m *model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		if !m.ready {
			m.view = viewport.New(msg.Width, msg.Height-2)
			m.ready = true
		} else {
			m.view.Width = msg.Width
			m.view.Height = msg.Height - 2
		}
		m.view.SetContent(m.content.String())
		return m, nil
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			return m, tea.Quit
		}
	case dataMsg:
		m.content.Write(msg)
		m.view.SetContent(m.content.String())
		m.view.GotoBottom()
		return m, nil
	case errMsg:
		m.err = msg.err
		return m, tea.Quit
	}
	var cmd tea.Cmd
	m.view, cmd = m.view.Update(msg)
	return m, cmd
}

func (m *model) View() string {
	if !m.ready {
		return "initializing..."
	}
	return titleStyle.Render(m.title) + "\n" +
		m.view.View() + "\n" +
		footerStyle.Render("q to quit")
}

func main() {
	flag.Parse()

	cfg, _ := config.LoadFlashConfig()
	name := *portName
	if name == "" {
		name = cfg.Port
	}
	if name == "" {
		fmt.Println("usage: monitor --port <dev> [--baud <n>]")
		os.Exit(2)
	}

	p := port.NewSerialPort(name)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	rate := *baud
	if rate == 0 {
		rate = cfg.MonitorBaud
	}
	if rate == 0 {
		fmt.Println("🔍 Detecting baud rate...")
		detected, err := monitor.Autodetect(ctx, p, monitor.Defaults())
		if err != nil {
			fmt.Printf("❌ Baud detection failed: %v\n", err)
			os.Exit(1)
		}
		rate = detected
	} else if err := p.ReopenAt(rate); err != nil {
		fmt.Printf("❌ Could not open %s: %v\n", name, err)
		os.Exit(1)
	}

	m := &model{title: fmt.Sprintf("%s @ %d baud", name, rate)}
	prog := tea.NewProgram(m, tea.WithAltScreen())

	go func() {
		for {
			chunk, err := p.ReadSome(ctx)
			if err != nil {
				if ctx.Err() == nil {
					prog.Send(errMsg{err})
				}
				return
			}
			prog.Send(dataMsg(chunk))
		}
	}()

	if _, err := prog.Run(); err != nil {
		fmt.Printf("Error: %v\n", err)
	}
	cancel()
	p.Close()
	if m.err != nil {
		fmt.Printf("❌ Monitor stopped: %v\n", m.err)
		os.Exit(1)
	}
}
