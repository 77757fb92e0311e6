package main

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/bubbles/progress"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
)

var stageStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("241"))

// progressPrinter fans upload progress either into a bubbletea progress
// bar or into plain phase lines on stdout.
type progressPrinter struct {
	tui     bool
	program *tea.Program
	done    chan struct{}

	lastStage   string
	lastPercent int
}

type progressMsg struct {
	percent int
	stage   string
}

type progressModel struct {
	bar     progress.Model
	percent int
	stage   string
}

func (m progressModel) Init() tea.Cmd { return nil }

func (m progressModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case progressMsg:
		m.percent = msg.percent
		m.stage = msg.stage
		return m, nil
	case tea.KeyMsg:
		if msg.String() == "ctrl+c" {
			return m, tea.Quit
		}
	case tea.QuitMsg:
		return m, tea.Quit
	}
	return m, nil
}

func (m progressModel) View() string {
	var b strings.Builder
	b.WriteString(m.bar.ViewAs(float64(m.percent) / 100))
	b.WriteString("\n")
	b.WriteString(stageStyle.Render(m.stage))
	b.WriteString("\n")
	return b.String()
}

func newProgressPrinter(tui bool) *progressPrinter {
	p := &progressPrinter{tui: tui, lastPercent: -1}
	if !tui {
		return p
	}
	model := progressModel{bar: progress.New(progress.WithDefaultGradient())}
	p.program = tea.NewProgram(model)
	p.done = make(chan struct{})
	go func() {
		defer close(p.done)
		if _, err := p.program.Run(); err != nil {
			fmt.Printf("⚠️  progress UI failed: %v\n", err)
		}
	}()
	return p
}

// Report is the uploader's progress sink.
func (p *progressPrinter) Report(percent int, stage string) {
	if p.tui {
		p.program.Send(progressMsg{percent: percent, stage: stage})
		return
	}
	// Plain mode: print stage transitions and coarse percent steps.
	if stage != p.lastStage || percent-p.lastPercent >= 25 || percent == 100 {
		fmt.Printf("⏳ %3d%%  %s\n", percent, stage)
		p.lastStage = stage
		p.lastPercent = percent
	}
}

func (p *progressPrinter) Close() {
	if p.program != nil {
		p.program.Quit()
		<-p.done
	}
}
