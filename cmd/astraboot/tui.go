package main

import (
	"fmt"
	"sort"
	"strings"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/bubbles/progress"
	"github.com/charmbracelet/lipgloss"

	"github.com/sandrift/astraboot/internal/driver"
	"github.com/sandrift/astraboot/internal/manager"
)

var (
	headerStyle = lipgloss.NewStyle().Bold(true)
	failStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("9"))
	okStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("10"))
	dimStyle    = lipgloss.NewStyle().Faint(true)
)

type deviceRow struct {
	status   driver.State
	image    string
	progress progress.Model
	fraction float64
	message  string
}

type model struct {
	devices map[string]*deviceRow
	lines   []string
	done    bool
	failed  bool
}

type responseMsg struct {
	r manager.Response
}

func newModel() model {
	return model{devices: make(map[string]*deviceRow)}
}

func (m model) Init() tea.Cmd { return nil }

func (m model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		if msg.String() == "ctrl+c" || msg.String() == "q" {
			return m, tea.Quit
		}
	case responseMsg:
		return m.applyResponse(msg.r)
	}
	return m, nil
}

func (m model) applyResponse(r manager.Response) (tea.Model, tea.Cmd) {
	if r.IsManagerResponse() {
		mr := r.GetManagerResponse()
		m.lines = append(m.lines, fmt.Sprintf("[%s] %s", mr.Status, mr.Message))
		if mr.Status == manager.StatusShutdown {
			m.done = true
			return m, tea.Quit
		}
		if mr.Status == manager.StatusFailure {
			m.failed = true
		}
		return m, nil
	}

	dr := r.GetDeviceResponse()
	row, ok := m.devices[dr.DevicePath]
	if !ok {
		row = &deviceRow{progress: progress.New(progress.WithDefaultGradient())}
		m.devices[dr.DevicePath] = row
	}
	row.status = dr.Status
	row.image = dr.Image
	row.message = dr.Message
	if dr.Total > 0 {
		row.fraction = float64(dr.Progress) / float64(dr.Total)
	}
	if dr.Status == driver.StateBootFail || dr.Status == driver.StateUpdateFail {
		m.failed = true
	}
	return m, nil
}

func (m model) View() string {
	var b strings.Builder
	b.WriteString(headerStyle.Render("astraboot") + "\n\n")

	paths := make([]string, 0, len(m.devices))
	for p := range m.devices {
		paths = append(paths, p)
	}
	sort.Strings(paths)

	for _, p := range paths {
		row := m.devices[p]
		statusStr := row.status.String()
		switch row.status {
		case driver.StateBootFail, driver.StateUpdateFail:
			statusStr = failStyle.Render(statusStr)
		case driver.StateBootComplete, driver.StateUpdateComplete:
			statusStr = okStyle.Render(statusStr)
		}
		fmt.Fprintf(&b, "%s  %s", p, statusStr)
		if row.image != "" {
			fmt.Fprintf(&b, "  %s %s", row.image, row.progress.ViewAs(row.fraction))
		}
		if row.message != "" {
			fmt.Fprintf(&b, "  %s", dimStyle.Render(row.message))
		}
		b.WriteString("\n")
	}

	tail := m.lines
	if len(tail) > 5 {
		tail = tail[len(tail)-5:]
	}
	if len(tail) > 0 {
		b.WriteString("\n")
		for _, l := range tail {
			b.WriteString(dimStyle.Render(l) + "\n")
		}
	}

	b.WriteString("\n" + dimStyle.Render("press q to quit") + "\n")
	return b.String()
}
