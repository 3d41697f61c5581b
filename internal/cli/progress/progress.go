// Package progress renders a flash session's phase transitions and
// per-block progress as a terminal UI, adapted from the teacher's
// bubbletea dashboard (internal/cli/ui/ui.go) to the flash state machine
// in internal/update instead of a mining dashboard.
package progress

import (
	"fmt"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/bubbles/progress"
	"github.com/charmbracelet/lipgloss"

	"github.com/jinglewu/fwupd/internal/update"
)

var (
	phaseStyle  = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("212"))
	doneStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("42"))
	failStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
	subtleStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("240"))
)

// Msg wraps a session progress event so it can travel through bubbletea's
// message pump; Pump and RunAndClose feed it from the goroutine running
// Session.Run.
type Msg struct {
	Event update.ProgressEvent
	Err   error
	Done  bool
}

// Model is the bubbletea model for a single device's flash progress.
type Model struct {
	device   string
	bar      progress.Model
	phase    update.Phase
	done     int
	total    int
	err      error
	finished bool
	events   <-chan Msg
}

// New builds a progress model that reads events from ch until it sees a
// Done message.
func New(device string, ch <-chan Msg) Model {
	return Model{
		device: device,
		bar:    progress.New(progress.WithDefaultGradient()),
		phase:  update.Ready,
		events: ch,
	}
}

func (m Model) Init() tea.Cmd {
	return m.waitForEvent
}

func (m Model) waitForEvent() tea.Msg {
	msg, ok := <-m.events
	if !ok {
		return Msg{Done: true}
	}
	return msg
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		if msg.String() == "ctrl+c" || msg.String() == "q" {
			return m, tea.Quit
		}
	case Msg:
		if msg.Done {
			m.finished = true
			return m, tea.Quit
		}
		if msg.Err != nil {
			m.err = msg.Err
			m.finished = true
			return m, tea.Quit
		}
		m.phase = msg.Event.Phase
		if msg.Event.Total > 0 {
			m.done = msg.Event.Done
			m.total = msg.Event.Total
		}
		if m.phase == update.Done {
			m.finished = true
			return m, tea.Quit
		}
		return m, m.waitForEvent
	}
	return m, nil
}

func (m Model) View() string {
	if m.err != nil {
		return failStyle.Render(fmt.Sprintf("%s: failed: %v\n", m.device, m.err))
	}
	if m.finished && m.phase == update.Done {
		return doneStyle.Render(fmt.Sprintf("%s: flash complete\n", m.device))
	}

	ratio := 0.0
	if m.total > 0 {
		ratio = float64(m.done) / float64(m.total)
	}

	header := fmt.Sprintf("%s  %s", m.device, phaseStyle.Render(m.phase.String()))
	bar := m.bar.ViewAs(ratio)
	counts := subtleStyle.Render(fmt.Sprintf("%d/%d", m.done, m.total))
	return fmt.Sprintf("%s\n%s %s\n", header, bar, counts)
}

// Pump converts a Session's Observer calls into the channel a Model reads
// from; it does not close the channel (RunAndClose does).
func Pump(ch chan<- Msg) update.Observer {
	return func(ev update.ProgressEvent) {
		ch <- Msg{Event: ev}
	}
}

// RunAndClose runs fn (expected to call session.Run) and closes ch
// afterward regardless of outcome, signaling the UI to stop.
func RunAndClose(ch chan<- Msg, fn func() error) {
	err := fn()
	if err != nil {
		ch <- Msg{Err: err}
	}
	time.Sleep(50 * time.Millisecond)
	close(ch)
}
