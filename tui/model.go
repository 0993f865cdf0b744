package tui

import (
	"context"
	"strconv"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/progress"
	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/textinput"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"

	"webm-converter/config"
	"webm-converter/encoder"
)

// Phase is what the screen is currently showing.
type Phase int

const (
	PhaseForm Phase = iota
	PhaseSubmitting
	PhaseConfirm
	PhaseRunning
	PhaseDone
)

// Form field indexes.
const (
	fieldInput = iota
	fieldOutput
	fieldBitrate
	fieldCount
)

// ProgressMsg carries a controller progress notification.
type ProgressMsg encoder.Progress

// TerminalMsg carries the controller's terminal outcome.
type TerminalMsg encoder.Outcome

// ConfirmRequestMsg asks the user whether an existing output may be replaced. The
// answer must be sent on Reply exactly once.
type ConfirmRequestMsg struct {
	Path  string
	Reply chan<- bool
}

type submitResultMsg struct {
	JobID string
	Err   error
}

// TickMsg is sent periodically to refresh the encoder log while a job runs.
type TickMsg time.Time

// Controller is the part of encoder.Controller the UI drives.
type Controller interface {
	Submit(ctx context.Context, params encoder.Params, confirm encoder.Confirmer) (string, error)
	Cancel() error
	Acknowledge() error
	Diagnostics() []string
	Snapshot() (encoder.Job, bool)
}

// Model is the Bubble Tea model for the TUI
type Model struct {
	Controller  Controller
	Bridge      *Bridge
	Config      config.Config
	Phase       Phase
	Inputs      []textinput.Model
	Focus       int
	Progress    progress.Model
	Spinner     spinner.Model
	LogViewport viewport.Model
	ShowLogs    bool
	Width       int
	Height      int
	StartTime   time.Time

	ErrorMessage    string
	ConfirmPath     string
	confirmReply    chan<- bool
	CurrentProgress encoder.Progress
	Outcome         *encoder.Outcome
}

// NewModel creates a new TUI model. initialInput pre-fills the input path field.
func NewModel(ctrl Controller, bridge *Bridge, cfg config.Config, initialInput string) Model {
	// Custom gradient: violet -> emerald
	prog := progress.New(
		progress.WithGradient("#7C3AED", "#10B981"),
		progress.WithWidth(50),
		progress.WithoutPercentage(),
	)

	vp := viewport.New(80, 12)
	vp.SetContent("")

	sp := spinner.New()
	sp.Spinner = spinner.Dot
	sp.Style = spinnerStyle

	inputs := make([]textinput.Model, fieldCount)
	for i := range inputs {
		ti := textinput.New()
		ti.Prompt = ""
		ti.CharLimit = 4096
		ti.Width = 60
		inputs[i] = ti
	}
	inputs[fieldInput].Placeholder = "/path/to/video.mp4"
	inputs[fieldInput].SetValue(initialInput)
	inputs[fieldOutput].Placeholder = "leave blank to derive from input"
	inputs[fieldBitrate].Placeholder = "kilobits per second"
	inputs[fieldBitrate].CharLimit = 9
	inputs[fieldBitrate].SetValue(strconv.Itoa(cfg.Encoder.DefaultBitrateKbps))
	inputs[fieldInput].Focus()

	return Model{
		Controller:  ctrl,
		Bridge:      bridge,
		Config:      cfg,
		Phase:       PhaseForm,
		Inputs:      inputs,
		Progress:    prog,
		Spinner:     sp,
		LogViewport: vp,
	}
}

// Init initializes the Bubble Tea program
func (m Model) Init() tea.Cmd {
	return tea.Batch(textinput.Blink, m.Spinner.Tick)
}

func tickCmd() tea.Cmd {
	return tea.Tick(200*time.Millisecond, func(t time.Time) tea.Msg {
		return TickMsg(t)
	})
}

// Params returns the form contents as conversion parameters.
func (m Model) Params() encoder.Params {
	return encoder.Params{
		Input:   strings.TrimSpace(m.Inputs[fieldInput].Value()),
		Output:  strings.TrimSpace(m.Inputs[fieldOutput].Value()),
		Bitrate: strings.TrimSpace(m.Inputs[fieldBitrate].Value()),
	}
}

// submitCmd runs Submit off the UI goroutine; the overwrite question comes back as
// a ConfirmRequestMsg while it blocks.
func (m Model) submitCmd() tea.Cmd {
	ctrl := m.Controller
	params := m.Params()
	var confirm encoder.Confirmer
	if m.Bridge != nil {
		confirm = m.Bridge
	}
	return func() tea.Msg {
		id, err := ctrl.Submit(context.Background(), params, confirm)
		return submitResultMsg{JobID: id, Err: err}
	}
}

func (m *Model) setFocus(i int) {
	m.Focus = (i + fieldCount) % fieldCount
	for j := range m.Inputs {
		if j == m.Focus {
			m.Inputs[j].Focus()
		} else {
			m.Inputs[j].Blur()
		}
	}
}

func (m *Model) answerConfirm(ok bool) {
	if m.confirmReply != nil {
		m.confirmReply <- ok
		m.confirmReply = nil
	}
	m.ConfirmPath = ""
	m.Phase = PhaseSubmitting
}

func (m *Model) refreshLogs() {
	if m.Controller == nil {
		return
	}
	logs := m.Controller.Diagnostics()
	if len(logs) > 0 {
		m.LogViewport.SetContent(strings.Join(logs, "\n"))
		m.LogViewport.GotoBottom()
	}
}

// Update handles messages and updates the model
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmds []tea.Cmd

	switch msg := msg.(type) {
	case tea.KeyMsg:
		return m.handleKey(msg)

	case tea.WindowSizeMsg:
		m.Width = msg.Width
		m.Height = msg.Height
		m.Progress.Width = msg.Width - 20
		m.LogViewport.Width = msg.Width - 4

		// Ensure viewport height doesn't go negative
		logHeight := msg.Height - 22
		if logHeight < 0 {
			logHeight = 0
		}
		m.LogViewport.Height = logHeight

	case ConfirmRequestMsg:
		m.Phase = PhaseConfirm
		m.ConfirmPath = msg.Path
		m.confirmReply = msg.Reply

	case submitResultMsg:
		if msg.Err != nil {
			m.Phase = PhaseForm
			m.ErrorMessage = msg.Err.Error()
			m.setFocus(m.Focus)
			return m, textinput.Blink
		}
		m.ErrorMessage = ""
		// A spawn failure may already have delivered the outcome.
		if m.Phase != PhaseDone {
			m.Phase = PhaseRunning
			m.StartTime = time.Now()
			cmds = append(cmds, tickCmd())
		}

	case ProgressMsg:
		m.CurrentProgress = encoder.Progress(msg)
		if m.Phase == PhaseSubmitting {
			m.Phase = PhaseRunning
			m.StartTime = time.Now()
		}

	case TerminalMsg:
		out := encoder.Outcome(msg)
		m.Outcome = &out
		m.Phase = PhaseDone
		if len(out.Diagnostics) > 0 {
			m.LogViewport.SetContent(strings.Join(out.Diagnostics, "\n"))
			m.LogViewport.GotoBottom()
		}
		return m, nil

	case TickMsg:
		if m.Phase == PhaseRunning {
			m.refreshLogs()
			if job, ok := m.Controller.Snapshot(); ok {
				m.CurrentProgress.Stats = job.Stats
			}
			cmds = append(cmds, tickCmd())
		}

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.Spinner, cmd = m.Spinner.Update(msg)
		cmds = append(cmds, cmd)

	case progress.FrameMsg:
		pm, cmd := m.Progress.Update(msg)
		if p, ok := pm.(progress.Model); ok {
			m.Progress = p
		}
		cmds = append(cmds, cmd)
	}

	if m.Phase == PhaseForm {
		var cmd tea.Cmd
		m.Inputs[m.Focus], cmd = m.Inputs[m.Focus].Update(msg)
		cmds = append(cmds, cmd)
	}

	// Update viewport if showing logs
	if m.ShowLogs {
		var cmd tea.Cmd
		m.LogViewport, cmd = m.LogViewport.Update(msg)
		cmds = append(cmds, cmd)
	}

	return m, tea.Batch(cmds...)
}

func (m Model) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	if msg.String() == "ctrl+c" {
		if m.Phase == PhaseConfirm {
			m.answerConfirm(false)
		}
		if m.Phase == PhaseRunning {
			_ = m.Controller.Cancel()
		}
		return m, tea.Quit
	}

	switch m.Phase {
	case PhaseForm:
		switch msg.String() {
		case "tab", "down":
			m.setFocus(m.Focus + 1)
			return m, nil
		case "shift+tab", "up":
			m.setFocus(m.Focus - 1)
			return m, nil
		case "enter":
			m.Phase = PhaseSubmitting
			m.ErrorMessage = ""
			return m, m.submitCmd()
		}
		var cmd tea.Cmd
		m.Inputs[m.Focus], cmd = m.Inputs[m.Focus].Update(msg)
		return m, cmd

	case PhaseConfirm:
		switch strings.ToLower(msg.String()) {
		case "y":
			m.answerConfirm(true)
		case "n", "esc", "enter":
			m.answerConfirm(false)
		}
		return m, nil

	case PhaseRunning:
		switch msg.String() {
		case "esc":
			if err := m.Controller.Cancel(); err != nil {
				m.ErrorMessage = err.Error()
			}
		case "q":
			_ = m.Controller.Cancel()
			return m, tea.Quit
		case "l":
			m.ShowLogs = !m.ShowLogs
		default:
			if m.ShowLogs {
				var cmd tea.Cmd
				m.LogViewport, cmd = m.LogViewport.Update(msg)
				return m, cmd
			}
		}
		return m, nil

	case PhaseDone:
		switch msg.String() {
		case "enter":
			if err := m.Controller.Acknowledge(); err != nil {
				m.ErrorMessage = err.Error()
				return m, nil
			}
			m.Phase = PhaseForm
			m.Outcome = nil
			m.ErrorMessage = ""
			m.CurrentProgress = encoder.Progress{}
			m.LogViewport.SetContent("")
			m.setFocus(fieldInput)
			return m, textinput.Blink
		case "q":
			return m, tea.Quit
		case "l":
			m.ShowLogs = !m.ShowLogs
		default:
			if m.ShowLogs {
				var cmd tea.Cmd
				m.LogViewport, cmd = m.LogViewport.Update(msg)
				return m, cmd
			}
		}
	}
	return m, nil
}
