package tui

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/dustin/go-humanize"

	"webm-converter/encoder"
)

// Color palette - modern, readable
var (
	colorPrimary   = lipgloss.Color("#7C3AED") // Violet
	colorSecondary = lipgloss.Color("#06B6D4") // Cyan
	colorSuccess   = lipgloss.Color("#10B981") // Emerald
	colorError     = lipgloss.Color("#EF4444") // Red
	colorWarning   = lipgloss.Color("#F59E0B") // Amber
	colorMuted     = lipgloss.Color("#6B7280") // Gray
	colorText      = lipgloss.Color("#F9FAFB") // White
	colorTextDim   = lipgloss.Color("#9CA3AF") // Light gray
	colorBorder    = lipgloss.Color("#374151") // Dark gray
)

var (
	// Title bar
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(colorText).
			Background(colorPrimary).
			Padding(0, 2).
			MarginBottom(1)

	// Section headers
	sectionHeaderStyle = lipgloss.NewStyle().
				Foreground(colorSecondary).
				Bold(true).
				MarginTop(1)

	// Main stats box
	statsBoxStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(colorBorder).
			Padding(1, 2).
			MarginTop(1)

	// Individual stat styles
	statLabelStyle = lipgloss.NewStyle().
			Foreground(colorMuted).
			Width(10)

	statValueStyle = lipgloss.NewStyle().
			Foreground(colorText).
			Bold(true)

	statUnitStyle = lipgloss.NewStyle().
			Foreground(colorTextDim)

	// Form and file path styles
	fileBoxStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(colorBorder).
			Padding(0, 2).
			MarginTop(1)

	fieldLabelStyle = lipgloss.NewStyle().
			Foreground(colorMuted).
			Width(10)

	focusedLabelStyle = lipgloss.NewStyle().
				Foreground(colorSecondary).
				Bold(true).
				Width(10)

	filePathStyle = lipgloss.NewStyle().
			Foreground(colorTextDim)

	// Status styles
	successStyle = lipgloss.NewStyle().
			Foreground(colorSuccess).
			Bold(true)

	errorStyle = lipgloss.NewStyle().
			Foreground(colorError).
			Bold(true)

	warningStyle = lipgloss.NewStyle().
			Foreground(colorWarning).
			Bold(true)

	spinnerStyle = lipgloss.NewStyle().Foreground(colorSecondary)

	// Help text
	helpStyle = lipgloss.NewStyle().
			Foreground(colorMuted).
			MarginTop(1)

	// Log viewport
	logBoxStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(colorBorder).
			Padding(0, 1).
			MarginTop(1)

	// Percentage styles based on progress
	percentLowStyle = lipgloss.NewStyle().
			Foreground(colorWarning).
			Bold(true)

	percentMidStyle = lipgloss.NewStyle().
			Foreground(colorSecondary).
			Bold(true)

	percentHighStyle = lipgloss.NewStyle().
				Foreground(colorSuccess).
				Bold(true)
)

// formatSpeed handles N/A and missing speed values
func formatSpeed(speed string) string {
	if speed == "N/A" {
		return "N/A"
	}
	if speed == "" || speed == "0x" {
		return "—"
	}
	return speed
}

// formatBitrateDisplay handles N/A and missing bitrate values
func formatBitrateDisplay(bitrate string) string {
	if bitrate == "N/A" {
		return "N/A"
	}
	if bitrate == "" {
		return "—"
	}
	return bitrate
}

// formatFPS shows a placeholder until the encoder reports a rate.
func formatFPS(fps float64) string {
	if fps <= 0 {
		return "—"
	}
	return fmt.Sprintf("%.1f", fps)
}

// formatETADisplay handles unavailable ETA gracefully
func formatETADisplay(eta time.Duration, available bool) string {
	if !available || eta < 0 {
		return "—"
	}
	return formatDuration(eta)
}

// estimateETA extrapolates the remaining time from elapsed time and percentage.
func estimateETA(p encoder.Progress, elapsed time.Duration) (time.Duration, bool) {
	if !p.HasPercent || p.Percent <= 0 || p.Percent >= 100 || elapsed <= 0 {
		return 0, false
	}
	remaining := elapsed * time.Duration(100-p.Percent) / time.Duration(p.Percent)
	return remaining, true
}

// formatProgress renders "N%" when a total is known and the raw frame otherwise.
func formatProgress(p encoder.Progress) string {
	if p.HasPercent {
		return fmt.Sprintf("%d%%", p.Percent)
	}
	return fmt.Sprintf("frame %d", p.Frame)
}

// getPercentageStyle returns appropriate style based on progress
func getPercentageStyle(pct int) lipgloss.Style {
	if pct < 33 {
		return percentLowStyle
	} else if pct < 66 {
		return percentMidStyle
	}
	return percentHighStyle
}

// formatSizeDisplay handles early encoding when size is unavailable
func formatSizeDisplay(size int64) string {
	if size <= 0 {
		return "—"
	}
	return humanize.IBytes(uint64(size))
}

// View renders the TUI
func (m Model) View() string {
	var b strings.Builder

	title := titleStyle.Render(" ▶ WebM Converter ")
	b.WriteString(title + "\n")

	var help string
	switch m.Phase {
	case PhaseForm:
		b.WriteString(m.renderFormView())
		help = "  [Tab] Next field  •  [Enter] Convert  •  [Ctrl+C] Quit"
	case PhaseSubmitting:
		b.WriteString(m.renderSubmittingView())
		help = "  [Ctrl+C] Quit"
	case PhaseConfirm:
		b.WriteString(m.renderConfirmView())
		help = "  [Y] Overwrite  •  [N] Keep existing file"
	case PhaseRunning:
		b.WriteString(m.renderRunningView())
		help = "  [Esc] Cancel  •  [L] Toggle logs  •  [Q] Cancel and quit"
	case PhaseDone:
		b.WriteString(m.renderDoneView())
		help = "  [Enter] New conversion  •  [L] Toggle logs  •  [Q] Quit"
	}

	b.WriteString("\n" + helpStyle.Render(help) + "\n")
	return b.String()
}

func (m Model) renderFormView() string {
	labels := [fieldCount]string{"Input", "Output", "Bitrate"}
	var lines []string
	for i, label := range labels {
		style := fieldLabelStyle
		if i == m.Focus {
			style = focusedLabelStyle
		}
		line := style.Render(label) + m.Inputs[i].View()
		if i == fieldBitrate {
			line += statUnitStyle.Render(" kbps")
		}
		lines = append(lines, line)
	}

	var b strings.Builder
	b.WriteString(fileBoxStyle.Render(lipgloss.JoinVertical(lipgloss.Left, lines...)))
	b.WriteString("\n")
	b.WriteString(statUnitStyle.Render(fmt.Sprintf("  Profile: %s  •  Output container: %s",
		m.Config.Encoder.ProfileName, m.Config.Encoder.Container)))
	b.WriteString("\n")

	if m.ErrorMessage != "" {
		b.WriteString("\n" + errorStyle.Render("  ✗ "+m.ErrorMessage) + "\n")
	}
	return b.String()
}

func (m Model) renderSubmittingView() string {
	return "\n  " + m.Spinner.View() + statValueStyle.Render(" Checking input and starting encoder...") + "\n"
}

func (m Model) renderConfirmView() string {
	var b strings.Builder
	b.WriteString("\n")
	b.WriteString(warningStyle.Render("  ⚠ Output file already exists") + "\n")

	box := lipgloss.NewStyle().
		Border(lipgloss.RoundedBorder()).
		BorderForeground(colorWarning).
		Padding(0, 2).
		Render(
			fieldLabelStyle.Render("Output") + filePathStyle.Render(truncatePath(m.ConfirmPath, m.maxPathLen())) + "\n\n" +
				statValueStyle.Render("Overwrite it? (y/n)"),
		)
	b.WriteString(box + "\n")
	return b.String()
}

func (m Model) maxPathLen() int {
	maxPathLen := m.Width - 16
	if maxPathLen < 20 {
		maxPathLen = 60
	}
	return maxPathLen
}

func (m Model) renderRunningView() string {
	var b strings.Builder
	prog := m.CurrentProgress

	b.WriteString("\n")

	ratio := 0.0
	if prog.HasPercent {
		ratio = float64(prog.Percent) / 100
	} else if prog.Frame > 0 {
		// Unknown total: show a sliver so the bar reads as active.
		ratio = 0.01
	}
	progressBar := m.Progress.ViewAs(ratio)
	pctStyled := getPercentageStyle(prog.Percent).Render(formatProgress(prog))
	b.WriteString("  " + progressBar + "  " + pctStyled + "\n")

	elapsed := time.Since(m.StartTime).Round(time.Second)
	b.WriteString(statsBoxStyle.Render(m.buildStatsGrid(prog, elapsed)))
	b.WriteString("\n")
	b.WriteString(fileBoxStyle.Render(m.buildFilesSection()))

	if m.ErrorMessage != "" {
		b.WriteString("\n" + errorStyle.Render("  ✗ "+m.ErrorMessage))
	}

	if m.ShowLogs {
		b.WriteString("\n")
		b.WriteString(sectionHeaderStyle.Render("  Encoder Output") + "\n")
		b.WriteString(logBoxStyle.Render(m.LogViewport.View()))
	}
	return b.String()
}

func (m Model) buildStatsGrid(prog encoder.Progress, elapsed time.Duration) string {
	var lines []string

	frameVal := "—"
	if prog.Frame > 0 {
		frameVal = fmt.Sprintf("%d", prog.Frame)
	}
	frameTotal := "/ —"
	if prog.TotalFrames > 0 {
		frameTotal = fmt.Sprintf("/ %d", prog.TotalFrames)
	}

	line1 := lipgloss.JoinHorizontal(lipgloss.Top,
		statLabelStyle.Render("Frame"),
		statValueStyle.Render(frameVal),
		statUnitStyle.Render(" "+frameTotal),
		lipgloss.NewStyle().Width(6).Render(""),
		statLabelStyle.Render("FPS"),
		statValueStyle.Render(formatFPS(prog.Stats.FPS)),
	)
	lines = append(lines, line1)

	line2 := lipgloss.JoinHorizontal(lipgloss.Top,
		statLabelStyle.Render("Speed"),
		statValueStyle.Render(formatSpeed(prog.Stats.Speed)),
		lipgloss.NewStyle().Width(12).Render(""),
		statLabelStyle.Render("Bitrate"),
		statValueStyle.Render(formatBitrateDisplay(prog.Stats.Bitrate)),
	)
	lines = append(lines, line2)

	eta, etaOK := estimateETA(prog, elapsed)
	line3 := lipgloss.JoinHorizontal(lipgloss.Top,
		statLabelStyle.Render("Size"),
		statValueStyle.Render(formatSizeDisplay(prog.Stats.TotalSize)),
		lipgloss.NewStyle().Width(12).Render(""),
		statLabelStyle.Render("ETA"),
		statValueStyle.Render(formatETADisplay(eta, etaOK)),
	)
	lines = append(lines, line3)

	line4 := lipgloss.JoinHorizontal(lipgloss.Top,
		statLabelStyle.Render("Elapsed"),
		statValueStyle.Render(formatDuration(elapsed)),
	)
	lines = append(lines, line4)

	return lipgloss.JoinVertical(lipgloss.Left, lines...)
}

func (m Model) buildFilesSection() string {
	input, output := m.Params().Input, ""
	if job, ok := m.Controller.Snapshot(); ok {
		input = job.Request.Input()
		output = job.Request.Output()
	}

	maxPathLen := m.maxPathLen()
	line1 := fieldLabelStyle.Render("Input") + filePathStyle.Render(truncatePath(input, maxPathLen))
	line2 := fieldLabelStyle.Render("Output") + filePathStyle.Render(truncatePath(output, maxPathLen))
	return line1 + "\n" + line2
}

func truncatePath(path string, maxLen int) string {
	if len(path) <= maxLen {
		return path
	}
	// Show beginning and end
	if maxLen < 20 {
		return path[:maxLen-3] + "..."
	}
	half := (maxLen - 5) / 2
	return path[:half] + " ... " + path[len(path)-half:]
}

func (m Model) renderDoneView() string {
	var b strings.Builder
	out := m.Outcome
	if out == nil {
		return ""
	}

	b.WriteString("\n")
	switch {
	case out.Success:
		b.WriteString(successStyle.Render("  ✓ "+out.Message) + "\n")
	case out.Cancelled:
		b.WriteString(warningStyle.Render("  ⊘ "+out.Message) + "\n")
	default:
		b.WriteString(errorStyle.Render("  ✗ Conversion Failed") + "\n")
	}

	var lines []string
	lines = append(lines, statLabelStyle.Render("Output")+filePathStyle.Render(truncatePath(out.Output, m.maxPathLen())))
	lines = append(lines, statLabelStyle.Render("Time")+statValueStyle.Render(formatDuration(out.Elapsed().Round(time.Second))))

	if out.Success {
		if info, err := os.Stat(out.Output); err == nil {
			lines = append(lines, statLabelStyle.Render("Size")+statValueStyle.Render(humanize.IBytes(uint64(info.Size()))))
		}
		if out.TotalFrames > 0 {
			lines = append(lines, statLabelStyle.Render("Frames")+statValueStyle.Render(humanize.Comma(out.TotalFrames)))
		}
	} else {
		lines = append(lines, statLabelStyle.Render("Progress")+statValueStyle.Render(fmt.Sprintf("%d%%", out.Percent)))
		if out.Cancelled {
			note := "partial output kept"
			if out.OutputRemoved {
				note = "partial output removed"
			}
			lines = append(lines, statLabelStyle.Render("File")+statUnitStyle.Render(note))
		} else {
			lines = append(lines, errorStyle.Render(out.Message))
		}
	}

	box := statsBoxStyle
	if !out.Success && !out.Cancelled {
		box = box.BorderForeground(colorError)
	}
	b.WriteString(box.Render(lipgloss.JoinVertical(lipgloss.Left, lines...)))

	if m.ErrorMessage != "" {
		b.WriteString("\n" + errorStyle.Render("  ✗ "+m.ErrorMessage))
	}

	if m.ShowLogs && m.LogViewport.TotalLineCount() > 0 {
		b.WriteString("\n")
		b.WriteString(sectionHeaderStyle.Render("  Encoder Output") + "\n")
		b.WriteString(logBoxStyle.Render(m.LogViewport.View()))
	}
	return b.String()
}

func formatDuration(d time.Duration) string {
	if d < 0 {
		return "—"
	}
	d = d.Round(time.Second)
	h := d / time.Hour
	d -= h * time.Hour
	m := d / time.Minute
	d -= m * time.Minute
	s := d / time.Second

	if h > 0 {
		return fmt.Sprintf("%d:%02d:%02d", h, m, s)
	}
	return fmt.Sprintf("%d:%02d", m, s)
}
