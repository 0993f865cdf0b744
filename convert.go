package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"

	"webm-converter/config"
	"webm-converter/encoder"
	"webm-converter/tui"
)

type convertOptions struct {
	output  string
	bitrate string
	yes     bool
	noTUI   bool
}

func newConvertCommand(ctx *commandContext) *cobra.Command {
	opts := &convertOptions{}
	cmd := &cobra.Command{
		Use:   "convert [input-file]",
		Short: "Convert a video to WebM",
		Long: "Converts a video to WebM. With a terminal attached an interactive form is shown;\n" +
			"otherwise (or with --no-tui) the conversion runs headless with a progress bar.",
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.loadConfig()
			if err != nil {
				return err
			}
			input := ""
			if len(args) == 1 {
				input = args[0]
			}

			interactive := !opts.noTUI && isTerminal(os.Stdout) && isTerminal(os.Stdin)
			if interactive {
				return runTUI(cfg, input)
			}
			if input == "" {
				return errors.New("an input file is required when running without the TUI")
			}
			return runHeadless(cmd.Context(), cfg, input, opts)
		},
	}

	cmd.Flags().StringVarP(&opts.output, "output", "o", "", "Output file name (default: input name with .webm, in the current directory)")
	cmd.Flags().StringVarP(&opts.bitrate, "bitrate", "b", "", "Target video bitrate in kilobits (default from profile)")
	cmd.Flags().BoolVarP(&opts.yes, "yes", "y", false, "Overwrite an existing output without asking")
	cmd.Flags().BoolVar(&opts.noTUI, "no-tui", false, "Run without the interactive interface")
	return cmd
}

func runTUI(cfg config.Config, input string) error {
	deps, err := setupRuntime(cfg, true)
	if err != nil {
		return err
	}
	defer deps.Close()

	ctrl := newController(cfg, deps)
	bridge := tui.NewBridge()
	ctrl.Subscribe(bridge)

	model := tui.NewModel(ctrl, bridge, cfg, input)
	p := tea.NewProgram(model, tea.WithAltScreen())
	bridge.Attach(p.Send)

	if _, err := p.Run(); err != nil {
		return fmt.Errorf("run interface: %w", err)
	}

	// Quitting mid-conversion cancels; let the encoder exit and the outcome be recorded.
	if ctrl.State() == encoder.StateRunning {
		_ = ctrl.Cancel()
		grace := time.Duration(cfg.Encoder.TerminateGraceSeconds)*time.Second + 2*time.Second
		waitCtx, cancel := context.WithTimeout(context.Background(), grace)
		defer cancel()
		if out, err := ctrl.Wait(waitCtx); err == nil {
			fmt.Fprintln(os.Stderr, out.Message)
		}
	}
	return nil
}

// headlessProgress drives a terminal progress bar from controller notifications.
type headlessProgress struct {
	w   io.Writer
	bar *progressbar.ProgressBar
}

func (h *headlessProgress) OnProgress(p encoder.Progress) {
	if h.bar == nil {
		h.bar = newProgressBar(h.w, p.HasPercent)
	}
	if p.HasPercent {
		_ = h.bar.Set(p.Percent)
		return
	}
	h.bar.Describe(fmt.Sprintf("Converting (frame %d)", p.Frame))
	_ = h.bar.Add(0)
}

func (h *headlessProgress) OnTerminal(o encoder.Outcome) {
	if h.bar == nil {
		return
	}
	if o.Success {
		_ = h.bar.Set(100)
		_ = h.bar.Finish()
	} else {
		_ = h.bar.Exit()
	}
	fmt.Fprintln(h.w)
}

func newProgressBar(w io.Writer, known bool) *progressbar.ProgressBar {
	total := int64(100)
	if !known {
		total = -1 // spinner mode
	}
	return progressbar.NewOptions64(total,
		progressbar.OptionSetWriter(w),
		progressbar.OptionSetDescription("Converting"),
		progressbar.OptionSetTheme(progressbar.Theme{
			Saucer:        "█",
			SaucerHead:    "█",
			SaucerPadding: "░",
			BarStart:      "▐",
			BarEnd:        "▌",
		}),
		progressbar.OptionSetWidth(50),
		progressbar.OptionShowElapsedTimeOnFinish(),
		progressbar.OptionSetRenderBlankState(true),
		progressbar.OptionThrottle(100*time.Millisecond),
	)
}

// promptConfirmer asks on the terminal whether an existing output may be replaced.
type promptConfirmer struct {
	in  io.Reader
	out io.Writer
}

func (p promptConfirmer) ConfirmOverwrite(path string) bool {
	fmt.Fprintf(p.out, "Output file %s already exists. Overwrite? [y/N] ", path)
	line, err := bufio.NewReader(p.in).ReadString('\n')
	if err != nil && line == "" {
		return false
	}
	answer := strings.ToLower(strings.TrimSpace(line))
	return answer == "y" || answer == "yes"
}

// headlessConfirmer resolves the overwrite question from --yes or an interactive prompt.
func headlessConfirmer(yes bool) encoder.Confirmer {
	switch {
	case yes:
		return encoder.ConfirmFunc(func(string) bool { return true })
	case isTerminal(os.Stdin):
		return promptConfirmer{in: os.Stdin, out: os.Stderr}
	}
	return nil
}

func runHeadless(ctx context.Context, cfg config.Config, input string, opts *convertOptions) error {
	if ctx == nil {
		ctx = context.Background()
	}
	deps, err := setupRuntime(cfg, false)
	if err != nil {
		return err
	}
	defer deps.Close()

	ctrl := newController(cfg, deps)
	ctrl.Subscribe(&headlessProgress{w: os.Stderr})

	bitrate := opts.bitrate
	if strings.TrimSpace(bitrate) == "" {
		bitrate = strconv.Itoa(cfg.Encoder.DefaultBitrateKbps)
	}

	sigCtx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	params := encoder.Params{Input: input, Output: opts.output, Bitrate: bitrate}
	if _, err := ctrl.Submit(sigCtx, params, headlessConfirmer(opts.yes)); err != nil {
		return err
	}

	go func() {
		<-sigCtx.Done()
		if ctrl.State() == encoder.StateRunning {
			_ = ctrl.Cancel()
		}
	}()

	out, err := ctrl.Wait(context.Background())
	if err != nil {
		return err
	}
	if !out.Success {
		return errors.New(out.Message)
	}
	fmt.Fprintf(os.Stderr, "%s\n%s (%s)\n", out.Message, out.Output, out.Elapsed().Round(time.Second))
	return nil
}
