package main

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"webm-converter/config"
	"webm-converter/encoder"
	"webm-converter/history"
)

func newProbeCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "probe <input-file>",
		Short: "Show the frame count estimate used for progress",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.loadConfig()
			if err != nil {
				return err
			}
			if _, err := os.Stat(args[0]); err != nil {
				return &encoder.ValidationError{Field: "input", Err: encoder.ErrInputNotFound}
			}
			deps, err := setupRuntime(cfg, false)
			if err != nil {
				return err
			}
			defer deps.Close()

			prober := encoder.FFprobe{
				Binary:  cfg.Probe.FFprobePath,
				Timeout: time.Duration(cfg.Probe.TimeoutSeconds) * time.Second,
				Logger:  deps.logger,
			}
			runCtx := cmd.Context()
			if runCtx == nil {
				runCtx = context.Background()
			}
			info := prober.Probe(runCtx, args[0])
			fmt.Fprintln(cmd.OutOrStdout(), renderMediaInfo(args[0], info))
			return nil
		},
	}
}

func renderMediaInfo(path string, info encoder.MediaInfo) string {
	dash := func(ok bool, v string) string {
		if !ok {
			return "—"
		}
		return v
	}
	rows := [][]string{
		{"File", path},
		{"Codec", dash(info.VideoCodec != "", info.VideoCodec)},
		{"Resolution", dash(info.Width > 0 && info.Height > 0, fmt.Sprintf("%dx%d", info.Width, info.Height))},
		{"Frame rate", dash(info.FrameRate > 0, fmt.Sprintf("%.3f fps", info.FrameRate))},
		{"Duration", dash(info.Duration > 0, info.Duration.Round(time.Millisecond).String())},
		{"Total frames", dash(info.Known(), humanize.Comma(info.TotalFrames))},
		{"Derived from", string(info.Source)},
	}
	return renderTable([]string{"Field", "Value"}, rows, nil)
}

func newHistoryCommand(ctx *commandContext) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "history",
		Short: "List recent conversions",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.loadConfig()
			if err != nil {
				return err
			}
			if !cfg.History.Enabled {
				fmt.Fprintln(cmd.OutOrStdout(), "Conversion history is disabled in the configuration.")
				return nil
			}
			store, err := history.Open(cfg.History.Path)
			if err != nil {
				return err
			}
			defer store.Close()

			runCtx := cmd.Context()
			if runCtx == nil {
				runCtx = context.Background()
			}
			entries, err := store.Recent(runCtx, limit)
			if err != nil {
				return err
			}
			if len(entries) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No conversions recorded yet.")
				return nil
			}
			fmt.Fprintln(cmd.OutOrStdout(), renderHistory(entries, time.Now()))
			return nil
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "Number of entries to show")
	return cmd
}

func renderHistory(entries []history.Entry, now time.Time) string {
	rows := make([][]string, 0, len(entries))
	for _, e := range entries {
		size := "—"
		if e.OutputBytes > 0 {
			size = humanize.IBytes(uint64(e.OutputBytes))
		}
		rows = append(rows, []string{
			humanize.RelTime(e.FinishedAt, now, "ago", "from now"),
			string(e.Status),
			e.Input,
			e.Output,
			strconv.Itoa(e.BitrateKbps) + "k",
			e.Duration().Round(time.Second).String(),
			size,
		})
	}
	return renderTable(
		[]string{"Finished", "Status", "Input", "Output", "Bitrate", "Took", "Size"},
		rows,
		[]columnAlignment{alignLeft, alignLeft, alignLeft, alignLeft, alignRight, alignRight, alignRight},
	)
}

func newProfilesCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "profiles",
		Short: "List encoding profiles",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Fprintln(cmd.OutOrStdout(), renderProfiles())
			return nil
		},
	}
}

func renderProfiles() string {
	var rows [][]string
	for _, p := range config.AvailableProfiles() {
		enc := config.GetProfile(p)
		rows = append(rows, []string{
			string(p),
			strconv.Itoa(enc.Speed),
			strconv.Itoa(enc.DefaultBitrateKbps) + "k",
			fmt.Sprintf("%d/%d", enc.TileColumns, enc.TileRows),
			config.ProfileDescription(p),
		})
	}
	return renderTable(
		[]string{"Profile", "Speed", "Bitrate", "Tiles", "Description"},
		rows,
		[]columnAlignment{alignLeft, alignRight, alignRight, alignRight, alignLeft},
	)
}
