package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"webm-converter/config"
	"webm-converter/encoder"
	"webm-converter/history"
)

func TestProfilesCommand(t *testing.T) {
	cmd := newRootCommand()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"profiles"})

	require.NoError(t, cmd.Execute())
	for _, p := range config.AvailableProfiles() {
		assert.Contains(t, out.String(), string(p))
	}
	assert.Contains(t, out.String(), "2000k")
}

func TestLoadConfigAppliesProfileFlag(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	require.NoError(t, os.WriteFile(path, []byte("[encoder]\nffmpeg_path = \"/opt/ffmpeg\"\n"), 0o644))

	ctx := &commandContext{configFlag: path, profileFlag: "FAST"}
	cfg, err := ctx.loadConfig()
	require.NoError(t, err)
	assert.Equal(t, config.ProfileFast, cfg.Encoder.ProfileName)
	assert.Equal(t, 8, cfg.Encoder.Speed)
	assert.Equal(t, "/opt/ffmpeg", cfg.Encoder.FFmpegPath)

	ctx.profileFlag = "turbo"
	_, err = ctx.loadConfig()
	assert.Error(t, err)
}

func TestPromptConfirmer(t *testing.T) {
	for input, want := range map[string]bool{
		"y\n":   true,
		"YES\n": true,
		"n\n":   false,
		"\n":    false,
		"":      false,
	} {
		var out bytes.Buffer
		got := promptConfirmer{in: strings.NewReader(input), out: &out}.ConfirmOverwrite("movie.webm")
		assert.Equal(t, want, got, "answer %q", input)
		assert.Contains(t, out.String(), "movie.webm already exists")
	}
}

func TestHeadlessConfirmerYes(t *testing.T) {
	c := headlessConfirmer(true)
	require.NotNil(t, c)
	assert.True(t, c.ConfirmOverwrite("x"))
}

func TestRenderMediaInfo(t *testing.T) {
	out := renderMediaInfo("clip.mp4", encoder.MediaInfo{
		TotalFrames: 14400,
		Source:      encoder.FrameSourceNbFrames,
		FrameRate:   24,
		Width:       1920,
		Height:      1080,
		VideoCodec:  "h264",
		Duration:    10 * time.Minute,
	})
	assert.Contains(t, out, "14,400")
	assert.Contains(t, out, "1920x1080")
	assert.Contains(t, out, "nb_frames")

	unknown := renderMediaInfo("clip.mp4", encoder.MediaInfo{Source: encoder.FrameSourceUnknown})
	assert.Contains(t, unknown, "unknown")
	assert.Contains(t, unknown, "—")
}

func TestRenderHistory(t *testing.T) {
	now := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	out := renderHistory([]history.Entry{{
		ID:          "a",
		Input:       "in.mp4",
		Output:      "in.webm",
		BitrateKbps: 1000,
		Status:      history.StatusSucceeded,
		OutputBytes: 3 * 1024 * 1024,
		StartedAt:   now.Add(-2*time.Hour - 90*time.Second),
		FinishedAt:  now.Add(-2 * time.Hour),
	}}, now)

	assert.Contains(t, out, "2 hours ago")
	assert.Contains(t, out, "succeeded")
	assert.Contains(t, out, "1000k")
	assert.Contains(t, out, "1m30s")
	assert.Contains(t, out, "3.0 MiB")
}

func TestRenderTablePadsShortRows(t *testing.T) {
	out := renderTable([]string{"A", "B"}, [][]string{{"only"}}, []columnAlignment{alignLeft, alignRight})
	assert.Contains(t, out, "only")
	assert.Empty(t, renderTable(nil, nil, nil))
}
