package encoder

import (
	"context"
	"math"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMediaInfoFromJSON(t *testing.T) {
	tests := []struct {
		name   string
		json   string
		frames int64
		source FrameSource
	}{
		{
			name:   "explicit nb_frames",
			json:   `{"streams":[{"codec_type":"video","codec_name":"h264","nb_frames":"1440","duration":"60.0","r_frame_rate":"24/1"}]}`,
			frames: 1440,
			source: FrameSourceNbFrames,
		},
		{
			name:   "duration times rational rate",
			json:   `{"streams":[{"codec_type":"video","duration":"10.0","r_frame_rate":"30000/1001"}]}`,
			frames: 299,
			source: FrameSourceDuration,
		},
		{
			name:   "non numeric nb_frames falls back to duration",
			json:   `{"streams":[{"codec_type":"video","nb_frames":"N/A","duration":"2.5","r_frame_rate":"25/1"}]}`,
			frames: 62,
			source: FrameSourceDuration,
		},
		{
			name:   "first video stream wins",
			json:   `{"streams":[{"codec_type":"audio","nb_frames":"9999"},{"codec_type":"video","nb_frames":"10"},{"codec_type":"video","nb_frames":"20"}]}`,
			frames: 10,
			source: FrameSourceNbFrames,
		},
		{
			name:   "zero nb_frames is unknown",
			json:   `{"streams":[{"codec_type":"video","nb_frames":"0","duration":"10","r_frame_rate":"25/1"}]}`,
			source: FrameSourceUnknown,
		},
		{
			name:   "zero denominator",
			json:   `{"streams":[{"codec_type":"video","duration":"10","r_frame_rate":"25/0"}]}`,
			source: FrameSourceUnknown,
		},
		{
			name:   "rate without slash",
			json:   `{"streams":[{"codec_type":"video","duration":"10","r_frame_rate":"25"}]}`,
			source: FrameSourceUnknown,
		},
		{
			name:   "missing duration",
			json:   `{"streams":[{"codec_type":"video","r_frame_rate":"25/1"}]}`,
			source: FrameSourceUnknown,
		},
		{
			name:   "no video stream",
			json:   `{"streams":[{"codec_type":"audio","duration":"10"}]}`,
			source: FrameSourceUnknown,
		},
		{
			name:   "no streams",
			json:   `{}`,
			source: FrameSourceUnknown,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			info, err := mediaInfoFromJSON([]byte(tc.json))
			require.NoError(t, err)
			assert.Equal(t, tc.frames, info.TotalFrames)
			assert.Equal(t, tc.source, info.Source)
			assert.Equal(t, tc.frames > 0, info.Known())
		})
	}
}

func TestMediaInfoFromJSONFillsDisplayFields(t *testing.T) {
	info, err := mediaInfoFromJSON([]byte(`{"streams":[{"codec_type":"video","codec_name":"h264","width":1920,"height":1080,"nb_frames":"100","duration":"4.0","r_frame_rate":"25/1"}]}`))
	require.NoError(t, err)

	assert.Equal(t, "h264", info.VideoCodec)
	assert.Equal(t, 1920, info.Width)
	assert.Equal(t, 1080, info.Height)
	assert.InDelta(t, 25.0, info.FrameRate, 0.0001)
	assert.Equal(t, 4*time.Second, info.Duration)
}

func TestMediaInfoFromJSONRejectsGarbage(t *testing.T) {
	_, err := mediaInfoFromJSON([]byte("not json"))
	assert.Error(t, err)
}

func TestParseFrameRate_EdgeCases(t *testing.T) {
	tests := []struct {
		input    string
		expected float64
		ok       bool
	}{
		{"24/1", 24.0, true},
		{"24000/1001", 24000.0 / 1001.0, true},
		{" 30 / 1 ", 30.0, true},
		{"0/1", 0, false},
		{"24/0", 0, false},
		{"0/0", 0, false},
		{"24", 0, false},
		{"1/2/3", 0, false},
		{"a/b", 0, false},
		{"", 0, false},
	}

	for _, tc := range tests {
		got, ok := parseFrameRate(tc.input)
		assert.Equal(t, tc.ok, ok, "parseFrameRate(%q)", tc.input)
		assert.True(t, math.Abs(got-tc.expected) < 0.001, "parseFrameRate(%q) = %f, want %f", tc.input, got, tc.expected)
	}
}

func TestFFprobeMissingBinaryDegrades(t *testing.T) {
	p := FFprobe{Binary: filepath.Join(t.TempDir(), "no-such-ffprobe"), Timeout: time.Second}

	info := p.Probe(context.Background(), "input.mp4")
	assert.False(t, info.Known())
	assert.Equal(t, FrameSourceUnknown, info.Source)
}

func TestFFprobeRunsBinaryAndParsesOutput(t *testing.T) {
	t.Setenv("WEBMCONV_FAKE", "probe")
	t.Setenv("FAKE_PROBE_JSON", `{"streams":[{"codec_type":"video","nb_frames":"321"}]}`)
	t.Setenv("FAKE_EXIT", "0")

	info := FFprobe{Binary: os.Args[0], Timeout: 10 * time.Second}.Probe(context.Background(), "input.mp4")
	assert.Equal(t, int64(321), info.TotalFrames)
	assert.Equal(t, FrameSourceNbFrames, info.Source)
}

func TestFFprobeFailureDegrades(t *testing.T) {
	t.Setenv("WEBMCONV_FAKE", "probe")
	t.Setenv("FAKE_PROBE_JSON", `{"streams":[{"codec_type":"video","nb_frames":"321"}]}`)
	t.Setenv("FAKE_EXIT", "1")

	info := FFprobe{Binary: os.Args[0], Timeout: 10 * time.Second}.Probe(context.Background(), "input.mp4")
	assert.False(t, info.Known())
}

func TestFFprobeMalformedOutputDegrades(t *testing.T) {
	t.Setenv("WEBMCONV_FAKE", "probe")
	t.Setenv("FAKE_PROBE_JSON", `{"streams":[`)
	t.Setenv("FAKE_EXIT", "0")

	info := FFprobe{Binary: os.Args[0], Timeout: 10 * time.Second}.Probe(context.Background(), "input.mp4")
	assert.False(t, info.Known())
}

func TestFFprobeEmptyPath(t *testing.T) {
	info := FFprobe{Binary: os.Args[0]}.Probe(context.Background(), "  ")
	assert.False(t, info.Known())
}
