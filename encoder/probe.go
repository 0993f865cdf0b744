package encoder

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"os/exec"
	"strconv"
	"strings"
	"time"
)

// FrameSource records how MediaInfo.TotalFrames was derived.
type FrameSource string

const (
	FrameSourceUnknown  FrameSource = "unknown"
	FrameSourceNbFrames FrameSource = "nb_frames"
	FrameSourceDuration FrameSource = "duration*r_frame_rate"
)

// MediaInfo is the probe result for one input. TotalFrames is zero when no estimate
// could be made, which callers must treat as "report raw frames".
type MediaInfo struct {
	TotalFrames int64
	Source      FrameSource
	Duration    time.Duration
	FrameRate   float64
	VideoCodec  string
	Width       int
	Height      int
}

// Known reports whether a positive total frame count is available.
func (m MediaInfo) Known() bool {
	return m.TotalFrames > 0
}

// Prober estimates the frame count of an input file. Implementations never fail;
// problems degrade to an unknown total.
type Prober interface {
	Probe(ctx context.Context, path string) MediaInfo
}

// probeStream mirrors the subset of ffprobe's per-stream JSON the estimate needs.
type probeStream struct {
	Index      int    `json:"index"`
	CodecType  string `json:"codec_type"`
	CodecName  string `json:"codec_name"`
	Width      int    `json:"width"`
	Height     int    `json:"height"`
	NbFrames   string `json:"nb_frames"`
	Duration   string `json:"duration"`
	RFrameRate string `json:"r_frame_rate"`
}

type probeResult struct {
	Streams []probeStream `json:"streams"`
}

// videoStream returns the first stream whose codec type is video.
func (p probeResult) videoStream() *probeStream {
	for i := range p.Streams {
		if p.Streams[i].CodecType == "video" {
			return &p.Streams[i]
		}
	}
	return nil
}

// FFprobe runs the ffprobe binary to build MediaInfo.
type FFprobe struct {
	Binary  string
	Timeout time.Duration
	Logger  *slog.Logger
}

// Probe queries the input's stream metadata. Any failure yields an unknown total.
func (f FFprobe) Probe(ctx context.Context, path string) MediaInfo {
	logger := f.Logger
	if logger == nil {
		logger = slog.Default()
	}

	out, err := f.run(ctx, path)
	if err != nil {
		logger.Warn("probe failed; progress will show raw frame counts",
			slog.String("input", path),
			slog.String("error", err.Error()),
		)
		return MediaInfo{Source: FrameSourceUnknown}
	}

	info, err := mediaInfoFromJSON(out)
	if err != nil {
		logger.Warn("probe output unusable; progress will show raw frame counts",
			slog.String("input", path),
			slog.String("error", err.Error()),
		)
		return MediaInfo{Source: FrameSourceUnknown}
	}

	logger.Debug("probed input",
		slog.String("input", path),
		slog.Int64("total_frames", info.TotalFrames),
		slog.String("source", string(info.Source)),
	)
	return info
}

func (f FFprobe) run(ctx context.Context, path string) ([]byte, error) {
	binary := strings.TrimSpace(f.Binary)
	if binary == "" {
		binary = "ffprobe"
	}
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("ffprobe: empty path")
	}

	timeout := f.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, binary,
		"-v", "error",
		"-hide_banner",
		"-show_format",
		"-show_streams",
		"-of", "json",
		"--", path,
	)
	output, err := cmd.Output()
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) && len(exitErr.Stderr) > 0 {
			return nil, fmt.Errorf("ffprobe: %w: %s", err, strings.TrimSpace(string(exitErr.Stderr)))
		}
		return nil, fmt.Errorf("ffprobe: %w", err)
	}
	return output, nil
}

// mediaInfoFromJSON decodes ffprobe output. A decodable document without a usable
// frame estimate is not an error; it just leaves TotalFrames at zero.
func mediaInfoFromJSON(data []byte) (MediaInfo, error) {
	var result probeResult
	if err := json.Unmarshal(data, &result); err != nil {
		return MediaInfo{}, fmt.Errorf("decode ffprobe json: %w", err)
	}

	info := MediaInfo{Source: FrameSourceUnknown}
	vs := result.videoStream()
	if vs == nil {
		return info, nil
	}
	info.VideoCodec = vs.CodecName
	info.Width = vs.Width
	info.Height = vs.Height

	fps, fpsOK := parseFrameRate(vs.RFrameRate)
	if fpsOK {
		info.FrameRate = fps
	}
	duration, durOK := parseSeconds(vs.Duration)
	if durOK {
		info.Duration = time.Duration(duration * float64(time.Second))
	}

	info.TotalFrames, info.Source = estimateFrames(*vs)
	return info, nil
}

// estimateFrames prefers an explicit nb_frames and otherwise multiplies the stream
// duration by its rational frame rate.
func estimateFrames(vs probeStream) (int64, FrameSource) {
	if isDigits(vs.NbFrames) {
		n, err := strconv.ParseInt(vs.NbFrames, 10, 64)
		if err != nil || n <= 0 {
			return 0, FrameSourceUnknown
		}
		return n, FrameSourceNbFrames
	}

	duration, ok := parseSeconds(vs.Duration)
	if !ok {
		return 0, FrameSourceUnknown
	}
	fps, ok := parseFrameRate(vs.RFrameRate)
	if !ok {
		return 0, FrameSourceUnknown
	}
	frames := math.Floor(duration * fps)
	if frames <= 0 || frames > math.MaxInt64/2 {
		return 0, FrameSourceUnknown
	}
	return int64(frames), FrameSourceDuration
}

// parseFrameRate parses a rational "num/den" rate. A zero denominator, a missing
// slash or unparsable parts are rejected.
func parseFrameRate(fpsStr string) (float64, bool) {
	numStr, denStr, ok := strings.Cut(strings.TrimSpace(fpsStr), "/")
	if !ok || strings.Contains(denStr, "/") {
		return 0, false
	}
	num, err1 := strconv.ParseFloat(strings.TrimSpace(numStr), 64)
	den, err2 := strconv.ParseFloat(strings.TrimSpace(denStr), 64)
	if err1 != nil || err2 != nil || den == 0 {
		return 0, false
	}
	fps := num / den
	if math.IsNaN(fps) || math.IsInf(fps, 0) || fps <= 0 {
		return 0, false
	}
	return fps, true
}

func parseSeconds(value string) (float64, bool) {
	value = strings.TrimSpace(value)
	if value == "" || value == "N/A" {
		return 0, false
	}
	secs, err := strconv.ParseFloat(value, 64)
	if err != nil || math.IsNaN(secs) || math.IsInf(secs, 0) || secs <= 0 {
		return 0, false
	}
	return secs, true
}

func isDigits(s string) bool {
	if s == "" {
		return false
	}
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return true
}
