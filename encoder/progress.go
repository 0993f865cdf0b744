package encoder

import (
	"strconv"
	"strings"
)

// ProgressEvent is a recognized frame counter from the encoder's -progress output.
type ProgressEvent struct {
	Frame int64
}

// ParseLine recognizes "frame=<n>" lines. Anything else, including a malformed
// number or extra '=' tokens, yields ok=false: the merged stream also carries
// diagnostics, so unmatched lines are expected.
func ParseLine(line string) (ProgressEvent, bool) {
	line = strings.TrimSpace(line)
	if !strings.HasPrefix(line, "frame=") {
		return ProgressEvent{}, false
	}
	parts := strings.Split(line, "=")
	if len(parts) != 2 {
		return ProgressEvent{}, false
	}
	frame, err := strconv.ParseInt(strings.TrimSpace(parts[1]), 10, 64)
	if err != nil {
		return ProgressEvent{}, false
	}
	return ProgressEvent{Frame: frame}, true
}

// Stats holds the display-only values ffmpeg reports alongside the frame counter.
// None of them influence the percentage.
type Stats struct {
	FPS       float64
	Bitrate   string
	TotalSize int64
	OutTimeUs int64
	Speed     string
	SpeedX    float64
}

// statKeys are the -progress keys that Stats understands; other keys are
// progress protocol noise rather than diagnostics.
var statKeys = map[string]bool{
	"frame": true, "fps": true, "bitrate": true, "total_size": true,
	"out_time_us": true, "out_time_ms": true, "out_time": true, "speed": true,
	"progress": true, "dup_frames": true, "drop_frames": true,
}

// isProgressLine reports whether a line belongs to the -progress key=value protocol.
func isProgressLine(line string) bool {
	key, _, ok := strings.Cut(strings.TrimSpace(line), "=")
	if !ok {
		return false
	}
	if statKeys[key] {
		return true
	}
	// stream_0_0_q=28.0 and similar per-stream keys
	return strings.HasPrefix(key, "stream_")
}

// apply folds one key=value line into s and reports whether anything changed.
func (s *Stats) apply(line string) bool {
	key, value, ok := strings.Cut(strings.TrimSpace(line), "=")
	if !ok {
		return false
	}
	value = strings.TrimSpace(value)

	switch key {
	case "fps":
		if fps, err := strconv.ParseFloat(value, 64); err == nil && fps >= 0 {
			s.FPS = fps
			return true
		}

	case "bitrate":
		if value == "" {
			value = "N/A"
		}
		s.Bitrate = value
		return true

	case "total_size":
		if size, err := strconv.ParseInt(value, 10, 64); err == nil && size >= 0 {
			s.TotalSize = size
			return true
		}

	case "out_time_us":
		if us, err := strconv.ParseInt(value, 10, 64); err == nil && us >= 0 {
			s.OutTimeUs = us
			return true
		}

	case "out_time":
		if us := parseOutTime(value); us >= 0 {
			s.OutTimeUs = us
			return true
		}

	case "speed":
		s.Speed = value
		s.SpeedX = 0
		if value != "N/A" {
			if x, err := strconv.ParseFloat(strings.TrimSuffix(value, "x"), 64); err == nil && x >= 0 {
				s.SpeedX = x
			}
		}
		return true
	}
	return false
}

// parseOutTime parses FFmpeg's out_time format "HH:MM:SS.microseconds"
func parseOutTime(timeStr string) int64 {
	timeStr = strings.TrimSpace(timeStr)
	if timeStr == "" || timeStr == "N/A" {
		return -1
	}

	parts := strings.Split(timeStr, ":")
	if len(parts) != 3 {
		return -1
	}

	hours, err1 := strconv.ParseInt(parts[0], 10, 64)
	mins, err2 := strconv.ParseInt(parts[1], 10, 64)
	if err1 != nil || err2 != nil || hours < 0 || mins < 0 {
		return -1
	}

	secStr, fracStr, _ := strings.Cut(parts[2], ".")
	secs, err := strconv.ParseInt(secStr, 10, 64)
	if err != nil || secs < 0 {
		return -1
	}

	var micros int64
	if fracStr != "" {
		// Pad or truncate to 6 digits for microseconds
		for len(fracStr) < 6 {
			fracStr += "0"
		}
		micros, err = strconv.ParseInt(fracStr[:6], 10, 64)
		if err != nil {
			return -1
		}
	}

	return hours*3600*1_000_000 + mins*60*1_000_000 + secs*1_000_000 + micros
}

// percentOf returns floor(frame/total*100) clamped to [0, 100]. ok is false when the
// total is unknown.
func percentOf(frame, total int64) (int, bool) {
	if total <= 0 {
		return 0, false
	}
	return clampPercentage(frame * 100 / total), true
}

// clampPercentage ensures percentage is within 0-100 range
func clampPercentage(pct int64) int {
	if pct < 0 {
		return 0
	}
	if pct > 100 {
		return 100
	}
	return int(pct)
}
