package logging

import (
	"log/slog"
	"sync"

	"webm-converter/encoder"
)

// ProgressSampler suppresses repetitive progress logs, emitting only when the
// percentage crosses a bucket boundary.
type ProgressSampler struct {
	bucketSize int
	lastBucket int
	lastJob    string
}

// NewProgressSampler constructs a sampler with the given bucket width in percent
// (default 10).
func NewProgressSampler(bucketSize int) *ProgressSampler {
	if bucketSize <= 0 {
		bucketSize = 10
	}
	return &ProgressSampler{bucketSize: bucketSize, lastBucket: -1}
}

// ShouldLog reports whether a progress event should be logged. Events without a
// percentage never are; a new job id resets the sampler.
func (s *ProgressSampler) ShouldLog(p encoder.Progress) bool {
	if s == nil {
		return true
	}
	if p.JobID != s.lastJob {
		s.lastJob = p.JobID
		s.lastBucket = -1
	}
	if !p.HasPercent {
		return false
	}
	bucket := p.Percent / s.bucketSize
	if bucket > s.lastBucket {
		s.lastBucket = bucket
		return true
	}
	return false
}

// ProgressLogger is an encoder.Observer that writes sampled progress and every
// terminal outcome to a logger.
type ProgressLogger struct {
	logger  *slog.Logger
	mu      sync.Mutex
	sampler *ProgressSampler
}

// NewProgressLogger logs progress every bucketSize percent.
func NewProgressLogger(logger *slog.Logger, bucketSize int) *ProgressLogger {
	if logger == nil {
		logger = slog.Default()
	}
	return &ProgressLogger{logger: logger, sampler: NewProgressSampler(bucketSize)}
}

func (l *ProgressLogger) OnProgress(p encoder.Progress) {
	l.mu.Lock()
	emit := l.sampler.ShouldLog(p)
	l.mu.Unlock()
	if !emit {
		return
	}
	l.logger.Info("conversion progress",
		slog.String("job_id", p.JobID),
		slog.Int("percent", p.Percent),
		slog.Int64("frame", p.Frame),
		slog.Int64("total_frames", p.TotalFrames),
	)
}

func (l *ProgressLogger) OnTerminal(o encoder.Outcome) {
	attrs := []any{
		slog.String("job_id", o.JobID),
		slog.String("output", o.Output),
		slog.Bool("success", o.Success),
		slog.Bool("cancelled", o.Cancelled),
		slog.Duration("elapsed", o.Elapsed()),
	}
	if o.Success {
		l.logger.Info(o.Message, attrs...)
		return
	}
	l.logger.Warn(o.Message, attrs...)
}
