package history

import (
	"context"
	"log/slog"
	"os"
	"time"

	"webm-converter/encoder"
)

// Recorder is an encoder.Observer that stores every terminal outcome.
type Recorder struct {
	store  *Store
	logger *slog.Logger
}

// NewRecorder wraps store; write failures are logged, never surfaced to the job.
func NewRecorder(store *Store, logger *slog.Logger) *Recorder {
	if logger == nil {
		logger = slog.Default()
	}
	return &Recorder{store: store, logger: logger}
}

func (r *Recorder) OnProgress(encoder.Progress) {}

func (r *Recorder) OnTerminal(o encoder.Outcome) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	entry := EntryFromOutcome(o)
	if err := r.store.Record(ctx, entry); err != nil {
		r.logger.Warn("failed to record conversion history",
			slog.String("job_id", o.JobID),
			slog.String("error", err.Error()),
		)
	}
}

// EntryFromOutcome converts a controller outcome into a history row, reading the
// output size from disk.
func EntryFromOutcome(o encoder.Outcome) Entry {
	status := StatusFailed
	switch {
	case o.Success:
		status = StatusSucceeded
	case o.Cancelled:
		status = StatusCancelled
	}

	var size int64
	if !o.OutputRemoved {
		if info, err := os.Stat(o.Output); err == nil {
			size = info.Size()
		}
	}

	return Entry{
		ID:          o.JobID,
		Input:       o.Input,
		Output:      o.Output,
		BitrateKbps: o.BitrateKbps,
		Status:      status,
		ExitCode:    o.ExitCode,
		Frames:      o.Frame,
		TotalFrames: o.TotalFrames,
		OutputBytes: size,
		Message:     o.Message,
		StartedAt:   o.StartedAt,
		FinishedAt:  o.FinishedAt,
	}
}
