package encoder

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/gofrs/flock"
	"github.com/google/uuid"

	"webm-converter/config"
)

var (
	ErrBusy                = errors.New("a conversion is already running")
	ErrAwaitingAcknowledge = errors.New("previous conversion has not been acknowledged")
	ErrNotRunning          = errors.New("no conversion is running")
	ErrNoJob               = errors.New("no conversion has been submitted")
)

// State is the lifecycle position of the controller's job.
type State int

const (
	StateIdle State = iota
	StateValidating
	StateRunning
	StateSucceeded
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateValidating:
		return "validating"
	case StateRunning:
		return "running"
	case StateSucceeded:
		return "succeeded"
	case StateFailed:
		return "failed"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// Terminal reports whether s ends a job.
func (s State) Terminal() bool {
	return s == StateSucceeded || s == StateFailed
}

// Progress is the notification sent for every recognized frame event.
type Progress struct {
	JobID       string
	Frame       int64
	TotalFrames int64
	// Percent is only meaningful when HasPercent is true; otherwise report Frame.
	Percent    int
	HasPercent bool
	Stats      Stats
}

func (p Progress) String() string {
	if p.HasPercent {
		return fmt.Sprintf("%d%%", p.Percent)
	}
	return fmt.Sprintf("frame %d", p.Frame)
}

// Outcome is the terminal notification for a job.
type Outcome struct {
	JobID         string
	Input         string
	Output        string
	BitrateKbps   int
	Success       bool
	Cancelled     bool
	OutputRemoved bool
	Message       string
	ExitCode      int
	Percent       int
	Frame         int64
	TotalFrames   int64
	Diagnostics   []string
	StartedAt     time.Time
	FinishedAt    time.Time
}

// Elapsed returns the wall time between spawn and exit.
func (o Outcome) Elapsed() time.Duration {
	if o.StartedAt.IsZero() || o.FinishedAt.Before(o.StartedAt) {
		return 0
	}
	return o.FinishedAt.Sub(o.StartedAt)
}

// Observer receives controller notifications. Calls arrive from one goroutine at a
// time, in event order, and never while the controller is locked.
type Observer interface {
	OnProgress(Progress)
	OnTerminal(Outcome)
}

// ObserverFuncs adapts plain functions to Observer; nil fields are skipped.
type ObserverFuncs struct {
	Progress func(Progress)
	Terminal func(Outcome)
}

func (o ObserverFuncs) OnProgress(p Progress) {
	if o.Progress != nil {
		o.Progress(p)
	}
}

func (o ObserverFuncs) OnTerminal(out Outcome) {
	if o.Terminal != nil {
		o.Terminal(out)
	}
}

// Confirmer answers the synchronous "replace existing output?" question.
type Confirmer interface {
	ConfirmOverwrite(path string) bool
}

// ConfirmFunc adapts a function to Confirmer.
type ConfirmFunc func(path string) bool

func (f ConfirmFunc) ConfirmOverwrite(path string) bool { return f(path) }

// Job is a snapshot of the controller's current conversion.
type Job struct {
	ID           string
	Request      Request
	Media        MediaInfo
	CurrentFrame int64
	State        State
	Stats        Stats
	StartedAt    time.Time
	FinishedAt   time.Time
}

// Options configures a Controller.
type Options struct {
	Settings config.Encoder
	Prober   Prober
	Starter  Starter
	Logger   *slog.Logger
	// LockDir holds per-output lock files; os.TempDir() when empty.
	LockDir string
	// Exists overrides the output existence check used for the overwrite prompt.
	Exists func(path string) bool
}

// maxDiagnostics bounds the retained non-progress encoder output.
const maxDiagnostics = 100

// Controller runs one conversion at a time and reports its progress.
type Controller struct {
	settings config.Encoder
	builder  CommandBuilder
	prober   Prober
	starter  Starter
	logger   *slog.Logger
	lockDir  string

	obsMu     sync.RWMutex
	observers []Observer

	mu              sync.Mutex
	state           State
	job             *Job
	handle          Handle
	outputLock      *flock.Flock
	cancelRequested bool
	diagnostics     []string
	done            chan struct{}
	last            Outcome
}

// NewController builds a controller. A nil Prober degrades to unknown totals and a
// nil Starter uses ExecStarter.
func NewController(opts Options) *Controller {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	starter := opts.Starter
	if starter == nil {
		starter = ExecStarter{}
	}
	lockDir := opts.LockDir
	if lockDir == "" {
		lockDir = os.TempDir()
	}
	return &Controller{
		settings: opts.Settings,
		builder:  CommandBuilder{Settings: opts.Settings, Exists: opts.Exists},
		prober:   opts.Prober,
		starter:  starter,
		logger:   logger.With(slog.String("component", "controller")),
		lockDir:  lockDir,
		state:    StateIdle,
	}
}

// Subscribe registers an observer for all subsequent notifications.
func (c *Controller) Subscribe(o Observer) {
	if o == nil {
		return
	}
	c.obsMu.Lock()
	c.observers = append(c.observers, o)
	c.obsMu.Unlock()
}

// State returns the controller's current state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Snapshot returns a copy of the current job, if any.
func (c *Controller) Snapshot() (Job, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.job == nil {
		return Job{}, false
	}
	return *c.job, true
}

// Diagnostics returns the retained non-progress output of the current job.
func (c *Controller) Diagnostics() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, len(c.diagnostics))
	copy(out, c.diagnostics)
	return out
}

// Submit validates params and starts the encoder. Validation problems return a
// *ValidationError and leave the controller idle. A spawn failure is reported as a
// failed terminal outcome rather than an error. ctx bounds the probe only; the
// encoder runs until it exits or Cancel is called.
func (c *Controller) Submit(ctx context.Context, params Params, confirm Confirmer) (string, error) {
	c.mu.Lock()
	switch {
	case c.state == StateValidating || c.state == StateRunning:
		c.mu.Unlock()
		return "", ErrBusy
	case c.state.Terminal():
		c.mu.Unlock()
		return "", ErrAwaitingAcknowledge
	}
	c.state = StateValidating
	c.mu.Unlock()

	req, cmd, lock, err := c.validate(params, confirm)
	if err != nil {
		c.mu.Lock()
		c.state = StateIdle
		c.mu.Unlock()
		c.logger.Info("conversion rejected", slog.String("reason", err.Error()))
		return "", err
	}

	job := &Job{ID: uuid.NewString(), Request: req, State: StateValidating}

	var media MediaInfo
	if c.prober != nil {
		media = c.prober.Probe(ctx, req.Input())
	}
	job.Media = media

	c.logger.Info("starting conversion",
		slog.String("job_id", job.ID),
		slog.String("input", req.Input()),
		slog.String("output", req.Output()),
		slog.Int("bitrate_kbps", req.BitrateKbps()),
		slog.Int64("total_frames", media.TotalFrames),
		slog.String("command", cmd.String()),
	)

	var handle Handle
	argv, err := cmd.Argv()
	if err == nil {
		handle, err = c.starter.Start(argv)
	}

	c.mu.Lock()
	c.job = job
	c.outputLock = lock
	c.cancelRequested = false
	c.diagnostics = nil
	c.done = make(chan struct{})
	job.StartedAt = time.Now()

	if err != nil {
		c.diagnostics = append(c.diagnostics, err.Error())
		outcome := c.finishLocked(StateFailed, fmt.Sprintf("Could not start the encoder: %v", err), -1, false, false)
		done := c.done
		c.mu.Unlock()
		c.logger.Error("encoder failed to start",
			slog.String("job_id", job.ID),
			slog.String("error", err.Error()),
		)
		c.notifyTerminal(outcome)
		close(done)
		return job.ID, nil
	}

	c.handle = handle
	c.state = StateRunning
	job.State = StateRunning
	job.CurrentFrame = 0
	initial := c.progressLocked()
	c.mu.Unlock()

	c.notifyProgress(initial)
	go c.watch(handle)
	return job.ID, nil
}

func (c *Controller) validate(params Params, confirm Confirmer) (Request, Command, *flock.Flock, error) {
	req, err := NewRequest(params, c.settings.Container)
	if err != nil {
		return Request{}, Command{}, nil, err
	}

	cmd := c.builder.Build(req)
	if cmd.OutputExists {
		if confirm == nil || !confirm.ConfirmOverwrite(cmd.Output) {
			return Request{}, Command{}, nil, &ValidationError{Field: "output", Err: ErrOverwriteDeclined}
		}
		cmd = cmd.AcknowledgeOverwrite()
	}

	lock, err := c.lockOutput(cmd.Output)
	if err != nil {
		return Request{}, Command{}, nil, err
	}
	return req, cmd, lock, nil
}

// lockOutput guards an output path against concurrent writers in other processes.
func (c *Controller) lockOutput(output string) (*flock.Flock, error) {
	abs, err := filepath.Abs(output)
	if err != nil {
		abs = output
	}
	sum := sha256.Sum256([]byte(abs))
	path := filepath.Join(c.lockDir, "webm-converter-"+hex.EncodeToString(sum[:8])+".lock")

	lock := flock.New(path)
	ok, err := lock.TryLock()
	if err != nil {
		return nil, fmt.Errorf("lock output %s: %w", output, err)
	}
	if !ok {
		return nil, &ValidationError{Field: "output", Err: fmt.Errorf("%w: %s", ErrOutputLocked, output)}
	}
	return lock, nil
}

// Cancel stops the running encoder. The job finishes as Failed with Cancelled set
// once the process exit is observed.
func (c *Controller) Cancel() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state != StateRunning || c.handle == nil {
		return ErrNotRunning
	}
	if c.cancelRequested {
		return nil
	}
	c.cancelRequested = true

	grace := time.Duration(c.settings.TerminateGraceSeconds) * time.Second
	c.logger.Info("cancelling conversion",
		slog.String("job_id", c.job.ID),
		slog.Int("pid", c.handle.PID()),
		slog.Duration("grace", grace),
	)
	if err := c.handle.Terminate(grace); err != nil {
		return fmt.Errorf("terminate encoder: %w", err)
	}
	return nil
}

// Acknowledge clears a finished job so a new one can be submitted.
func (c *Controller) Acknowledge() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch {
	case c.state == StateIdle:
		return nil
	case !c.state.Terminal():
		return ErrBusy
	}
	c.state = StateIdle
	c.job = nil
	c.handle = nil
	c.done = nil
	return nil
}

// Wait blocks until the current job reaches a terminal state.
func (c *Controller) Wait(ctx context.Context) (Outcome, error) {
	c.mu.Lock()
	done := c.done
	c.mu.Unlock()
	if done == nil {
		return Outcome{}, ErrNoJob
	}

	select {
	case <-done:
		c.mu.Lock()
		defer c.mu.Unlock()
		return c.last, nil
	case <-ctx.Done():
		return Outcome{}, ctx.Err()
	}
}

func (c *Controller) watch(h Handle) {
	for ev := range h.Events() {
		switch ev.Kind {
		case EventLine:
			c.handleLine(ev.Line)
		case EventExit:
			c.handleExit(ev)
		}
	}
}

func (c *Controller) handleLine(line string) {
	line = strings.TrimSpace(line)
	if line == "" {
		return
	}

	if ev, ok := ParseLine(line); ok {
		c.mu.Lock()
		// Frame counts only move forward; a smaller value is noise.
		if ev.Frame > c.job.CurrentFrame {
			c.job.CurrentFrame = ev.Frame
		}
		p := c.progressLocked()
		c.mu.Unlock()
		c.notifyProgress(p)
		return
	}

	if isProgressLine(line) {
		c.mu.Lock()
		c.job.Stats.apply(line)
		c.mu.Unlock()
		return
	}

	c.logger.Debug("encoder output", slog.String("line", line))
	c.mu.Lock()
	c.diagnostics = append(c.diagnostics, line)
	if len(c.diagnostics) > maxDiagnostics {
		c.diagnostics = c.diagnostics[len(c.diagnostics)-maxDiagnostics:]
	}
	c.mu.Unlock()
}

func (c *Controller) handleExit(ev Event) {
	c.mu.Lock()
	output := c.job.Request.Output()
	cancelled := c.cancelRequested
	c.mu.Unlock()

	success := ev.ExitCode == 0 && ev.Err == nil
	removed := false
	if !success && cancelled && c.settings.OnCancel == config.CancelDelete {
		removed = c.removePartial(output)
	}

	var message string
	switch {
	case success:
		message = "Conversion completed successfully!"
	case cancelled:
		message = "Conversion cancelled."
	case ev.Err != nil:
		message = fmt.Sprintf("FFmpeg could not be monitored: %v", ev.Err)
	default:
		message = fmt.Sprintf("FFmpeg encountered an error (exit status %d). Check the log for details.", ev.ExitCode)
	}

	c.mu.Lock()
	state := StateFailed
	if success {
		state = StateSucceeded
	}
	outcome := c.finishLocked(state, message, ev.ExitCode, !success && cancelled, removed)
	done := c.done
	c.mu.Unlock()

	attrs := []any{
		slog.String("job_id", outcome.JobID),
		slog.Int("exit_code", outcome.ExitCode),
		slog.Int64("frame", outcome.Frame),
		slog.Duration("elapsed", outcome.Elapsed()),
	}
	switch {
	case outcome.Success:
		c.logger.Info("conversion succeeded", attrs...)
	case outcome.Cancelled:
		c.logger.Info("conversion cancelled", append(attrs, slog.Bool("output_removed", removed))...)
	default:
		c.logger.Error("conversion failed", append(attrs, slog.String("diagnostics", strings.Join(tail(outcome.Diagnostics, 10), "\n")))...)
	}

	c.notifyTerminal(outcome)
	// Wait returns only after observers have seen the outcome.
	close(done)
}

// removePartial deletes a cancelled job's incomplete output.
func (c *Controller) removePartial(output string) bool {
	err := os.Remove(output)
	switch {
	case err == nil:
		return true
	case errors.Is(err, os.ErrNotExist):
		return false
	default:
		c.logger.Warn("could not remove partial output",
			slog.String("output", output),
			slog.String("error", err.Error()),
		)
		return false
	}
}

// finishLocked moves the job to a terminal state and builds its outcome. Caller
// must hold c.mu and close c.done after notifying observers.
func (c *Controller) finishLocked(state State, message string, exitCode int, cancelled, removed bool) Outcome {
	job := c.job
	job.State = state
	job.FinishedAt = time.Now()
	c.state = state
	c.handle = nil

	if c.outputLock != nil {
		if err := c.outputLock.Unlock(); err != nil {
			c.logger.Warn("failed to release output lock", slog.String("error", err.Error()))
		}
		c.outputLock = nil
	}

	percent := 0
	if state == StateSucceeded {
		percent = 100
	}
	diags := make([]string, len(c.diagnostics))
	copy(diags, c.diagnostics)

	c.last = Outcome{
		JobID:         job.ID,
		Input:         job.Request.Input(),
		Output:        job.Request.Output(),
		BitrateKbps:   job.Request.BitrateKbps(),
		Success:       state == StateSucceeded,
		Cancelled:     cancelled,
		OutputRemoved: removed,
		Message:       message,
		ExitCode:      exitCode,
		Percent:       percent,
		Frame:         job.CurrentFrame,
		TotalFrames:   job.Media.TotalFrames,
		Diagnostics:   diags,
		StartedAt:     job.StartedAt,
		FinishedAt:    job.FinishedAt,
	}
	return c.last
}

// progressLocked builds a notification from the current job. Caller must hold c.mu.
func (c *Controller) progressLocked() Progress {
	job := c.job
	pct, ok := percentOf(job.CurrentFrame, job.Media.TotalFrames)
	return Progress{
		JobID:       job.ID,
		Frame:       job.CurrentFrame,
		TotalFrames: job.Media.TotalFrames,
		Percent:     pct,
		HasPercent:  ok,
		Stats:       job.Stats,
	}
}

func (c *Controller) notifyProgress(p Progress) {
	c.obsMu.RLock()
	observers := append([]Observer(nil), c.observers...)
	c.obsMu.RUnlock()
	for _, o := range observers {
		o.OnProgress(p)
	}
}

func (c *Controller) notifyTerminal(out Outcome) {
	c.obsMu.RLock()
	observers := append([]Observer(nil), c.observers...)
	c.obsMu.RUnlock()
	for _, o := range observers {
		o.OnTerminal(out)
	}
}

func tail(lines []string, n int) []string {
	if len(lines) <= n {
		return lines
	}
	return lines[len(lines)-n:]
}
