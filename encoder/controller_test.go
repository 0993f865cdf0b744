package encoder

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"webm-converter/config"
)

// fakeHandle is a Handle driven directly by the test.
type fakeHandle struct {
	events chan Event

	mu         sync.Mutex
	terminated []time.Duration
	onTerm     func(h *fakeHandle)
}

func newFakeHandle() *fakeHandle {
	return &fakeHandle{events: make(chan Event, 64)}
}

func (h *fakeHandle) Events() <-chan Event { return h.events }
func (h *fakeHandle) PID() int             { return 4242 }

func (h *fakeHandle) Terminate(grace time.Duration) error {
	h.mu.Lock()
	h.terminated = append(h.terminated, grace)
	onTerm := h.onTerm
	h.mu.Unlock()
	if onTerm != nil {
		onTerm(h)
	}
	return nil
}

func (h *fakeHandle) line(s string) { h.events <- Event{Kind: EventLine, Line: s} }

func (h *fakeHandle) exit(code int) {
	h.events <- Event{Kind: EventExit, ExitCode: code}
	close(h.events)
}

type fakeStarter struct {
	handle *fakeHandle
	err    error

	mu   sync.Mutex
	argv [][]string
}

func (s *fakeStarter) Start(argv []string) (Handle, error) {
	s.mu.Lock()
	s.argv = append(s.argv, argv)
	s.mu.Unlock()
	if s.err != nil {
		return nil, s.err
	}
	return s.handle, nil
}

func (s *fakeStarter) calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.argv)
}

type staticProber struct {
	info MediaInfo
}

func (p staticProber) Probe(context.Context, string) MediaInfo { return p.info }

// recorder is an Observer that keeps everything it is told.
type recorder struct {
	mu       sync.Mutex
	progress []Progress
	outcomes []Outcome
}

func (r *recorder) OnProgress(p Progress) {
	r.mu.Lock()
	r.progress = append(r.progress, p)
	r.mu.Unlock()
}

func (r *recorder) OnTerminal(o Outcome) {
	r.mu.Lock()
	r.outcomes = append(r.outcomes, o)
	r.mu.Unlock()
}

func (r *recorder) frames() []int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]int64, 0, len(r.progress))
	for _, p := range r.progress {
		out = append(out, p.Frame)
	}
	return out
}

func (r *recorder) percents() []int {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]int, 0, len(r.progress))
	for _, p := range r.progress {
		out = append(out, p.Percent)
	}
	return out
}

type fixture struct {
	ctrl    *Controller
	starter *fakeStarter
	handle  *fakeHandle
	rec     *recorder
	input   string
	output  string
}

func newFixture(t *testing.T, total int64, mutate func(*config.Encoder)) *fixture {
	t.Helper()
	dir := t.TempDir()
	settings := testSettings()
	if mutate != nil {
		mutate(&settings)
	}

	f := &fixture{
		handle: newFakeHandle(),
		rec:    &recorder{},
		input:  writeFile(t, filepath.Join(dir, "in.mp4")),
		output: filepath.Join(dir, "out.webm"),
	}
	f.starter = &fakeStarter{handle: f.handle}
	f.ctrl = NewController(Options{
		Settings: settings,
		Prober:   staticProber{info: MediaInfo{TotalFrames: total}},
		Starter:  f.starter,
		LockDir:  t.TempDir(),
	})
	f.ctrl.Subscribe(f.rec)
	return f
}

func (f *fixture) params() Params {
	return Params{Input: f.input, Output: f.output, Bitrate: "1000"}
}

func (f *fixture) submit(t *testing.T) string {
	t.Helper()
	id, err := f.ctrl.Submit(context.Background(), f.params(), nil)
	require.NoError(t, err)
	require.NotEmpty(t, id)
	return id
}

func (f *fixture) wait(t *testing.T) Outcome {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	out, err := f.ctrl.Wait(ctx)
	require.NoError(t, err)
	return out
}

func TestSubmitRejectsMissingInput(t *testing.T) {
	f := newFixture(t, 100, nil)

	_, err := f.ctrl.Submit(context.Background(), Params{Input: filepath.Join(t.TempDir(), "missing.mp4"), Bitrate: "1000"}, nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInputNotFound)
	assert.Equal(t, StateIdle, f.ctrl.State())
	assert.Zero(t, f.starter.calls())
	assert.Empty(t, f.rec.frames())
}

func TestSubmitRejectsInvalidBitrate(t *testing.T) {
	f := newFixture(t, 100, nil)

	_, err := f.ctrl.Submit(context.Background(), Params{Input: f.input, Bitrate: "fast"}, nil)
	assert.ErrorIs(t, err, ErrInvalidBitrate)
	assert.Equal(t, StateIdle, f.ctrl.State())
	assert.Zero(t, f.starter.calls())
}

func TestSubmitOverwriteDeclined(t *testing.T) {
	f := newFixture(t, 100, nil)
	writeFile(t, f.output)

	asked := ""
	_, err := f.ctrl.Submit(context.Background(), f.params(), ConfirmFunc(func(path string) bool {
		asked = path
		return false
	}))
	assert.ErrorIs(t, err, ErrOverwriteDeclined)
	assert.Equal(t, "Conversion cancelled: output file was not overwritten.", err.Error())
	assert.Equal(t, f.output, asked)
	assert.Equal(t, StateIdle, f.ctrl.State())
	assert.Zero(t, f.starter.calls())
}

func TestSubmitOverwriteWithoutConfirmerIsDeclined(t *testing.T) {
	f := newFixture(t, 100, nil)
	writeFile(t, f.output)

	_, err := f.ctrl.Submit(context.Background(), f.params(), nil)
	assert.ErrorIs(t, err, ErrOverwriteDeclined)
	assert.Zero(t, f.starter.calls())
}

func TestSubmitOverwriteAccepted(t *testing.T) {
	f := newFixture(t, 100, nil)
	writeFile(t, f.output)

	_, err := f.ctrl.Submit(context.Background(), f.params(), ConfirmFunc(func(string) bool { return true }))
	require.NoError(t, err)
	require.Equal(t, 1, f.starter.calls())
	assert.Equal(t, StateRunning, f.ctrl.State())

	f.handle.exit(0)
	f.wait(t)
}

func TestSubmitNoPromptWhenOutputAbsent(t *testing.T) {
	f := newFixture(t, 100, nil)

	_, err := f.ctrl.Submit(context.Background(), f.params(), ConfirmFunc(func(string) bool {
		t.Error("confirmer must not be called for a new output")
		return false
	}))
	require.NoError(t, err)
	f.handle.exit(0)
	f.wait(t)
}

func TestFrameProgressIsMonotonic(t *testing.T) {
	f := newFixture(t, 0, nil)
	f.submit(t)

	f.handle.line("frame=10")
	f.handle.line("frame=5")
	f.handle.line("frame=20")
	f.handle.exit(0)
	f.wait(t)

	assert.Equal(t, []int64{0, 10, 10, 20}, f.rec.frames())
}

func TestPercentProgress(t *testing.T) {
	f := newFixture(t, 200, nil)
	f.submit(t)

	f.handle.line("frame=50")
	f.handle.line("frame=100")
	f.handle.line("frame=200")
	f.handle.exit(0)
	out := f.wait(t)

	assert.Equal(t, []int{0, 25, 50, 100}, f.rec.percents())
	assert.True(t, out.Success)
	assert.Equal(t, 100, out.Percent)
	assert.Equal(t, int64(200), out.TotalFrames)
}

func TestUnknownTotalReportsFrames(t *testing.T) {
	f := newFixture(t, 0, nil)
	f.submit(t)

	f.handle.line("frame=37")
	f.handle.exit(0)
	f.wait(t)

	f.rec.mu.Lock()
	defer f.rec.mu.Unlock()
	require.Len(t, f.rec.progress, 2)
	last := f.rec.progress[1]
	assert.False(t, last.HasPercent)
	assert.Equal(t, "frame 37", last.String())
}

func TestSuccessForcesFullPercent(t *testing.T) {
	f := newFixture(t, 50, nil)
	f.submit(t)

	f.handle.line("frame=10")
	f.handle.exit(0)
	out := f.wait(t)

	assert.True(t, out.Success)
	assert.False(t, out.Cancelled)
	assert.Equal(t, 100, out.Percent)
	assert.Equal(t, "Conversion completed successfully!", out.Message)
	assert.Equal(t, StateSucceeded, f.ctrl.State())
}

func TestFailureReportsZeroAndDiagnostics(t *testing.T) {
	f := newFixture(t, 100, nil)
	f.submit(t)

	f.handle.line("frame=40")
	f.handle.line("fps=12.5")
	f.handle.line("[libvpx-vp9 @ 0x1] Failed to initialize encoder")
	f.handle.exit(1)
	out := f.wait(t)

	assert.False(t, out.Success)
	assert.False(t, out.Cancelled)
	assert.Equal(t, 0, out.Percent)
	assert.Equal(t, 1, out.ExitCode)
	assert.Equal(t, int64(40), out.Frame)
	assert.Contains(t, out.Message, "exit status 1")
	assert.Equal(t, []string{"[libvpx-vp9 @ 0x1] Failed to initialize encoder"}, out.Diagnostics)
	assert.Equal(t, out.Diagnostics, f.ctrl.Diagnostics())
	assert.Equal(t, StateFailed, f.ctrl.State())

	// The stats line updated the job without producing a notification.
	assert.Equal(t, []int64{0, 40}, f.rec.frames())
	job, ok := f.ctrl.Snapshot()
	require.True(t, ok)
	assert.InDelta(t, 12.5, job.Stats.FPS, 0.001)
}

func TestExactlyOneTerminalNotification(t *testing.T) {
	f := newFixture(t, 100, nil)
	f.submit(t)
	f.handle.exit(0)
	f.wait(t)

	f.rec.mu.Lock()
	defer f.rec.mu.Unlock()
	assert.Len(t, f.rec.outcomes, 1)
}

func TestDiagnosticsRingIsBounded(t *testing.T) {
	f := newFixture(t, 100, nil)
	f.submit(t)

	go func() {
		for i := 0; i < maxDiagnostics+20; i++ {
			f.handle.line("warning " + strings.Repeat("x", i%3))
		}
		f.handle.exit(1)
	}()
	out := f.wait(t)
	assert.Len(t, out.Diagnostics, maxDiagnostics)
}

func TestSubmitWhileRunningIsBusy(t *testing.T) {
	f := newFixture(t, 100, nil)
	f.submit(t)

	_, err := f.ctrl.Submit(context.Background(), f.params(), nil)
	assert.ErrorIs(t, err, ErrBusy)
	assert.ErrorIs(t, f.ctrl.Acknowledge(), ErrBusy)

	f.handle.exit(0)
	f.wait(t)
}

func TestSubmitRequiresAcknowledge(t *testing.T) {
	f := newFixture(t, 100, nil)
	f.submit(t)
	f.handle.exit(0)
	f.wait(t)

	_, err := f.ctrl.Submit(context.Background(), f.params(), nil)
	assert.ErrorIs(t, err, ErrAwaitingAcknowledge)

	require.NoError(t, f.ctrl.Acknowledge())
	assert.Equal(t, StateIdle, f.ctrl.State())
	_, ok := f.ctrl.Snapshot()
	assert.False(t, ok)

	// The finished job released its output lock, so a new job may write there.
	f.handle = newFakeHandle()
	f.starter.handle = f.handle
	writeFile(t, f.output)
	_, err = f.ctrl.Submit(context.Background(), f.params(), ConfirmFunc(func(string) bool { return true }))
	require.NoError(t, err)
	f.handle.exit(0)
	f.wait(t)
}

func TestAcknowledgeWhenIdle(t *testing.T) {
	f := newFixture(t, 100, nil)
	assert.NoError(t, f.ctrl.Acknowledge())
	assert.Equal(t, StateIdle, f.ctrl.State())
}

func TestCancelWhenIdle(t *testing.T) {
	f := newFixture(t, 100, nil)
	assert.ErrorIs(t, f.ctrl.Cancel(), ErrNotRunning)
}

func TestWaitWithoutJob(t *testing.T) {
	f := newFixture(t, 100, nil)
	_, err := f.ctrl.Wait(context.Background())
	assert.ErrorIs(t, err, ErrNoJob)
}

func TestWaitHonoursContext(t *testing.T) {
	f := newFixture(t, 100, nil)
	f.submit(t)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := f.ctrl.Wait(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	f.handle.exit(0)
	f.wait(t)
}

func exitOnTerminate(h *fakeHandle) { h.exit(-1) }

func TestCancelKeepsPartialOutput(t *testing.T) {
	f := newFixture(t, 100, func(s *config.Encoder) {
		s.OnCancel = config.CancelKeep
		s.TerminateGraceSeconds = 3
	})
	f.handle.onTerm = exitOnTerminate
	f.submit(t)
	writeFile(t, f.output)

	f.handle.line("frame=30")
	require.NoError(t, f.ctrl.Cancel())
	out := f.wait(t)

	assert.False(t, out.Success)
	assert.True(t, out.Cancelled)
	assert.False(t, out.OutputRemoved)
	assert.Equal(t, "Conversion cancelled.", out.Message)
	assert.Equal(t, StateFailed, f.ctrl.State())
	assert.FileExists(t, f.output)

	f.handle.mu.Lock()
	assert.Equal(t, []time.Duration{3 * time.Second}, f.handle.terminated)
	f.handle.mu.Unlock()
}

func TestCancelDeletesPartialOutput(t *testing.T) {
	f := newFixture(t, 100, func(s *config.Encoder) {
		s.OnCancel = config.CancelDelete
	})
	f.handle.onTerm = exitOnTerminate
	f.submit(t)
	writeFile(t, f.output)

	require.NoError(t, f.ctrl.Cancel())
	out := f.wait(t)

	assert.True(t, out.Cancelled)
	assert.True(t, out.OutputRemoved)
	assert.NoFileExists(t, f.output)
}

func TestCancelTwiceTerminatesOnce(t *testing.T) {
	f := newFixture(t, 100, nil)
	f.submit(t)

	require.NoError(t, f.ctrl.Cancel())
	require.NoError(t, f.ctrl.Cancel())

	f.handle.mu.Lock()
	assert.Len(t, f.handle.terminated, 1)
	f.handle.mu.Unlock()

	f.handle.exit(-1)
	out := f.wait(t)
	assert.True(t, out.Cancelled)
}

func TestCleanExitAfterCancelIsSuccess(t *testing.T) {
	f := newFixture(t, 100, func(s *config.Encoder) {
		s.OnCancel = config.CancelDelete
	})
	f.submit(t)
	writeFile(t, f.output)

	require.NoError(t, f.ctrl.Cancel())
	f.handle.exit(0)
	out := f.wait(t)

	assert.True(t, out.Success)
	assert.False(t, out.Cancelled)
	assert.FileExists(t, f.output)
}

func TestSpawnFailureIsTerminalOutcome(t *testing.T) {
	f := newFixture(t, 100, nil)
	f.starter.err = errors.New("exec: \"ffmpeg\": executable file not found in $PATH")

	id, err := f.ctrl.Submit(context.Background(), f.params(), nil)
	require.NoError(t, err)
	require.NotEmpty(t, id)

	out := f.wait(t)
	assert.Equal(t, id, out.JobID)
	assert.False(t, out.Success)
	assert.Equal(t, -1, out.ExitCode)
	assert.Contains(t, out.Message, "Could not start the encoder")
	assert.Equal(t, StateFailed, f.ctrl.State())
	assert.Empty(t, f.rec.frames())
}

func TestOutputLockedByAnotherProcess(t *testing.T) {
	f := newFixture(t, 100, nil)

	held, err := f.ctrl.lockOutput(f.output)
	require.NoError(t, err)
	defer func() { _ = held.Unlock() }()

	_, err = f.ctrl.Submit(context.Background(), f.params(), nil)
	assert.ErrorIs(t, err, ErrOutputLocked)
	assert.Equal(t, StateIdle, f.ctrl.State())
	assert.Zero(t, f.starter.calls())
}

func TestSnapshotTracksJob(t *testing.T) {
	f := newFixture(t, 80, nil)
	id := f.submit(t)

	job, ok := f.ctrl.Snapshot()
	require.True(t, ok)
	assert.Equal(t, id, job.ID)
	assert.Equal(t, StateRunning, job.State)
	assert.Equal(t, int64(80), job.Media.TotalFrames)
	assert.Equal(t, f.output, job.Request.Output())

	f.handle.exit(0)
	out := f.wait(t)
	assert.GreaterOrEqual(t, out.Elapsed(), time.Duration(0))
	assert.Equal(t, f.input, out.Input)
	assert.Equal(t, 1000, out.BitrateKbps)
}

func TestObserverFuncs(t *testing.T) {
	f := newFixture(t, 0, nil)
	var mu sync.Mutex
	var got []string
	f.ctrl.Subscribe(ObserverFuncs{
		Progress: func(p Progress) {
			mu.Lock()
			got = append(got, p.String())
			mu.Unlock()
		},
	})
	f.ctrl.Subscribe(nil)
	f.submit(t)
	f.handle.line("frame=3")
	f.handle.exit(0)
	f.wait(t)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"frame 0", "frame 3"}, got)
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "running", StateRunning.String())
	assert.True(t, StateFailed.Terminal())
	assert.False(t, StateValidating.Terminal())
}

// End to end against the re-executed test binary standing in for ffmpeg.
func TestControllerRunsRealProcess(t *testing.T) {
	dir := t.TempDir()
	input := writeFile(t, filepath.Join(dir, "in.mp4"))
	argsFile := filepath.Join(dir, "args.txt")

	settings := testSettings()
	settings.FFmpegPath = os.Args[0]

	ctrl := NewController(Options{
		Settings: settings,
		Prober:   staticProber{info: MediaInfo{TotalFrames: 20}},
		Starter: ExecStarter{Env: fakeEnv(
			"out:frame=5;out:fps=30.0;err:[vp9] some warning;out:frame=10;out:frame=20;out:progress=end",
			0,
			"FAKE_ARGS_FILE="+argsFile,
		)},
		LockDir: t.TempDir(),
	})
	rec := &recorder{}
	ctrl.Subscribe(rec)

	_, err := ctrl.Submit(context.Background(), Params{Input: input, Output: filepath.Join(dir, "out"), Bitrate: "800"}, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()
	out, err := ctrl.Wait(ctx)
	require.NoError(t, err)

	assert.True(t, out.Success, out.Message)
	assert.Equal(t, []int{0, 25, 50, 100}, rec.percents())
	assert.Equal(t, []string{"[vp9] some warning"}, out.Diagnostics)
	assert.Equal(t, filepath.Join(dir, "out.webm"), out.Output)

	data, err := os.ReadFile(argsFile)
	require.NoError(t, err)
	args := strings.Split(string(data), "\n")
	assert.Equal(t, 1, strings.Count(string(data), "-b:v"))
	assert.Contains(t, args, "800k")
	assert.Equal(t, filepath.Join(dir, "out.webm"), args[len(args)-1])
}

func TestControllerReportsRealFailure(t *testing.T) {
	dir := t.TempDir()
	input := writeFile(t, filepath.Join(dir, "in.mp4"))

	settings := testSettings()
	settings.FFmpegPath = os.Args[0]

	ctrl := NewController(Options{
		Settings: settings,
		Starter:  ExecStarter{Env: fakeEnv("err:Unknown encoder 'libvpx-vp9'", 1)},
		LockDir:  t.TempDir(),
	})

	_, err := ctrl.Submit(context.Background(), Params{Input: input, Output: filepath.Join(dir, "out"), Bitrate: "800"}, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()
	out, err := ctrl.Wait(ctx)
	require.NoError(t, err)

	assert.False(t, out.Success)
	assert.Equal(t, 1, out.ExitCode)
	assert.Equal(t, []string{"Unknown encoder 'libvpx-vp9'"}, out.Diagnostics)
}

func TestControllerMissingEncoderBinary(t *testing.T) {
	dir := t.TempDir()
	input := writeFile(t, filepath.Join(dir, "in.mp4"))

	settings := testSettings()
	settings.FFmpegPath = filepath.Join(dir, "no-ffmpeg-here")

	ctrl := NewController(Options{Settings: settings, LockDir: t.TempDir()})
	_, err := ctrl.Submit(context.Background(), Params{Input: input, Output: filepath.Join(dir, "out"), Bitrate: "800"}, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	out, err := ctrl.Wait(ctx)
	require.NoError(t, err)
	assert.False(t, out.Success)
	assert.Contains(t, out.Message, "Could not start the encoder")
}
