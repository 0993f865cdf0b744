package encoder

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"golang.org/x/text/encoding/unicode"
	"golang.org/x/text/transform"
)

// EventKind distinguishes output lines from the final exit notification.
type EventKind int

const (
	EventLine EventKind = iota
	EventExit
)

// Event is one item of a child process's ordered output stream. Every EventLine
// precedes the single EventExit, after which the channel is closed.
type Event struct {
	Kind     EventKind
	Line     string
	ExitCode int
	// Err is set on exit when the process could not be waited on normally.
	Err error
}

// Handle is a running child process.
type Handle interface {
	Events() <-chan Event
	// Terminate asks the process to stop and kills it if it is still alive after grace.
	Terminate(grace time.Duration) error
	PID() int
}

// Starter launches child processes.
type Starter interface {
	Start(argv []string) (Handle, error)
}

// Increase buffer size to handle potentially long lines (1MB max).
// Default is 64KB which can be exceeded by some FFmpeg metadata.
const maxLineBytes = 1024 * 1024

// ExecStarter starts real OS processes with stdout and stderr merged into one pipe.
type ExecStarter struct {
	// Env is appended to the current environment.
	Env []string
}

// Start spawns argv[0] with the remaining arguments.
func (s ExecStarter) Start(argv []string) (Handle, error) {
	if len(argv) == 0 || strings.TrimSpace(argv[0]) == "" {
		return nil, errors.New("start process: empty command")
	}

	// One pipe for both streams keeps lines in true arrival order.
	pr, pw, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("create output pipe: %w", err)
	}

	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.Stdout = pw
	cmd.Stderr = pw
	if len(s.Env) > 0 {
		cmd.Env = append(os.Environ(), s.Env...)
	}
	setProcessGroup(cmd)

	if err := cmd.Start(); err != nil {
		_ = pr.Close()
		_ = pw.Close()
		return nil, fmt.Errorf("start %s: %w", argv[0], err)
	}
	// The child owns the write end now; closing ours lets the reader see EOF.
	_ = pw.Close()

	p := &Process{
		cmd:    cmd,
		events: make(chan Event, 64),
		exited: make(chan struct{}),
	}
	go p.pump(pr)
	return p, nil
}

// Process is the Handle for an exec'd child.
type Process struct {
	cmd      *exec.Cmd
	events   chan Event
	exited   chan struct{}
	killOnce sync.Once
}

// Events returns the ordered line stream followed by one exit event.
func (p *Process) Events() <-chan Event { return p.events }

// PID returns the child's process id.
func (p *Process) PID() int {
	if p.cmd.Process == nil {
		return 0
	}
	return p.cmd.Process.Pid
}

// Terminate signals the child and escalates to a kill after grace. It does not wait
// for the exit; the exit event still arrives on Events.
func (p *Process) Terminate(grace time.Duration) error {
	select {
	case <-p.exited:
		return nil
	default:
	}

	if grace <= 0 {
		return killProcess(p.cmd)
	}
	if err := signalTerminate(p.cmd); err != nil {
		return err
	}
	p.killOnce.Do(func() {
		go func() {
			timer := time.NewTimer(grace)
			defer timer.Stop()
			select {
			case <-p.exited:
			case <-timer.C:
				_ = killProcess(p.cmd)
			}
		}()
	})
	return nil
}

func (p *Process) pump(r io.ReadCloser) {
	defer close(p.events)

	// Invalid byte sequences become U+FFFD instead of failing the read.
	decoded := transform.NewReader(r, unicode.UTF8.NewDecoder())
	scanner := bufio.NewScanner(decoded)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineBytes)

	for scanner.Scan() {
		p.events <- Event{Kind: EventLine, Line: strings.TrimSpace(scanner.Text())}
	}
	if err := scanner.Err(); err != nil {
		p.events <- Event{Kind: EventLine, Line: fmt.Sprintf("output reader error: %v", err)}
		// Keep draining so the child never blocks on a full pipe.
		_, _ = io.Copy(io.Discard, r)
	}
	_ = r.Close()

	waitErr := p.cmd.Wait()
	close(p.exited)

	exit := Event{Kind: EventExit, ExitCode: exitCode(waitErr)}
	var exitErr *exec.ExitError
	if waitErr != nil && !errors.As(waitErr, &exitErr) {
		exit.Err = waitErr
	}
	p.events <- exit
}

// exitCode maps a Wait error to the process exit status; -1 means the process was
// killed by a signal or could not be waited on.
func exitCode(err error) int {
	if err == nil {
		return 0
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode()
	}
	return -1
}
