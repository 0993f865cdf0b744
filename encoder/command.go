package encoder

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"webm-converter/config"
)

var (
	ErrInputNotFound        = errors.New("input file not found")
	ErrInvalidBitrate       = errors.New("invalid bitrate")
	ErrOverwriteDeclined    = errors.New("overwrite declined")
	ErrOutputLocked         = errors.New("output is locked by another conversion")
	ErrOverwriteUnconfirmed = errors.New("output exists and overwrite was not acknowledged")
)

// ValidationError is a user-facing rejection raised before any process starts.
type ValidationError struct {
	Field string
	Err   error
}

func (e *ValidationError) Error() string {
	switch {
	case errors.Is(e.Err, ErrInputNotFound):
		return "Please select a valid input file."
	case errors.Is(e.Err, ErrInvalidBitrate):
		return "Please enter a valid bitrate in kilobits (e.g., 1000)."
	case errors.Is(e.Err, ErrOverwriteDeclined):
		return "Conversion cancelled: output file was not overwritten."
	case errors.Is(e.Err, ErrOutputLocked):
		return "Another conversion is already writing this output file."
	}
	return fmt.Sprintf("%s: %v", e.Field, e.Err)
}

func (e *ValidationError) Unwrap() error { return e.Err }

// Params are the raw values a user typed into the conversion form.
type Params struct {
	Input   string
	Output  string
	Bitrate string
}

// Request is a validated conversion request. It can only be built through
// NewRequest and is immutable afterwards.
type Request struct {
	input       string
	output      string
	bitrateKbps int
}

// Input returns the source media path.
func (r Request) Input() string { return r.input }

// Output returns the destination path, always carrying the container extension.
func (r Request) Output() string { return r.output }

// BitrateKbps returns the target video bitrate in kilobits per second.
func (r Request) BitrateKbps() int { return r.bitrateKbps }

// NewRequest validates params and derives the output path. container is the target
// extension including the dot.
func NewRequest(p Params, container string) (Request, error) {
	input := strings.TrimSpace(p.Input)
	if input == "" {
		return Request{}, &ValidationError{Field: "input", Err: ErrInputNotFound}
	}
	info, err := os.Stat(input)
	if err != nil || !info.Mode().IsRegular() {
		return Request{}, &ValidationError{Field: "input", Err: fmt.Errorf("%w: %s", ErrInputNotFound, input)}
	}

	kbps, err := ParseBitrate(p.Bitrate)
	if err != nil {
		return Request{}, &ValidationError{Field: "bitrate", Err: err}
	}

	return Request{
		input:       input,
		output:      OutputPath(input, p.Output, container),
		bitrateKbps: kbps,
	}, nil
}

// ParseBitrate accepts a positive decimal integer of kilobits, e.g. "1000".
func ParseBitrate(raw string) (int, error) {
	raw = strings.TrimSpace(raw)
	if !isDigits(raw) {
		return 0, fmt.Errorf("%w: %q is not a whole number of kilobits", ErrInvalidBitrate, raw)
	}
	kbps, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("%w: %q is out of range", ErrInvalidBitrate, raw)
	}
	if kbps <= 0 {
		return 0, fmt.Errorf("%w: must be greater than zero", ErrInvalidBitrate)
	}
	return kbps, nil
}

// OutputPath derives the destination. An empty name becomes the input's base name
// with the container extension, in the working directory. A name that lacks the
// extension (case-insensitive) gets it appended once.
func OutputPath(input, name, container string) string {
	name = strings.TrimSpace(name)
	if name == "" {
		base := filepath.Base(input)
		return strings.TrimSuffix(base, filepath.Ext(base)) + container
	}
	if strings.HasSuffix(strings.ToLower(name), strings.ToLower(container)) {
		return name
	}
	return name + container
}

// Command is a built encoder invocation.
type Command struct {
	Binary       string
	Args         []string
	Output       string
	OutputExists bool
	acknowledged bool
}

// AcknowledgeOverwrite records that the caller agreed to replace an existing output.
func (c Command) AcknowledgeOverwrite() Command {
	c.acknowledged = true
	return c
}

// Argv returns the binary followed by its arguments. It refuses to hand out an
// invocation that would replace an existing output without acknowledgment.
func (c Command) Argv() ([]string, error) {
	if c.OutputExists && !c.acknowledged {
		return nil, fmt.Errorf("%w: %s", ErrOverwriteUnconfirmed, c.Output)
	}
	argv := make([]string, 0, len(c.Args)+1)
	argv = append(argv, c.Binary)
	argv = append(argv, c.Args...)
	return argv, nil
}

// String renders the invocation for logs.
func (c Command) String() string {
	return c.Binary + " " + strings.Join(c.Args, " ")
}

// CommandBuilder turns a Request into an encoder invocation using the fixed policy
// flags of the active profile.
type CommandBuilder struct {
	Settings config.Encoder
	// Exists reports whether a path is already present; os.Stat when nil.
	Exists func(path string) bool
}

// Build constructs the argument vector for req.
func (b CommandBuilder) Build(req Request) Command {
	s := b.Settings
	args := []string{
		"-y", // overwrite is gated by Command.Argv, not by ffmpeg
		"-i", req.Input(),
		"-c:v", s.VideoCodec,
		"-b:v", strconv.Itoa(req.BitrateKbps()) + "k",
		"-speed", strconv.Itoa(s.Speed),
		"-threads", strconv.Itoa(s.Threads),
		"-tile-columns", strconv.Itoa(s.TileColumns),
		"-tile-rows", strconv.Itoa(s.TileRows),
		"-progress", "pipe:1", // progress key=value pairs on stdout
		"-loglevel", s.LogLevel,
		req.Output(),
	}

	exists := b.Exists
	if exists == nil {
		exists = pathExists
	}

	return Command{
		Binary:       s.FFmpegPath,
		Args:         args,
		Output:       req.Output(),
		OutputExists: exists(req.Output()),
	}
}

func pathExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
