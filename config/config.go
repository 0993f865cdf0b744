package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/pelletier/go-toml/v2"
)

// Profile represents a named encoding profile
type Profile string

const (
	ProfileDefault Profile = "default" // Balanced speed/quality (speed 5)
	ProfileFast    Profile = "fast"    // Realtime-ish encodes for previews (speed 8)
	ProfileQuality Profile = "quality" // Slower, better rate control (speed 2)
	ProfileArchive Profile = "archive" // Slowest, best compression (speed 1)
)

// AvailableProfiles returns all available profile names
func AvailableProfiles() []Profile {
	return []Profile{ProfileDefault, ProfileFast, ProfileQuality, ProfileArchive}
}

// Cancel policies for partially written output files.
const (
	CancelKeep   = "keep"
	CancelDelete = "delete"
)

// Encoder holds the ffmpeg invocation settings. None of these are exposed in the
// conversion form; they come from the profile and the config file.
type Encoder struct {
	// Profile name for display purposes
	ProfileName Profile `toml:"profile"`
	// FFmpegPath is the encoder binary, resolved from PATH when not absolute
	FFmpegPath string `toml:"ffmpeg_path"`
	// VideoCodec selects the ffmpeg encoder (-c:v)
	VideoCodec string `toml:"video_codec"`
	// Container is the output extension including the dot
	Container string `toml:"container"`
	// DefaultBitrateKbps pre-fills the bitrate field
	DefaultBitrateKbps int `toml:"default_bitrate_kbps"`
	// Speed trades encode time for quality in libvpx-vp9 (0-8, lower = slower/better)
	Speed int `toml:"speed"`
	// Threads is the -threads hint passed to the encoder
	Threads int `toml:"threads"`
	// TileColumns and TileRows are log2 tile counts used for parallel encoding
	TileColumns int `toml:"tile_columns"`
	TileRows    int `toml:"tile_rows"`
	// LogLevel is the ffmpeg -loglevel; kept low so diagnostics stay readable
	LogLevel string `toml:"log_level"`
	// OnCancel decides what happens to a partial output file: keep or delete
	OnCancel string `toml:"on_cancel"`
	// TerminateGraceSeconds is how long a cancelled encoder gets before SIGKILL
	TerminateGraceSeconds int `toml:"terminate_grace_seconds"`
}

// Probe holds ffprobe settings.
type Probe struct {
	FFprobePath    string `toml:"ffprobe_path"`
	TimeoutSeconds int    `toml:"timeout_seconds"`
}

// Logging contains configuration for log output.
type Logging struct {
	Format string `toml:"format"`
	Level  string `toml:"level"`
	File   string `toml:"file"`
}

// History contains configuration for the conversion history database.
type History struct {
	Enabled bool   `toml:"enabled"`
	Path    string `toml:"path"`
}

// Config encapsulates all configuration values.
type Config struct {
	Encoder Encoder `toml:"encoder"`
	Probe   Probe   `toml:"probe"`
	Logging Logging `toml:"logging"`
	History History `toml:"history"`
}

const (
	defaultFFmpegPath     = "ffmpeg"
	defaultFFprobePath    = "ffprobe"
	defaultVideoCodec     = "libvpx-vp9"
	defaultContainer      = ".webm"
	defaultBitrateKbps    = 1000
	defaultThreads        = 24
	defaultTileColumns    = 2
	defaultTileRows       = 1
	defaultEncoderLog     = "error"
	defaultProbeTimeout   = 10
	defaultTerminateGrace = 5
	defaultLogFormat      = "console"
	defaultLogLevel       = "info"
	defaultLogFile        = "~/.local/share/webm-converter/webm-converter.log"
	defaultHistoryPath    = "~/.local/share/webm-converter/history.db"
)

// Default returns a Config populated with the default profile.
func Default() Config {
	return Config{
		Encoder: GetProfile(ProfileDefault),
		Probe: Probe{
			FFprobePath:    defaultFFprobePath,
			TimeoutSeconds: defaultProbeTimeout,
		},
		Logging: Logging{
			Format: defaultLogFormat,
			Level:  defaultLogLevel,
			File:   defaultLogFile,
		},
		History: History{
			Enabled: true,
			Path:    defaultHistoryPath,
		},
	}
}

// GetProfile returns the encoder settings for a specific profile
func GetProfile(profile Profile) Encoder {
	// Base config with common settings
	base := Encoder{
		ProfileName:           profile,
		FFmpegPath:            defaultFFmpegPath,
		VideoCodec:            defaultVideoCodec,
		Container:             defaultContainer,
		DefaultBitrateKbps:    defaultBitrateKbps,
		Threads:               defaultThreads,
		TileColumns:           defaultTileColumns,
		TileRows:              defaultTileRows,
		LogLevel:              defaultEncoderLog,
		OnCancel:              CancelKeep,
		TerminateGraceSeconds: defaultTerminateGrace,
	}

	switch profile {
	case ProfileFast:
		base.Speed = 8
		base.DefaultBitrateKbps = 800

	case ProfileQuality:
		base.Speed = 2
		base.DefaultBitrateKbps = 2000

	case ProfileArchive:
		base.Speed = 1
		base.DefaultBitrateKbps = 1500
		base.TileRows = 0

	default: // ProfileDefault
		base.Speed = 5
	}

	return base
}

// ProfileDescription returns a human-readable description of a profile
func ProfileDescription(profile Profile) string {
	switch profile {
	case ProfileFast:
		return "Fast (speed 8, 800k) - Quick previews, lower quality"
	case ProfileQuality:
		return "Quality (speed 2, 2000k) - Slower encode, better detail"
	case ProfileArchive:
		return "Archive (speed 1, 1500k) - Slowest, best quality per bit"
	default:
		return "Default balanced (speed 5, 1000k) - Good speed/quality balance"
	}
}

// ParseProfile resolves a profile name case-insensitively.
func ParseProfile(name string) (Profile, error) {
	p := Profile(strings.ToLower(strings.TrimSpace(name)))
	if p == "" {
		return ProfileDefault, nil
	}
	for _, known := range AvailableProfiles() {
		if p == known {
			return p, nil
		}
	}
	return "", fmt.Errorf("unknown profile %q", name)
}

// DefaultConfigPath returns the default configuration file location.
func DefaultConfigPath() (string, error) {
	return expandPath("~/.config/webm-converter/config.toml")
}

// Load reads the configuration at path, falling back to defaults when the file does
// not exist. An empty path means the default location. The returned bool reports
// whether a file was read.
func Load(path string) (Config, string, bool, error) {
	cfg := Default()

	resolved := strings.TrimSpace(path)
	if resolved == "" {
		p, err := DefaultConfigPath()
		if err != nil {
			return Config{}, "", false, err
		}
		resolved = p
	} else {
		p, err := expandPath(resolved)
		if err != nil {
			return Config{}, "", false, err
		}
		resolved = p
	}

	exists := false
	data, err := os.ReadFile(resolved)
	switch {
	case err == nil:
		exists = true
		if err := toml.Unmarshal(data, &cfg); err != nil {
			return Config{}, resolved, true, fmt.Errorf("parse config %s: %w", resolved, err)
		}
		// A profile named in the file re-bases the encoder settings, then explicit keys win.
		if cfg.Encoder.ProfileName != "" && cfg.Encoder.ProfileName != ProfileDefault {
			profiled := Default()
			profiled.Encoder = GetProfile(cfg.Encoder.ProfileName)
			if err := toml.Unmarshal(data, &profiled); err != nil {
				return Config{}, resolved, true, fmt.Errorf("parse config %s: %w", resolved, err)
			}
			cfg = profiled
		}
	case errors.Is(err, fs.ErrNotExist):
	default:
		return Config{}, resolved, false, fmt.Errorf("read config %s: %w", resolved, err)
	}

	if err := cfg.normalize(); err != nil {
		return Config{}, resolved, exists, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, resolved, exists, err
	}
	return cfg, resolved, exists, nil
}

// ApplyProfile replaces the encoder settings with the named profile, keeping the
// binary path configured by the user.
func (c *Config) ApplyProfile(profile Profile) {
	ffmpeg := c.Encoder.FFmpegPath
	c.Encoder = GetProfile(profile)
	if ffmpeg != "" {
		c.Encoder.FFmpegPath = ffmpeg
	}
}

func (c *Config) normalize() error {
	var err error
	if c.Logging.File, err = expandPath(c.Logging.File); err != nil {
		return fmt.Errorf("logging.file: %w", err)
	}
	if c.History.Path, err = expandPath(c.History.Path); err != nil {
		return fmt.Errorf("history.path: %w", err)
	}
	c.Encoder.OnCancel = strings.ToLower(strings.TrimSpace(c.Encoder.OnCancel))
	if c.Encoder.OnCancel == "" {
		c.Encoder.OnCancel = CancelKeep
	}
	if c.Encoder.Container != "" && !strings.HasPrefix(c.Encoder.Container, ".") {
		c.Encoder.Container = "." + c.Encoder.Container
	}
	return nil
}

// Validate checks the configuration for values the encoder cannot accept.
func (c Config) Validate() error {
	e := c.Encoder
	switch {
	case strings.TrimSpace(e.FFmpegPath) == "":
		return errors.New("encoder.ffmpeg_path must not be empty")
	case strings.TrimSpace(e.VideoCodec) == "":
		return errors.New("encoder.video_codec must not be empty")
	case len(e.Container) < 2:
		return errors.New("encoder.container must be an extension such as .webm")
	case e.DefaultBitrateKbps <= 0:
		return fmt.Errorf("encoder.default_bitrate_kbps must be positive, got %d", e.DefaultBitrateKbps)
	case e.Speed < 0 || e.Speed > 8:
		return fmt.Errorf("encoder.speed must be between 0 and 8, got %d", e.Speed)
	case e.Threads <= 0:
		return fmt.Errorf("encoder.threads must be positive, got %d", e.Threads)
	case e.TileColumns < 0 || e.TileColumns > 6:
		return fmt.Errorf("encoder.tile_columns must be between 0 and 6, got %d", e.TileColumns)
	case e.TileRows < 0 || e.TileRows > 2:
		return fmt.Errorf("encoder.tile_rows must be between 0 and 2, got %d", e.TileRows)
	case e.OnCancel != CancelKeep && e.OnCancel != CancelDelete:
		return fmt.Errorf("encoder.on_cancel must be %q or %q, got %q", CancelKeep, CancelDelete, e.OnCancel)
	case e.TerminateGraceSeconds < 0:
		return fmt.Errorf("encoder.terminate_grace_seconds must not be negative")
	case c.Probe.TimeoutSeconds <= 0:
		return fmt.Errorf("probe.timeout_seconds must be positive, got %d", c.Probe.TimeoutSeconds)
	}
	if c.History.Enabled && strings.TrimSpace(c.History.Path) == "" {
		return errors.New("history.path must be set when history is enabled")
	}
	return nil
}

func expandPath(path string) (string, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return "", nil
	}
	if path == "~" || strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("resolve home directory: %w", err)
		}
		if path == "~" {
			return home, nil
		}
		path = filepath.Join(home, path[2:])
	}
	return filepath.Clean(path), nil
}
