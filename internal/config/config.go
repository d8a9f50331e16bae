// Package config holds the tool-run configuration: defaults, the optional
// TOML file overlay, and validation.
package config

import (
	"fmt"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

// Config is the resolved tool-run configuration. Flags overlay the file,
// the file overlays defaults.
type Config struct {
	// SrcDir is the input directory of .riv assets to render.
	SrcDir string
	// OutDir is the base directory artifacts are uploaded into.
	OutDir string
	// BuildDir holds the built worker tool binaries.
	BuildDir string
	// Backend names the render backend workers should use. Empty means
	// pick a platform default.
	Backend string
	// JobsPerTool is how many worker processes each tool gets in parallel
	// mode. Serial targets always get one.
	JobsPerTool int
	// PNGThreads is forwarded to each worker for its encoder pool.
	PNGThreads int
	// Match restricts which gm tests run.
	Match string
	// Rows and Cols shape the goldens render grid.
	Rows int
	Cols int
	// Options is passed through to the player tool verbatim.
	Options string
	// Serial launches workers strictly one at a time, waiting on the
	// completion signal between launches.
	Serial bool
	// Remote serves from the host's routable IP instead of loopback.
	Remote bool
	// AwaitTimeout bounds each serial wait for a completion signal.
	AwaitTimeout time.Duration
}

func Default() Config {
	return Config{
		SrcDir:       filepath.Join("..", "..", "..", "gold", "rivs"),
		OutDir:       filepath.Join(".gold", "candidates"),
		BuildDir:     filepath.Join("out", "debug"),
		JobsPerTool:  4,
		PNGThreads:   4,
		Rows:         1,
		Cols:         1,
		AwaitTimeout: 5 * time.Minute,
	}
}

// DefaultBackend picks the render backend the way the native tools do when
// none is configured.
func DefaultBackend() string {
	switch runtime.GOOS {
	case "darwin":
		return "metal"
	case "windows":
		return "d3d"
	default:
		return "gl"
	}
}

type fileConfig struct {
	SrcDir       string `toml:"src_dir"`
	OutDir       string `toml:"out_dir"`
	BuildDir     string `toml:"build_dir"`
	Backend      string `toml:"backend"`
	JobsPerTool  int    `toml:"jobs_per_tool"`
	PNGThreads   int    `toml:"png_threads"`
	Match        string `toml:"match"`
	Rows         int    `toml:"rows"`
	Cols         int    `toml:"cols"`
	Options      string `toml:"options"`
	Serial       bool   `toml:"serial"`
	Remote       bool   `toml:"remote"`
	AwaitTimeout string `toml:"await_timeout"`
}

// Load overlays the TOML file at path onto the defaults. Only keys the
// file actually defines override anything.
func Load(path string) (Config, error) {
	cfg := Default()

	var raw fileConfig
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return Config{}, fmt.Errorf("load config: %w", err)
	}

	if meta.IsDefined("src_dir") {
		cfg.SrcDir = strings.TrimSpace(raw.SrcDir)
	}
	if meta.IsDefined("out_dir") {
		cfg.OutDir = strings.TrimSpace(raw.OutDir)
	}
	if meta.IsDefined("build_dir") {
		cfg.BuildDir = strings.TrimSpace(raw.BuildDir)
	}
	if meta.IsDefined("backend") {
		cfg.Backend = strings.TrimSpace(raw.Backend)
	}
	if meta.IsDefined("jobs_per_tool") {
		cfg.JobsPerTool = raw.JobsPerTool
	}
	if meta.IsDefined("png_threads") {
		cfg.PNGThreads = raw.PNGThreads
	}
	if meta.IsDefined("match") {
		cfg.Match = strings.TrimSpace(raw.Match)
	}
	if meta.IsDefined("rows") {
		cfg.Rows = raw.Rows
	}
	if meta.IsDefined("cols") {
		cfg.Cols = raw.Cols
	}
	if meta.IsDefined("options") {
		cfg.Options = raw.Options
	}
	if meta.IsDefined("serial") {
		cfg.Serial = raw.Serial
	}
	if meta.IsDefined("remote") {
		cfg.Remote = raw.Remote
	}
	if meta.IsDefined("await_timeout") {
		d, err := time.ParseDuration(strings.TrimSpace(raw.AwaitTimeout))
		if err != nil {
			return Config{}, fmt.Errorf("parse await_timeout: %w", err)
		}
		cfg.AwaitTimeout = d
	}

	if err := Validate(cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func Validate(cfg Config) error {
	if strings.TrimSpace(cfg.OutDir) == "" {
		return fmt.Errorf("config missing out_dir")
	}
	if cfg.JobsPerTool < 1 {
		return fmt.Errorf("jobs_per_tool must be at least 1, got %d", cfg.JobsPerTool)
	}
	if cfg.PNGThreads < 1 {
		return fmt.Errorf("png_threads must be at least 1, got %d", cfg.PNGThreads)
	}
	if cfg.Rows < 1 || cfg.Cols < 1 {
		return fmt.Errorf("rows and cols must be at least 1, got %dx%d", cfg.Rows, cfg.Cols)
	}
	if cfg.AwaitTimeout <= 0 {
		return fmt.Errorf("await_timeout must be positive, got %s", cfg.AwaitTimeout)
	}
	return nil
}
