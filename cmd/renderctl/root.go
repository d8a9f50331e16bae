package main

import (
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/danmuck/renderctl/internal/config"
)

type options struct {
	configPath string
	srcDir     string
	outDir     string
	buildDir   string
	backend    string
	match      string
	playerOpts string
	jobs       int
	pngThreads int
	rows       int
	cols       int
	timeout    time.Duration
	serial     bool
	remote     bool
	serverOnly bool
	verbose    bool
}

func newRootCommand() *cobra.Command {
	var opts options

	cmd := &cobra.Command{
		Use:           "renderctl [tools]",
		Short:         "Run render-test workers and collect their output images",
		Long:          "renderctl serves queued .riv assets to render-test worker processes\nover TCP, collects the images and events they report back, and\nsynchronizes serial or parallel worker launches.",
		Args:          cobra.MinimumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if opts.verbose {
				zerolog.SetGlobalLevel(zerolog.DebugLevel)
			}
			cfg, err := resolveConfig(cmd, opts)
			if err != nil {
				return err
			}
			return runDeploy(cmd.Context(), cfg, args, opts.serverOnly, opts.verbose)
		},
	}

	flags := cmd.Flags()
	flags.StringVarP(&opts.configPath, "config", "c", "", "configuration file path")
	flags.StringVarP(&opts.srcDir, "src", "s", "", "input directory of .riv files to render")
	flags.StringVarP(&opts.outDir, "outdir", "o", "", "base directory for uploaded images")
	flags.StringVarP(&opts.buildDir, "builddir", "B", "", "directory holding the built worker tools")
	flags.StringVarP(&opts.backend, "backend", "b", "", "render backend (default picked per platform)")
	flags.StringVarP(&opts.match, "match", "m", "", "match pattern for gms")
	flags.StringVarP(&opts.playerOpts, "options", "k", "", "additional options passed through to the player tool")
	flags.IntVarP(&opts.jobs, "jobs-per-tool", "j", 0, "worker processes to spawn per tool")
	flags.IntVarP(&opts.pngThreads, "png-threads", "p", 0, "png encoder threads per worker")
	flags.IntVar(&opts.rows, "rows", 0, "rows in the goldens grid")
	flags.IntVar(&opts.cols, "cols", 0, "columns in the goldens grid")
	flags.DurationVarP(&opts.timeout, "timeout", "t", 0, "bound on each serial completion wait")
	flags.BoolVar(&opts.serial, "serial", false, "launch workers strictly one at a time")
	flags.BoolVarP(&opts.remote, "remote", "r", false, "serve from the host IP instead of loopback")
	flags.BoolVarP(&opts.serverOnly, "server-only", "S", false, "start services but do not launch workers")
	flags.BoolVarP(&opts.verbose, "verbose", "v", false, "enable verbose output")

	return cmd
}

// resolveConfig layers defaults, the optional config file, then any flags
// the user actually set.
func resolveConfig(cmd *cobra.Command, opts options) (config.Config, error) {
	cfg := config.Default()
	if opts.configPath != "" {
		loaded, err := config.Load(opts.configPath)
		if err != nil {
			return config.Config{}, err
		}
		cfg = loaded
	}

	flags := cmd.Flags()
	if flags.Changed("src") {
		cfg.SrcDir = opts.srcDir
	}
	if flags.Changed("outdir") {
		cfg.OutDir = opts.outDir
	}
	if flags.Changed("builddir") {
		cfg.BuildDir = opts.buildDir
	}
	if flags.Changed("backend") {
		cfg.Backend = opts.backend
	}
	if flags.Changed("match") {
		cfg.Match = opts.match
	}
	if flags.Changed("options") {
		cfg.Options = opts.playerOpts
	}
	if flags.Changed("jobs-per-tool") {
		cfg.JobsPerTool = opts.jobs
	}
	if flags.Changed("png-threads") {
		cfg.PNGThreads = opts.pngThreads
	}
	if flags.Changed("rows") {
		cfg.Rows = opts.rows
	}
	if flags.Changed("cols") {
		cfg.Cols = opts.cols
	}
	if flags.Changed("timeout") {
		cfg.AwaitTimeout = opts.timeout
	}
	if flags.Changed("serial") {
		cfg.Serial = opts.serial
	}
	if flags.Changed("remote") {
		cfg.Remote = opts.remote
	}

	if cfg.Backend == "" {
		cfg.Backend = config.DefaultBackend()
	}
	if err := config.Validate(cfg); err != nil {
		return config.Config{}, err
	}
	return cfg, nil
}
