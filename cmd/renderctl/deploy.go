package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/rs/zerolog/log"

	"github.com/danmuck/renderctl/internal/config"
	"github.com/danmuck/renderctl/internal/deploy"
	"github.com/danmuck/renderctl/internal/workqueue"
)

var knownTools = map[string]bool{
	"gms":     true,
	"goldens": true,
	"player":  true,
}

func runDeploy(ctx context.Context, cfg config.Config, tools []string, serverOnly, verbose bool) error {
	for _, tool := range tools {
		if !knownTools[tool] {
			return fmt.Errorf("unknown tool %q (expected gms, goldens, or player)", tool)
		}
	}

	queue := workqueue.New()
	if hasTool(tools, "goldens") {
		items, err := scanAssets(cfg.SrcDir)
		if err != nil {
			return err
		}
		log.Info().Int("assets", len(items)).Str("src", cfg.SrcDir).Msg("queued render assets")
		for _, item := range items {
			queue.Push(item)
		}
	}
	if hasTool(tools, "player") {
		item, err := loadAsset(cfg.SrcDir)
		if err != nil {
			return err
		}
		queue.Push(item)
	}

	runner := deploy.NewRunner(deploy.Config{
		OutDir:       cfg.OutDir,
		Remote:       cfg.Remote,
		AwaitTimeout: cfg.AwaitTimeout,
	}, queue)
	if err := runner.Start(ctx); err != nil {
		return err
	}
	defer runner.Stop()

	cmds := make([]deploy.WorkerCmd, len(tools))
	for i, tool := range tools {
		cmds[i] = toolCommand(tool, cfg, verbose, runner.HarnessAddr(), runner.FeedAddr())
	}

	if serverOnly {
		fmt.Println("services are up; launch workers by hand:")
		for _, c := range cmds {
			fmt.Printf("\n    %s\n", c)
		}
		fmt.Println("\npress Ctrl-C to shut down")
		<-ctx.Done()
		return nil
	}

	start := time.Now()
	launches := make([]deploy.Launcher, len(tools))
	for i, tool := range tools {
		jobs := cfg.JobsPerTool
		if cfg.Serial || tool == "player" {
			jobs = 1
		}
		log.Debug().Str("tool", tool).Int("jobs", jobs).Stringer("cmd", cmds[i]).Msg("prepared launch")
		launches[i] = deploy.Processes(cmds[i], jobs)
	}

	var err error
	if cfg.Serial {
		err = runner.RunSerial(ctx, launches)
	} else {
		err = runner.RunParallel(ctx, launches)
	}
	if err != nil {
		return err
	}

	printSummary(runner, time.Since(start))
	return nil
}

func hasTool(tools []string, name string) bool {
	for _, tool := range tools {
		if tool == name {
			return true
		}
	}
	return false
}

// scanAssets reads every .riv file under srcDir into a queue item, in
// name order so runs are reproducible.
func scanAssets(srcDir string) ([]workqueue.Item, error) {
	if _, err := os.Stat(srcDir); err != nil {
		return nil, fmt.Errorf("can't find rivs path %q: %w", srcDir, err)
	}
	matches, err := filepath.Glob(filepath.Join(srcDir, "*.riv"))
	if err != nil {
		return nil, fmt.Errorf("scan %q: %w", srcDir, err)
	}
	sort.Strings(matches)

	items := make([]workqueue.Item, 0, len(matches))
	for _, path := range matches {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read asset %q: %w", path, err)
		}
		items = append(items, workqueue.Item{Name: filepath.Base(path), Payload: data})
	}
	if len(items) == 0 {
		return nil, fmt.Errorf("no .riv assets under %q", srcDir)
	}
	return items, nil
}

// loadAsset reads the single file the player tool renders.
func loadAsset(path string) (workqueue.Item, error) {
	info, err := os.Stat(path)
	if err != nil {
		return workqueue.Item{}, fmt.Errorf("can't find asset %q: %w", path, err)
	}
	if info.IsDir() {
		return workqueue.Item{}, fmt.Errorf("player needs a single .riv file, %q is a directory", path)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return workqueue.Item{}, fmt.Errorf("read asset %q: %w", path, err)
	}
	return workqueue.Item{Name: filepath.Base(path), Payload: data}, nil
}

// toolCommand builds the invocation line for one worker tool, pointing it
// at the harness and feed endpoints the runner bound.
func toolCommand(tool string, cfg config.Config, verbose bool, harnessAddr, feedAddr string) deploy.WorkerCmd {
	path := filepath.Join(cfg.BuildDir, tool)
	var args []string
	switch tool {
	case "gms":
		args = append(args,
			"--backend", cfg.Backend,
			"--output", harnessAddr,
			"--headless",
			fmt.Sprintf("-p%d", cfg.PNGThreads),
		)
		if cfg.Match != "" {
			args = append(args, "--match", cfg.Match)
		}
	case "goldens":
		args = append(args,
			"--backend", cfg.Backend,
			"--output", harnessAddr,
			"--src", feedAddr,
			"--headless",
			fmt.Sprintf("-p%d", cfg.PNGThreads),
			fmt.Sprintf("--rows=%d", cfg.Rows),
			fmt.Sprintf("--cols=%d", cfg.Cols),
		)
	case "player":
		args = append(args,
			"--backend", cfg.Backend,
			"--output", harnessAddr,
			"--src", feedAddr,
		)
		if cfg.Options != "" {
			args = append(args, "--options", cfg.Options)
		}
	}
	if verbose {
		args = append(args, "--verbose")
	}
	return deploy.WorkerCmd{Path: path, Args: args}
}

func printSummary(runner *deploy.Runner, elapsed time.Duration) {
	t := table.NewWriter()
	t.SetOutputMirror(os.Stdout)
	t.SetStyle(table.StyleLight)
	t.AppendHeader(table.Row{"Metric", "Value"})
	t.AppendRows([]table.Row{
		{"run id", runner.RunID()},
		{"assets delivered", runner.Feed().Delivered()},
		{"artifacts received", runner.Harness().Artifacts()},
		{"claims granted", runner.Harness().ClaimsGranted()},
		{"duration", elapsed.Round(time.Millisecond)},
	})
	t.Render()
}
