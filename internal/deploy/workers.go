package deploy

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

// WorkerCmd describes one worker tool invocation.
type WorkerCmd struct {
	Path string
	Args []string
}

func (c WorkerCmd) String() string {
	return c.Path + " " + strings.Join(c.Args, " ")
}

// Workers is the join handle over one launched batch of worker processes.
// Join is unbounded: a hung worker blocks the whole run.
type Workers interface {
	Wait() error
}

// Launcher starts one batch of workers against the running services. The
// orchestrator never spawns anything itself; callers decide what a worker
// is (usually Processes, goroutines in tests).
type Launcher func(ctx context.Context) (Workers, error)

type processSet struct {
	g *errgroup.Group
}

func (p *processSet) Wait() error {
	return p.g.Wait()
}

// Processes returns a launcher that spawns n identical worker processes
// with stdio passed through. Any non-zero exit fails the batch and cancels
// its siblings.
func Processes(cmd WorkerCmd, n int) Launcher {
	return func(ctx context.Context) (Workers, error) {
		g, gctx := errgroup.WithContext(ctx)
		for i := 0; i < n; i++ {
			g.Go(func() error {
				proc := exec.CommandContext(gctx, cmd.Path, cmd.Args...)
				proc.Stdout = os.Stdout
				proc.Stderr = os.Stderr
				log.Debug().Str("cmd", cmd.String()).Msg("launching worker")
				if err := proc.Run(); err != nil {
					var exitErr *exec.ExitError
					if errors.As(err, &exitErr) {
						return fmt.Errorf("worker %s exited with status %d",
							filepath.Base(cmd.Path), exitErr.ExitCode())
					}
					return fmt.Errorf("worker %s: %w", filepath.Base(cmd.Path), err)
				}
				return nil
			})
		}
		return &processSet{g: g}, nil
	}
}

// RunSerial launches one batch at a time: reset the completion signal,
// launch, wait for the worker's final disconnect (bounded, advisory), then
// join the process. For targets that can only run one application instance.
func (r *Runner) RunSerial(ctx context.Context, launches []Launcher) error {
	for _, launch := range launches {
		r.harness.ResetCompletion()
		workers, err := launch(ctx)
		if err != nil {
			return err
		}
		r.harness.AwaitCompletion(r.cfg.AwaitTimeout)
		if err := workers.Wait(); err != nil {
			return err
		}
	}
	return nil
}

// RunParallel launches every batch up front and joins them all at the end.
func (r *Runner) RunParallel(ctx context.Context, launches []Launcher) error {
	sets := make([]Workers, 0, len(launches))
	for _, launch := range launches {
		workers, err := launch(ctx)
		if err != nil {
			return err
		}
		sets = append(sets, workers)
	}
	var firstErr error
	for _, workers := range sets {
		if err := workers.Wait(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
