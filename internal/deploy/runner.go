package deploy

import (
	"context"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"time"

	"github.com/gofrs/flock"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/danmuck/renderctl/internal/assetfeed"
	"github.com/danmuck/renderctl/internal/harness"
	"github.com/danmuck/renderctl/internal/workqueue"
)

// Run orchestrator configuration.
type Config struct {
	// OutDir receives uploaded artifacts and holds the run lock.
	OutDir string
	// Remote binds the services on a routable local IP instead of loopback,
	// for devices that cannot use port forwarding.
	Remote bool
	// AwaitTimeout bounds each wait for a worker's completion signal. The
	// bound is advisory; process join remains the authority.
	AwaitTimeout time.Duration
	// Console receives worker console passthrough.
	Console *os.File
}

func DefaultConfig() Config {
	return Config{
		OutDir:       ".",
		AwaitTimeout: 5 * time.Minute,
		Console:      os.Stdout,
	}
}

// Runner owns the lifecycle of both tool services: bind, serve, stop. The
// two endpoints are handed to workers on their command lines.
type Runner struct {
	cfg Config

	runID   uuid.UUID
	lock    *flock.Flock
	harness *harness.Server
	feed    *assetfeed.Server

	harnessLn net.Listener
	feedLn    net.Listener

	cancel     context.CancelFunc
	harnessErr chan error
	feedErr    chan error
}

func NewRunner(cfg Config, queue *workqueue.Queue) *Runner {
	if cfg.OutDir == "" {
		cfg.OutDir = DefaultConfig().OutDir
	}
	if cfg.AwaitTimeout <= 0 {
		cfg.AwaitTimeout = DefaultConfig().AwaitTimeout
	}
	if cfg.Console == nil {
		cfg.Console = os.Stdout
	}
	return &Runner{
		cfg:   cfg,
		runID: uuid.New(),
		harness: harness.NewWithConfig(harness.Config{
			OutDir:  cfg.OutDir,
			Console: cfg.Console,
		}),
		feed: assetfeed.New(queue),
	}
}

// Start creates the output directory, takes the single-run lock, binds both
// services on OS-chosen ports, and begins accepting worker connections.
func (r *Runner) Start(ctx context.Context) error {
	if err := os.MkdirAll(r.cfg.OutDir, 0o755); err != nil {
		return fmt.Errorf("create output directory: %w", err)
	}

	r.lock = flock.New(filepath.Join(r.cfg.OutDir, ".renderctl.lock"))
	ok, err := r.lock.TryLock()
	if err != nil {
		return fmt.Errorf("acquire run lock: %w", err)
	}
	if !ok {
		return fmt.Errorf("another renderctl run owns %s", r.cfg.OutDir)
	}

	host := "127.0.0.1"
	if r.cfg.Remote {
		host = localIP()
	}

	r.harnessLn, err = net.Listen("tcp", net.JoinHostPort(host, "0"))
	if err != nil {
		_ = r.lock.Unlock()
		return fmt.Errorf("bind harness service: %w", err)
	}
	r.feedLn, err = net.Listen("tcp", net.JoinHostPort(host, "0"))
	if err != nil {
		_ = r.harnessLn.Close()
		_ = r.lock.Unlock()
		return fmt.Errorf("bind asset feed service: %w", err)
	}

	serveCtx, cancel := context.WithCancel(ctx)
	r.cancel = cancel
	r.harnessErr = make(chan error, 1)
	r.feedErr = make(chan error, 1)
	go func() { r.harnessErr <- r.harness.Serve(serveCtx, r.harnessLn) }()
	go func() { r.feedErr <- r.feed.Serve(serveCtx, r.feedLn) }()

	log.Info().
		Str("run_id", r.runID.String()).
		Str("harness", r.HarnessAddr()).
		Str("feed", r.FeedAddr()).
		Msg("tool services running")
	return nil
}

// Stop shuts both services down and releases the run lock.
func (r *Runner) Stop() {
	if r.cancel != nil {
		r.cancel()
		r.cancel = nil
		if err := <-r.harnessErr; err != nil {
			log.Warn().Err(err).Msg("harness service stopped with error")
		}
		if err := <-r.feedErr; err != nil {
			log.Warn().Err(err).Msg("asset feed service stopped with error")
		}
	}
	if r.lock != nil {
		if err := r.lock.Unlock(); err != nil {
			log.Warn().Err(err).Msg("failed to release run lock")
		}
		r.lock = nil
	}
}

// HarnessAddr returns the bound result/control endpoint, host:port.
func (r *Runner) HarnessAddr() string {
	return r.harnessLn.Addr().String()
}

// FeedAddr returns the bound asset distribution endpoint, host:port.
func (r *Runner) FeedAddr() string {
	return r.feedLn.Addr().String()
}

// Harness exposes the result/control service.
func (r *Runner) Harness() *harness.Server {
	return r.harness
}

// Feed exposes the asset distribution service.
func (r *Runner) Feed() *assetfeed.Server {
	return r.feed
}

// RunID identifies this orchestrator invocation in logs and summaries.
func (r *Runner) RunID() uuid.UUID {
	return r.runID
}

// localIP discovers the host's routable address by opening a UDP socket
// toward an arbitrary peer; nothing is sent and the peer need not exist.
func localIP() string {
	conn, err := net.Dial("udp", "10.254.254.254:1")
	if err != nil {
		return "127.0.0.1"
	}
	defer conn.Close()
	addr, ok := conn.LocalAddr().(*net.UDPAddr)
	if !ok {
		return "127.0.0.1"
	}
	return addr.IP.String()
}
