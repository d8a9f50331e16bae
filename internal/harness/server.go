package harness

import (
	"context"
	"errors"
	"io"
	"net"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog/log"

	"github.com/danmuck/renderctl/internal/protocol/wire"
)

// Request tags understood by the harness connection loop.
const (
	RequestImageUpload      uint32 = 0
	RequestClaimTest        uint32 = 1
	RequestConsoleMessage   uint32 = 2
	RequestDisconnect       uint32 = 3
	RequestApplicationCrash uint32 = 4
)

// Harness service configuration.
type Config struct {
	// OutDir receives uploaded artifacts; destination filenames are
	// relative to it and assumed non-colliding by the caller.
	OutDir string
	// Console receives worker console messages verbatim.
	Console io.Writer
}

func DefaultConfig() Config {
	return Config{OutDir: ".", Console: os.Stdout}
}

// Server is the result/control service: workers upload artifacts, claim
// named tests, forward console output, and report shutdown or crashes.
type Server struct {
	cfg Config

	claimedMu sync.Mutex
	claimed   map[string]struct{}

	signalMu sync.Mutex
	signal   *signal

	connsMu sync.Mutex
	conns   map[net.Conn]struct{}

	consoleMu sync.Mutex

	clientCount   atomic.Int64
	artifactCount atomic.Int64
	claimsGranted atomic.Int64

	// Fatalf aborts the whole run; any worker misbehavior invalidates the
	// results. Tests override it to observe fatal paths without exiting.
	Fatalf func(format string, args ...any)
}

func New() *Server {
	return NewWithConfig(DefaultConfig())
}

func NewWithConfig(cfg Config) *Server {
	if cfg.OutDir == "" {
		cfg.OutDir = DefaultConfig().OutDir
	}
	if cfg.Console == nil {
		cfg.Console = DefaultConfig().Console
	}
	return &Server{
		cfg:     cfg,
		claimed: make(map[string]struct{}),
		conns:   make(map[net.Conn]struct{}),
		Fatalf:  defaultFatalf,
	}
}

func defaultFatalf(format string, args ...any) {
	log.Error().Msgf(format, args...)
	os.Exit(1)
}

// Harness accept loop for worker connections on an existing listener.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	defer ln.Close()
	go func() {
		<-ctx.Done()
		s.closeAllConns()
		_ = ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return err
		}
		s.trackConn(conn)
		go s.handleConn(conn)
	}
}

// Harness connection handler: one request loop per worker connection.
func (s *Server) handleConn(conn net.Conn) {
	defer conn.Close()
	defer s.untrackConn(conn)
	remote := conn.RemoteAddr().String()
	active := s.clientCount.Add(1)
	log.Debug().Str("remote", remote).Int64("active", active).Msg("harness client connected")
	defer func() {
		remaining := s.clientCount.Add(-1)
		log.Debug().Str("remote", remote).Int64("active", remaining).Msg("harness client disconnected")
	}()

	for {
		tag, err := wire.ReadUint32(conn)
		if err != nil {
			// A worker that vanishes without a Disconnect request crashed;
			// a partial run is indistinguishable from a good one.
			s.Fatalf("harness connection reset by client tool (remote=%s): %v", remote, err)
			return
		}

		switch tag {
		case RequestDisconnect:
			final, err := wire.ReadUint32(conn)
			if err != nil {
				s.Fatalf("harness disconnect read failed (remote=%s): %v", remote, err)
				return
			}
			if final != 0 {
				s.fireCompletion()
			}
			return

		case RequestImageUpload:
			if !s.handleUpload(conn, remote) {
				return
			}

		case RequestClaimTest:
			name, err := wire.ReadString(conn)
			if err != nil {
				s.Fatalf("harness claim read failed (remote=%s): %v", remote, err)
				return
			}
			granted := s.Claim(name)
			if err := wire.WriteBool(conn, granted); err != nil {
				s.Fatalf("harness claim response failed (remote=%s): %v", remote, err)
				return
			}

		case RequestConsoleMessage:
			text, err := wire.ReadString(conn)
			if err != nil {
				s.Fatalf("harness console read failed (remote=%s): %v", remote, err)
				return
			}
			// Verbatim passthrough; the worker controls its own newlines.
			s.consoleMu.Lock()
			_, _ = io.WriteString(s.cfg.Console, text)
			s.consoleMu.Unlock()

		case RequestApplicationCrash:
			text, err := wire.ReadString(conn)
			if err != nil {
				s.Fatalf("harness crash report read failed (remote=%s): %v", remote, err)
				return
			}
			s.Fatalf("CRASH in tool: %s", text)
			return

		default:
			s.Fatalf("harness received unknown request tag %d (remote=%s)", tag, remote)
			return
		}
	}
}

// handleUpload streams one chunked artifact into OutDir. Returns false when
// the connection loop must stop.
func (s *Server) handleUpload(conn net.Conn, remote string) bool {
	name, err := wire.ReadString(conn)
	if err != nil {
		s.Fatalf("harness upload filename read failed (remote=%s): %v", remote, err)
		return false
	}
	destination := filepath.Join(s.cfg.OutDir, name)

	file, err := os.Create(destination)
	if err != nil {
		s.Fatalf("harness cannot create artifact %s: %v", destination, err)
		return false
	}

	for {
		chunkSize, err := wire.ReadUint32(conn)
		if err != nil {
			file.Close()
			s.Fatalf("harness upload interrupted (remote=%s, file=%s): %v", remote, name, err)
			return false
		}
		if chunkSize == wire.EndOfStreamToken {
			break
		}
		chunk, err := wire.ReadFull(conn, chunkSize)
		if err != nil {
			file.Close()
			s.Fatalf("harness upload interrupted (remote=%s, file=%s): %v", remote, name, err)
			return false
		}
		if _, err := file.Write(chunk); err != nil {
			file.Close()
			s.Fatalf("harness cannot write artifact %s: %v", destination, err)
			return false
		}
	}

	if err := file.Close(); err != nil {
		s.Fatalf("harness cannot finish artifact %s: %v", destination, err)
		return false
	}
	if err := wire.WriteUint32(conn, wire.AckToken); err != nil {
		s.Fatalf("harness upload ack failed (remote=%s): %v", remote, err)
		return false
	}

	s.artifactCount.Add(1)
	log.Debug().Str("artifact", destination).Msg("received")
	return true
}

// Claim reserves a named test, first caller wins. Later calls for the same
// name return false for the life of this server, across all connections.
func (s *Server) Claim(name string) bool {
	s.claimedMu.Lock()
	defer s.claimedMu.Unlock()
	if _, taken := s.claimed[name]; taken {
		return false
	}
	s.claimed[name] = struct{}{}
	s.claimsGranted.Add(1)
	return true
}

// Artifacts reports how many uploads completed.
func (s *Server) Artifacts() int64 {
	return s.artifactCount.Load()
}

// ClaimsGranted reports how many distinct test names were claimed.
func (s *Server) ClaimsGranted() int64 {
	return s.claimsGranted.Load()
}

func (s *Server) trackConn(conn net.Conn) {
	s.connsMu.Lock()
	defer s.connsMu.Unlock()
	s.conns[conn] = struct{}{}
}

func (s *Server) untrackConn(conn net.Conn) {
	s.connsMu.Lock()
	defer s.connsMu.Unlock()
	delete(s.conns, conn)
}

func (s *Server) closeAllConns() {
	s.connsMu.Lock()
	defer s.connsMu.Unlock()
	for conn := range s.conns {
		_ = conn.Close()
		delete(s.conns, conn)
	}
}
