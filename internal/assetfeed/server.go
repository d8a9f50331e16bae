// Package assetfeed streams queued render inputs to connected workers, one
// item per acknowledged exchange. Fast workers pull more items; that is the
// whole load-balancing scheme.
package assetfeed

import (
	"context"
	"errors"
	"net"
	"os"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog/log"

	"github.com/danmuck/renderctl/internal/protocol/wire"
	"github.com/danmuck/renderctl/internal/workqueue"
)

// Server hands out work items exactly once each across any number of
// concurrently connected workers.
type Server struct {
	queue *workqueue.Queue

	connsMu sync.Mutex
	conns   map[net.Conn]struct{}

	clientCount atomic.Int64
	delivered   atomic.Int64

	// Fatalf aborts the whole run. A bad handshake or a reset peer means a
	// worker crashed and the results cannot be trusted.
	Fatalf func(format string, args ...any)
}

func New(queue *workqueue.Queue) *Server {
	return &Server{
		queue:  queue,
		conns:  make(map[net.Conn]struct{}),
		Fatalf: defaultFatalf,
	}
}

func defaultFatalf(format string, args ...any) {
	log.Error().Msgf(format, args...)
	os.Exit(1)
}

// Feed accept loop for worker connections on an existing listener.
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

// Feed connection handler: pop, send, await acknowledgment, repeat until
// the queue drains, then send the shutdown token.
func (s *Server) handleConn(conn net.Conn) {
	defer conn.Close()
	defer s.untrackConn(conn)
	remote := conn.RemoteAddr().String()
	active := s.clientCount.Add(1)
	log.Debug().Str("remote", remote).Int64("active", active).Msg("feed client connected")
	defer func() {
		remaining := s.clientCount.Add(-1)
		log.Debug().Str("remote", remote).Int64("active", remaining).Msg("feed client disconnected")
	}()

	for {
		item, ok := s.queue.TryPop()
		if !ok {
			// The position where a name length would go carries the
			// shutdown token instead; that is the entire "no more work"
			// signal.
			if err := wire.WriteUint32(conn, wire.NoMoreWorkToken); err != nil {
				log.Debug().Str("remote", remote).Err(err).Msg("feed shutdown send failed")
			}
			return
		}

		if remaining := s.queue.Len(); remaining%7 == 0 {
			log.Info().Int("remaining", remaining).Msg("assets remaining")
		}
		log.Debug().Str("remote", remote).Str("asset", item.Name).Msg("sending")

		if err := wire.WriteString(conn, item.Name); err != nil {
			s.Fatalf("feed connection reset by tool while sending %s (remote=%s): %v", item.Name, remote, err)
			return
		}
		if err := wire.WriteBytes(conn, item.Payload); err != nil {
			s.Fatalf("feed connection reset by tool while sending %s (remote=%s): %v", item.Name, remote, err)
			return
		}

		// The worker must finish the previous item before receiving the
		// next; responses on one connection are strictly sequential.
		ack, err := wire.ReadUint32(conn)
		if err != nil {
			s.Fatalf("feed connection reset by tool awaiting handshake (remote=%s): %v", remote, err)
			return
		}
		if ack != wire.AckToken {
			s.Fatalf("bad handshake from tool: got 0x%08X (remote=%s)", ack, remote)
			return
		}
		s.delivered.Add(1)
	}
}

// Delivered reports how many items were sent and acknowledged.
func (s *Server) Delivered() int64 {
	return s.delivered.Load()
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
