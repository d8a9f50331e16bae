package harness

import (
	"bytes"
	"context"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/danmuck/renderctl/internal/protocol/wire"
	"github.com/danmuck/renderctl/internal/testutil/testlog"
)

func startHarness(t *testing.T, cfg Config) (*Server, string, chan string) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := NewWithConfig(cfg)
	fatals := make(chan string, 4)
	srv.Fatalf = func(format string, args ...any) {
		fatals <- fmt.Sprintf(format, args...)
	}
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go func() { _ = srv.Serve(ctx, ln) }()
	return srv, ln.Addr().String(), fatals
}

func dial(t *testing.T, addr string) net.Conn {
	t.Helper()
	conn, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatalf("dial %s: %v", addr, err)
	}
	return conn
}

func sendRequest(t *testing.T, conn net.Conn, tag uint32) {
	t.Helper()
	if err := wire.WriteUint32(conn, tag); err != nil {
		t.Fatalf("write request tag: %v", err)
	}
}

func TestUploadWritesChunksVerbatim(t *testing.T) {
	testlog.Start(t)
	outDir := t.TempDir()
	srv, addr, fatals := startHarness(t, Config{OutDir: outDir})

	conn := dial(t, addr)
	defer conn.Close()

	sendRequest(t, conn, RequestImageUpload)
	if err := wire.WriteString(conn, "out.png"); err != nil {
		t.Fatalf("write filename: %v", err)
	}
	for _, chunk := range [][]byte{[]byte("AB"), []byte("CDE")} {
		if err := wire.WriteBytes(conn, chunk); err != nil {
			t.Fatalf("write chunk: %v", err)
		}
	}
	if err := wire.WriteUint32(conn, wire.EndOfStreamToken); err != nil {
		t.Fatalf("write terminator: %v", err)
	}

	ack, err := wire.ReadUint32(conn)
	if err != nil {
		t.Fatalf("read upload ack: %v", err)
	}
	if ack != wire.AckToken {
		t.Fatalf("unexpected upload ack 0x%08X", ack)
	}

	data, err := os.ReadFile(filepath.Join(outDir, "out.png"))
	if err != nil {
		t.Fatalf("read artifact: %v", err)
	}
	if !bytes.Equal(data, []byte("ABCDE")) {
		t.Fatalf("artifact contents %q", data)
	}
	if srv.Artifacts() != 1 {
		t.Fatalf("artifact count %d", srv.Artifacts())
	}
	select {
	case msg := <-fatals:
		t.Fatalf("unexpected fatal: %s", msg)
	default:
	}
}

func TestUploadSingleByteChunks(t *testing.T) {
	testlog.Start(t)
	outDir := t.TempDir()
	_, addr, _ := startHarness(t, Config{OutDir: outDir})

	conn := dial(t, addr)
	defer conn.Close()

	payload := []byte("golden pixels")
	sendRequest(t, conn, RequestImageUpload)
	if err := wire.WriteString(conn, "grid.png"); err != nil {
		t.Fatalf("write filename: %v", err)
	}
	for _, b := range payload {
		if err := wire.WriteBytes(conn, []byte{b}); err != nil {
			t.Fatalf("write chunk: %v", err)
		}
	}
	if err := wire.WriteUint32(conn, wire.EndOfStreamToken); err != nil {
		t.Fatalf("write terminator: %v", err)
	}
	if ack, err := wire.ReadUint32(conn); err != nil || ack != wire.AckToken {
		t.Fatalf("upload ack: 0x%08X err=%v", ack, err)
	}

	data, err := os.ReadFile(filepath.Join(outDir, "grid.png"))
	if err != nil {
		t.Fatalf("read artifact: %v", err)
	}
	if !bytes.Equal(data, payload) {
		t.Fatalf("artifact contents %q", data)
	}
}

func TestClaimFirstConnectionWins(t *testing.T) {
	testlog.Start(t)
	_, addr, _ := startHarness(t, Config{OutDir: t.TempDir()})

	claim := func(conn net.Conn) uint32 {
		sendRequest(t, conn, RequestClaimTest)
		if err := wire.WriteString(conn, "gm_circle"); err != nil {
			t.Fatalf("write claim name: %v", err)
		}
		v, err := wire.ReadUint32(conn)
		if err != nil {
			t.Fatalf("read claim response: %v", err)
		}
		return v
	}

	first := dial(t, addr)
	defer first.Close()
	second := dial(t, addr)
	defer second.Close()

	if got := claim(first); got != 1 {
		t.Fatalf("first claim = %d, want 1", got)
	}
	if got := claim(second); got != 0 {
		t.Fatalf("second claim = %d, want 0", got)
	}
}

func TestClaimConcurrentSameName(t *testing.T) {
	testlog.Start(t)
	srv := New()

	const callers = 16
	var granted atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if srv.Claim("gm_rect") {
				granted.Add(1)
			}
		}()
	}
	wg.Wait()
	if granted.Load() != 1 {
		t.Fatalf("claim granted %d times, want 1", granted.Load())
	}
}

func TestConsoleMessagePassesThroughVerbatim(t *testing.T) {
	testlog.Start(t)
	var console bytes.Buffer
	_, addr, _ := startHarness(t, Config{OutDir: t.TempDir(), Console: &console})

	conn := dial(t, addr)

	sendRequest(t, conn, RequestConsoleMessage)
	if err := wire.WriteString(conn, "line one\nno trailing newline"); err != nil {
		t.Fatalf("write console text: %v", err)
	}
	sendRequest(t, conn, RequestDisconnect)
	if err := wire.WriteBool(conn, false); err != nil {
		t.Fatalf("write disconnect flag: %v", err)
	}
	conn.Close()

	deadline := time.Now().Add(2 * time.Second)
	for console.Len() == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if got := console.String(); got != "line one\nno trailing newline" {
		t.Fatalf("console passthrough %q", got)
	}
}

func TestDisconnectFinalFiresCompletion(t *testing.T) {
	testlog.Start(t)
	srv, addr, fatals := startHarness(t, Config{OutDir: t.TempDir()})
	srv.ResetCompletion()

	conn := dial(t, addr)
	sendRequest(t, conn, RequestDisconnect)
	if err := wire.WriteBool(conn, true); err != nil {
		t.Fatalf("write disconnect flag: %v", err)
	}
	conn.Close()

	if !srv.AwaitCompletion(5 * time.Second) {
		t.Fatalf("completion signal never fired")
	}
	select {
	case msg := <-fatals:
		t.Fatalf("unexpected fatal: %s", msg)
	default:
	}
}

func TestDisconnectWithoutFinalLeavesSignalUnfired(t *testing.T) {
	testlog.Start(t)
	srv, addr, _ := startHarness(t, Config{OutDir: t.TempDir()})
	srv.ResetCompletion()

	conn := dial(t, addr)
	sendRequest(t, conn, RequestDisconnect)
	if err := wire.WriteBool(conn, false); err != nil {
		t.Fatalf("write disconnect flag: %v", err)
	}
	conn.Close()

	if srv.AwaitCompletion(100 * time.Millisecond) {
		t.Fatalf("completion fired without final disconnect")
	}
}

func TestCrashReportIsFatal(t *testing.T) {
	testlog.Start(t)
	_, addr, fatals := startHarness(t, Config{OutDir: t.TempDir()})

	conn := dial(t, addr)
	defer conn.Close()
	sendRequest(t, conn, RequestApplicationCrash)
	if err := wire.WriteString(conn, "segfault in renderer"); err != nil {
		t.Fatalf("write crash text: %v", err)
	}

	select {
	case msg := <-fatals:
		if !strings.Contains(msg, "segfault in renderer") {
			t.Fatalf("crash description not surfaced: %s", msg)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("crash report did not trigger fatal handling")
	}
}

func TestAbruptCloseMidLoopIsFatal(t *testing.T) {
	testlog.Start(t)
	_, addr, fatals := startHarness(t, Config{OutDir: t.TempDir()})

	conn := dial(t, addr)
	conn.Close()

	select {
	case <-fatals:
	case <-time.After(2 * time.Second):
		t.Fatalf("vanished client did not trigger fatal handling")
	}
}

func TestAwaitWithoutResetPanics(t *testing.T) {
	testlog.Start(t)
	srv := New()
	defer func() {
		if recover() == nil {
			t.Fatalf("expected panic on wait without reset")
		}
	}()
	srv.AwaitCompletion(time.Millisecond)
}
