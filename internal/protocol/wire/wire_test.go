package wire

import (
	"bytes"
	"errors"
	"testing"
	"testing/iotest"
)

func TestReadStringAccumulatesPartialReads(t *testing.T) {
	var buf bytes.Buffer
	if err := WriteString(&buf, "tiger.riv"); err != nil {
		t.Fatalf("write string: %v", err)
	}
	// One byte per Read call forces the exact-read path to retry.
	got, err := ReadString(iotest.OneByteReader(&buf))
	if err != nil {
		t.Fatalf("read string: %v", err)
	}
	if got != "tiger.riv" {
		t.Fatalf("string mismatch: %q", got)
	}
}

func TestReadUint32ClosedMidRead(t *testing.T) {
	_, err := ReadUint32(bytes.NewReader([]byte{0xFE, 0xE1}))
	if !errors.Is(err, ErrShortRead) {
		t.Fatalf("expected ErrShortRead, got %v", err)
	}
}

func TestReadStringClosedMidBody(t *testing.T) {
	var buf bytes.Buffer
	if err := WriteUint32(&buf, 16); err != nil {
		t.Fatalf("write length: %v", err)
	}
	buf.WriteString("short")
	_, err := ReadString(&buf)
	if !errors.Is(err, ErrShortRead) {
		t.Fatalf("expected ErrShortRead, got %v", err)
	}
}

func TestReadStringRejectsImplausibleLength(t *testing.T) {
	var buf bytes.Buffer
	if err := WriteUint32(&buf, NoMoreWorkToken); err != nil {
		t.Fatalf("write length: %v", err)
	}
	_, err := ReadString(&buf)
	if !errors.Is(err, ErrStringTooLong) {
		t.Fatalf("expected ErrStringTooLong, got %v", err)
	}
}

func TestWriteBoolEncodesFourBytes(t *testing.T) {
	var buf bytes.Buffer
	if err := WriteBool(&buf, true); err != nil {
		t.Fatalf("write bool: %v", err)
	}
	if err := WriteBool(&buf, false); err != nil {
		t.Fatalf("write bool: %v", err)
	}
	if !bytes.Equal(buf.Bytes(), []byte{0, 0, 0, 1, 0, 0, 0, 0}) {
		t.Fatalf("bool encoding mismatch: %v", buf.Bytes())
	}
}

func TestTokensAreDistinctFromEachOther(t *testing.T) {
	if AckToken == NoMoreWorkToken {
		t.Fatalf("ack and shutdown tokens must differ")
	}
	// Two roles share one value on purpose; this pins the overlap so a
	// future renumbering is a deliberate act.
	if AckToken != EndOfStreamToken {
		t.Fatalf("ack and end-of-stream tokens diverged")
	}
}
