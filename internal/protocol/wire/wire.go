package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// Reserved 32-bit tokens shared by both tool services. The values sit far
// outside any plausible length prefix so they can occupy length positions
// on the wire without ambiguity.
const (
	// AckToken acknowledges one completed exchange (per-asset handshake on
	// the feed service, upload receipt on the harness service).
	AckToken uint32 = 0xFEE1600D

	// EndOfStreamToken terminates a chunked artifact upload. It shares
	// AckToken's numeric value but plays a distinct protocol role; keep the
	// two names separate if the protocol ever grows.
	EndOfStreamToken uint32 = 0xFEE1600D

	// NoMoreWorkToken tells a worker the asset queue is drained and it
	// should shut down.
	NoMoreWorkToken uint32 = 0xFEE1DEAD
)

// MaxStringLen bounds decoded string lengths. A length prefix above this is
// a corrupt or misframed stream, never a real filename or message.
const MaxStringLen uint32 = 1 << 20

var (
	ErrShortRead     = errors.New("wire: connection closed mid-read")
	ErrStringTooLong = errors.New("wire: string length exceeds limit")
)

// ReadUint32 performs an exact 4-byte big-endian read. Partial receives are
// accumulated by io.ReadFull; closure mid-read surfaces as ErrShortRead.
func ReadUint32(r io.Reader) (uint32, error) {
	var buf [4]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return 0, ErrShortRead
		}
		return 0, err
	}
	return binary.BigEndian.Uint32(buf[:]), nil
}

// WriteUint32 writes one 4-byte big-endian value.
func WriteUint32(w io.Writer, v uint32) error {
	var buf [4]byte
	binary.BigEndian.PutUint32(buf[:], v)
	_, err := w.Write(buf[:])
	return err
}

// ReadFull reads exactly n bytes, retrying partial receives until satisfied.
func ReadFull(r io.Reader, n uint32) ([]byte, error) {
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, ErrShortRead
		}
		return nil, err
	}
	return buf, nil
}

// ReadString reads a 4-byte length prefix followed by that many bytes of
// ASCII text. No null termination on the wire.
func ReadString(r io.Reader) (string, error) {
	n, err := ReadUint32(r)
	if err != nil {
		return "", err
	}
	if n > MaxStringLen {
		return "", fmt.Errorf("%w: %d", ErrStringTooLong, n)
	}
	buf, err := ReadFull(r, n)
	if err != nil {
		return "", err
	}
	return string(buf), nil
}

// WriteString writes a length-prefixed ASCII string.
func WriteString(w io.Writer, s string) error {
	if err := WriteUint32(w, uint32(len(s))); err != nil {
		return err
	}
	_, err := io.WriteString(w, s)
	return err
}

// WriteBytes writes a length-prefixed binary payload.
func WriteBytes(w io.Writer, b []byte) error {
	if err := WriteUint32(w, uint32(len(b))); err != nil {
		return err
	}
	_, err := w.Write(b)
	return err
}

// WriteBool writes a boolean as a 4-byte 0/1 value.
func WriteBool(w io.Writer, v bool) error {
	var u uint32
	if v {
		u = 1
	}
	return WriteUint32(w, u)
}
