// Package persistence implements the framed append-only log used by the
// durable record store.
package persistence

import (
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
)

// Constants for the log binary format.
const (
	// MagicByte marks the start of a valid frame.
	MagicByte = 0xA5

	// HeaderSize is 1 byte (Magic) + 1 byte (OpCode) + 4 bytes (Length) + 4 bytes (CRC32).
	HeaderSize = 10

	// MaxPayloadSize bounds the payload length ReadFrame accepts.
	MaxPayloadSize = 64 << 20
)

// OpCode identifies the operation a frame records.
type OpCode byte

const (
	OpPut    OpCode = 0x01
	OpDelete OpCode = 0x02
	OpClear  OpCode = 0x03
	OpNextID OpCode = 0x04
)

func (o OpCode) String() string {
	switch o {
	case OpPut:
		return "put"
	case OpDelete:
		return "delete"
	case OpClear:
		return "clear"
	case OpNextID:
		return "next_id"
	}
	return "unknown"
}

var (
	// ErrInvalidMagic indicates the stream lost synchronization or is not a log file.
	ErrInvalidMagic = errors.New("invalid magic byte")
	// ErrChecksumMismatch indicates corruption within the frame payload.
	ErrChecksumMismatch = errors.New("crc32 checksum mismatch")
	// ErrIncompleteFrame indicates the file ended in the middle of a frame.
	ErrIncompleteFrame = errors.New("incomplete frame")
)

// Frame is a decoded log entry.
type Frame struct {
	Op      OpCode
	Payload []byte
}

// FrameWriter writes binary frames to an io.Writer.
type FrameWriter struct {
	w io.Writer
}

// NewFrameWriter creates a writer that wraps an underlying io.Writer.
func NewFrameWriter(w io.Writer) *FrameWriter {
	return &FrameWriter{w: w}
}

// EncodeFrame returns the wire form of a frame:
// [Magic(1)][OpCode(1)][Length(4)][CRC(4)][Payload(N)]
func EncodeFrame(op OpCode, payload []byte) []byte {
	buf := make([]byte, HeaderSize+len(payload))
	buf[0] = MagicByte
	buf[1] = byte(op)
	binary.LittleEndian.PutUint32(buf[2:6], uint32(len(payload)))
	binary.LittleEndian.PutUint32(buf[6:10], crc32.ChecksumIEEE(payload))
	copy(buf[HeaderSize:], payload)
	return buf
}

// WriteFrame encodes the payload and writes header and payload in a single call.
func (fw *FrameWriter) WriteFrame(op OpCode, payload []byte) error {
	_, err := fw.w.Write(EncodeFrame(op, payload))
	return err
}

// ReadFrame reads the next frame from r, validating the magic byte and the
// checksum. It returns the frame, the number of bytes consumed and an error.
// A clean end of stream at a frame boundary yields io.EOF.
func ReadFrame(r io.Reader) (Frame, int, error) {
	return ReadFrameLimit(r, MaxPayloadSize)
}

// ReadFrameLimit is ReadFrame with a bound on the payload length, usually the
// bytes left in the file. A header declaring more is reported as
// ErrIncompleteFrame before the payload is allocated.
func ReadFrameLimit(r io.Reader, limit int64) (Frame, int, error) {
	header := make([]byte, HeaderSize)

	if n, err := io.ReadFull(r, header); err != nil {
		if err == io.EOF {
			return Frame{}, 0, io.EOF
		}
		return Frame{}, n, ErrIncompleteFrame
	}

	if header[0] != MagicByte {
		return Frame{}, HeaderSize, ErrInvalidMagic
	}

	length := binary.LittleEndian.Uint32(header[2:6])
	expectedCRC := binary.LittleEndian.Uint32(header[6:10])
	if int64(length) > limit {
		return Frame{}, HeaderSize, fmt.Errorf("%w: payload length %d exceeds %d available bytes", ErrIncompleteFrame, length, limit)
	}

	payload := make([]byte, length)
	if n, err := io.ReadFull(r, payload); err != nil {
		return Frame{}, HeaderSize + n, ErrIncompleteFrame
	}

	if crc32.ChecksumIEEE(payload) != expectedCRC {
		return Frame{}, HeaderSize + int(length), ErrChecksumMismatch
	}

	return Frame{Op: OpCode(header[1]), Payload: payload}, HeaderSize + int(length), nil
}
