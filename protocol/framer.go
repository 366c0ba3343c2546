package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"strings"
)

// Opcodes of the outbound call frame.
const (
	OpFullStream   byte = 1
	OpSingleRecord byte = 2
)

// FrameMode selects how the single-record call carries its sequence.
type FrameMode int

const (
	// FrameNarrow is the original two byte frame [op, seq]; the sequence is
	// truncated to its low byte.
	FrameNarrow FrameMode = iota
	// FrameWide carries the full sequence as a big-endian uint32: [op, seq(4)].
	FrameWide
)

// MaxNarrowSequence is the largest sequence a narrow frame can address
// without aliasing.
const MaxNarrowSequence = 0xFF

var ErrUnknownOpcode = errors.New("unknown opcode")

func ParseFrameMode(s string) (FrameMode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "narrow":
		return FrameNarrow, nil
	case "wide":
		return FrameWide, nil
	default:
		return FrameNarrow, fmt.Errorf("invalid frame mode '%s'", s)
	}
}

func (m FrameMode) String() string {
	if m == FrameWide {
		return "wide"
	}
	return "narrow"
}

// Addressable reports whether seq survives the frame encoding unchanged.
func (m FrameMode) Addressable(seq int32) bool {
	if m == FrameWide {
		return true
	}
	return seq >= 0 && seq <= MaxNarrowSequence
}

// FullStreamRequest is the frame asking the source to push its backlog.
func FullStreamRequest() []byte {
	return []byte{OpFullStream, 0}
}

// SingleRecordRequest is the narrow frame asking for one record. Sequences
// above MaxNarrowSequence alias onto their low byte.
func SingleRecordRequest(seq int32) []byte {
	return []byte{OpSingleRecord, byte(seq)}
}

// Framer encodes outbound calls for a given FrameMode.
type Framer struct {
	Mode FrameMode
}

func (f Framer) FullStream() []byte {
	return FullStreamRequest()
}

func (f Framer) SingleRecord(seq int32) []byte {
	if f.Mode == FrameWide {
		return binary.BigEndian.AppendUint32([]byte{OpSingleRecord}, uint32(seq))
	}
	return SingleRecordRequest(seq)
}

// WriteFrame writes the whole frame to w.
func WriteFrame(w io.Writer, frame []byte) error {
	n, err := w.Write(frame)
	if err != nil {
		return fmt.Errorf("write frame: %w", err)
	}
	if n != len(frame) {
		return fmt.Errorf("write frame: %w", io.ErrShortWrite)
	}
	return nil
}

// Request is a decoded inbound call, as seen by a source.
type Request struct {
	Op       byte
	Sequence int32
}

// ReadRequest decodes one call frame from r.
func ReadRequest(r io.Reader, mode FrameMode) (Request, error) {
	var head [2]byte
	if _, err := io.ReadFull(r, head[:]); err != nil {
		return Request{}, fmt.Errorf("read request: %w", err)
	}
	switch head[0] {
	case OpFullStream:
		return Request{Op: OpFullStream}, nil
	case OpSingleRecord:
		if mode != FrameWide {
			return Request{Op: OpSingleRecord, Sequence: int32(head[1])}, nil
		}
		var rest [3]byte
		if _, err := io.ReadFull(r, rest[:]); err != nil {
			return Request{}, fmt.Errorf("read request sequence: %w", err)
		}
		seq := binary.BigEndian.Uint32([]byte{head[1], rest[0], rest[1], rest[2]})
		return Request{Op: OpSingleRecord, Sequence: int32(seq)}, nil
	default:
		return Request{}, fmt.Errorf("%w: %d", ErrUnknownOpcode, head[0])
	}
}
