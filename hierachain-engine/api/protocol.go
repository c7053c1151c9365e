package api

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"

	"github.com/vmihailenco/msgpack/v5"
)

// MaxFrameSize is the maximum allowed frame size (50MB).
const MaxFrameSize = 50 * 1024 * 1024

// ErrFrameTooLarge is returned when a frame exceeds MaxFrameSize.
var ErrFrameTooLarge = errors.New("frame size exceeds maximum allowed size")

// Request types
const (
	RequestAuth     = "auth"
	RequestSnapshot = "snapshot"
	RequestStatus   = "status"
)

// Request is sent by a client. When authentication is enabled the first
// request on a connection must be RequestAuth.
type Request struct {
	Type  string `msgpack:"type"`
	Token string `msgpack:"token,omitempty"`
}

// Response answers a Request.
type Response struct {
	Success  bool        `msgpack:"success"`
	Error    string      `msgpack:"error,omitempty"`
	Snapshot []byte      `msgpack:"snapshot,omitempty"`
	Status   *StatusInfo `msgpack:"status,omitempty"`
}

// StatusInfo is the wire form of the driver status.
type StatusInfo struct {
	NodeID           uint64 `msgpack:"node_id"`
	View             uint64 `msgpack:"view"`
	SeqNum           uint64 `msgpack:"seq_num"`
	Height           uint64 `msgpack:"height"`
	Primary          bool   `msgpack:"primary"`
	StableCheckpoint uint64 `msgpack:"stable_checkpoint"`
	Dead             bool   `msgpack:"dead"`
	Summary          string `msgpack:"summary"`
}

// ReadFrame reads a length-prefixed frame from the reader.
// Format: [4 bytes length (BigEndian)] [N bytes payload]
func ReadFrame(r io.Reader) ([]byte, error) {
	var length uint32
	if err := binary.Read(r, binary.BigEndian, &length); err != nil {
		return nil, err
	}

	if length > MaxFrameSize {
		return nil, fmt.Errorf("%w: %d bytes (max: %d)", ErrFrameTooLarge, length, MaxFrameSize)
	}

	buf := make([]byte, length)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, fmt.Errorf("failed to read frame body: %w", err)
	}

	return buf, nil
}

// WriteFrame writes a length-prefixed frame to the writer.
func WriteFrame(w io.Writer, data []byte) error {
	if len(data) > math.MaxUint32 || len(data) > MaxFrameSize {
		return fmt.Errorf("%w: %d bytes (max: %d)", ErrFrameTooLarge, len(data), MaxFrameSize)
	}

	length := uint32(len(data)) // #nosec G115 - bounds checked above
	if err := binary.Write(w, binary.BigEndian, length); err != nil {
		return fmt.Errorf("failed to write frame length: %w", err)
	}
	if _, err := w.Write(data); err != nil {
		return fmt.Errorf("failed to write frame body: %w", err)
	}
	return nil
}

func readMsg(r io.Reader, v interface{}) error {
	frame, err := ReadFrame(r)
	if err != nil {
		return err
	}
	return msgpack.Unmarshal(frame, v)
}

func writeMsg(w io.Writer, v interface{}) error {
	frame, err := msgpack.Marshal(v)
	if err != nil {
		return err
	}
	return WriteFrame(w, frame)
}
