package p2p

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
)

// maxFrameSize bounds control and header frames; payload bytes are not framed.
const maxFrameSize = 64 * 1024

var ErrFrameTooLarge = errors.New("frame too large")

// hello opens the control and info streams.
type hello struct {
	Name      string `json:"name"`
	ServiceID string `json:"serviceId,omitempty"`
	// Advertising is false when the peer answers an info request while hidden.
	Advertising bool `json:"advertising"`
}

type decision struct {
	Accept bool `json:"accept"`
}

// payloadHeader precedes the raw bytes of a payload stream.
type payloadHeader struct {
	ID   int64  `json:"id"`
	Kind int    `json:"kind"`
	Name string `json:"name,omitempty"`
	Size int64  `json:"size"`
}

type payloadAck struct {
	OK       bool  `json:"ok"`
	Received int64 `json:"received"`
}

// writeFrame writes v as a big-endian uint32 length followed by its JSON encoding.
func writeFrame(w io.Writer, v any) error {
	body, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode frame: %w", err)
	}

	if len(body) > maxFrameSize {
		return ErrFrameTooLarge
	}

	var size [4]byte
	binary.BigEndian.PutUint32(size[:], uint32(len(body)))

	if _, err := w.Write(size[:]); err != nil {
		return err
	}

	_, err = w.Write(body)

	return err
}

// readFrame reads exactly one frame, leaving anything after it unread.
func readFrame(r io.Reader, v any) error {
	var size [4]byte
	if _, err := io.ReadFull(r, size[:]); err != nil {
		return err
	}

	n := binary.BigEndian.Uint32(size[:])
	if n > maxFrameSize {
		return ErrFrameTooLarge
	}

	body := make([]byte, n)
	if _, err := io.ReadFull(r, body); err != nil {
		return err
	}

	if err := json.Unmarshal(body, v); err != nil {
		return fmt.Errorf("decode frame: %w", err)
	}

	return nil
}
