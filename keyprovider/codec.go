package keyprovider

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/ruteri/tdx-cvm-manager/interfaces"
)

// MaxFrameSize bounds a single frame in either direction.
const MaxFrameSize = 16 << 20

// WriteFrame writes v as a 4-byte big-endian length followed by its JSON encoding.
func WriteFrame(w io.Writer, v any) error {
	body, err := json.Marshal(v)
	if err != nil {
		return err
	}
	if len(body) > MaxFrameSize {
		return fmt.Errorf("%w: frame of %d bytes", interfaces.ErrBodyTooLarge, len(body))
	}

	frame := make([]byte, 4+len(body))
	binary.BigEndian.PutUint32(frame, uint32(len(body)))
	copy(frame[4:], body)
	if _, err := w.Write(frame); err != nil {
		return fmt.Errorf("%w: %w", interfaces.ErrBrokerIO, err)
	}
	return nil
}

// ReadFrame reads one length-prefixed JSON frame into v. A stream that ends
// before the declared length is an error, never a partial value.
func ReadFrame(r io.Reader, v any) error {
	var header [4]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return readErr("length prefix", err)
	}

	size := binary.BigEndian.Uint32(header[:])
	if size > MaxFrameSize {
		return fmt.Errorf("%w: declared frame length %d", interfaces.ErrBodyTooLarge, size)
	}

	body := make([]byte, size)
	if _, err := io.ReadFull(r, body); err != nil {
		return readErr("frame body", err)
	}

	if err := json.Unmarshal(body, v); err != nil {
		return fmt.Errorf("%w: decoding frame: %w", interfaces.ErrBrokerIO, err)
	}
	return nil
}

func readErr(part string, err error) error {
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return fmt.Errorf("%w reading %s", interfaces.ErrTruncatedResponse, part)
	}
	return fmt.Errorf("%w: reading %s: %w", interfaces.ErrBrokerIO, part, err)
}
