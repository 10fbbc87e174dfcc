package chatsock

import "bytes"

const (
	// Terminator delimits frames on the wire. It never appears inside a payload.
	Terminator byte = 0
	// MinFrameBytes is the smallest readable length worth scanning.
	MinFrameBytes = 3
	// DefaultMaxFrameSize bounds the bytes buffered for one unterminated frame.
	DefaultMaxFrameSize = 64 * 1024
)

// Frame is the payload of exactly one message, without its terminator.
type Frame []byte

// ExtractFrame removes one complete frame from the front of buf.
//
// It returns (nil, nil) when the buffer does not yet hold a complete frame:
// either fewer than MinFrameBytes are readable, or no terminator was found and
// the pending bytes are still within maxFrameSize. In both cases buf is left
// untouched and the caller should wait for more data.
//
// If no terminator appears within the first maxFrameSize+1 bytes, the frame can
// never become valid and ErrFrameTooLarge is returned, again without touching buf.
//
// On success the frame and its terminator are consumed. The returned Frame is a
// copy and stays valid after buf is modified.
func ExtractFrame(buf *Buffer, maxFrameSize int) (Frame, error) {
	if maxFrameSize <= 0 {
		maxFrameSize = DefaultMaxFrameSize
	}

	readable := buf.Len()
	if readable < MinFrameBytes {
		return nil, nil
	}

	data := buf.Peek()
	window := data
	if len(window) > maxFrameSize+1 {
		window = window[:maxFrameSize+1]
	}

	n := bytes.IndexByte(window, Terminator)
	if n < 0 {
		if readable > maxFrameSize {
			return nil, ErrFrameTooLarge
		}
		return nil, nil
	}

	frame := make(Frame, n)
	copy(frame, data[:n])
	buf.Retrieve(n + 1)
	return frame, nil
}
