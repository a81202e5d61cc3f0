package transport

import (
	"encoding/binary"
	"fmt"
)

// packFrames serializes a wire message's frame list into one byte slice:
// a u16 frame count, then for each frame a u32 length prefix and the bytes.
// This is the plaintext that gets sealed by the session key before it hits
// the websocket connection.
func packFrames(frames [][]byte) []byte {
	size := 2
	for _, f := range frames {
		size += 4 + len(f)
	}

	out := make([]byte, 0, size)
	out = binary.BigEndian.AppendUint16(out, uint16(len(frames)))
	for _, f := range frames {
		out = binary.BigEndian.AppendUint32(out, uint32(len(f)))
		out = append(out, f...)
	}

	return out
}

// unpackFrames is packFrames's inverse.
func unpackFrames(b []byte) ([][]byte, error) {
	if len(b) < 2 {
		return nil, fmt.Errorf("transport: frame envelope too short")
	}

	count := binary.BigEndian.Uint16(b)
	b = b[2:]

	frames := make([][]byte, 0, count)
	for i := 0; i < int(count); i++ {
		if len(b) < 4 {
			return nil, fmt.Errorf("transport: truncated frame length")
		}
		n := binary.BigEndian.Uint32(b)
		b = b[4:]
		if uint32(len(b)) < n {
			return nil, fmt.Errorf("transport: truncated frame body")
		}
		frames = append(frames, b[:n])
		b = b[n:]
	}

	return frames, nil
}
