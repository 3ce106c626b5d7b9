// Package audio provides telephony audio plumbing shared by the streaming
// adapters: fixed-size frame accumulation and the mu-law wire constants used
// by the media stream.
package audio

// Telephony media arrives as 8kHz mono mu-law.
const (
	// DefaultFrameSize is the block size forwarded to the transcription
	// service: 400ms of 8kHz mu-law audio.
	DefaultFrameSize = 3200

	SampleRate = 8000
	Channels   = 1
	Encoding   = "mulaw"
)

// Framer accumulates small inbound chunks into fixed-size frames.
// It is synchronous and not safe for concurrent use; each call session owns
// exactly one Framer.
type Framer struct {
	frameSize int
	buf       []byte
}

// NewFramer creates a Framer emitting frames of frameSize bytes.
// A non-positive frameSize falls back to DefaultFrameSize.
func NewFramer(frameSize int) *Framer {
	if frameSize <= 0 {
		frameSize = DefaultFrameSize
	}
	return &Framer{frameSize: frameSize}
}

// Add appends chunk to the internal buffer and returns zero or more complete
// frames. Any remainder stays buffered for the next call.
func (f *Framer) Add(chunk []byte) [][]byte {
	f.buf = append(f.buf, chunk...)

	var frames [][]byte
	for len(f.buf) >= f.frameSize {
		frame := make([]byte, f.frameSize)
		copy(frame, f.buf[:f.frameSize])
		frames = append(frames, frame)
		f.buf = f.buf[f.frameSize:]
	}
	return frames
}

// Flush returns the buffered remainder, or nil when nothing is pending, and
// clears the buffer. Called at stream end so no trailing audio is lost.
func (f *Framer) Flush() []byte {
	if len(f.buf) == 0 {
		return nil
	}
	rest := make([]byte, len(f.buf))
	copy(rest, f.buf)
	f.buf = f.buf[:0]
	return rest
}

// Clear discards any buffered bytes without emitting them.
func (f *Framer) Clear() {
	f.buf = f.buf[:0]
}

// Buffered reports the number of bytes waiting for a complete frame.
func (f *Framer) Buffered() int {
	return len(f.buf)
}
