package audio

import (
	"bytes"
	"testing"
)

func TestFramer_EmitsFixedSizeFrames(t *testing.T) {
	f := NewFramer(4)

	frames := f.Add([]byte{1, 2, 3})
	if len(frames) != 0 {
		t.Fatalf("expected no frames for partial input, got %d", len(frames))
	}
	if f.Buffered() != 3 {
		t.Errorf("expected 3 buffered bytes, got %d", f.Buffered())
	}

	frames = f.Add([]byte{4, 5, 6, 7, 8, 9})
	if len(frames) != 2 {
		t.Fatalf("expected 2 frames, got %d", len(frames))
	}
	if !bytes.Equal(frames[0], []byte{1, 2, 3, 4}) {
		t.Errorf("unexpected first frame: %v", frames[0])
	}
	if !bytes.Equal(frames[1], []byte{5, 6, 7, 8}) {
		t.Errorf("unexpected second frame: %v", frames[1])
	}
	if f.Buffered() != 1 {
		t.Errorf("expected 1 buffered byte, got %d", f.Buffered())
	}
}

func TestFramer_RoundTrip(t *testing.T) {
	// Concatenating every emitted frame plus the final flush must reproduce
	// the input exactly, for any chunking.
	input := make([]byte, 0, 1000)
	for i := 0; i < 1000; i++ {
		input = append(input, byte(i%251))
	}

	chunkSizes := []int{1, 7, 160, 320, 513}
	for _, size := range chunkSizes {
		f := NewFramer(320)
		var out []byte
		for start := 0; start < len(input); start += size {
			end := start + size
			if end > len(input) {
				end = len(input)
			}
			for _, frame := range f.Add(input[start:end]) {
				if len(frame) != 320 {
					t.Fatalf("chunk %d: frame size %d", size, len(frame))
				}
				out = append(out, frame...)
			}
		}
		out = append(out, f.Flush()...)
		if !bytes.Equal(out, input) {
			t.Errorf("chunk %d: round trip mismatch (%d bytes out, %d in)", size, len(out), len(input))
		}
	}
}

func TestFramer_FlushEmpty(t *testing.T) {
	f := NewFramer(8)
	if rest := f.Flush(); rest != nil {
		t.Errorf("expected nil flush on empty framer, got %v", rest)
	}

	f.Add([]byte{1, 2, 3, 4, 5, 6, 7, 8})
	if rest := f.Flush(); rest != nil {
		t.Errorf("expected nil flush after exact frame, got %v", rest)
	}
}

func TestFramer_Clear(t *testing.T) {
	f := NewFramer(8)
	f.Add([]byte{1, 2, 3})
	f.Clear()
	if f.Buffered() != 0 {
		t.Errorf("expected empty buffer after clear, got %d", f.Buffered())
	}
	if rest := f.Flush(); rest != nil {
		t.Errorf("expected nil flush after clear, got %v", rest)
	}
}

func TestFramer_DefaultSize(t *testing.T) {
	f := NewFramer(0)
	frames := f.Add(make([]byte, DefaultFrameSize))
	if len(frames) != 1 || len(frames[0]) != DefaultFrameSize {
		t.Fatalf("expected one default-size frame, got %d frames", len(frames))
	}
}
