// Package tts owns the live text-to-speech connection for one call. Text
// fragments stream in as the response generator produces them; encoded audio
// frames stream out toward the caller. Clear aborts in-flight synthesis for
// barge-in.
package tts

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

var (
	ErrNotConnected = errors.New("tts: not connected")
)

// Connection states.
const (
	StateDisconnected int32 = iota
	StateConnected
)

// Config fixes the voice and output encoding negotiated at connect time.
// Telephony playback wants 8kHz mu-law.
type Config struct {
	URL     string
	APIKey  string
	VoiceID string
	ModelID string

	OutputFormat string // e.g. "ulaw_8000"
	SampleRate   int

	QueueSize    int
	WriteTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.ModelID == "" {
		c.ModelID = "eleven_flash_v2_5"
	}
	if c.OutputFormat == "" {
		c.OutputFormat = "ulaw_8000"
	}
	if c.SampleRate <= 0 {
		c.SampleRate = 8000
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 256
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 5 * time.Second
	}
	return c
}

// AudioFrame is one synthesized audio chunk in arrival order.
type AudioFrame struct {
	Data []byte

	gen uint64
}

// providerChunk is one inbound synthesis message.
type providerChunk struct {
	Audio   string `json:"audio,omitempty"` // base64
	IsFinal bool   `json:"isFinal,omitempty"`
	Error   string `json:"error,omitempty"`
}

// LiveSynthesizer is the per-call text-to-speech stream adapter.
//
// A generation counter makes barge-in atomic: every queued frame is tagged
// with the generation current when the provider produced it, Clear bumps the
// generation and drains the queue, and readers discard any frame from an
// older generation that slipped in behind the drain. No stale audio is ever
// handed out after Clear returns.
type LiveSynthesizer struct {
	cfg    Config
	logger *slog.Logger

	state atomic.Int32

	conn    *websocket.Conn
	writeMu sync.Mutex

	frames chan AudioFrame
	gen    atomic.Uint64

	// lastSendNano is the wall clock of the most recent SendText; firstByte
	// latency is measured from it once per utterance.
	lastSendNano   atomic.Int64
	awaitingFirst  atomic.Bool
	firstByteNanos atomic.Int64

	disconnectOnce sync.Once
	done           chan struct{}
}

// NewLiveSynthesizer creates a disconnected adapter. A nil logger falls back
// to slog.Default.
func NewLiveSynthesizer(cfg Config, logger *slog.Logger) *LiveSynthesizer {
	if logger == nil {
		logger = slog.Default()
	}
	cfg = cfg.withDefaults()
	return &LiveSynthesizer{
		cfg:    cfg,
		logger: logger,
		frames: make(chan AudioFrame, cfg.QueueSize),
		done:   make(chan struct{}),
	}
}

// State reports the connection state.
func (s *LiveSynthesizer) State() int32 { return s.state.Load() }

// Connect dials the synthesis provider for the configured voice and output
// format and starts the receiver loop.
func (s *LiveSynthesizer) Connect(ctx context.Context) error {
	if s.state.Load() == StateConnected {
		return fmt.Errorf("tts: already connected")
	}
	select {
	case <-s.done:
		return fmt.Errorf("tts: adapter spent")
	default:
	}

	base := s.cfg.URL
	if s.cfg.VoiceID != "" {
		base = strings.ReplaceAll(base, "{voice_id}", url.PathEscape(s.cfg.VoiceID))
	}
	u, err := url.Parse(base)
	if err != nil {
		return fmt.Errorf("tts: parse url: %w", err)
	}
	q := u.Query()
	q.Set("model_id", s.cfg.ModelID)
	q.Set("output_format", s.cfg.OutputFormat)
	q.Set("sample_rate", strconv.Itoa(s.cfg.SampleRate))
	u.RawQuery = q.Encode()

	header := http.Header{}
	if s.cfg.APIKey != "" {
		header.Set("xi-api-key", s.cfg.APIKey)
	}

	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, resp, err := dialer.DialContext(ctx, u.String(), header)
	if err != nil {
		if resp != nil {
			return fmt.Errorf("tts: connect (status %d): %w", resp.StatusCode, err)
		}
		return fmt.Errorf("tts: connect: %w", err)
	}

	s.conn = conn
	s.state.Store(StateConnected)
	go s.receiveLoop()
	return nil
}

// SendText streams one text fragment for synthesis. Fragments accumulate
// server-side until Flush. A trailing space keeps the provider's tokenizer
// from gluing fragments together.
func (s *LiveSynthesizer) SendText(text string) error {
	if s.state.Load() != StateConnected {
		return ErrNotConnected
	}
	if strings.TrimSpace(text) == "" {
		return nil
	}
	if !strings.HasSuffix(text, " ") {
		text += " "
	}

	s.lastSendNano.Store(time.Now().UnixNano())
	s.awaitingFirst.Store(true)

	return s.writeJSON(map[string]any{"text": text})
}

// Flush signals that no more text is coming for this utterance and the
// provider should synthesize and return all remaining audio.
func (s *LiveSynthesizer) Flush() error {
	if s.state.Load() != StateConnected {
		return ErrNotConnected
	}
	return s.writeJSON(map[string]any{"text": "", "flush": true})
}

// Clear is the barge-in primitive: cancel in-flight synthesis upstream and
// drop everything queued locally. Safe to call at any time, including when
// nothing is in flight, and safe to call repeatedly.
func (s *LiveSynthesizer) Clear() error {
	// Bump first so any frame the receiver is pushing right now is already
	// stale by the time we drain.
	s.gen.Add(1)
	s.drain()
	s.awaitingFirst.Store(false)
	s.firstByteNanos.Store(0)

	if s.state.Load() != StateConnected {
		return nil
	}
	return s.writeJSON(map[string]any{"clear": true})
}

// NextAudio pops the next queued frame without blocking, skipping any frame
// cancelled by a Clear.
func (s *LiveSynthesizer) NextAudio() (AudioFrame, bool) {
	for {
		select {
		case f, ok := <-s.frames:
			if !ok {
				return AudioFrame{}, false
			}
			if f.gen != s.gen.Load() {
				continue
			}
			return f, true
		default:
			return AudioFrame{}, false
		}
	}
}

// Audio exposes the frame queue for select loops; consumers must check
// Stale before playing a frame received around a Clear.
func (s *LiveSynthesizer) Audio() <-chan AudioFrame { return s.frames }

// Stale reports whether the frame was cancelled by a Clear after it was
// queued.
func (s *LiveSynthesizer) Stale(f AudioFrame) bool { return f.gen != s.gen.Load() }

// FirstByteLatency reports the time from the most recent utterance's first
// SendText to its first audio byte, or zero when unmeasured.
func (s *LiveSynthesizer) FirstByteLatency() time.Duration {
	return time.Duration(s.firstByteNanos.Load())
}

// Done is closed once the receiver loop has exited.
func (s *LiveSynthesizer) Done() <-chan struct{} { return s.done }

// Disconnect cancels the receiver, closes the connection and clears the
// queue. Idempotent.
func (s *LiveSynthesizer) Disconnect() error {
	s.disconnectOnce.Do(func() {
		if s.state.Swap(StateDisconnected) != StateConnected {
			close(s.done)
			close(s.frames)
			return
		}

		s.writeMu.Lock()
		_ = s.conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		s.writeMu.Unlock()
		_ = s.conn.Close()

		<-s.done
		s.drain()
	})
	return nil
}

func (s *LiveSynthesizer) receiveLoop() {
	defer func() {
		close(s.frames)
		close(s.done)
	}()

	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			if s.state.Load() == StateConnected &&
				!websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.logger.Warn("tts receive loop ended", "err", err)
			}
			return
		}

		var chunk providerChunk
		if err := json.Unmarshal(data, &chunk); err != nil {
			continue
		}
		if chunk.Error != "" {
			s.logger.Warn("tts provider error", "err", chunk.Error)
			continue
		}
		if chunk.Audio == "" {
			continue
		}
		audio, err := base64.StdEncoding.DecodeString(chunk.Audio)
		if err != nil {
			s.logger.Warn("tts audio not base64")
			continue
		}

		if s.awaitingFirst.CompareAndSwap(true, false) {
			if sent := s.lastSendNano.Load(); sent > 0 {
				s.firstByteNanos.Store(time.Now().UnixNano() - sent)
			}
		}

		select {
		case s.frames <- AudioFrame{Data: audio, gen: s.gen.Load()}:
		default:
			s.logger.Warn("tts audio queue full, dropping frame")
		}
	}
}

func (s *LiveSynthesizer) drain() {
	for {
		select {
		case _, ok := <-s.frames:
			if !ok {
				return
			}
		default:
			return
		}
	}
}

func (s *LiveSynthesizer) writeJSON(payload any) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_ = s.conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
	if err := s.conn.WriteJSON(payload); err != nil {
		return fmt.Errorf("tts: write: %w", err)
	}
	return nil
}
