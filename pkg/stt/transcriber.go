// Package stt owns the live speech-to-text connection for one call. Raw
// telephony audio goes in; an ordered stream of interim and finalized
// transcript events comes out.
package stt

import (
	"context"
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

// Connection states.
const (
	StateDisconnected int32 = iota
	StateConnecting
	StateConnected
	StateClosed
)

var (
	ErrNotConnected = errors.New("stt: not connected")
	ErrClosed       = errors.New("stt: closed")
)

// EventKind distinguishes interim from finalized transcripts.
type EventKind string

const (
	KindInterim EventKind = "interim"
	KindFinal   EventKind = "final"
)

// TranscriptEvent is one transcription result. Events are delivered in
// arrival order; a final event with EndOfUtterance set carries one complete
// caller utterance.
type TranscriptEvent struct {
	Kind           EventKind
	Text           string
	IsFinal        bool
	EndOfUtterance bool
}

// Config fixes the connection parameters negotiated at connect time. The
// telephony leg is always 8kHz mono mu-law; interim results are mandatory
// because they are the only signal that can drive barge-in before the
// caller finishes speaking.
type Config struct {
	URL      string
	APIKey   string
	Model    string
	Language string

	Encoding   string
	SampleRate int
	Channels   int

	// EndpointingMS is the end-of-speech silence threshold; UtteranceEndMS
	// is the fallback utterance finalizer.
	EndpointingMS  int
	UtteranceEndMS int

	KeepAliveInterval time.Duration
	QueueSize         int
}

func (c Config) withDefaults() Config {
	if c.Model == "" {
		c.Model = "nova-2-phonecall"
	}
	if c.Language == "" {
		c.Language = "en-US"
	}
	if c.Encoding == "" {
		c.Encoding = "mulaw"
	}
	if c.SampleRate <= 0 {
		c.SampleRate = 8000
	}
	if c.Channels <= 0 {
		c.Channels = 1
	}
	if c.EndpointingMS <= 0 {
		c.EndpointingMS = 300
	}
	if c.UtteranceEndMS <= 0 {
		c.UtteranceEndMS = 1000
	}
	if c.KeepAliveInterval <= 0 {
		c.KeepAliveInterval = 10 * time.Second
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 100
	}
	return c
}

// providerMessage covers the transcription provider's result and control
// messages. Results carry alternatives; UtteranceEnd carries nothing.
type providerMessage struct {
	Type    string `json:"type"` // "Results", "UtteranceEnd", "Metadata"
	IsFinal bool   `json:"is_final"`
	// SpeechFinal marks the end-of-speech endpoint; UtteranceEnd is the
	// fallback when that signal is missed.
	SpeechFinal bool `json:"speech_final"`
	Channel     struct {
		Alternatives []struct {
			Transcript string `json:"transcript"`
		} `json:"alternatives"`
	} `json:"channel"`
}

// LiveTranscriber is the per-call speech-to-text stream adapter. One live
// connection, one background reader, one keep-alive ticker.
type LiveTranscriber struct {
	cfg    Config
	logger *slog.Logger

	state atomic.Int32

	conn    *websocket.Conn
	writeMu sync.Mutex

	events chan TranscriptEvent

	// utterance accumulates finalized fragments until the endpoint or the
	// utterance-end fallback fires. Guarded by the read loop only.
	utterance []string

	cancel    context.CancelFunc
	closeOnce sync.Once
	done      chan struct{}
}

// NewLiveTranscriber creates a disconnected adapter. A nil logger falls
// back to slog.Default.
func NewLiveTranscriber(cfg Config, logger *slog.Logger) *LiveTranscriber {
	if logger == nil {
		logger = slog.Default()
	}
	cfg = cfg.withDefaults()
	return &LiveTranscriber{
		cfg:    cfg,
		logger: logger,
		events: make(chan TranscriptEvent, cfg.QueueSize),
		done:   make(chan struct{}),
	}
}

// State reports the connection state.
func (t *LiveTranscriber) State() int32 { return t.state.Load() }

// Connect dials the transcription provider and starts the read and
// keep-alive loops. On failure the adapter stays disconnected.
func (t *LiveTranscriber) Connect(ctx context.Context) error {
	if !t.state.CompareAndSwap(StateDisconnected, StateConnecting) {
		switch t.state.Load() {
		case StateClosed:
			return ErrClosed
		default:
			return fmt.Errorf("stt: connect from invalid state %d", t.state.Load())
		}
	}

	u, err := url.Parse(t.cfg.URL)
	if err != nil {
		t.state.Store(StateDisconnected)
		return fmt.Errorf("stt: parse url: %w", err)
	}
	q := u.Query()
	q.Set("model", t.cfg.Model)
	q.Set("language", t.cfg.Language)
	q.Set("encoding", t.cfg.Encoding)
	q.Set("sample_rate", strconv.Itoa(t.cfg.SampleRate))
	q.Set("channels", strconv.Itoa(t.cfg.Channels))
	q.Set("interim_results", "true")
	q.Set("endpointing", strconv.Itoa(t.cfg.EndpointingMS))
	q.Set("utterance_end_ms", strconv.Itoa(t.cfg.UtteranceEndMS))
	u.RawQuery = q.Encode()

	header := http.Header{}
	if t.cfg.APIKey != "" {
		header.Set("Authorization", "Token "+t.cfg.APIKey)
	}

	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, resp, err := dialer.DialContext(ctx, u.String(), header)
	if err != nil {
		t.state.Store(StateDisconnected)
		if resp != nil {
			return fmt.Errorf("stt: connect (status %d): %w", resp.StatusCode, err)
		}
		return fmt.Errorf("stt: connect: %w", err)
	}

	loopCtx, cancel := context.WithCancel(context.Background())
	t.conn = conn
	t.cancel = cancel
	t.state.Store(StateConnected)

	go t.readLoop()
	go t.keepAliveLoop(loopCtx)
	return nil
}

// SendAudio forwards one audio frame to the open connection.
func (t *LiveTranscriber) SendAudio(frame []byte) error {
	if t.state.Load() != StateConnected {
		return ErrNotConnected
	}
	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	if err := t.conn.WriteMessage(websocket.BinaryMessage, frame); err != nil {
		return fmt.Errorf("stt: send audio: %w", err)
	}
	return nil
}

// Next pops the next queued transcript event without blocking.
func (t *LiveTranscriber) Next() (TranscriptEvent, bool) {
	select {
	case ev, ok := <-t.events:
		if !ok {
			return TranscriptEvent{}, false
		}
		return ev, true
	default:
		return TranscriptEvent{}, false
	}
}

// Events exposes the ordered event queue for select loops. The channel is
// closed when the connection ends.
func (t *LiveTranscriber) Events() <-chan TranscriptEvent { return t.events }

// Done is closed once the read loop has exited.
func (t *LiveTranscriber) Done() <-chan struct{} { return t.done }

// Close cancels the keep-alive, terminates the connection gracefully and
// drains the queue. Safe to call more than once.
func (t *LiveTranscriber) Close() error {
	t.closeOnce.Do(func() {
		prev := t.state.Swap(StateClosed)
		if prev != StateConnected {
			close(t.done)
			close(t.events)
			return
		}
		t.cancel()

		t.writeMu.Lock()
		_ = t.conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"CloseStream"}`))
		_ = t.conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		t.writeMu.Unlock()
		_ = t.conn.Close()

		<-t.done
		for range t.events {
		}
	})
	return nil
}

func (t *LiveTranscriber) readLoop() {
	// The read loop is the sole closer of both channels once it has
	// started; Close waits on done before draining.
	defer func() {
		close(t.events)
		close(t.done)
	}()

	for {
		_, data, err := t.conn.ReadMessage()
		if err != nil {
			if t.state.Load() != StateClosed &&
				!websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				t.logger.Warn("stt read loop ended", "err", err)
			}
			return
		}

		var msg providerMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			continue
		}
		t.handleMessage(msg)
	}
}

// handleMessage translates one provider message into queue events.
//
// Interim results pass straight through. Final results accumulate locally
// until the provider endpoints the speech or, as a fallback, declares
// utterance end; both paths flush the same buffer, and flushing an already
// empty buffer is a no-op so duplicate signals cannot double-finalize.
func (t *LiveTranscriber) handleMessage(msg providerMessage) {
	switch msg.Type {
	case "Results":
		text := ""
		if len(msg.Channel.Alternatives) > 0 {
			text = strings.TrimSpace(msg.Channel.Alternatives[0].Transcript)
		}

		if !msg.IsFinal {
			if text != "" {
				t.push(TranscriptEvent{Kind: KindInterim, Text: text})
			}
			return
		}

		if text != "" {
			t.utterance = append(t.utterance, text)
		}
		if msg.SpeechFinal {
			t.flushUtterance()
		}

	case "UtteranceEnd":
		t.flushUtterance()
	}
}

func (t *LiveTranscriber) flushUtterance() {
	if len(t.utterance) == 0 {
		return
	}
	text := strings.Join(t.utterance, " ")
	t.utterance = t.utterance[:0]
	t.push(TranscriptEvent{
		Kind:           KindFinal,
		Text:           text,
		IsFinal:        true,
		EndOfUtterance: true,
	})
}

func (t *LiveTranscriber) push(ev TranscriptEvent) {
	select {
	case t.events <- ev:
	default:
		// The consumer fell behind a full queue; dropping the oldest would
		// break FIFO, so drop the newest and note it.
		t.logger.Warn("stt event queue full, dropping event", "kind", ev.Kind)
	}
}

func (t *LiveTranscriber) keepAliveLoop(ctx context.Context) {
	ticker := time.NewTicker(t.cfg.KeepAliveInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			t.writeMu.Lock()
			err := t.conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"KeepAlive"}`))
			t.writeMu.Unlock()
			if err != nil {
				return
			}
		}
	}
}
