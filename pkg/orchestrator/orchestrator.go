// Package orchestrator wires one phone call end to end: telephony media in,
// transcription, conversation state, generated replies, synthesized audio
// back out. Each call owns one Orchestrator and its goroutine set; nothing
// is shared across calls.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/khvni/automotive-service-scheduler-voice-agent-sub000/pkg/audio"
	"github.com/khvni/automotive-service-scheduler-voice-agent-sub000/pkg/conversation"
	"github.com/khvni/automotive-service-scheduler-voice-agent-sub000/pkg/crm"
	"github.com/khvni/automotive-service-scheduler-voice-agent-sub000/pkg/responder"
	"github.com/khvni/automotive-service-scheduler-voice-agent-sub000/pkg/stt"
	"github.com/khvni/automotive-service-scheduler-voice-agent-sub000/pkg/telephony"
	"github.com/khvni/automotive-service-scheduler-voice-agent-sub000/pkg/tts"
)

// MediaConn is the telephony leg. *websocket.Conn satisfies it.
type MediaConn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	Close() error
}

// STT is the transcription adapter surface the orchestrator drives.
type STT interface {
	Connect(ctx context.Context) error
	SendAudio(frame []byte) error
	Events() <-chan stt.TranscriptEvent
	Close() error
}

// TTS is the synthesis adapter surface.
type TTS interface {
	Connect(ctx context.Context) error
	SendText(text string) error
	Flush() error
	Clear() error
	Audio() <-chan tts.AudioFrame
	Stale(f tts.AudioFrame) bool
	FirstByteLatency() time.Duration
	Disconnect() error
}

// ResponseGenerator produces one streamed reply per finalized utterance.
type ResponseGenerator interface {
	SetSystemPrompt(text string)
	Generate(ctx context.Context, userText string) <-chan responder.Event
	Usage() responder.TokenUsage
}

// Config tunes one call.
type Config struct {
	Greeting  string
	FrameSize int
}

// Deps are the per-call collaborators. Customers may be nil when no CRM is
// wired; every caller is then treated as new.
type Deps struct {
	Conn      MediaConn
	STT       STT
	TTS       TTS
	Generator ResponseGenerator
	Customers crm.CustomerStore
	Logger    *slog.Logger
}

const sttConnectFallback = "I'm sorry, I'm having trouble hearing you right now. Please call back in a few minutes."
const turnFailedFallback = "I'm sorry, something went wrong on my end. Could you say that again?"
const escalationHandoff = "Of course. Let me transfer you to one of our team members, one moment please."

// Bounds for waiting on the connect-failure apology to reach the caller
// before tearing the call down.
const (
	fallbackPlaybackMax   = 3 * time.Second
	fallbackPlaybackQuiet = 250 * time.Millisecond
)

// Orchestrator runs one call session.
type Orchestrator struct {
	deps   Deps
	cfg    Config
	logger *slog.Logger

	framer    *audio.Framer
	session   *conversation.CallSession
	machine   *conversation.StateMachine
	streamSID string
	startedAt time.Time

	writeMu  sync.Mutex
	speaking atomic.Bool

	// sendMu orders text submission against barge-in clears: a delta either
	// reaches the synthesizer before the clear (and its audio is discarded
	// by it) or observes the cancelled turn context and is dropped.
	sendMu sync.Mutex

	mediaWrites atomic.Uint64

	turnMu     sync.Mutex
	turnCancel context.CancelFunc
	turnDone   chan struct{}
}

// New validates the dependency set.
func New(deps Deps, cfg Config) (*Orchestrator, error) {
	if deps.Conn == nil {
		return nil, fmt.Errorf("orchestrator: nil media connection")
	}
	if deps.STT == nil {
		return nil, fmt.Errorf("orchestrator: nil stt adapter")
	}
	if deps.TTS == nil {
		return nil, fmt.Errorf("orchestrator: nil tts adapter")
	}
	if deps.Generator == nil {
		return nil, fmt.Errorf("orchestrator: nil response generator")
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	return &Orchestrator{
		deps:   deps,
		cfg:    cfg,
		logger: deps.Logger,
		framer: audio.NewFramer(cfg.FrameSize),
	}, nil
}

// Run drives the call until the telephony stream stops or ctx is cancelled.
// It always tears both adapters down before returning.
func (o *Orchestrator) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	start, err := o.awaitStart(ctx)
	if err != nil {
		return err
	}
	o.streamSID = start.StreamSID
	o.startedAt = time.Now()
	o.initSession(ctx, start)
	o.logger = o.logger.With("call_id", o.session.CallID)

	o.deps.Generator.SetSystemPrompt(o.machine.SystemPrompt())

	if err := o.deps.TTS.Connect(ctx); err != nil {
		return fmt.Errorf("orchestrator: tts connect: %w", err)
	}
	defer o.deps.TTS.Disconnect()

	// The forwarder must be live before anything is spoken, including the
	// connect-failure apology below.
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		o.forwardAudio(ctx)
	}()

	if err := o.deps.STT.Connect(ctx); err != nil {
		// The caller can still hear us; apologize before hanging up.
		o.speak(sttConnectFallback)
		o.logger.Error("stt connect failed", "err", err)
		o.awaitFallbackPlayback(ctx)
		cancel()
		o.deps.TTS.Disconnect()
		wg.Wait()
		return fmt.Errorf("orchestrator: stt connect: %w", err)
	}
	defer o.deps.STT.Close()

	wg.Add(1)
	go func() {
		defer wg.Done()
		o.drainTranscripts(ctx)
	}()

	if o.cfg.Greeting != "" {
		o.speaking.Store(true)
		o.speak(o.cfg.Greeting)
	}

	err = o.pumpInbound(ctx)

	cancel()
	o.cancelTurn()
	o.deps.STT.Close()
	o.deps.TTS.Disconnect()
	wg.Wait()
	o.finalize()
	return err
}

// awaitStart reads telephony events until the stream start arrives.
func (o *Orchestrator) awaitStart(ctx context.Context) (*telephony.StartPayload, error) {
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		_, data, err := o.deps.Conn.ReadMessage()
		if err != nil {
			return nil, fmt.Errorf("orchestrator: read start: %w", err)
		}
		ev, err := telephony.ParseEvent(data)
		if err != nil {
			o.logger.Warn("discarding malformed telephony event", "err", err)
			continue
		}
		switch ev.Kind {
		case telephony.EventConnected:
			continue
		case telephony.EventStart:
			return ev.Start, nil
		case telephony.EventStop:
			return nil, errors.New("orchestrator: stream stopped before start")
		}
	}
}

func (o *Orchestrator) initSession(ctx context.Context, start *telephony.StartPayload) {
	direction := conversation.DirectionInbound
	if start.Direction == telephony.DirectionOutbound {
		direction = conversation.DirectionOutbound
	}
	session := conversation.NewCallSession(start.CallSID, direction, start.From, start.To)

	if o.deps.Customers != nil {
		caller := start.From
		if direction == conversation.DirectionOutbound {
			caller = start.To
		}
		profile, err := o.deps.Customers.LookupByPhone(ctx, caller)
		if err != nil {
			o.logger.Warn("customer lookup failed", "err", err)
		} else if profile != nil {
			session.Customer = profile
		}
	}

	if id := start.Custom["appointment_id"]; id != "" {
		session.Appointment = &conversation.AppointmentContext{
			ID:          id,
			ServiceType: start.Custom["service_type"],
			Date:        start.Custom["appointment_date"],
			Time:        start.Custom["appointment_time"],
		}
	}

	o.session = session
	o.machine = conversation.NewStateMachine(session, o.logger)
}

// pumpInbound is the main loop: caller audio into the framer and on to the
// transcriber, until the stream stops.
func (o *Orchestrator) pumpInbound(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			return nil
		}
		_, data, err := o.deps.Conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil || websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return nil
			}
			return fmt.Errorf("orchestrator: media read: %w", err)
		}
		ev, err := telephony.ParseEvent(data)
		if err != nil {
			o.logger.Warn("discarding malformed telephony event", "err", err)
			continue
		}
		switch ev.Kind {
		case telephony.EventMedia:
			chunk, err := ev.Media.Audio()
			if err != nil {
				o.logger.Warn("discarding undecodable media frame", "err", err)
				continue
			}
			for _, frame := range o.framer.Add(chunk) {
				if err := o.deps.STT.SendAudio(frame); err != nil {
					o.logger.Warn("dropping audio frame", "err", err)
				}
			}
		case telephony.EventStop:
			o.logger.Info("telephony stream stopped")
			return nil
		}
	}
}

// drainTranscripts consumes STT events: interims race active playback for
// barge-in, finalized utterances start a new turn.
func (o *Orchestrator) drainTranscripts(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-o.deps.STT.Events():
			if !ok {
				return
			}
			switch {
			case ev.Kind == stt.KindInterim:
				if o.speaking.Load() {
					o.bargeIn()
				}
			case ev.IsFinal && ev.EndOfUtterance && ev.Text != "":
				o.startTurn(ctx, ev.Text)
			}
		}
	}
}

// bargeIn aborts the assistant mid-sentence: cancel the generator turn
// first so no new text reaches synthesis, then clear synthesized audio both
// locally and on the telephony side.
func (o *Orchestrator) bargeIn() {
	o.turnMu.Lock()
	if o.turnCancel != nil {
		o.turnCancel()
	}
	o.turnMu.Unlock()

	o.sendMu.Lock()
	if err := o.deps.TTS.Clear(); err != nil {
		o.logger.Warn("tts clear failed", "err", err)
	}
	o.sendMu.Unlock()
	if msg, err := telephony.ClearMessage(o.streamSID); err == nil {
		o.write(msg)
	}
	o.speaking.Store(false)
	o.logger.Debug("barge-in", "turn", o.session.Turns)
}

// startTurn advances the state machine and streams the model's reply to
// synthesis. A new finalized utterance supersedes any turn still running.
func (o *Orchestrator) startTurn(ctx context.Context, utterance string) {
	o.turnMu.Lock()
	if o.turnCancel != nil {
		o.turnCancel()
	}
	if o.turnDone != nil {
		done := o.turnDone
		o.turnMu.Unlock()
		<-done
		o.turnMu.Lock()
	}

	state := o.machine.Process(utterance)
	o.deps.Generator.SetSystemPrompt(o.machine.SystemPrompt())
	o.logger.Info("utterance finalized",
		"text", utterance, "state", state, "intent", o.session.Intent)

	if state == conversation.StateEscalation {
		o.turnCancel = nil
		o.turnDone = nil
		o.turnMu.Unlock()
		o.logger.Info("escalating to human", "reason", o.session.EscalationReason)
		o.speaking.Store(true)
		o.speak(escalationHandoff)
		return
	}

	turnCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	o.turnCancel = cancel
	o.turnDone = done
	o.turnMu.Unlock()

	go func() {
		defer close(done)
		defer cancel()
		o.runTurn(turnCtx, utterance)
	}()
}

func (o *Orchestrator) runTurn(ctx context.Context, utterance string) {
	events := o.deps.Generator.Generate(ctx, utterance)
	for ev := range events {
		// A barge-in cancels this turn; drop whatever the generator already
		// buffered so no cancelled text reaches synthesis after the clear.
		if ctx.Err() != nil {
			for range events {
			}
			return
		}
		switch ev.Kind {
		case responder.EventTextDelta:
			o.sendMu.Lock()
			if ctx.Err() != nil {
				o.sendMu.Unlock()
				for range events {
				}
				return
			}
			o.speaking.Store(true)
			err := o.deps.TTS.SendText(ev.Text)
			o.sendMu.Unlock()
			if err != nil {
				o.logger.Warn("tts send failed", "err", err)
			}
		case responder.EventToolCallStarted:
			o.logger.Info("tool call",
				"tool", ev.ToolName, "call_id", ev.CallID, "args", ev.Arguments)
		case responder.EventToolCallFinished:
			o.logger.Info("tool result", "tool", ev.ToolName, "call_id", ev.CallID)
		case responder.EventCompleted:
			if err := o.deps.TTS.Flush(); err != nil {
				o.logger.Warn("tts flush failed", "err", err)
			}
			o.logger.Debug("turn completed",
				"finish_reason", ev.FinishReason, "tokens", ev.Usage.Total)
		case responder.EventFailed:
			if ctx.Err() != nil {
				return
			}
			o.logger.Error("turn failed", "err", ev.Error)
			o.speaking.Store(true)
			o.speak(turnFailedFallback)
		}
	}
}

// forwardAudio relays synthesized audio to the caller, skipping frames a
// barge-in cancelled.
func (o *Orchestrator) forwardAudio(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case frame, ok := <-o.deps.TTS.Audio():
			if !ok {
				return
			}
			if o.deps.TTS.Stale(frame) {
				continue
			}
			msg, err := telephony.MediaMessage(o.streamSID, frame.Data)
			if err != nil {
				continue
			}
			o.write(msg)
			o.mediaWrites.Add(1)
		}
	}
}

// awaitFallbackPlayback waits until the apology audio stopped flowing to the
// caller, bounded so a dead provider cannot stall teardown.
func (o *Orchestrator) awaitFallbackPlayback(ctx context.Context) {
	deadline := time.Now().Add(fallbackPlaybackMax)
	last := o.mediaWrites.Load()
	quietSince := time.Now()
	for time.Now().Before(deadline) {
		select {
		case <-ctx.Done():
			return
		case <-time.After(25 * time.Millisecond):
		}
		if n := o.mediaWrites.Load(); n != last {
			last = n
			quietSince = time.Now()
			continue
		}
		if last > 0 && time.Since(quietSince) >= fallbackPlaybackQuiet {
			return
		}
	}
}

func (o *Orchestrator) speak(text string) {
	if err := o.deps.TTS.SendText(text); err != nil {
		o.logger.Warn("tts send failed", "err", err)
		return
	}
	if err := o.deps.TTS.Flush(); err != nil {
		o.logger.Warn("tts flush failed", "err", err)
	}
}

func (o *Orchestrator) cancelTurn() {
	o.turnMu.Lock()
	if o.turnCancel != nil {
		o.turnCancel()
	}
	done := o.turnDone
	o.turnMu.Unlock()
	if done != nil {
		<-done
	}
}

func (o *Orchestrator) write(data []byte) {
	o.writeMu.Lock()
	defer o.writeMu.Unlock()
	if err := o.deps.Conn.WriteMessage(websocket.TextMessage, data); err != nil {
		o.logger.Debug("telephony write failed", "err", err)
	}
}

// finalize logs the session summary once everything is torn down.
func (o *Orchestrator) finalize() {
	o.framer.Clear()
	usage := o.deps.Generator.Usage()
	o.logger.Info("call finished",
		"turns", o.session.Turns,
		"state", o.session.State,
		"intent", o.session.Intent,
		"escalated", o.session.Escalated,
		"duration", time.Since(o.startedAt).Round(time.Millisecond),
		"tokens", usage.Total,
		"tts_first_byte", o.deps.TTS.FirstByteLatency())
}
