package responder

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/openai/openai-go/v3"
)

// fakeModel replays one scripted chunk sequence per Stream call.
type fakeModel struct {
	rounds [][]openai.ChatCompletionChunk
	errs   []error
	calls  int
}

func (m *fakeModel) Stream(ctx context.Context, params openai.ChatCompletionNewParams) ModelStream {
	i := m.calls
	m.calls++
	var chunks []openai.ChatCompletionChunk
	var err error
	if i < len(m.rounds) {
		chunks = m.rounds[i]
	}
	if i < len(m.errs) {
		err = m.errs[i]
	}
	return &fakeStream{chunks: chunks, err: err}
}

type fakeStream struct {
	chunks []openai.ChatCompletionChunk
	pos    int
	err    error
}

func (s *fakeStream) Next() bool {
	if s.pos >= len(s.chunks) {
		return false
	}
	s.pos++
	return true
}

func (s *fakeStream) Current() openai.ChatCompletionChunk { return s.chunks[s.pos-1] }
func (s *fakeStream) Err() error                          { return s.err }
func (s *fakeStream) Close() error                        { return nil }

func textChunk(text string) openai.ChatCompletionChunk {
	return openai.ChatCompletionChunk{
		Choices: []openai.ChatCompletionChunkChoice{{
			Delta: openai.ChatCompletionChunkChoiceDelta{Content: text},
		}},
	}
}

func toolChunk(index int64, id, name, args string) openai.ChatCompletionChunk {
	return openai.ChatCompletionChunk{
		Choices: []openai.ChatCompletionChunkChoice{{
			Delta: openai.ChatCompletionChunkChoiceDelta{
				ToolCalls: []openai.ChatCompletionChunkChoiceDeltaToolCall{{
					Index: index,
					ID:    id,
					Function: openai.ChatCompletionChunkChoiceDeltaToolCallFunction{
						Name:      name,
						Arguments: args,
					},
				}},
			},
		}},
	}
}

func finishChunk(reason string, usage openai.CompletionUsage) openai.ChatCompletionChunk {
	return openai.ChatCompletionChunk{
		Choices: []openai.ChatCompletionChunkChoice{{
			Delta:        openai.ChatCompletionChunkChoiceDelta{},
			FinishReason: reason,
		}},
		Usage: usage,
	}
}

func collectEvents(t *testing.T, ch <-chan Event) []Event {
	t.Helper()
	var out []Event
	for ev := range ch {
		out = append(out, ev)
	}
	return out
}

func kinds(events []Event) []EventKind {
	out := make([]EventKind, len(events))
	for i, ev := range events {
		out[i] = ev.Kind
	}
	return out
}

func TestGenerate_TextOnlyTurn(t *testing.T) {
	model := &fakeModel{rounds: [][]openai.ChatCompletionChunk{{
		textChunk("We're open "),
		textChunk("until six."),
		finishChunk("stop", openai.CompletionUsage{PromptTokens: 20, CompletionTokens: 5, TotalTokens: 25}),
	}}}
	g := NewGenerator(model, nil, Config{}, nil)
	g.SetSystemPrompt("be helpful")

	events := collectEvents(t, g.Generate(context.Background(), "what are your hours"))

	want := []EventKind{EventTextDelta, EventTextDelta, EventCompleted}
	if fmt.Sprint(kinds(events)) != fmt.Sprint(want) {
		t.Fatalf("event kinds = %v, want %v", kinds(events), want)
	}
	if events[0].Text+events[1].Text != "We're open until six." {
		t.Errorf("deltas = %q %q", events[0].Text, events[1].Text)
	}
	final := events[len(events)-1]
	if final.FinishReason != "stop" || final.Usage.Total != 25 {
		t.Errorf("completed = %+v", final)
	}

	// system + user + assistant retained for the next turn
	h := g.History()
	if len(h) != 3 || h[0].OfSystem == nil || h[1].OfUser == nil || h[2].OfAssistant == nil {
		t.Fatalf("history shape wrong: %d messages", len(h))
	}
}

func TestGenerate_ToolCallRoundTrip(t *testing.T) {
	model := &fakeModel{rounds: [][]openai.ChatCompletionChunk{
		{
			// Arguments arrive split across deltas.
			toolChunk(0, "call_1", "lookup_customer", `{"pho`),
			toolChunk(0, "", "", `ne":"5551234567"}`),
			finishChunk("tool_calls", openai.CompletionUsage{PromptTokens: 30, CompletionTokens: 10, TotalTokens: 40}),
		},
		{
			textChunk("Found you, Dana."),
			finishChunk("stop", openai.CompletionUsage{PromptTokens: 45, CompletionTokens: 4, TotalTokens: 49}),
		},
	}}

	reg := NewRegistry()
	var gotArgs string
	_ = reg.Register(Tool{
		Name: "lookup_customer",
		Handler: func(ctx context.Context, args json.RawMessage) (any, error) {
			gotArgs = string(args)
			return map[string]string{"name": "Dana"}, nil
		},
	})

	g := NewGenerator(model, reg, Config{}, nil)
	g.SetSystemPrompt("assist")
	events := collectEvents(t, g.Generate(context.Background(), "look me up"))

	want := []EventKind{EventToolCallStarted, EventToolCallFinished, EventTextDelta, EventCompleted}
	if fmt.Sprint(kinds(events)) != fmt.Sprint(want) {
		t.Fatalf("event kinds = %v, want %v", kinds(events), want)
	}
	if gotArgs != `{"phone":"5551234567"}` {
		t.Errorf("handler args = %q, split deltas not reassembled", gotArgs)
	}
	if events[0].CallID != "call_1" || events[0].ToolName != "lookup_customer" {
		t.Errorf("started = %+v", events[0])
	}
	if events[1].Result != `{"name":"Dana"}` {
		t.Errorf("finished result = %q", events[1].Result)
	}
	if events[3].Usage.Total != 89 {
		t.Errorf("usage not cumulative across rounds: %+v", events[3].Usage)
	}

	// History holds the tool-call pair adjacently for the next request.
	h := g.History()
	if len(h) != 5 { // system, user, assistant+toolcall, tool, assistant
		t.Fatalf("history = %d messages, want 5", len(h))
	}
	if h[2].OfAssistant == nil || len(h[2].OfAssistant.ToolCalls) != 1 {
		t.Errorf("message 2 is not the tool-calling assistant turn")
	}
	if h[3].OfTool == nil || h[3].OfTool.ToolCallID != "call_1" {
		t.Errorf("message 3 is not the tool result")
	}
}

func TestGenerate_CancelledTurnSettlesToolCalls(t *testing.T) {
	model := &fakeModel{rounds: [][]openai.ChatCompletionChunk{
		{
			toolChunk(0, "call_1", "lookup_customer", `{"phone":"5551234567"}`),
			toolChunk(1, "call_2", "check_availability", `{}`),
			finishChunk("tool_calls", openai.CompletionUsage{}),
		},
	}}

	ctx, cancel := context.WithCancel(context.Background())
	reg := NewRegistry()
	_ = reg.Register(Tool{
		Name: "lookup_customer",
		Handler: func(ctx context.Context, args json.RawMessage) (any, error) {
			cancel() // interrupt mid-turn, as a barge-in does
			return map[string]string{"name": "Dana"}, nil
		},
	})
	_ = reg.Register(Tool{
		Name: "check_availability",
		Handler: func(ctx context.Context, args json.RawMessage) (any, error) {
			t.Error("second tool should not run after cancellation")
			return nil, nil
		},
	})

	g := NewGenerator(model, reg, Config{}, nil)
	collectEvents(t, g.Generate(ctx, "look me up and check tuesday"))

	// Every tool call in the assistant message must have an adjacent result,
	// or the next request is rejected by the API.
	h := g.History()
	if len(h) != 4 { // user, assistant+toolcalls, tool, tool
		t.Fatalf("history = %d messages, want 4", len(h))
	}
	if h[1].OfAssistant == nil || len(h[1].OfAssistant.ToolCalls) != 2 {
		t.Fatalf("message 1 is not the two-call assistant turn")
	}
	if h[2].OfTool == nil || h[2].OfTool.ToolCallID != "call_1" {
		t.Errorf("message 2 is not the first tool result")
	}
	if h[3].OfTool == nil || h[3].OfTool.ToolCallID != "call_2" {
		t.Fatalf("message 3 is not a settled result for the aborted call")
	}
	if got := h[3].OfTool.Content.OfString.Value; !strings.Contains(got, "cancelled") {
		t.Errorf("aborted call result = %q, want a cancelled marker", got)
	}
}

func TestGenerate_ToolErrorBecomesStructuredResult(t *testing.T) {
	model := &fakeModel{rounds: [][]openai.ChatCompletionChunk{
		{
			toolChunk(0, "call_1", "book_appointment", `{}`),
			finishChunk("tool_calls", openai.CompletionUsage{}),
		},
		{
			textChunk("Sorry, that slot is taken."),
			finishChunk("stop", openai.CompletionUsage{}),
		},
	}}

	reg := NewRegistry()
	_ = reg.Register(Tool{
		Name: "book_appointment",
		Handler: func(ctx context.Context, args json.RawMessage) (any, error) {
			return nil, errors.New("slot already booked")
		},
	})

	g := NewGenerator(model, reg, Config{}, nil)
	events := collectEvents(t, g.Generate(context.Background(), "book it"))

	var finished *Event
	for i := range events {
		if events[i].Kind == EventToolCallFinished {
			finished = &events[i]
		}
		if events[i].Kind == EventFailed {
			t.Fatalf("tool error propagated as turn failure: %+v", events[i])
		}
	}
	if finished == nil {
		t.Fatal("no tool_call_finished event")
	}
	var payload map[string]string
	if err := json.Unmarshal([]byte(finished.Result), &payload); err != nil || payload["error"] != "slot already booked" {
		t.Errorf("result = %q, want structured error payload", finished.Result)
	}
}

func TestGenerate_UnknownToolReported(t *testing.T) {
	model := &fakeModel{rounds: [][]openai.ChatCompletionChunk{
		{toolChunk(0, "call_1", "teleport", `{}`), finishChunk("tool_calls", openai.CompletionUsage{})},
		{textChunk("I can't do that."), finishChunk("stop", openai.CompletionUsage{})},
	}}
	g := NewGenerator(model, NewRegistry(), Config{}, nil)
	events := collectEvents(t, g.Generate(context.Background(), "teleport me"))

	for _, ev := range events {
		if ev.Kind == EventToolCallFinished {
			if !strings.Contains(ev.Result, "unknown tool") {
				t.Errorf("result = %q, want unknown-tool error payload", ev.Result)
			}
			return
		}
	}
	t.Fatal("no tool_call_finished event")
}

func TestGenerate_DepthLimitFailsTurn(t *testing.T) {
	// Every round asks for another tool call; the turn must be cut off.
	loop := []openai.ChatCompletionChunk{
		toolChunk(0, "call_x", "check_availability", `{}`),
		finishChunk("tool_calls", openai.CompletionUsage{}),
	}
	model := &fakeModel{rounds: [][]openai.ChatCompletionChunk{
		loop, loop, loop, loop, loop, loop, loop, loop,
	}}
	reg := NewRegistry()
	_ = reg.Register(Tool{
		Name: "check_availability",
		Handler: func(ctx context.Context, args json.RawMessage) (any, error) {
			return map[string]bool{"available": false}, nil
		},
	})

	g := NewGenerator(model, reg, Config{MaxToolDepth: 3}, nil)
	events := collectEvents(t, g.Generate(context.Background(), "find me a slot"))

	last := events[len(events)-1]
	if last.Kind != EventFailed {
		t.Fatalf("last event = %s, want failed", last.Kind)
	}
	started := 0
	for _, ev := range events {
		if ev.Kind == EventToolCallStarted {
			started++
		}
	}
	if started != 3 {
		t.Errorf("executed %d tool rounds, want exactly 3", started)
	}
}

func TestGenerate_StreamErrorFailsTurn(t *testing.T) {
	model := &fakeModel{
		rounds: [][]openai.ChatCompletionChunk{{textChunk("partial")}},
		errs:   []error{errors.New("rate limited")},
	}
	g := NewGenerator(model, nil, Config{}, nil)
	events := collectEvents(t, g.Generate(context.Background(), "hello"))

	last := events[len(events)-1]
	if last.Kind != EventFailed || !strings.Contains(last.Error, "rate limited") {
		t.Errorf("last event = %+v, want failed with cause", last)
	}
}

func TestSetSystemPrompt_ReplacesInPlace(t *testing.T) {
	model := &fakeModel{rounds: [][]openai.ChatCompletionChunk{{
		textChunk("hi"), finishChunk("stop", openai.CompletionUsage{}),
	}}}
	g := NewGenerator(model, nil, Config{}, nil)

	g.SetSystemPrompt("first")
	g.SetSystemPrompt("second")
	h := g.History()
	if len(h) != 1 {
		t.Fatalf("history = %d messages, want the one system message", len(h))
	}
	if got := h[0].OfSystem.Content.OfString.Value; got != "second" {
		t.Errorf("system prompt = %q, want second", got)
	}
}

func TestTrimHistory_PreservesSystemAndToolPairs(t *testing.T) {
	g := NewGenerator(&fakeModel{}, nil, Config{}, nil)
	g.SetSystemPrompt("sys")

	calls := []*pendingCall{{id: "call_1", name: "lookup_customer"}}
	g.history = append(g.history,
		userMessage("u1"),
		assistantMessage("", calls),
		toolMessage("call_1", `{"ok":true}`),
		assistantMessage("a1", nil),
		userMessage("u2"),
		assistantMessage("a2", nil),
	)

	g.TrimHistory(4)

	h := g.History()
	if len(h) > 4 {
		t.Fatalf("history = %d messages, want <= 4", len(h))
	}
	if h[0].OfSystem == nil {
		t.Fatal("system message dropped")
	}
	for i, m := range h {
		if m.OfTool == nil {
			continue
		}
		if i == 0 || h[i-1].OfAssistant == nil || len(h[i-1].OfAssistant.ToolCalls) == 0 {
			t.Errorf("tool result at %d has no adjacent tool-calling assistant message", i)
		}
	}
}

func TestTrimHistory_NoopWhenWithinCap(t *testing.T) {
	g := NewGenerator(&fakeModel{}, nil, Config{}, nil)
	g.SetSystemPrompt("sys")
	g.history = append(g.history, userMessage("u1"), assistantMessage("a1", nil))

	g.TrimHistory(10)
	if len(g.History()) != 3 {
		t.Errorf("history = %d messages, want untouched 3", len(g.History()))
	}
}

func TestRegistryExecute_MalformedArguments(t *testing.T) {
	reg := NewRegistry()
	_ = reg.Register(Tool{
		Name: "decode_vin",
		Handler: func(ctx context.Context, args json.RawMessage) (any, error) {
			t.Fatal("handler must not run on malformed args")
			return nil, nil
		},
	})
	result := reg.Execute(context.Background(), "decode_vin", `{"vin": `)
	if !strings.Contains(result, "not valid JSON") {
		t.Errorf("result = %q", result)
	}
}
