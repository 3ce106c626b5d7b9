package responder

import (
	"context"
	"log/slog"
	"sort"
	"strings"

	"github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/packages/param"
	"github.com/openai/openai-go/v3/shared/constant"
)

const (
	// DefaultMaxToolDepth bounds how many tool-call rounds one turn may
	// chain before the turn is failed as a runaway loop.
	DefaultMaxToolDepth = 5

	// DefaultMaxHistory caps retained messages between turns.
	DefaultMaxHistory = 40

	defaultModel = "gpt-4o-mini"
)

// Config tunes one generator instance.
type Config struct {
	Model        string
	MaxToolDepth int
	MaxHistory   int
}

func (c Config) withDefaults() Config {
	if c.Model == "" {
		c.Model = defaultModel
	}
	if c.MaxToolDepth <= 0 {
		c.MaxToolDepth = DefaultMaxToolDepth
	}
	if c.MaxHistory <= 0 {
		c.MaxHistory = DefaultMaxHistory
	}
	return c
}

// Generator owns one call's message history and produces streaming replies.
// Not safe for concurrent Generate calls; the orchestrator runs at most one
// turn at a time.
type Generator struct {
	model  ChatModel
	tools  *Registry
	cfg    Config
	logger *slog.Logger

	history []openai.ChatCompletionMessageParamUnion
	usage   TokenUsage
}

// NewGenerator builds a generator. A nil registry means no tools are
// offered; a nil logger falls back to slog.Default.
func NewGenerator(model ChatModel, tools *Registry, cfg Config, logger *slog.Logger) *Generator {
	if tools == nil {
		tools = NewRegistry()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Generator{
		model:  model,
		tools:  tools,
		cfg:    cfg.withDefaults(),
		logger: logger,
	}
}

// SetSystemPrompt installs or replaces the leading system message. The
// state machine calls this every turn as conversation state moves.
func (g *Generator) SetSystemPrompt(text string) {
	msg := systemMessage(text)
	if len(g.history) > 0 && g.history[0].OfSystem != nil {
		g.history[0] = msg
		return
	}
	g.history = append([]openai.ChatCompletionMessageParamUnion{msg}, g.history...)
}

// History returns the retained messages.
func (g *Generator) History() []openai.ChatCompletionMessageParamUnion { return g.history }

// Usage returns cumulative token usage across all turns so far.
func (g *Generator) Usage() TokenUsage { return g.usage }

// Generate appends the user utterance and streams the model's reply as an
// ordered, finite event sequence. Text deltas arrive as the model produces
// them; tool calls are executed one at a time and fed back until the model
// answers in text or the depth bound trips. The channel is closed after the
// terminal completed or failed event.
func (g *Generator) Generate(ctx context.Context, userText string) <-chan Event {
	events := make(chan Event, 16)
	g.history = append(g.history, userMessage(userText))

	go func() {
		defer close(events)
		g.run(ctx, events)
		g.TrimHistory(g.cfg.MaxHistory)
	}()
	return events
}

// pendingCall accumulates one tool invocation from streamed deltas.
type pendingCall struct {
	id   string
	name string
	args strings.Builder
}

func (g *Generator) run(ctx context.Context, events chan<- Event) {
	turnUsage := TokenUsage{}

	for depth := 0; ; depth++ {
		stream := g.model.Stream(ctx, openai.ChatCompletionNewParams{
			Model:    openai.ChatModel(g.cfg.Model),
			Messages: g.history,
			Tools:    g.tools.Schemas(),
		})

		var (
			text         strings.Builder
			calls        = map[int64]*pendingCall{}
			finishReason string
		)
		for stream.Next() {
			chunk := stream.Current()
			if chunk.Usage.TotalTokens > 0 {
				turnUsage.add(chunk.Usage.PromptTokens, chunk.Usage.CompletionTokens, chunk.Usage.TotalTokens)
			}
			if len(chunk.Choices) == 0 {
				continue
			}
			choice := chunk.Choices[0]
			if choice.FinishReason != "" {
				finishReason = choice.FinishReason
			}
			if choice.Delta.Content != "" {
				text.WriteString(choice.Delta.Content)
				if !emit(ctx, events, Event{Kind: EventTextDelta, Text: choice.Delta.Content}) {
					_ = stream.Close()
					return
				}
			}
			for _, tc := range choice.Delta.ToolCalls {
				call, ok := calls[tc.Index]
				if !ok {
					call = &pendingCall{}
					calls[tc.Index] = call
				}
				if tc.ID != "" {
					call.id = tc.ID
				}
				if tc.Function.Name != "" {
					call.name = tc.Function.Name
				}
				call.args.WriteString(tc.Function.Arguments)
			}
		}
		if err := stream.Err(); err != nil {
			g.usage.add(turnUsage.Prompt, turnUsage.Completion, turnUsage.Total)
			emit(ctx, events, Event{Kind: EventFailed, Error: err.Error()})
			return
		}

		if len(calls) == 0 {
			g.history = append(g.history, assistantMessage(text.String(), nil))
			g.usage.add(turnUsage.Prompt, turnUsage.Completion, turnUsage.Total)
			emit(ctx, events, Event{
				Kind:         EventCompleted,
				FinishReason: finishReason,
				Usage:        turnUsage,
			})
			return
		}

		if depth >= g.cfg.MaxToolDepth {
			g.usage.add(turnUsage.Prompt, turnUsage.Completion, turnUsage.Total)
			g.logger.Warn("tool-call depth limit reached", "depth", depth)
			emit(ctx, events, Event{Kind: EventFailed, Error: "tool-call depth limit reached"})
			return
		}

		ordered := orderedCalls(calls)
		g.history = append(g.history, assistantMessage(text.String(), ordered))

		// One tool at a time; results go back into history so the model's
		// follow-up round can read them. An aborted turn still settles a
		// result for every call in the assistant message above; the API
		// rejects a history with an unanswered tool call.
		for i, call := range ordered {
			args := call.args.String()
			if !emit(ctx, events, Event{
				Kind: EventToolCallStarted, CallID: call.id,
				ToolName: call.name, Arguments: args,
			}) {
				g.settleCancelled(ordered[i:])
				return
			}

			result := g.tools.Execute(ctx, call.name, args)
			g.history = append(g.history, toolMessage(call.id, result))

			if !emit(ctx, events, Event{
				Kind: EventToolCallFinished, CallID: call.id,
				ToolName: call.name, Result: result,
			}) {
				g.settleCancelled(ordered[i+1:])
				return
			}
		}
	}
}

func (g *Generator) settleCancelled(calls []*pendingCall) {
	for _, call := range calls {
		g.history = append(g.history, toolMessage(call.id, `{"error":"cancelled"}`))
	}
}

// TrimHistory drops the oldest messages until at most max remain. The
// leading system message always survives, and an assistant tool-call
// message is dropped together with its tool results so no orphaned result
// is ever sent back to the model.
func (g *Generator) TrimHistory(max int) {
	if max < 1 || len(g.history) <= max {
		return
	}

	head := 0
	rest := g.history
	if len(rest) > 0 && rest[0].OfSystem != nil {
		head = 1
		rest = rest[1:]
	}

	for head+len(rest) > max && len(rest) > 0 {
		drop := 1
		if m := rest[0].OfAssistant; m != nil && len(m.ToolCalls) > 0 {
			for drop < len(rest) && rest[drop].OfTool != nil {
				drop++
			}
		}
		rest = rest[drop:]
		for len(rest) > 0 && rest[0].OfTool != nil {
			rest = rest[1:]
		}
	}

	trimmed := make([]openai.ChatCompletionMessageParamUnion, 0, head+len(rest))
	trimmed = append(trimmed, g.history[:head]...)
	trimmed = append(trimmed, rest...)
	g.history = trimmed
}

func orderedCalls(calls map[int64]*pendingCall) []*pendingCall {
	indexes := make([]int64, 0, len(calls))
	for i := range calls {
		indexes = append(indexes, i)
	}
	sort.Slice(indexes, func(a, b int) bool { return indexes[a] < indexes[b] })
	out := make([]*pendingCall, 0, len(indexes))
	for _, i := range indexes {
		out = append(out, calls[i])
	}
	return out
}

func emit(ctx context.Context, events chan<- Event, ev Event) bool {
	if ctx.Err() != nil {
		return false
	}
	select {
	case events <- ev:
		return true
	case <-ctx.Done():
		return false
	}
}

func systemMessage(text string) openai.ChatCompletionMessageParamUnion {
	return openai.ChatCompletionMessageParamUnion{
		OfSystem: &openai.ChatCompletionSystemMessageParam{
			Content: openai.ChatCompletionSystemMessageParamContentUnion{
				OfString: param.NewOpt(text),
			},
			Role: constant.ValueOf[constant.System](),
		},
	}
}

func userMessage(text string) openai.ChatCompletionMessageParamUnion {
	return openai.ChatCompletionMessageParamUnion{
		OfUser: &openai.ChatCompletionUserMessageParam{
			Content: openai.ChatCompletionUserMessageParamContentUnion{
				OfString: param.NewOpt(text),
			},
			Role: constant.ValueOf[constant.User](),
		},
	}
}

func assistantMessage(text string, calls []*pendingCall) openai.ChatCompletionMessageParamUnion {
	msg := &openai.ChatCompletionAssistantMessageParam{
		Role: constant.ValueOf[constant.Assistant](),
	}
	if text != "" {
		msg.Content = openai.ChatCompletionAssistantMessageParamContentUnion{
			OfString: param.NewOpt(text),
		}
	}
	for _, call := range calls {
		msg.ToolCalls = append(msg.ToolCalls, openai.ChatCompletionMessageToolCallUnionParam{
			OfFunction: &openai.ChatCompletionMessageFunctionToolCallParam{
				ID: call.id,
				Function: openai.ChatCompletionMessageFunctionToolCallFunctionParam{
					Name:      call.name,
					Arguments: call.args.String(),
				},
				Type: constant.ValueOf[constant.Function](),
			},
		})
	}
	return openai.ChatCompletionMessageParamUnion{OfAssistant: msg}
}

func toolMessage(callID, content string) openai.ChatCompletionMessageParamUnion {
	return openai.ChatCompletionMessageParamUnion{
		OfTool: &openai.ChatCompletionToolMessageParam{
			Content: openai.ChatCompletionToolMessageParamContentUnion{
				OfString: param.NewOpt(content),
			},
			ToolCallID: callID,
			Role:       constant.ValueOf[constant.Tool](),
		},
	}
}
