// Package responder turns finalized caller utterances into streaming spoken
// replies via a tool-calling language model. Text is emitted delta by delta
// so synthesis can start before the full reply exists.
package responder

// EventKind discriminates the response event variants.
type EventKind string

const (
	EventTextDelta        EventKind = "text_delta"
	EventToolCallStarted  EventKind = "tool_call_started"
	EventToolCallFinished EventKind = "tool_call_finished"
	EventCompleted        EventKind = "completed"
	EventFailed           EventKind = "failed"
)

// TokenUsage is cumulative token accounting across a turn, including every
// follow-up round after tool calls.
type TokenUsage struct {
	Prompt     int64
	Completion int64
	Total      int64
}

func (u *TokenUsage) add(prompt, completion, total int64) {
	u.Prompt += prompt
	u.Completion += completion
	u.Total += total
}

// Event is one unit of model output, delivered in generation order.
type Event struct {
	Kind EventKind

	// text_delta
	Text string

	// tool_call_started / tool_call_finished
	CallID    string
	ToolName  string
	Arguments string
	Result    string

	// completed
	FinishReason string
	Usage        TokenUsage

	// failed
	Error string
}
