package responder

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/packages/param"
)

// Handler executes one tool call. The raw arguments are the model's JSON,
// already validated as parseable.
type Handler func(ctx context.Context, args json.RawMessage) (any, error)

// Tool is a named capability exposed to the model.
type Tool struct {
	Name        string
	Description string
	Parameters  openai.FunctionParameters
	Handler     Handler
}

// Registry holds the tools offered on every completion call.
type Registry struct {
	tools map[string]Tool
}

func NewRegistry() *Registry {
	return &Registry{tools: map[string]Tool{}}
}

// Register adds or replaces a tool.
func (r *Registry) Register(t Tool) error {
	if t.Name == "" {
		return fmt.Errorf("responder: tool has no name")
	}
	if t.Handler == nil {
		return fmt.Errorf("responder: tool %q has no handler", t.Name)
	}
	r.tools[t.Name] = t
	return nil
}

// Schemas renders every registered tool for the completion request, in
// stable name order.
func (r *Registry) Schemas() []openai.ChatCompletionToolUnionParam {
	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	sort.Strings(names)

	out := make([]openai.ChatCompletionToolUnionParam, 0, len(names))
	for _, name := range names {
		t := r.tools[name]
		var description param.Opt[string]
		if t.Description != "" {
			description = param.NewOpt(t.Description)
		}
		out = append(out, openai.ChatCompletionFunctionTool(openai.FunctionDefinitionParam{
			Name:        t.Name,
			Description: description,
			Parameters:  t.Parameters,
		}))
	}
	return out
}

// Execute runs a tool call and always returns a JSON result string. Handler
// failures, unknown tools and malformed arguments all become a structured
// error payload instead of propagating, so the model can read the failure
// and recover in conversation.
func (r *Registry) Execute(ctx context.Context, name, arguments string) string {
	tool, ok := r.tools[name]
	if !ok {
		return errorResult(fmt.Sprintf("unknown tool %q", name))
	}

	if arguments == "" {
		arguments = "{}"
	}
	if !json.Valid([]byte(arguments)) {
		return errorResult("arguments are not valid JSON")
	}

	result, err := tool.Handler(ctx, json.RawMessage(arguments))
	if err != nil {
		return errorResult(err.Error())
	}

	encoded, err := json.Marshal(result)
	if err != nil {
		return errorResult(fmt.Sprintf("result not serializable: %v", err))
	}
	return string(encoded)
}

func errorResult(msg string) string {
	encoded, _ := json.Marshal(map[string]string{"error": msg})
	return string(encoded)
}
