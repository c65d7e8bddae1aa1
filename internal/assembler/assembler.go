// Package assembler normalises provider-native chat output into the
// OpenAI-compatible wire shapes the gateway's callers expect, per
// spec.md §4.7: a shared Event stream in, either SSE chunks or one
// aggregated JSON object out.
package assembler

import (
	"encoding/json"
	"fmt"
	"io"
)

// ToolCallDelta is one argument fragment for one tool call, keyed by a
// stable id assigned by the upstream provider.
type ToolCallDelta struct {
	ID             string
	Name           string
	ArgumentsChunk string
}

// Usage is token accounting, either forwarded from the upstream provider
// or estimated per spec.md §4.7 when it doesn't supply one.
type Usage struct {
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
}

// Event is the single normalised unit every Provider Executor translation
// produces, regardless of the upstream wire format.
type Event struct {
	Text         string
	ToolCall     *ToolCallDelta
	FinishReason string // "stop" | "tool_calls"; set only on the terminal event
	Usage        *Usage // real upstream usage, if the provider supplied one
	Err          error
}

// EstimateCompletionTokens implements spec.md §4.7's fallback: at least 1
// token, otherwise roughly 4 characters per token.
func EstimateCompletionTokens(outputChars int) int {
	n := outputChars / 4
	if n < 1 {
		return 1
	}
	return n
}

// EstimatePromptTokens sums message content length over 4 chars/token,
// used when the request doesn't otherwise supply a token count.
func EstimatePromptTokens(messageContents []string) int {
	total := 0
	for _, c := range messageContents {
		total += len(c)
	}
	n := total / 4
	if n < 1 {
		return 1
	}
	return n
}

type sseToolCallState struct {
	index        int
	wroteInitial bool
}

// StreamSSE consumes events and writes OpenAI-compatible
// `data: <json>\n\n` chunks to w, ending with `data: [DONE]\n\n`. It
// returns the first error from either the event stream or the writer.
// promptTokens seeds the final chunk's usage object the way BuildJSON's
// caller does; any ev.Usage the provider supplies overrides it entirely.
func StreamSSE(w io.Writer, id, model string, created int64, promptTokens int, events <-chan Event) error {
	first := true
	sawToolCall := false
	toolCalls := map[string]*sseToolCallState{}
	nextIndex := 0
	outputChars := 0
	var upstreamUsage *Usage

	write := func(chunk map[string]any) error {
		b, err := json.Marshal(chunk)
		if err != nil {
			return err
		}
		if _, err := fmt.Fprintf(w, "data: %s\n\n", b); err != nil {
			return err
		}
		return nil
	}

	baseChunk := func(delta map[string]any, finishReason *string) map[string]any {
		choice := map[string]any{
			"index": 0,
			"delta": delta,
		}
		if finishReason != nil {
			choice["finish_reason"] = *finishReason
		} else {
			choice["finish_reason"] = nil
		}
		return map[string]any{
			"id":      id,
			"object":  "chat.completion.chunk",
			"created": created,
			"model":   model,
			"choices": []any{choice},
		}
	}

	var lastErr error
	for ev := range events {
		if ev.Err != nil {
			lastErr = ev.Err
			break
		}

		if ev.Usage != nil {
			upstreamUsage = ev.Usage
		}

		delta := map[string]any{}
		if first {
			delta["role"] = "assistant"
			if ev.ToolCall == nil {
				delta["content"] = ev.Text
			} else {
				delta["content"] = ""
			}
			first = false
		} else if ev.ToolCall == nil {
			delta["content"] = ev.Text
		}
		outputChars += len(ev.Text)

		if ev.ToolCall != nil {
			sawToolCall = true
			state, known := toolCalls[ev.ToolCall.ID]
			if !known {
				state = &sseToolCallState{index: nextIndex}
				nextIndex++
				toolCalls[ev.ToolCall.ID] = state
			}

			fn := map[string]any{"arguments": ev.ToolCall.ArgumentsChunk}
			if !state.wroteInitial {
				fn["name"] = ev.ToolCall.Name
				state.wroteInitial = true
			}

			delta["tool_calls"] = []any{map[string]any{
				"index": state.index,
				"id":    ev.ToolCall.ID,
				"type":  "function",
				"function": fn,
			}}
		}

		if err := write(baseChunk(delta, nil)); err != nil {
			return err
		}
	}

	finishReason := "stop"
	if sawToolCall {
		finishReason = "tool_calls"
	}

	usage := Usage{PromptTokens: promptTokens, CompletionTokens: EstimateCompletionTokens(outputChars)}
	if upstreamUsage != nil {
		usage = *upstreamUsage
	}
	if usage.TotalTokens == 0 {
		usage.TotalTokens = usage.PromptTokens + usage.CompletionTokens
	}
	if _, err := fmt.Fprintf(w, "data: %s\n\n", mustJSON(map[string]any{
		"id":      id,
		"object":  "chat.completion.chunk",
		"created": created,
		"model":   model,
		"choices": []any{map[string]any{
			"index":         0,
			"delta":         map[string]any{},
			"finish_reason": finishReason,
		}},
		"usage": map[string]any{
			"prompt_tokens":     usage.PromptTokens,
			"completion_tokens": usage.CompletionTokens,
			"total_tokens":      usage.TotalTokens,
		},
	})); err != nil {
		return err
	}
	if _, err := fmt.Fprint(w, "data: [DONE]\n\n"); err != nil {
		return err
	}

	return lastErr
}

type finalToolCall struct {
	id        string
	name      string
	arguments string
	index     int
}

// BuildJSON consumes events to completion and returns a single
// `chat.completion` response object, aggregating all text and finalised
// tool calls per spec.md §4.7's non-streaming shape.
func BuildJSON(id, model string, created int64, promptTokens int, events <-chan Event) (map[string]any, error) {
	var text []byte
	var order []string
	calls := map[string]*finalToolCall{}
	var upstreamUsage *Usage

	for ev := range events {
		if ev.Err != nil {
			return nil, ev.Err
		}
		text = append(text, ev.Text...)
		if ev.Usage != nil {
			upstreamUsage = ev.Usage
		}
		if ev.ToolCall != nil {
			call, known := calls[ev.ToolCall.ID]
			if !known {
				call = &finalToolCall{id: ev.ToolCall.ID, index: len(order)}
				calls[ev.ToolCall.ID] = call
				order = append(order, ev.ToolCall.ID)
			}
			if ev.ToolCall.Name != "" {
				call.name = ev.ToolCall.Name
			}
			call.arguments += ev.ToolCall.ArgumentsChunk
		}
	}

	finishReason := "stop"
	var toolCallsJSON []any
	if len(order) > 0 {
		finishReason = "tool_calls"
		for _, id := range order {
			call := calls[id]
			toolCallsJSON = append(toolCallsJSON, map[string]any{
				"id":   call.id,
				"type": "function",
				"function": map[string]any{
					"name":      call.name,
					"arguments": call.arguments,
				},
			})
		}
	}

	message := map[string]any{
		"role":    "assistant",
		"content": string(text),
	}
	if toolCallsJSON != nil {
		message["tool_calls"] = toolCallsJSON
	}

	usage := Usage{PromptTokens: promptTokens, CompletionTokens: EstimateCompletionTokens(len(text))}
	if upstreamUsage != nil {
		usage = *upstreamUsage
	}
	if usage.TotalTokens == 0 {
		usage.TotalTokens = usage.PromptTokens + usage.CompletionTokens
	}

	return map[string]any{
		"id":      id,
		"object":  "chat.completion",
		"created": created,
		"model":   model,
		"choices": []any{map[string]any{
			"index":         0,
			"message":       message,
			"finish_reason": finishReason,
		}},
		"usage": map[string]any{
			"prompt_tokens":     usage.PromptTokens,
			"completion_tokens": usage.CompletionTokens,
			"total_tokens":      usage.TotalTokens,
		},
	}, nil
}

func mustJSON(v any) []byte {
	b, err := json.Marshal(v)
	if err != nil {
		return []byte(`{}`)
	}
	return b
}
