package assembler

import (
	"encoding/json"
	"strings"
	"testing"
)

func TestEstimateCompletionTokens(t *testing.T) {
	cases := map[int]int{0: 1, 1: 1, 3: 1, 4: 1, 8: 2, 40: 10}
	for chars, want := range cases {
		if got := EstimateCompletionTokens(chars); got != want {
			t.Fatalf("EstimateCompletionTokens(%d) = %d, want %d", chars, got, want)
		}
	}
}

func TestStreamSSE_TextOnly(t *testing.T) {
	events := make(chan Event, 2)
	events <- Event{Text: "hello "}
	events <- Event{Text: "world"}
	close(events)

	var buf strings.Builder
	if err := StreamSSE(&buf, "id1", "gpt-5", 1000, 10, events); err != nil {
		t.Fatalf("StreamSSE: %v", err)
	}

	out := buf.String()
	if !strings.Contains(out, `"role":"assistant"`) {
		t.Fatalf("first chunk missing role: %s", out)
	}
	if !strings.Contains(out, `"finish_reason":"stop"`) {
		t.Fatalf("missing stop finish_reason: %s", out)
	}
	if !strings.Contains(out, `"prompt_tokens":10`) {
		t.Fatalf("missing prompt_tokens in usage: %s", out)
	}
	if !strings.HasSuffix(out, "data: [DONE]\n\n") {
		t.Fatalf("missing terminal [DONE]: %s", out)
	}
}

func TestStreamSSE_PrefersUpstreamUsage(t *testing.T) {
	events := make(chan Event, 2)
	events <- Event{Text: "hi"}
	events <- Event{Usage: &Usage{PromptTokens: 42, CompletionTokens: 7, TotalTokens: 49}}
	close(events)

	var buf strings.Builder
	if err := StreamSSE(&buf, "id1", "gpt-5", 1000, 10, events); err != nil {
		t.Fatalf("StreamSSE: %v", err)
	}

	out := buf.String()
	if !strings.Contains(out, `"prompt_tokens":42`) {
		t.Fatalf("expected upstream prompt_tokens to override the estimate: %s", out)
	}
	if !strings.Contains(out, `"total_tokens":49`) {
		t.Fatalf("expected upstream total_tokens: %s", out)
	}
}

func TestStreamSSE_ToolCallOpensWithEmptyContent(t *testing.T) {
	events := make(chan Event, 1)
	events <- Event{ToolCall: &ToolCallDelta{ID: "t1", Name: "search", ArgumentsChunk: `{"q":`}}
	close(events)

	var buf strings.Builder
	if err := StreamSSE(&buf, "id1", "gpt-5", 1000, 0, events); err != nil {
		t.Fatalf("StreamSSE: %v", err)
	}

	out := buf.String()
	if !strings.Contains(out, `"content":""`) {
		t.Fatalf("first chunk should open with empty content when starting on a tool call: %s", out)
	}
	if !strings.Contains(out, `"finish_reason":"tool_calls"`) {
		t.Fatalf("missing tool_calls finish_reason: %s", out)
	}
}

func TestBuildJSON_AggregatesTextAndToolCalls(t *testing.T) {
	events := make(chan Event, 3)
	events <- Event{Text: "hello "}
	events <- Event{ToolCall: &ToolCallDelta{ID: "t1", Name: "f", ArgumentsChunk: `{"a":`}}
	events <- Event{ToolCall: &ToolCallDelta{ID: "t1", ArgumentsChunk: "1}"}}
	close(events)

	got, err := BuildJSON("id1", "gpt-5", 1000, 10, events)
	if err != nil {
		t.Fatalf("BuildJSON: %v", err)
	}

	b, _ := json.Marshal(got)
	s := string(b)
	if !strings.Contains(s, `"arguments":"{\"a\":1}"`) {
		t.Fatalf("tool call arguments not reassembled: %s", s)
	}
	if !strings.Contains(s, `"content":"hello "`) {
		t.Fatalf("text not aggregated: %s", s)
	}
	if !strings.Contains(s, `"finish_reason":"tool_calls"`) {
		t.Fatalf("expected tool_calls finish reason: %s", s)
	}
}

func TestBuildJSON_PropagatesEventError(t *testing.T) {
	events := make(chan Event, 1)
	events <- Event{Err: errTest("boom")}
	close(events)

	if _, err := BuildJSON("id1", "gpt-5", 1000, 10, events); err == nil {
		t.Fatal("expected error to propagate")
	}
}

type errTest string

func (e errTest) Error() string { return string(e) }
