package executor

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/worldline-go/klient"

	"github.com/rakunlabs/aigateway/internal/assembler"
)

// genericExecutor speaks either the OpenAI or the Anthropic messages
// wire format over plain HTTP/JSON+SSE, grounded directly on the
// teacher's internal/service/llm/{openai,antropic} providers: same
// klient construction, same buffered-scanner SSE loop, same per-chunk
// parsing shape, generalised to the gateway's shared Event stream
// instead of each provider returning its own bespoke response struct.
type genericExecutor struct {
	anthropic bool
}

// NewOpenAICompatible builds an Executor for OpenAI-shaped upstreams
// (Codex, Qwen, iFlow, generic OpenAI-compatible endpoints).
func NewOpenAICompatible() Executor { return &genericExecutor{} }

// NewAnthropicCompatible builds an Executor for Claude's native messages
// API and Anthropic-compatible endpoints.
func NewAnthropicCompatible() Executor { return &genericExecutor{anthropic: true} }

func (g *genericExecutor) buildHeaders(params ExecuteParams) http.Header {
	h := http.Header{"Content-Type": []string{"application/json"}}

	token := params.Connection.AccessToken
	if token == "" {
		token = params.Connection.APIKey
	}

	if g.anthropic {
		h.Set("X-Api-Key", token)
		h.Set("Anthropic-Version", "2023-06-01")
	} else if token != "" {
		h.Set("Authorization", "Bearer "+token)
	}

	for k, v := range params.Provider.DefaultHeaders {
		h.Set(k, v)
	}
	return h
}

func (g *genericExecutor) transformRequest(params ExecuteParams) ([]byte, error) {
	msgs := make([]map[string]any, 0, len(params.Messages))
	var system string
	for _, m := range params.Messages {
		if g.anthropic && m.Role == "system" {
			system += m.Text
			continue
		}
		msgs = append(msgs, map[string]any{"role": m.Role, "content": m.Text})
	}

	body := map[string]any{
		"model":    params.Model,
		"messages": msgs,
		"stream":   params.Stream,
	}
	if params.ReasoningEffort != "" {
		body["reasoning_effort"] = params.ReasoningEffort
	}
	if g.anthropic {
		body["max_tokens"] = 4096
		if system != "" {
			body["system"] = system
		}
	}

	if len(params.Tools) > 0 {
		toolsJSON := make([]map[string]any, len(params.Tools))
		for i, t := range params.Tools {
			if g.anthropic {
				toolsJSON[i] = map[string]any{
					"name":         t.Name,
					"description":  t.Description,
					"input_schema": t.InputSchema,
				}
			} else {
				toolsJSON[i] = map[string]any{
					"type": "function",
					"function": map[string]any{
						"name":        t.Name,
						"description": t.Description,
						"parameters":  t.InputSchema,
					},
				}
			}
		}
		body["tools"] = toolsJSON
	}

	return json.Marshal(body)
}

func (g *genericExecutor) Execute(ctx context.Context, params ExecuteParams, log *slog.Logger) (Outcome, error) {
	if log == nil {
		log = slog.Default()
	}

	reqBody, err := g.transformRequest(params)
	if err != nil {
		return Outcome{}, err
	}

	urls := params.Provider.BaseURLs
	if len(urls) == 0 {
		return Outcome{}, fmt.Errorf("executor: no base URLs configured for provider %q", params.Connection.Provider)
	}

	var resp *http.Response
	var lastErr error
	for i, base := range urls {
		client, err := klient.New(
			klient.WithBaseURL(base),
			klient.WithLogger(log),
			klient.WithHeaderSet(g.buildHeaders(params)),
			klient.WithDisableRetry(true),
			klient.WithDisableEnvValues(true),
		)
		if err != nil {
			return Outcome{}, err
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, base+params.Provider.ChatPath, bytes.NewReader(reqBody))
		if err != nil {
			return Outcome{}, err
		}

		resp, lastErr = client.HTTP.Do(req)
		if lastErr != nil {
			if i+1 < len(urls) {
				continue
			}
			return Outcome{}, lastErr
		}

		if retryableStatus(resp.StatusCode) && i+1 < len(urls) {
			resp.Body.Close()
			continue
		}
		break
	}

	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		body, _ := io.ReadAll(resp.Body)
		return Outcome{Success: false, StatusCode: resp.StatusCode, ErrorText: string(body)}, nil
	}

	events := make(chan assembler.Event, 64)
	if g.anthropic {
		go streamAnthropic(resp.Body, events)
	} else {
		go streamOpenAI(resp.Body, params.Stream, events)
	}

	return Outcome{Success: true, StatusCode: resp.StatusCode, Events: events}, nil
}

// ─── OpenAI-shaped wire parsing ───

type openAIError struct {
	Message string `json:"message"`
}

type openAIToolCall struct {
	ID       string `json:"id"`
	Function struct {
		Name      string `json:"name"`
		Arguments string `json:"arguments"`
	} `json:"function"`
}

type openAIResponse struct {
	Error   *openAIError `json:"error,omitempty"`
	Choices []struct {
		Message struct {
			Content   string           `json:"content"`
			ToolCalls []openAIToolCall `json:"tool_calls"`
		} `json:"message"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage *struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
		TotalTokens      int `json:"total_tokens"`
	} `json:"usage,omitempty"`
}

type openAIStreamResponse struct {
	Error   *openAIError `json:"error,omitempty"`
	Choices []struct {
		Delta struct {
			Content   string           `json:"content,omitempty"`
			ToolCalls []openAIToolCall `json:"tool_calls,omitempty"`
		} `json:"delta"`
		FinishReason *string `json:"finish_reason"`
	} `json:"choices"`
	Usage *struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
		TotalTokens      int `json:"total_tokens"`
	} `json:"usage,omitempty"`
}

func streamOpenAI(body io.ReadCloser, isStream bool, events chan<- assembler.Event) {
	defer close(events)
	defer body.Close()

	if !isStream {
		data, err := io.ReadAll(body)
		if err != nil {
			events <- assembler.Event{Err: err}
			return
		}

		var result openAIResponse
		if err := json.Unmarshal(data, &result); err != nil {
			events <- assembler.Event{Err: fmt.Errorf("decode openai response: %w", err)}
			return
		}
		if result.Error != nil {
			events <- assembler.Event{Err: fmt.Errorf("upstream error: %s", result.Error.Message)}
			return
		}
		if len(result.Choices) == 0 {
			events <- assembler.Event{Err: fmt.Errorf("no choices in upstream response")}
			return
		}

		choice := result.Choices[0]
		if choice.Message.Content != "" {
			events <- assembler.Event{Text: choice.Message.Content}
		}
		for _, tc := range choice.Message.ToolCalls {
			events <- assembler.Event{ToolCall: &assembler.ToolCallDelta{ID: tc.ID, Name: tc.Function.Name, ArgumentsChunk: tc.Function.Arguments}}
		}
		if result.Usage != nil {
			events <- assembler.Event{Usage: &assembler.Usage{
				PromptTokens:     result.Usage.PromptTokens,
				CompletionTokens: result.Usage.CompletionTokens,
				TotalTokens:      result.Usage.TotalTokens,
			}}
		}
		return
	}

	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), 10*1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" || strings.HasPrefix(line, ":") {
			continue
		}
		if !strings.HasPrefix(line, "data: ") {
			continue
		}

		data := strings.TrimPrefix(line, "data: ")
		if data == "[DONE]" {
			return
		}

		var sr openAIStreamResponse
		if err := json.Unmarshal([]byte(data), &sr); err != nil {
			events <- assembler.Event{Err: fmt.Errorf("decode openai chunk: %w", err)}
			return
		}
		if sr.Error != nil {
			events <- assembler.Event{Err: fmt.Errorf("upstream error: %s", sr.Error.Message)}
			return
		}

		if len(sr.Choices) == 0 {
			if sr.Usage != nil {
				events <- assembler.Event{Usage: &assembler.Usage{
					PromptTokens:     sr.Usage.PromptTokens,
					CompletionTokens: sr.Usage.CompletionTokens,
					TotalTokens:      sr.Usage.TotalTokens,
				}}
			}
			continue
		}

		choice := sr.Choices[0]
		if choice.Delta.Content != "" {
			events <- assembler.Event{Text: choice.Delta.Content}
		}
		for _, tc := range choice.Delta.ToolCalls {
			events <- assembler.Event{ToolCall: &assembler.ToolCallDelta{ID: tc.ID, Name: tc.Function.Name, ArgumentsChunk: tc.Function.Arguments}}
		}
	}
	if err := scanner.Err(); err != nil {
		events <- assembler.Event{Err: err}
	}
}

// ─── Anthropic-shaped wire parsing ───

type anthropicContentBlock struct {
	Type string `json:"type"`
	Text string `json:"text"`
	ID   string `json:"id"`
	Name string `json:"name"`
}

type anthropicResponse struct {
	Type    string `json:"type"`
	Error   struct {
		Message string `json:"message"`
	} `json:"error"`
	Content []struct {
		Type  string         `json:"type"`
		Text  string         `json:"text"`
		ID    string         `json:"id"`
		Name  string         `json:"name"`
		Input map[string]any `json:"input"`
	} `json:"content"`
	Usage struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
	} `json:"usage"`
}

type anthropicStreamEvent struct {
	Type         string                 `json:"type"`
	Delta        json.RawMessage        `json:"delta,omitempty"`
	ContentBlock *anthropicContentBlock `json:"content_block,omitempty"`
}

type anthropicTextDelta struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type anthropicToolInputDelta struct {
	Type        string `json:"type"`
	PartialJSON string `json:"partial_json"`
}

type anthropicMessageDelta struct {
	StopReason string `json:"stop_reason"`
	Usage      *struct {
		OutputTokens int `json:"output_tokens"`
	} `json:"usage,omitempty"`
}

type anthropicMessageStartBody struct {
	Message *struct {
		Usage *struct {
			InputTokens int `json:"input_tokens"`
		} `json:"usage,omitempty"`
	} `json:"message,omitempty"`
}

func streamAnthropic(body io.ReadCloser, events chan<- assembler.Event) {
	defer close(events)
	defer body.Close()

	data, err := io.ReadAll(body)
	if err != nil {
		events <- assembler.Event{Err: err}
		return
	}

	// Non-streaming callers still end up here when upstream ignores
	// "stream" and returns a single JSON object rather than SSE; detect
	// that by trying a direct decode before falling back to the SSE scan.
	var direct anthropicResponse
	if json.Unmarshal(data, &direct) == nil && direct.Type != "" && direct.Type != "message_start" {
		if direct.Type == "error" {
			events <- assembler.Event{Err: fmt.Errorf("upstream error: %s", direct.Error.Message)}
			return
		}
		for _, block := range direct.Content {
			switch block.Type {
			case "text":
				events <- assembler.Event{Text: block.Text}
			case "tool_use":
				argsJSON, _ := json.Marshal(block.Input)
				events <- assembler.Event{ToolCall: &assembler.ToolCallDelta{ID: block.ID, Name: block.Name, ArgumentsChunk: string(argsJSON)}}
			}
		}
		events <- assembler.Event{Usage: &assembler.Usage{
			PromptTokens:     direct.Usage.InputTokens,
			CompletionTokens: direct.Usage.OutputTokens,
			TotalTokens:      direct.Usage.InputTokens + direct.Usage.OutputTokens,
		}}
		return
	}

	var currentToolID, currentToolName string
	var inputTokens, outputTokens int

	scanner := bufio.NewScanner(bytes.NewReader(data))
	scanner.Buffer(make([]byte, 0, 64*1024), 10*1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		raw := strings.TrimPrefix(line, "data: ")

		var ev anthropicStreamEvent
		if err := json.Unmarshal([]byte(raw), &ev); err != nil {
			events <- assembler.Event{Err: fmt.Errorf("decode anthropic event: %w", err)}
			return
		}

		switch ev.Type {
		case "message_start":
			var msb anthropicMessageStartBody
			if json.Unmarshal([]byte(raw), &msb) == nil && msb.Message != nil && msb.Message.Usage != nil {
				inputTokens = msb.Message.Usage.InputTokens
			}

		case "content_block_start":
			if ev.ContentBlock != nil && ev.ContentBlock.Type == "tool_use" {
				currentToolID = ev.ContentBlock.ID
				currentToolName = ev.ContentBlock.Name
			}

		case "content_block_delta":
			if len(ev.Delta) == 0 {
				continue
			}
			var td anthropicTextDelta
			if json.Unmarshal(ev.Delta, &td) == nil && td.Type == "text_delta" {
				events <- assembler.Event{Text: td.Text}
				continue
			}
			var tid anthropicToolInputDelta
			if json.Unmarshal(ev.Delta, &tid) == nil && tid.Type == "input_json_delta" {
				events <- assembler.Event{ToolCall: &assembler.ToolCallDelta{ID: currentToolID, Name: currentToolName, ArgumentsChunk: tid.PartialJSON}}
			}

		case "content_block_stop":
			currentToolID, currentToolName = "", ""

		case "message_delta":
			if len(ev.Delta) == 0 {
				continue
			}
			var md anthropicMessageDelta
			if json.Unmarshal(ev.Delta, &md) == nil && md.Usage != nil {
				outputTokens = md.Usage.OutputTokens
			}

		case "message_stop":
			events <- assembler.Event{Usage: &assembler.Usage{
				PromptTokens:     inputTokens,
				CompletionTokens: outputTokens,
				TotalTokens:      inputTokens + outputTokens,
			}}
			return

		case "error":
			var errMsg struct {
				Error struct {
					Message string `json:"message"`
				} `json:"error"`
			}
			if json.Unmarshal([]byte(raw), &errMsg) == nil {
				events <- assembler.Event{Err: fmt.Errorf("anthropic error: %s", errMsg.Error.Message)}
			} else {
				events <- assembler.Event{Err: fmt.Errorf("anthropic stream error: %s", raw)}
			}
			return
		}
	}
	if err := scanner.Err(); err != nil {
		events <- assembler.Event{Err: err}
	}
}
