package executor

import (
	"bytes"
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"golang.org/x/net/http2"

	"github.com/rakunlabs/aigateway/internal/assembler"
	"github.com/rakunlabs/aigateway/internal/cursorcodec"
)

// cursorExecutor speaks Cursor's ConnectRPC/protobuf wire format via
// internal/cursorcodec, preferring HTTP/2 per spec.md §4.2 and falling
// back to HTTP/1.1 when the upstream doesn't negotiate h2.
type cursorExecutor struct {
	client *http.Client
}

// NewCursor builds the Cursor Executor. The transport is configured once
// and reused across calls, same as the teacher's klient-backed providers
// hold one client for their lifetime.
func NewCursor() Executor {
	transport := &http.Transport{
		TLSClientConfig: &tls.Config{},
	}
	// ConfigureTransport wires ALPN h2 negotiation into transport; servers
	// that don't advertise h2 are served over the transport's normal
	// HTTP/1.1 path, so no separate fallback client is needed.
	_ = http2.ConfigureTransport(transport)

	return &cursorExecutor{client: &http.Client{Transport: transport}}
}

func (c *cursorExecutor) Execute(ctx context.Context, params ExecuteParams, log *slog.Logger) (Outcome, error) {
	if log == nil {
		log = slog.Default()
	}

	machineID, _ := params.Connection.ProviderSpecificData["machineId"].(string)
	var ghostMode *bool
	if gm, ok := params.Connection.ProviderSpecificData["ghostMode"].(bool); ok {
		ghostMode = &gm
	}

	headers, err := cursorcodec.BuildHeaders(cursorcodec.HeaderInput{
		AccessToken: params.Connection.AccessToken,
		MachineID:   machineID,
		GhostMode:   ghostMode,
	}, time.Now())
	if err != nil {
		return Outcome{}, err
	}

	messages := make([]cursorcodec.ChatMessage, len(params.Messages))
	for i, m := range params.Messages {
		messages[i] = cursorcodec.ChatMessage{Role: m.Role, Text: m.Text, ID: m.ID}
	}

	frame, err := cursorcodec.EncodeRequest(messages, params.Model, time.Now())
	if err != nil {
		return Outcome{}, err
	}

	urls := params.Provider.BaseURLs
	if len(urls) == 0 {
		return Outcome{}, fmt.Errorf("executor: no base URLs configured for cursor")
	}

	var resp *http.Response
	var lastErr error
	for i, base := range urls {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, base+params.Provider.ChatPath, bytes.NewReader(frame))
		if err != nil {
			return Outcome{}, err
		}
		for k, v := range headers {
			req.Header.Set(k, v)
		}

		resp, lastErr = c.client.Do(req)
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
	go c.decodeStream(resp.Body, log, events)

	return Outcome{Success: true, StatusCode: resp.StatusCode, Events: events}, nil
}

// decodeStream reads the ConnectRPC frame stream as bytes arrive,
// decoding as many complete frames as are available after every read and
// holding back an incomplete tail for the next one — the frame boundary
// almost never lines up with a single Read() call.
func (c *cursorExecutor) decodeStream(body io.ReadCloser, log *slog.Logger, events chan<- assembler.Event) {
	defer close(events)
	defer body.Close()

	metrics := &cursorcodec.Metrics{}

	var buf []byte
	chunk := make([]byte, 32*1024)
	for {
		n, readErr := body.Read(chunk)
		if n > 0 {
			buf = append(buf, chunk[:n]...)

			decoded, rest, err := cursorcodec.DecodeFrames(buf, metrics, log)
			if err != nil {
				events <- assembler.Event{Err: err}
				return
			}
			buf = rest

			for _, ev := range decoded {
				switch ev.Kind {
				case cursorcodec.EventText:
					events <- assembler.Event{Text: ev.Text}
				case cursorcodec.EventToolCallDelta:
					events <- assembler.Event{ToolCall: &assembler.ToolCallDelta{
						ID:             ev.ToolCallID,
						Name:           ev.ToolCallName,
						ArgumentsChunk: ev.ArgsChunk,
					}}
				case cursorcodec.EventError:
					events <- assembler.Event{Err: fmt.Errorf("%s: %s", ev.ErrType, ev.ErrMsg)}
					return
				}
			}
		}

		if readErr != nil {
			if readErr != io.EOF {
				events <- assembler.Event{Err: readErr}
			}
			return
		}
	}
}
