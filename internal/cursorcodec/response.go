package cursorcodec

import (
	"bytes"
	"compress/gzip"
	"encoding/json"
	"io"
	"log/slog"
)

// Metrics tracks codec-level counters the Provider Executor surfaces
// alongside normal request metrics.
type Metrics struct {
	GzipFallbacks int
}

// EventKind discriminates the events produced by decoding an upstream
// Cursor response stream.
type EventKind int

const (
	EventText EventKind = iota
	EventToolCallDelta
	EventError
)

// Event is one unit of decoded stream content.
type Event struct {
	Kind EventKind

	Text string

	ToolCallID   string
	ToolCallName string
	ArgsChunk    string
	IsLast       bool

	ErrType string // "rate_limit_error" | "api_error"
	ErrMsg  string
}

type upstreamErrorBody struct {
	Error struct {
		Message string `json:"message"`
		Code    string `json:"code"`
	} `json:"error"`
}

// DecodeFrames reads as many complete frames as are present in buf and
// returns the events they produced plus the unconsumed tail (an
// incomplete trailing frame is left for the next read). Decoding stops at
// the first error frame: the events before it plus the error event are
// returned, and any bytes after it are dropped (the remainder is nil).
func DecodeFrames(buf []byte, metrics *Metrics, log *slog.Logger) ([]Event, []byte, error) {
	var events []Event

	for {
		if len(buf) < 5 {
			return events, buf, nil
		}

		flags := buf[0]
		length := uint32(buf[1])<<24 | uint32(buf[2])<<16 | uint32(buf[3])<<8 | uint32(buf[4])
		if uint32(len(buf)-5) < length {
			return events, buf, nil
		}

		payload := buf[5 : 5+length]
		buf = buf[5+length:]

		if flags&0x03 != 0 {
			decompressed, err := gunzip(payload)
			if err != nil {
				if metrics != nil {
					metrics.GzipFallbacks++
				}
				if log != nil {
					log.Warn("cursorcodec: gzip decompress failed, using raw payload", "error", err)
				}
			} else {
				payload = decompressed
			}
		}

		if looksLikeErrorJSON(payload) {
			ev, err := decodeErrorPayload(payload)
			if err != nil {
				return events, nil, err
			}
			events = append(events, ev)
			return events, nil, nil
		}

		evs, err := decodeResponseMessage(payload)
		if err != nil {
			return events, nil, err
		}
		events = append(events, evs...)
	}
}

func gunzip(b []byte) ([]byte, error) {
	r, err := gzip.NewReader(bytes.NewReader(b))
	if err != nil {
		return nil, err
	}
	defer r.Close()
	return io.ReadAll(r)
}

func looksLikeErrorJSON(payload []byte) bool {
	trimmed := bytes.TrimLeft(payload, " \t\r\n")
	return bytes.HasPrefix(trimmed, []byte(`{"error`))
}

func decodeErrorPayload(payload []byte) (Event, error) {
	var body upstreamErrorBody
	if err := json.Unmarshal(payload, &body); err != nil {
		return Event{}, err
	}

	errType := "api_error"
	if body.Error.Code == "resource_exhausted" {
		errType = "rate_limit_error"
	}

	return Event{Kind: EventError, ErrType: errType, ErrMsg: body.Error.Message}, nil
}

// decodeResponseMessage parses the inner response protobuf. Field 2 is a
// StreamUnifiedChatResponse{1 L text} text delta. Field 1 is a tool-call
// event; its sub-field layout (id, name, argument chunk, isLast) is not
// pinned by upstream documentation, so it mirrors what the codec tests'
// encodeToolCallEvent fixture writes: {1 L id, 2 L name, 3 L argsChunk,
// 4 V isLast}.
func decodeResponseMessage(payload []byte) ([]Event, error) {
	fields, err := parseFields(payload)
	if err != nil {
		return nil, err
	}

	var events []Event
	for _, f := range fields {
		switch f.Num {
		case 2:
			inner, err := parseFields(f.Bytes)
			if err != nil {
				return nil, err
			}
			if textField, ok := first(inner, 1); ok {
				events = append(events, Event{Kind: EventText, Text: string(textField.Bytes)})
			}

		case 1:
			inner, err := parseFields(f.Bytes)
			if err != nil {
				return nil, err
			}
			ev := Event{Kind: EventToolCallDelta}
			if idField, ok := first(inner, 1); ok {
				ev.ToolCallID = string(idField.Bytes)
			}
			if nameField, ok := first(inner, 2); ok {
				ev.ToolCallName = string(nameField.Bytes)
			}
			if argsField, ok := first(inner, 3); ok {
				ev.ArgsChunk = string(argsField.Bytes)
			}
			if lastField, ok := first(inner, 4); ok {
				ev.IsLast = lastField.Varint != 0
			}
			events = append(events, ev)
		}
	}
	return events, nil
}
