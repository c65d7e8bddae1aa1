package cursorcodec

import (
	"bytes"
	"strings"
	"testing"
	"time"
)

// jyhEncode is byte-exact and must never drift: the Cursor upstream
// validates it against its own derivation of the same input.
func TestJyhEncode_ByteExact(t *testing.T) {
	got := jyhEncode(1)
	want := "paaoq6-z"
	if got != want {
		t.Fatalf("jyhEncode(1) = %q, want %q", got, want)
	}
}

func textMessage(role, text, id string) ChatMessage {
	return ChatMessage{Role: role, Text: text, ID: id}
}

// S5 (encoding half): two user messages encode uncompressed (flags=0x00);
// four messages cross the gzip threshold (flags=0x01).
func TestEncodeRequest_GzipThreshold(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	two := []ChatMessage{
		textMessage("user", "hello", "m1"),
		textMessage("user", "world", "m2"),
	}
	frame, err := EncodeRequest(two, "gpt-5", now)
	if err != nil {
		t.Fatalf("EncodeRequest(2 messages): %v", err)
	}
	if frame[0] != 0x00 {
		t.Fatalf("flags = %#x, want 0x00 for 2 messages", frame[0])
	}

	four := []ChatMessage{
		textMessage("user", "a", "m1"),
		textMessage("assistant", "b", "m2"),
		textMessage("user", "c", "m3"),
		textMessage("user", "d", "m4"),
	}
	frame, err = EncodeRequest(four, "gpt-5", now)
	if err != nil {
		t.Fatalf("EncodeRequest(4 messages): %v", err)
	}
	if frame[0] != 0x01 {
		t.Fatalf("flags = %#x, want 0x01 for 4 messages", frame[0])
	}
	payload := frame[5:]
	if !bytes.HasPrefix(payload, []byte{0x1f, 0x8b}) {
		t.Fatalf("payload does not look gzip-compressed: % x", payload[:2])
	}
}

func encodeTextEvent(text string) []byte {
	var inner pbWriter
	inner.str(1, text)

	var outer pbWriter
	outer.message(2, inner.bytes())
	return outer.bytes()
}

func encodeToolCallEvent(id, name, argsChunk string, isLast bool) []byte {
	var inner pbWriter
	if id != "" {
		inner.str(1, id)
	}
	if name != "" {
		inner.str(2, name)
	}
	if argsChunk != "" {
		inner.str(3, argsChunk)
	}
	if isLast {
		inner.boolField(4, true)
	}

	var outer pbWriter
	outer.message(1, inner.bytes())
	return outer.bytes()
}

// S5: decoding a concatenation of frames [text("hello"),
// toolCall(id=T,name=f,args='{"a":'), toolCall(id=T,args='1}',isLast=true),
// text(" world")] yields a finalised tool call with arguments {"a":1} and
// assembled content "hello world".
func TestDecodeFrames_ToolCallReassembly(t *testing.T) {
	var buf bytes.Buffer
	buf.Write(EncodeFrame(0x00, encodeTextEvent("hello")))
	buf.Write(EncodeFrame(0x00, encodeToolCallEvent("T", "f", `{"a":`, false)))
	buf.Write(EncodeFrame(0x00, encodeToolCallEvent("T", "", "1}", true)))
	buf.Write(EncodeFrame(0x00, encodeTextEvent(" world")))

	events, rest, err := DecodeFrames(buf.Bytes(), &Metrics{}, nil)
	if err != nil {
		t.Fatalf("DecodeFrames: %v", err)
	}
	if len(rest) != 0 {
		t.Fatalf("leftover bytes = %d, want 0", len(rest))
	}

	var text strings.Builder
	reassembler := NewToolCallReassembler()
	for _, ev := range events {
		switch ev.Kind {
		case EventText:
			text.WriteString(ev.Text)
		case EventToolCallDelta:
			reassembler.Ingest(ev)
		}
	}

	if got := text.String(); got != "hello world" {
		t.Fatalf("assembled text = %q, want %q", got, "hello world")
	}

	calls := reassembler.Finalize()
	if len(calls) != 1 {
		t.Fatalf("len(calls) = %d, want 1", len(calls))
	}
	if calls[0].ID != "T" || calls[0].Name != "f" || calls[0].Arguments != `{"a":1}` || !calls[0].Done {
		t.Fatalf("call = %+v, want id=T name=f arguments={\"a\":1} done=true", calls[0])
	}
}

// Incomplete trailing frame is tolerated: DecodeFrames returns what it can
// parse and hands back the remainder for the next read.
func TestDecodeFrames_IncompleteTail(t *testing.T) {
	var buf bytes.Buffer
	buf.Write(EncodeFrame(0x00, encodeTextEvent("partial")))
	full := buf.Bytes()
	truncated := full[:len(full)-2] // chop off the tail of the payload

	events, rest, err := DecodeFrames(truncated, nil, nil)
	if err != nil {
		t.Fatalf("DecodeFrames: %v", err)
	}
	if len(events) != 0 {
		t.Fatalf("events = %+v, want none (frame incomplete)", events)
	}
	if len(rest) != len(truncated) {
		t.Fatalf("rest = %d bytes, want the full truncated buffer held back", len(rest))
	}
}

// Error payloads stop the stream and classify resource_exhausted as a
// rate-limit error, everything else as a generic api_error.
func TestDecodeFrames_ErrorPayload(t *testing.T) {
	rateLimited := []byte(`{"error":{"message":"slow down","code":"resource_exhausted"}}`)
	events, _, err := DecodeFrames(EncodeFrame(0x00, rateLimited), nil, nil)
	if err != nil {
		t.Fatalf("DecodeFrames: %v", err)
	}
	if len(events) != 1 || events[0].Kind != EventError || events[0].ErrType != "rate_limit_error" {
		t.Fatalf("events = %+v, want one rate_limit_error", events)
	}

	other := []byte(`{"error":{"message":"nope","code":"internal"}}`)
	events, _, err = DecodeFrames(EncodeFrame(0x00, other), nil, nil)
	if err != nil {
		t.Fatalf("DecodeFrames: %v", err)
	}
	if len(events) != 1 || events[0].ErrType != "api_error" {
		t.Fatalf("events = %+v, want one api_error", events)
	}
}

func TestBuildHeaders_RequiresMachineID(t *testing.T) {
	_, err := BuildHeaders(HeaderInput{AccessToken: "tok"}, time.Now())
	if err != ErrMachineIDRequired {
		t.Fatalf("err = %v, want ErrMachineIDRequired", err)
	}
}

func TestBuildHeaders_CleanTokenSplit(t *testing.T) {
	headers, err := BuildHeaders(HeaderInput{AccessToken: "userId::secrettoken", MachineID: "mid"}, time.Now())
	if err != nil {
		t.Fatalf("BuildHeaders: %v", err)
	}
	if headers["authorization"] != "Bearer secrettoken" {
		t.Fatalf("authorization = %q, want Bearer secrettoken", headers["authorization"])
	}
	if headers["x-ghost-mode"] != "true" {
		t.Fatalf("x-ghost-mode = %q, want true by default", headers["x-ghost-mode"])
	}
}

func TestBuildHeaders_GhostModeOverride(t *testing.T) {
	off := false
	headers, err := BuildHeaders(HeaderInput{AccessToken: "tok", MachineID: "mid", GhostMode: &off}, time.Now())
	if err != nil {
		t.Fatalf("BuildHeaders: %v", err)
	}
	if headers["x-ghost-mode"] != "false" {
		t.Fatalf("x-ghost-mode = %q, want false", headers["x-ghost-mode"])
	}
}
