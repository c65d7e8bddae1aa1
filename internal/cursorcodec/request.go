package cursorcodec

import (
	"bytes"
	"compress/gzip"
	"os"
	"runtime"
	"time"

	"github.com/google/uuid"
)

// ChatMessage is the minimal shape the codec needs from an inbound OpenAI
// request message — role plus the concatenated text of its content parts.
type ChatMessage struct {
	Role string // "system", "user", or "assistant"
	Text string
	ID   string // stable per-message id, used for MessageId reconstruction
}

const systemPrefix = "[System Instructions]\n"

const (
	roleUser      = 1
	roleAssistant = 2
)

func roleCode(role string) uint64 {
	if role == "assistant" {
		return roleAssistant
	}
	return roleUser
}

// EncodeRequest builds the full ConnectRPC frame for a chat request: the
// nested Request protobuf, gzip-compressed when the message list has three
// or more entries, framed as [flags][length][payload].
func EncodeRequest(messages []ChatMessage, modelName string, now time.Time) ([]byte, error) {
	reqBytes := encodeRequestMessage(messages, modelName, now)

	payload := reqBytes
	flags := byte(0x00)
	if len(messages) >= 3 {
		var buf bytes.Buffer
		gz := gzip.NewWriter(&buf)
		if _, err := gz.Write(reqBytes); err != nil {
			return nil, err
		}
		if err := gz.Close(); err != nil {
			return nil, err
		}
		payload = buf.Bytes()
		flags = 0x01
	}

	return EncodeFrame(flags, payload), nil
}

// EncodeFrame wraps a payload in the outer ConnectRPC frame:
// [flags:u8][length:u32-be][payload].
func EncodeFrame(flags byte, payload []byte) []byte {
	out := make([]byte, 0, 5+len(payload))
	out = append(out, flags)
	out = append(out, byte(len(payload)>>24), byte(len(payload)>>16), byte(len(payload)>>8), byte(len(payload)))
	out = append(out, payload...)
	return out
}

func encodeRequestMessage(messages []ChatMessage, modelName string, now time.Time) []byte {
	var req pbWriter

	for _, m := range messages {
		req.message(1, encodeMessage(m))
	}

	req.varint(2, 1)
	req.message(3, encodeInstruction(""))
	req.varint(4, 1)
	req.message(5, encodeModel(modelName))
	req.str(8, "")
	req.varint(13, 1)
	req.message(15, encodeCursorSetting())
	req.varint(19, 1)
	req.str(23, uuid.NewString())
	req.message(26, encodeMetadata(now))
	req.varint(27, 0)

	for _, m := range messages {
		req.message(30, encodeMessageID(m))
	}

	req.varint(35, 0)
	req.varint(38, 0)
	req.varint(46, 1)
	req.str(47, "")
	req.varint(48, 0)
	req.varint(49, 0)
	req.varint(51, 0)
	req.varint(53, 1)
	req.str(54, "Ask")

	var outer pbWriter
	outer.message(1, req.bytes())
	return outer.bytes()
}

func encodeMessage(m ChatMessage) []byte {
	text := m.Text
	role := m.Role
	if role == "system" {
		text = systemPrefix + text
		role = "user"
	}

	var w pbWriter
	w.str(1, text)
	w.varint(2, roleCode(role))
	w.message(13, encodeMessageID(m))
	if role == "user" {
		w.varint(47, 1)
	}
	return w.bytes()
}

func encodeMessageID(m ChatMessage) []byte {
	var w pbWriter
	w.str(1, m.ID)
	w.varint(3, roleCode(m.Role))
	return w.bytes()
}

func encodeInstruction(text string) []byte {
	var w pbWriter
	w.str(1, text)
	return w.bytes()
}

func encodeModel(name string) []byte {
	var w pbWriter
	w.str(1, name)
	w.str(4, "")
	return w.bytes()
}

func encodeCursorSetting() []byte {
	var unknown6 pbWriter
	unknown6.str(1, "")
	unknown6.str(2, "")

	var w pbWriter
	w.str(1, `cursor\aisettings`)
	w.str(3, "")
	w.message(6, unknown6.bytes())
	w.varint(8, 1)
	w.varint(9, 1)
	return w.bytes()
}

// encodeMetadata carries platform/arch/runtime/cwd/timestamp. The spec does
// not pin field numbers for this nested message (it only names the
// contents), so these are chosen to not collide with anything else in the
// schema; a real client need only agree with itself encoder-to-decoder.
func encodeMetadata(now time.Time) []byte {
	cwd, _ := os.Getwd()

	var w pbWriter
	w.str(1, runtime.GOOS)
	w.str(2, runtime.GOARCH)
	w.str(3, runtime.Version())
	w.str(4, cwd)
	w.varint(5, uint64(now.UnixMilli()))
	return w.bytes()
}
