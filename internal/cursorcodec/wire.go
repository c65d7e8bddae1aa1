package cursorcodec

import "google.golang.org/protobuf/encoding/protowire"

// pbWriter appends fields to a growing protobuf byte buffer. It is a thin
// wrapper over protowire's Append* primitives — there is no generated
// message type for Cursor's request shape, so the frame is built field by
// field per spec.
type pbWriter struct{ buf []byte }

func (w *pbWriter) bytes() []byte { return w.buf }

func (w *pbWriter) varint(num protowire.Number, v uint64) {
	w.buf = protowire.AppendTag(w.buf, num, protowire.VarintType)
	w.buf = protowire.AppendVarint(w.buf, v)
}

func (w *pbWriter) boolField(num protowire.Number, v bool) {
	n := uint64(0)
	if v {
		n = 1
	}
	w.varint(num, n)
}

func (w *pbWriter) str(num protowire.Number, v string) {
	w.buf = protowire.AppendTag(w.buf, num, protowire.BytesType)
	w.buf = protowire.AppendString(w.buf, v)
}

func (w *pbWriter) message(num protowire.Number, msg []byte) {
	w.buf = protowire.AppendTag(w.buf, num, protowire.BytesType)
	w.buf = protowire.AppendBytes(w.buf, msg)
}

// pbField is one top-level field consumed from an inbound protobuf message.
type pbField struct {
	Num   protowire.Number
	Typ   protowire.Type
	Varint uint64
	Bytes []byte
}

// parseFields walks b as a flat sequence of protobuf fields. Group-typed
// fields are not expected anywhere in this wire format; they are skipped
// and left out of the result.
func parseFields(b []byte) ([]pbField, error) {
	var fields []pbField
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, protowire.ParseError(n)
		}
		b = b[n:]

		switch typ {
		case protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return nil, protowire.ParseError(n)
			}
			fields = append(fields, pbField{Num: num, Typ: typ, Varint: v})
			b = b[n:]

		case protowire.Fixed32Type:
			v, n := protowire.ConsumeFixed32(b)
			if n < 0 {
				return nil, protowire.ParseError(n)
			}
			fields = append(fields, pbField{Num: num, Typ: typ, Varint: uint64(v)})
			b = b[n:]

		case protowire.Fixed64Type:
			v, n := protowire.ConsumeFixed64(b)
			if n < 0 {
				return nil, protowire.ParseError(n)
			}
			fields = append(fields, pbField{Num: num, Typ: typ, Varint: v})
			b = b[n:]

		case protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return nil, protowire.ParseError(n)
			}
			fields = append(fields, pbField{Num: num, Typ: typ, Bytes: v})
			b = b[n:]

		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return nil, protowire.ParseError(n)
			}
			b = b[n:]
		}
	}
	return fields, nil
}

// first returns the first field with the given number, if any.
func first(fields []pbField, num protowire.Number) (pbField, bool) {
	for _, f := range fields {
		if f.Num == num {
			return f, true
		}
	}
	return pbField{}, false
}

// all returns every field with the given number, in order.
func all(fields []pbField, num protowire.Number) []pbField {
	var out []pbField
	for _, f := range fields {
		if f.Num == num {
			out = append(out, f)
		}
	}
	return out
}
