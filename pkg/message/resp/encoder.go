package resp

import (
	"bytes"
	"strconv"
)

// Encoder writes RESP2 reply framing. The zero value is ready to use.
type Encoder struct {
	scratch []byte
}

func (e *Encoder) Encode(v *Value, out *bytes.Buffer) {
	if v == nil {
		out.WriteString("$-1\r\n")
		return
	}

	switch v.Type {
	case ValueType_Null:
		out.WriteString("$-1\r\n")
	case ValueType_SimpleString:
		out.WriteByte('+')
		writeLine(v.Str, out)
	case ValueType_Error:
		out.WriteByte('-')
		writeLine(v.Str, out)
	case ValueType_Integer:
		out.WriteByte(':')
		e.writeInt(v.Int, out)
	case ValueType_BulkString:
		out.WriteByte('$')
		e.writeInt(int64(len(v.Str)), out)
		out.WriteString(v.Str)
		out.Write(crlf)
	case ValueType_Array:
		out.WriteByte('*')
		e.writeInt(int64(len(v.Array)), out)
		for _, element := range v.Array {
			e.Encode(element, out)
		}
	}
}

// writeLine writes a line-framed payload. CR and LF become spaces so the line can't end early.
func writeLine(s string, out *bytes.Buffer) {
	for i := 0; i < len(s); i++ {
		switch c := s[i]; c {
		case '\r', '\n':
			out.WriteByte(' ')
		default:
			out.WriteByte(c)
		}
	}
	out.Write(crlf)
}

func (e *Encoder) writeInt(i int64, out *bytes.Buffer) {
	e.scratch = strconv.AppendInt(e.scratch[:0], i, 10)
	out.Write(e.scratch)
	out.Write(crlf)
}

// Encode is a convenience for callers that don't keep an Encoder around.
func Encode(v *Value) []byte {
	var out bytes.Buffer
	var e Encoder
	e.Encode(v, &out)
	return out.Bytes()
}
