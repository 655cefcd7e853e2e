package resp

import (
	"bytes"
	goerrs "errors"
	"strconv"

	"github.com/sessamekesh/spanreed-redis-proxy/pkg/errors"
)

const (
	DefaultMaxBulkLength  = 512 * 1024 * 1024
	DefaultMaxArrayLength = 1024 * 1024
	DefaultMaxLineLength  = 64 * 1024
	maxNestingDepth       = 32
)

var crlf = []byte("\r\n")

// arrayFrame is an array whose header has been read but whose elements are still arriving.
type arrayFrame struct {
	length   int64
	elements []*Value
}

// Decoder turns an arbitrarily fragmented byte stream into RESP values. Array headers and complete
// elements are consumed as soon as they arrive, so only the bytes of the element currently being
// received are retained between calls to Decode.
type Decoder struct {
	MaxBulkLength  int64
	MaxArrayLength int64
	MaxLineLength  int

	callback func(*Value)
	buf      []byte
	frames   []*arrayFrame
	// Bytes already folded into frames for the value being assembled.
	consumed int
	decoding bool
	stopped  bool
}

func NewDecoder(callback func(*Value)) *Decoder {
	return &Decoder{
		MaxBulkLength:  DefaultMaxBulkLength,
		MaxArrayLength: DefaultMaxArrayLength,
		MaxLineLength:  DefaultMaxLineLength,
		callback:       callback,
	}
}

// Decode consumes data and invokes the callback once per complete value, in stream order. Any
// error returned is a *errors.ProtocolError; the decoder must not be used afterwards.
func (d *Decoder) Decode(data []byte) error {
	d.buf = append(d.buf, data...)
	buf := d.buf

	d.decoding = true
	defer func() {
		d.decoding = false
		d.stopped = false
	}()

	readPtr := 0
	for readPtr < len(buf) && !d.stopped {
		next, value, frame, err := d.parseItem(buf, readPtr)
		if err != nil {
			var underflow *errors.Underflow
			if goerrs.As(err, &underflow) {
				break
			}
			d.clear()
			return &errors.ProtocolError{Cause: err}
		}

		d.consumed += next - readPtr
		readPtr = next
		if frame != nil {
			d.frames = append(d.frames, frame)
			continue
		}

		if value = d.fold(value); value != nil {
			d.consumed = 0
			d.callback(value)
		}
	}

	if d.stopped {
		d.clear()
		return nil
	}

	remaining := copy(d.buf, d.buf[readPtr:])
	d.buf = d.buf[:remaining]
	if remaining == 0 && cap(d.buf) > 64*1024 {
		d.buf = nil
	}

	return nil
}

// fold appends a finished value to the innermost open array, closing every array it completes.
// It returns the top-level value once one is complete, nil otherwise.
func (d *Decoder) fold(value *Value) *Value {
	for len(d.frames) > 0 {
		top := d.frames[len(d.frames)-1]
		top.elements = append(top.elements, value)
		if int64(len(top.elements)) < top.length {
			return nil
		}
		d.frames = d.frames[:len(d.frames)-1]
		value = NewArray(top.elements...)
	}
	return value
}

func (d *Decoder) clear() {
	d.buf = nil
	d.frames = nil
	d.consumed = 0
}

// Buffered is the number of bytes held for an incomplete value.
func (d *Decoder) Buffered() int {
	return len(d.buf) + d.consumed
}

// Reset drops any partially received value. Called from a callback, it also stops the Decode in
// progress: no further values from that call are delivered.
func (d *Decoder) Reset() {
	d.clear()
	if d.decoding {
		d.stopped = true
	}
}

func (d *Decoder) parseLine(buf []byte, readPtr int, valueName string) (int, []byte, error) {
	idx := bytes.Index(buf[readPtr:], crlf)
	if idx < 0 {
		pending := len(buf) - readPtr
		if maxLine := d.maxLineLength(); pending > maxLine {
			return readPtr, nil, &errors.LengthOutOfRange{
				ValueName: valueName + "::Line",
				Length:    int64(pending),
				Maximum:   int64(maxLine),
			}
		}
		return readPtr, nil, &errors.Underflow{
			ValueName:   valueName,
			BufSize:     pending,
			MinimumSize: pending + 1,
		}
	}

	return readPtr + idx + 2, buf[readPtr : readPtr+idx], nil
}

func (d *Decoder) maxLineLength() int {
	if d.MaxLineLength <= 0 {
		return DefaultMaxLineLength
	}
	return d.MaxLineLength
}

func (d *Decoder) parseLength(buf []byte, readPtr int, valueName string) (int, int64, error) {
	next, line, err := d.parseLine(buf, readPtr, valueName)
	if err != nil {
		return readPtr, 0, err
	}

	length, err := strconv.ParseInt(string(line), 10, 64)
	if err != nil {
		return readPtr, 0, &errors.MalformedInteger{ValueName: valueName, Raw: string(line)}
	}

	return next, length, nil
}

// parseItem reads one scalar value or one array header at readPtr. A non-empty array header is
// returned as a frame for its elements to be folded into.
func (d *Decoder) parseItem(buf []byte, readPtr int) (int, *Value, *arrayFrame, error) {
	typeByte := buf[readPtr]
	ptr := readPtr + 1

	switch typeByte {
	case '+':
		next, line, err := d.parseLine(buf, ptr, "SimpleString")
		if err != nil {
			return readPtr, nil, nil, err
		}
		return next, NewSimpleString(string(line)), nil, nil
	case '-':
		next, line, err := d.parseLine(buf, ptr, "Error")
		if err != nil {
			return readPtr, nil, nil, err
		}
		return next, NewError(string(line)), nil, nil
	case ':':
		next, i, err := d.parseLength(buf, ptr, "Integer")
		if err != nil {
			return readPtr, nil, nil, err
		}
		return next, NewInteger(i), nil, nil
	case '$':
		next, value, err := d.parseBulkString(buf, readPtr)
		return next, value, nil, err
	case '*':
		return d.parseArrayHeader(buf, readPtr)
	}

	return readPtr, nil, nil, &errors.InvalidTypeByte{
		Offset:   readPtr,
		TypeByte: typeByte,
	}
}

func (d *Decoder) parseBulkString(buf []byte, readPtr int) (int, *Value, error) {
	ptr, length, err := d.parseLength(buf, readPtr+1, "BulkString")
	if err != nil {
		return readPtr, nil, err
	}

	if length == -1 {
		return ptr, NewNull(), nil
	}
	if length < 0 || length > d.MaxBulkLength {
		return readPtr, nil, &errors.LengthOutOfRange{
			ValueName: "BulkString",
			Length:    length,
			Maximum:   d.MaxBulkLength,
		}
	}

	end := ptr + int(length)
	if len(buf) < end+2 {
		return readPtr, nil, &errors.Underflow{
			ValueName:   "BulkString::Payload",
			BufSize:     len(buf) - ptr,
			MinimumSize: int(length) + 2,
		}
	}
	if buf[end] != '\r' || buf[end+1] != '\n' {
		return readPtr, nil, &errors.MissingTerminator{
			ValueName: "BulkString",
			Offset:    end,
		}
	}

	return end + 2, NewBulkString(string(buf[ptr:end])), nil
}

func (d *Decoder) parseArrayHeader(buf []byte, readPtr int) (int, *Value, *arrayFrame, error) {
	ptr, length, err := d.parseLength(buf, readPtr+1, "Array")
	if err != nil {
		return readPtr, nil, nil, err
	}

	if length == -1 {
		return ptr, NewNull(), nil, nil
	}
	if length < 0 || length > d.MaxArrayLength {
		return readPtr, nil, nil, &errors.LengthOutOfRange{
			ValueName: "Array",
			Length:    length,
			Maximum:   d.MaxArrayLength,
		}
	}
	if length == 0 {
		return ptr, NewArray(), nil, nil
	}
	if len(d.frames) >= maxNestingDepth {
		return readPtr, nil, nil, &errors.LengthOutOfRange{
			ValueName: "Array::Depth",
			Length:    int64(len(d.frames) + 1),
			Maximum:   maxNestingDepth,
		}
	}

	return ptr, nil, &arrayFrame{
		length:   length,
		elements: make([]*Value, 0, min(length, 1024)),
	}, nil
}
