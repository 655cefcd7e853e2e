package errors

import "fmt"

// Underflow is returned by the RESP parser when a value is not yet complete. It never escapes the
// decoder: the partial bytes are retained and parsing resumes on the next call.
type Underflow struct {
	ValueName   string
	BufSize     int
	MinimumSize int
}

func (e *Underflow) Error() string {
	return fmt.Sprintf("RESP parsing underflowed (type=%s), provided %d bytes, needed at least %d", e.ValueName, e.BufSize, e.MinimumSize)
}

type InvalidTypeByte struct {
	Offset   int
	TypeByte byte
}

func (e *InvalidTypeByte) Error() string {
	return fmt.Sprintf("Invalid RESP type byte 0x%02x at offset %d", e.TypeByte, e.Offset)
}

type LengthOutOfRange struct {
	ValueName string
	Length    int64
	Maximum   int64
}

func (e *LengthOutOfRange) Error() string {
	return fmt.Sprintf("Invalid length %d for %s (maximum %d)", e.Length, e.ValueName, e.Maximum)
}

type MalformedInteger struct {
	ValueName string
	Raw       string
}

func (e *MalformedInteger) Error() string {
	return fmt.Sprintf("Malformed integer '%s' in %s", e.Raw, e.ValueName)
}

type MissingTerminator struct {
	ValueName string
	Offset    int
}

func (e *MissingTerminator) Error() string {
	return fmt.Sprintf("Missing CRLF terminator for %s at offset %d", e.ValueName, e.Offset)
}

// ProtocolError is fatal for the connection that produced it: once framing is lost the stream
// cannot be resynchronized.
type ProtocolError struct {
	Cause error
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("Protocol error: %s", e.Cause)
}

func (e *ProtocolError) Unwrap() error {
	return e.Cause
}

type NameCollision struct {
	CollisionContext string
	Name             string
}

func (e *NameCollision) Error() string {
	return fmt.Sprintf("Name collision for name '%s' in context '%s'", e.Name, e.CollisionContext)
}
