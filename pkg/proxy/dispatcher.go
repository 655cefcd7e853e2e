package proxy

import (
	"bytes"

	"github.com/sessamekesh/spanreed-redis-proxy/pkg/message/resp"
)

// DispatchHandle refers to one in-flight dispatch. Cancel is best-effort; a completion may still
// arrive afterwards and is ignored by the session.
type DispatchHandle interface {
	Cancel()
}

// Dispatcher executes decoded commands. It is shared by every session and must be safe for
// concurrent use. onComplete is invoked at most once per Dispatch call, from any goroutine, and may
// be invoked before Dispatch returns. A nil handle means the command has already completed.
type Dispatcher interface {
	Dispatch(cmd *resp.Value, onComplete func(response *resp.Value)) DispatchHandle
}

type Decoder interface {
	Decode(data []byte) error
	Buffered() int
	Reset()
}

type DecoderFactory func(callback func(*resp.Value)) Decoder

type Encoder interface {
	Encode(v *resp.Value, out *bytes.Buffer)
}

func DefaultDecoderFactory(callback func(*resp.Value)) Decoder {
	return resp.NewDecoder(callback)
}

func DefaultEncoderFactory() Encoder {
	return &resp.Encoder{}
}
