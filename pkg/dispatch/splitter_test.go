package dispatch

import (
	"strings"
	"testing"

	"github.com/sessamekesh/spanreed-redis-proxy/pkg/message/resp"
	"github.com/sessamekesh/spanreed-redis-proxy/pkg/proxy"
	"go.uber.org/zap"
)

type fakeHandle struct {
	cancelled int
}

func (h *fakeHandle) Cancel() { h.cancelled++ }

type backendCall struct {
	args       []string
	onComplete func(*resp.Value)
	handle     *fakeHandle
}

// fakeBackend records calls. When respond is set every call completes synchronously with its
// result.
type fakeBackend struct {
	calls   []*backendCall
	respond func(args []string) *resp.Value
}

func (b *fakeBackend) Execute(args []string, onComplete func(*resp.Value)) proxy.DispatchHandle {
	if b.respond != nil {
		onComplete(b.respond(args))
		return nil
	}
	call := &backendCall{args: args, onComplete: onComplete, handle: &fakeHandle{}}
	b.calls = append(b.calls, call)
	return call.handle
}

type recorder struct {
	replies []*resp.Value
}

func (r *recorder) onComplete(v *resp.Value) {
	r.replies = append(r.replies, v)
}

func (r *recorder) only(t *testing.T) *resp.Value {
	t.Helper()
	if len(r.replies) != 1 {
		t.Fatalf("expected exactly one reply, got %d", len(r.replies))
	}
	return r.replies[0]
}

func newTestSplitter(backend Backend) *Splitter {
	return CreateSplitter(backend, SplitterParams{Logger: zap.NewNop()})
}

func TestSplitterRejectsInvalidRequests(t *testing.T) {
	s := newTestSplitter(&fakeBackend{})

	for name, cmd := range map[string]*resp.Value{
		"not an array":    resp.NewBulkString("GET"),
		"empty array":     resp.NewArray(),
		"integer element": resp.NewArray(resp.NewBulkString("GET"), resp.NewInteger(1)),
	} {
		t.Run(name, func(t *testing.T) {
			r := &recorder{}
			if handle := s.Dispatch(cmd, r.onComplete); handle != nil {
				t.Fatal("expected local rejection to complete immediately")
			}
			if reply := r.only(t); !reply.Equal(resp.NewError("invalid request")) {
				t.Fatalf("unexpected reply %s", reply)
			}
		})
	}
}

func TestSplitterRejectsUnsupportedCommands(t *testing.T) {
	backend := &fakeBackend{}
	s := newTestSplitter(backend)

	r := &recorder{}
	s.Dispatch(resp.NewCommand("FLUSHALL"), r.onComplete)
	if reply := r.only(t); !reply.Equal(resp.NewError("unsupported command 'FLUSHALL'")) {
		t.Fatalf("unexpected reply %s", reply)
	}
	if len(backend.calls) != 0 {
		t.Fatal("expected unsupported command not to reach the backend")
	}
}

func TestSplitterUnsupportedCommandWithLineBreaksEncodesAsOneReply(t *testing.T) {
	s := newTestSplitter(&fakeBackend{})

	r := &recorder{}
	s.Dispatch(resp.NewCommand("x\r\n:42"), r.onComplete)
	reply := r.only(t)

	var decoded []*resp.Value
	d := resp.NewDecoder(func(v *resp.Value) { decoded = append(decoded, v) })
	if err := d.Decode(resp.Encode(reply)); err != nil {
		t.Fatalf("unexpected decode error: %v", err)
	}
	if len(decoded) != 1 || decoded[0].Type != resp.ValueType_Error {
		t.Fatalf("expected one error reply on the wire, got %v", decoded)
	}
	if decoded[0].Str != "unsupported command 'x  :42'" {
		t.Fatalf("unexpected error text %q", decoded[0].Str)
	}
}

func TestSplitterPing(t *testing.T) {
	s := newTestSplitter(&fakeBackend{})

	tests := []struct {
		cmd  *resp.Value
		want *resp.Value
	}{
		{resp.NewCommand("PING"), resp.NewSimpleString("PONG")},
		{resp.NewCommand("ping", "hello"), resp.NewBulkString("hello")},
		{resp.NewCommand("PING", "a", "b"), resp.NewError("wrong number of arguments for 'PING' command")},
	}

	for _, tc := range tests {
		r := &recorder{}
		s.Dispatch(tc.cmd, r.onComplete)
		if reply := r.only(t); !reply.Equal(tc.want) {
			t.Fatalf("%s: got %s, want %s", tc.cmd, reply, tc.want)
		}
	}
}

func TestSplitterForwardsSimpleCommands(t *testing.T) {
	backend := &fakeBackend{}
	s := newTestSplitter(backend)

	r := &recorder{}
	handle := s.Dispatch(resp.NewCommand("get", "foo"), r.onComplete)
	if len(backend.calls) != 1 || strings.Join(backend.calls[0].args, " ") != "get foo" {
		t.Fatalf("unexpected backend calls %+v", backend.calls)
	}
	if handle != backend.calls[0].handle {
		t.Fatal("expected the backend handle to be returned unchanged")
	}

	backend.calls[0].onComplete(resp.NewBulkString("bar"))
	if reply := r.only(t); !reply.Equal(resp.NewBulkString("bar")) {
		t.Fatalf("unexpected reply %s", reply)
	}
}

func TestSplitterChecksArity(t *testing.T) {
	backend := &fakeBackend{}
	s := newTestSplitter(backend)

	for _, cmd := range []*resp.Value{
		resp.NewCommand("GET"),
		resp.NewCommand("MGET"),
		resp.NewCommand("MSET", "a"),
		resp.NewCommand("MSET", "a", "1", "b"),
		resp.NewCommand("DEL"),
		resp.NewCommand("EVAL", "return 1", "0"),
	} {
		r := &recorder{}
		s.Dispatch(cmd, r.onComplete)
		if reply := r.only(t); !reply.IsError() || !strings.HasPrefix(reply.Str, "wrong number of arguments") {
			t.Fatalf("%s: expected arity error, got %s", cmd, reply)
		}
	}
	if len(backend.calls) != 0 {
		t.Fatal("expected malformed commands not to reach the backend")
	}
}

func TestSplitterMgetCoalescesInKeyOrder(t *testing.T) {
	backend := &fakeBackend{}
	s := newTestSplitter(backend)

	r := &recorder{}
	s.Dispatch(resp.NewCommand("MGET", "a", "b", "c"), r.onComplete)
	if len(backend.calls) != 3 {
		t.Fatalf("expected 3 sub-requests, got %d", len(backend.calls))
	}
	for i, key := range []string{"a", "b", "c"} {
		if got := strings.Join(backend.calls[i].args, " "); got != "get "+key {
			t.Fatalf("sub-request %d: got %q", i, got)
		}
	}

	backend.calls[2].onComplete(resp.NewBulkString("C"))
	backend.calls[0].onComplete(resp.NewBulkString("A"))
	if len(r.replies) != 0 {
		t.Fatal("expected no reply before every key answered")
	}
	backend.calls[1].onComplete(resp.NewNull())

	want := resp.NewArray(resp.NewBulkString("A"), resp.NewNull(), resp.NewBulkString("C"))
	if reply := r.only(t); !reply.Equal(want) {
		t.Fatalf("got %s, want %s", reply, want)
	}
}

func TestSplitterMset(t *testing.T) {
	backend := &fakeBackend{respond: func(args []string) *resp.Value {
		if args[1] == "bad" {
			return resp.NewError("upstream failure")
		}
		return resp.NewSimpleString("OK")
	}}
	s := newTestSplitter(backend)

	r := &recorder{}
	s.Dispatch(resp.NewCommand("MSET", "a", "1", "b", "2"), r.onComplete)
	if reply := r.only(t); !reply.Equal(resp.NewSimpleString("OK")) {
		t.Fatalf("unexpected reply %s", reply)
	}

	r = &recorder{}
	s.Dispatch(resp.NewCommand("MSET", "a", "1", "bad", "2"), r.onComplete)
	if reply := r.only(t); !reply.Equal(resp.NewError("finished with 1 error(s)")) {
		t.Fatalf("unexpected reply %s", reply)
	}
}

func TestSplitterSumsIntegerReplies(t *testing.T) {
	backend := &fakeBackend{respond: func(args []string) *resp.Value {
		if args[0] != "UNLINK" && args[0] != "DEL" {
			t.Fatalf("expected the original command name to be kept, got %s", args[0])
		}
		if args[1] == "missing" {
			return resp.NewInteger(0)
		}
		return resp.NewInteger(1)
	}}
	s := newTestSplitter(backend)

	r := &recorder{}
	s.Dispatch(resp.NewCommand("DEL", "a", "missing", "b"), r.onComplete)
	if reply := r.only(t); !reply.Equal(resp.NewInteger(2)) {
		t.Fatalf("unexpected reply %s", reply)
	}

	backend.respond = func(args []string) *resp.Value { return resp.NewError("upstream failure") }
	r = &recorder{}
	s.Dispatch(resp.NewCommand("UNLINK", "a", "b"), r.onComplete)
	if reply := r.only(t); !reply.Equal(resp.NewError("finished with 2 error(s)")) {
		t.Fatalf("unexpected reply %s", reply)
	}
}

func TestSplitterCancelCancelsSubRequests(t *testing.T) {
	backend := &fakeBackend{}
	s := newTestSplitter(backend)

	r := &recorder{}
	handle := s.Dispatch(resp.NewCommand("MGET", "a", "b"), r.onComplete)
	backend.calls[0].onComplete(resp.NewBulkString("A"))

	handle.Cancel()
	handle.Cancel()
	for i, call := range backend.calls {
		if call.handle.cancelled != 1 {
			t.Fatalf("sub-request %d: expected exactly one cancel, got %d", i, call.handle.cancelled)
		}
	}

	backend.calls[1].onComplete(resp.NewBulkString("B"))
	if len(r.replies) != 0 {
		t.Fatal("expected no reply after cancellation")
	}
}

func TestSplitterCompletesOnceWhenSubRequestsAreSynchronous(t *testing.T) {
	backend := &fakeBackend{respond: func(args []string) *resp.Value { return resp.NewBulkString(args[1]) }}
	s := newTestSplitter(backend)

	r := &recorder{}
	handle := s.Dispatch(resp.NewCommand("MGET", "x", "y"), r.onComplete)
	want := resp.NewArray(resp.NewBulkString("x"), resp.NewBulkString("y"))
	if reply := r.only(t); !reply.Equal(want) {
		t.Fatalf("got %s, want %s", reply, want)
	}

	// Cancelling a finished request is a no-op.
	handle.Cancel()
	if len(r.replies) != 1 {
		t.Fatal("expected a single reply")
	}
}
