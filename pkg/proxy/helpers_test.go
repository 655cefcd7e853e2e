package proxy

import (
	"bytes"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sessamekesh/spanreed-redis-proxy/pkg/handlers"
	"github.com/sessamekesh/spanreed-redis-proxy/pkg/message/resp"
	"go.uber.org/zap"
)

// fakeConnection stands in for a transport connection. Posted functions run when runPosted is
// called, or immediately when immediatePost is set.
type fakeConnection struct {
	immediatePost bool

	written    bytes.Buffer
	writes     int
	closed     bool
	closeType  handlers.CloseType
	closeCalls int
	posted     []func()
}

func (c *fakeConnection) Id() string { return "test-conn" }

func (c *fakeConnection) Write(data []byte) {
	c.writes++
	c.written.Write(data)
}

func (c *fakeConnection) Close(closeType handlers.CloseType) {
	c.closeCalls++
	c.closed = true
	c.closeType = closeType
}

func (c *fakeConnection) Post(fn func()) {
	if c.immediatePost {
		fn()
		return
	}
	c.posted = append(c.posted, fn)
}

func (c *fakeConnection) runPosted() {
	for len(c.posted) > 0 {
		fn := c.posted[0]
		c.posted = c.posted[1:]
		fn()
	}
}

// replies decodes everything written to the connection so far.
func (c *fakeConnection) replies(t *testing.T) []*resp.Value {
	t.Helper()
	values := []*resp.Value{}
	d := resp.NewDecoder(func(v *resp.Value) { values = append(values, v) })
	if err := d.Decode(c.written.Bytes()); err != nil {
		t.Fatalf("connection received malformed output: %v", err)
	}
	if d.Buffered() != 0 {
		t.Fatalf("connection received a truncated reply")
	}
	return values
}

type fakeHandle struct {
	cancelled int
}

func (h *fakeHandle) Cancel() { h.cancelled++ }

type dispatchedCommand struct {
	cmd        *resp.Value
	onComplete func(*resp.Value)
	handle     *fakeHandle
}

// fakeDispatcher records commands. Commands for which respond returns non-nil are answered before
// Dispatch returns.
type fakeDispatcher struct {
	dispatched []*dispatchedCommand
	respond    func(cmd *resp.Value) *resp.Value
}

func (d *fakeDispatcher) Dispatch(cmd *resp.Value, onComplete func(*resp.Value)) DispatchHandle {
	if d.respond != nil {
		if response := d.respond(cmd); response != nil {
			d.dispatched = append(d.dispatched, &dispatchedCommand{cmd: cmd})
			onComplete(response)
			return nil
		}
	}

	dc := &dispatchedCommand{cmd: cmd, onComplete: onComplete, handle: &fakeHandle{}}
	d.dispatched = append(d.dispatched, dc)
	return dc.handle
}

func (d *fakeDispatcher) complete(t *testing.T, i int, response *resp.Value) {
	t.Helper()
	if i >= len(d.dispatched) || d.dispatched[i].onComplete == nil {
		t.Fatalf("no pending dispatch #%d", i)
	}
	d.dispatched[i].onComplete(response)
}

type sessionFixture struct {
	conn       *fakeConnection
	dispatcher *fakeDispatcher
	config     *ProxyConfig
	session    *Session
}

func newSessionFixture(t *testing.T, params ProxyConfigParams) *sessionFixture {
	t.Helper()
	if params.StatPrefix == "" {
		params.StatPrefix = "test"
	}
	if params.Registerer == nil {
		params.Registerer = prometheus.NewRegistry()
	}

	config, err := CreateProxyConfig(params)
	if err != nil {
		t.Fatalf("CreateProxyConfig: %v", err)
	}

	conn := &fakeConnection{}
	dispatcher := &fakeDispatcher{}
	session := CreateSession(conn, SessionParams{
		Config:     config,
		Dispatcher: dispatcher,
		Logger:     zap.NewNop(),
	})
	session.OnNewConnection()

	return &sessionFixture{
		conn:       conn,
		dispatcher: dispatcher,
		config:     config,
		session:    session,
	}
}

func (f *sessionFixture) feed(commands ...*resp.Value) {
	var buf bytes.Buffer
	var e resp.Encoder
	for _, cmd := range commands {
		e.Encode(cmd, &buf)
	}
	f.session.OnData(buf.Bytes(), false)
}

func expectReplies(t *testing.T, conn *fakeConnection, want ...*resp.Value) {
	t.Helper()
	got := conn.replies(t)
	if len(got) != len(want) {
		t.Fatalf("expected %d replies %v, got %d %v", len(want), want, len(got), got)
	}
	for i := range want {
		if !got[i].Equal(want[i]) {
			t.Fatalf("reply %d: expected %s, got %s", i, want[i], got[i])
		}
	}
}
