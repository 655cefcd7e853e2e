package internal

import (
	goerrs "errors"
	"testing"

	"github.com/sessamekesh/spanreed-redis-proxy/pkg/handlers"
)

type stubConnection struct {
	id     string
	posted []func()
}

func (c *stubConnection) Id() string { return c.id }
func (c *stubConnection) Write([]byte) {}
func (c *stubConnection) Close(handlers.CloseType) {}
func (c *stubConnection) Post(fn func()) { c.posted = append(c.posted, fn) }

type stubHandler struct {
	drains int
}

func (h *stubHandler) OnNewConnection() {}
func (h *stubHandler) OnData([]byte, bool) {}
func (h *stubHandler) OnEvent(handlers.ConnectionEvent) {}
func (h *stubHandler) OnBytesWritten(int) {}
func (h *stubHandler) Drain() { h.drains++ }

func entry(id string) (*ConnectionMetadata, *stubConnection, *stubHandler) {
	conn := &stubConnection{id: id}
	handler := &stubHandler{}
	return &ConnectionMetadata{Conn: conn, Handler: handler, ListenerName: "tcp"}, conn, handler
}

func TestConnectionStoreAddRemove(t *testing.T) {
	store := CreateConnectionStore(0)

	a, _, _ := entry("a")
	if err := store.Add(a); err != nil {
		t.Fatalf("Add: %v", err)
	}

	dup, _, _ := entry("a")
	var duplicate *DuplicateConnectionIdError
	if err := store.Add(dup); !goerrs.As(err, &duplicate) {
		t.Fatalf("expected DuplicateConnectionIdError, got %v", err)
	}
	if store.Len() != 1 {
		t.Fatalf("expected a rejected duplicate not to count, got %d", store.Len())
	}

	got, err := store.Get("a")
	if err != nil || got != a {
		t.Fatalf("Get returned %v, %v", got, err)
	}

	if err := store.Remove("a"); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	var missing *MissingConnectionIdError
	if err := store.Remove("a"); !goerrs.As(err, &missing) {
		t.Fatalf("expected MissingConnectionIdError, got %v", err)
	}
	if _, err := store.Get("a"); !goerrs.As(err, &missing) {
		t.Fatalf("expected MissingConnectionIdError, got %v", err)
	}
	if store.Len() != 0 {
		t.Fatalf("expected empty store, got %d", store.Len())
	}
}

func TestConnectionStoreEnforcesLimit(t *testing.T) {
	store := CreateConnectionStore(2)

	for _, id := range []string{"a", "b"} {
		e, _, _ := entry(id)
		if err := store.Add(e); err != nil {
			t.Fatalf("Add(%s): %v", id, err)
		}
	}

	c, _, _ := entry("c")
	var tooMany *TooManyConnectionsError
	if err := store.Add(c); !goerrs.As(err, &tooMany) {
		t.Fatalf("expected TooManyConnectionsError, got %v", err)
	}

	store.Remove("a")
	if err := store.Add(c); err != nil {
		t.Fatalf("expected room after a removal, got %v", err)
	}
}

func TestConnectionStoreDrainAllPostsToEachLoop(t *testing.T) {
	store := CreateConnectionStore(0)
	a, connA, handlerA := entry("a")
	b, connB, handlerB := entry("b")
	store.Add(a)
	store.Add(b)

	if n := store.DrainAll(); n != 2 {
		t.Fatalf("expected 2 drained connections, got %d", n)
	}
	if handlerA.drains != 0 || handlerB.drains != 0 {
		t.Fatal("expected Drain to run on the event loop, not inline")
	}

	for _, conn := range []*stubConnection{connA, connB} {
		for _, fn := range conn.posted {
			fn()
		}
	}
	if handlerA.drains != 1 || handlerB.drains != 1 {
		t.Fatalf("expected one drain per handler, got %d and %d", handlerA.drains, handlerB.drains)
	}
}
