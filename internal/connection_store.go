package internal

import (
	"fmt"
	"sync/atomic"
	"time"

	"github.com/puzpuzpuz/xsync/v4"
	"github.com/sessamekesh/spanreed-redis-proxy/pkg/handlers"
)

type DuplicateConnectionIdError struct {
	Id string
}

func (e *DuplicateConnectionIdError) Error() string {
	return fmt.Sprintf("Attempted to register connection with duplicate ID %s", e.Id)
}

type MissingConnectionIdError struct {
	Id string
}

func (e *MissingConnectionIdError) Error() string {
	return fmt.Sprintf("Missing connection with id=%s", e.Id)
}

type TooManyConnectionsError struct {
	MaxConnections int
}

func (e *TooManyConnectionsError) Error() string {
	return fmt.Sprintf("Too many clients are connected (max %d) - cannot accept new connection", e.MaxConnections)
}

type ConnectionMetadata struct {
	Conn         handlers.Connection
	Handler      handlers.ConnectionHandler
	ListenerName string
	CreatedTime  time.Time
}

// ConnectionStore tracks every live client connection across all listeners, and enforces the
// process-wide connection limit. A MaxConnections of zero means unlimited.
type ConnectionStore struct {
	MaxConnections int

	count       atomic.Int64
	connections *xsync.Map[string, *ConnectionMetadata]
}

func CreateConnectionStore(maxConnections int) *ConnectionStore {
	return &ConnectionStore{
		MaxConnections: maxConnections,
		connections:    xsync.NewMap[string, *ConnectionMetadata](),
	}
}

func (store *ConnectionStore) Add(metadata *ConnectionMetadata) error {
	if n := store.count.Add(1); store.MaxConnections > 0 && n > int64(store.MaxConnections) {
		store.count.Add(-1)
		return &TooManyConnectionsError{MaxConnections: store.MaxConnections}
	}

	id := metadata.Conn.Id()
	if _, loaded := store.connections.LoadOrStore(id, metadata); loaded {
		store.count.Add(-1)
		return &DuplicateConnectionIdError{Id: id}
	}

	return nil
}

func (store *ConnectionStore) Remove(id string) error {
	if _, loaded := store.connections.LoadAndDelete(id); !loaded {
		return &MissingConnectionIdError{Id: id}
	}
	store.count.Add(-1)
	return nil
}

func (store *ConnectionStore) Get(id string) (*ConnectionMetadata, error) {
	metadata, has := store.connections.Load(id)
	if !has {
		return nil, &MissingConnectionIdError{Id: id}
	}
	return metadata, nil
}

func (store *ConnectionStore) Len() int {
	return int(store.count.Load())
}

// Range visits connections until fn returns false. Connections added or removed concurrently may
// or may not be visited.
func (store *ConnectionStore) Range(fn func(metadata *ConnectionMetadata) bool) {
	store.connections.Range(func(_ string, metadata *ConnectionMetadata) bool {
		return fn(metadata)
	})
}

// DrainAll asks every connection's handler to drain, on that connection's own event loop.
func (store *ConnectionStore) DrainAll() int {
	drained := 0
	store.Range(func(metadata *ConnectionMetadata) bool {
		handler := metadata.Handler
		metadata.Conn.Post(handler.Drain)
		drained++
		return true
	})
	return drained
}
