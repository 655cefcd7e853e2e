package transport

import (
	"context"
	"errors"
	"io"
	"sync"
	"time"

	"github.com/rs/xid"
	"github.com/sessamekesh/spanreed-redis-proxy/internal"
	"github.com/sessamekesh/spanreed-redis-proxy/pkg/handlers"
	"go.uber.org/zap"
)

const (
	DefaultHighWatermark = 1 << 20
	DefaultLowWatermark  = 256 << 10
)

// streamIO is the byte transport under a client connection. ReadChunk blocks until data arrives
// and returns io.EOF once the peer closed its side. Close unblocks pending reads and writes.
type streamIO interface {
	ReadChunk() ([]byte, error)
	WriteChunk(data []byte) error
	Close() error
}

type readResult struct {
	data []byte
	err  error
}

type writerState uint8

const (
	writerState_Running writerState = iota
	writerState_Flush
	writerState_Abort
)

// clientConnection runs one client socket. Handler callbacks, posted functions and Write/Close
// calls all happen on the goroutine executing run. A reader goroutine feeds it inbound chunks,
// and a writer goroutine drains outbound chunks to the socket.
type clientConnection struct {
	id      string
	stream  streamIO
	handler handlers.ConnectionHandler
	log     *zap.Logger

	highWatermark int
	lowWatermark  int

	mut_mailbox   sync.Mutex
	mailbox       []func()
	mailboxClosed bool
	wake          chan struct{}

	mut_writes  sync.Mutex
	writeQueue  [][]byte
	writerState writerState
	writeWake   chan struct{}
	writerDone  chan struct{}

	reads   chan readResult
	stopped chan struct{}

	// Owned by the event loop.
	pendingWrite int
	readPaused   bool
	closing      bool
	localClose   bool
}

type clientConnectionParams struct {
	HighWatermark int
	LowWatermark  int
	Logger        *zap.Logger
}

func newClientConnection(stream streamIO, params clientConnectionParams) *clientConnection {
	highWatermark := params.HighWatermark
	if highWatermark <= 0 {
		highWatermark = DefaultHighWatermark
	}
	lowWatermark := params.LowWatermark
	if lowWatermark <= 0 || lowWatermark > highWatermark {
		lowWatermark = min(DefaultLowWatermark, highWatermark/2)
	}

	id := xid.New().String()
	return &clientConnection{
		id:            id,
		stream:        stream,
		log:           params.Logger.With(zap.String("connId", id)),
		highWatermark: highWatermark,
		lowWatermark:  lowWatermark,
		wake:          make(chan struct{}, 1),
		writeWake:     make(chan struct{}, 1),
		writerDone:    make(chan struct{}),
		reads:         make(chan readResult),
		stopped:       make(chan struct{}),
	}
}

func (c *clientConnection) Id() string {
	return c.id
}

func (c *clientConnection) Write(data []byte) {
	if c.closing || len(data) == 0 {
		return
	}

	c.pendingWrite += len(data)
	c.mut_writes.Lock()
	c.writeQueue = append(c.writeQueue, data)
	c.mut_writes.Unlock()
	signal(c.writeWake)

	if !c.readPaused && c.pendingWrite > c.highWatermark {
		c.log.Debug("Pending writes above high watermark, pausing reads", zap.Int("pending", c.pendingWrite))
		c.readPaused = true
	}
}

func (c *clientConnection) Close(closeType handlers.CloseType) {
	if c.closing {
		return
	}
	c.closing = true
	c.localClose = true

	if closeType == handlers.CloseType_FlushWrite {
		c.stopWriter(writerState_Flush)
		return
	}
	c.stopWriter(writerState_Abort)
	c.stream.Close()
}

func (c *clientConnection) Post(fn func()) {
	c.mut_mailbox.Lock()
	if c.mailboxClosed {
		c.mut_mailbox.Unlock()
		return
	}
	c.mailbox = append(c.mailbox, fn)
	c.mut_mailbox.Unlock()

	signal(c.wake)
}

func signal(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}

func (c *clientConnection) stopWriter(state writerState) {
	c.mut_writes.Lock()
	if state > c.writerState {
		c.writerState = state
	}
	c.mut_writes.Unlock()
	signal(c.writeWake)
}

func (c *clientConnection) onBytesWritten(n int) {
	c.pendingWrite -= n
	if c.readPaused && c.pendingWrite <= c.lowWatermark {
		c.log.Debug("Pending writes below low watermark, resuming reads", zap.Int("pending", c.pendingWrite))
		c.readPaused = false
	}
	if !c.closing {
		c.handler.OnBytesWritten(n)
	}
}

// run serves the connection until both directions are finished. The handler must be attached
// before run is called.
func (c *clientConnection) run(ctx context.Context) {
	go c.readLoop()
	go c.writeLoop()

	c.handler.OnNewConnection()

	done := ctx.Done()
	for {
		var reads <-chan readResult
		if !c.readPaused && !c.closing {
			reads = c.reads
		}

		select {
		case <-done:
			done = nil
			c.Close(handlers.CloseType_NoFlush)
		case result := <-reads:
			c.onRead(result)
		case <-c.wake:
			c.runMailbox()
		case <-c.writerDone:
			c.finish()
			return
		}
	}
}

func (c *clientConnection) onRead(result readResult) {
	if result.err == nil {
		c.handler.OnData(result.data, false)
		return
	}

	if errors.Is(result.err, io.EOF) {
		c.log.Debug("Client closed connection")
	} else {
		c.log.Info("Client connection read failed", zap.Error(result.err))
	}

	c.closing = true
	c.handler.OnEvent(handlers.ConnectionEvent_RemoteClose)
	c.stopWriter(writerState_Abort)
	c.stream.Close()
}

func (c *clientConnection) runMailbox() {
	c.mut_mailbox.Lock()
	fns := c.mailbox
	c.mailbox = nil
	c.mut_mailbox.Unlock()

	for _, fn := range fns {
		fn()
	}
}

func (c *clientConnection) finish() {
	c.mut_mailbox.Lock()
	c.mailboxClosed = true
	c.mailbox = nil
	c.mut_mailbox.Unlock()
	close(c.stopped)

	if !c.closing {
		// The writer gave up on its own after a socket error.
		c.closing = true
		c.stream.Close()
		c.handler.OnEvent(handlers.ConnectionEvent_RemoteClose)
		return
	}
	if c.localClose {
		c.handler.OnEvent(handlers.ConnectionEvent_LocalClose)
	}
}

func (c *clientConnection) readLoop() {
	for {
		data, err := c.stream.ReadChunk()
		select {
		case c.reads <- readResult{data: data, err: err}:
		case <-c.stopped:
			return
		}
		if err != nil {
			return
		}
	}
}

func (c *clientConnection) writeLoop() {
	defer close(c.writerDone)

	for {
		c.mut_writes.Lock()
		queue := c.writeQueue
		c.writeQueue = nil
		state := c.writerState
		c.mut_writes.Unlock()

		if state == writerState_Abort {
			return
		}

		for _, chunk := range queue {
			if err := c.stream.WriteChunk(chunk); err != nil {
				c.log.Debug("Client connection write failed", zap.Error(err))
				return
			}
			n := len(chunk)
			c.Post(func() { c.onBytesWritten(n) })
		}

		if len(queue) > 0 {
			continue
		}
		if state == writerState_Flush {
			c.stream.Close()
			return
		}
		<-c.writeWake
	}
}

// clientConnectionServer is shared by the listeners: it attaches a handler to each accepted
// stream, registers it in the connection store and runs it.
type clientConnectionServer struct {
	name          string
	factory       handlers.ConnectionHandlerFactory
	store         *internal.ConnectionStore
	highWatermark int
	lowWatermark  int
	log           *zap.Logger
}

func (s *clientConnectionServer) serve(ctx context.Context, stream streamIO) error {
	conn := newClientConnection(stream, clientConnectionParams{
		HighWatermark: s.highWatermark,
		LowWatermark:  s.lowWatermark,
		Logger:        s.log,
	})
	conn.handler = s.factory(conn)

	if err := s.store.Add(&internal.ConnectionMetadata{
		Conn:         conn,
		Handler:      conn.handler,
		ListenerName: s.name,
		CreatedTime:  time.Now(),
	}); err != nil {
		stream.Close()
		return err
	}
	defer s.store.Remove(conn.id)

	conn.run(ctx)
	return nil
}

// DrainAll asks every connection in the store to close once its in-flight requests finish.
func (s *clientConnectionServer) DrainAll() {
	n := s.store.DrainAll()
	s.log.Info("Draining client connections", zap.Int("count", n))
}

func (s *clientConnectionServer) ActiveConnections() int {
	return s.store.Len()
}
