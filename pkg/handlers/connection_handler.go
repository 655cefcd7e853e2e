package handlers

//
// Contracts between a transport (which owns a client socket) and the handler that serves the
// byte stream on it. All ConnectionHandler methods are invoked from the connection's event loop,
// one at a time, so implementations need no locking of their own.

type ConnectionEvent uint8

const (
	ConnectionEvent_RemoteClose ConnectionEvent = iota
	ConnectionEvent_LocalClose
)

func (e ConnectionEvent) String() string {
	switch e {
	case ConnectionEvent_RemoteClose:
		return "RemoteClose"
	case ConnectionEvent_LocalClose:
		return "LocalClose"
	}
	return "Unknown"
}

type CloseType uint8

const (
	// Pending writes are discarded.
	CloseType_NoFlush CloseType = iota
	// Pending writes are flushed before the socket is closed.
	CloseType_FlushWrite
)

type Connection interface {
	Id() string

	// Write queues data for transmission. The connection takes ownership of data.
	Write(data []byte)

	// Close starts closing the connection. ConnectionHandler.OnEvent(ConnectionEvent_LocalClose)
	// follows on the event loop. Calling Close more than once is harmless.
	Close(closeType CloseType)

	// Post schedules fn on the connection's event loop. It is safe to call from any goroutine,
	// including the event loop itself, and never blocks. Functions posted after the connection
	// closed are dropped.
	Post(fn func())
}

type ConnectionHandler interface {
	OnNewConnection()
	OnData(data []byte, endStream bool)
	OnEvent(event ConnectionEvent)

	// OnBytesWritten reports bytes the transport has handed to the socket.
	OnBytesWritten(n int)

	// Drain asks the handler to close the connection once its in-flight work finishes.
	Drain()
}

// ConnectionHandlerFactory builds the handler for a freshly accepted connection.
type ConnectionHandlerFactory func(conn Connection) ConnectionHandler
