package proxy

import (
	"bytes"

	"github.com/sessamekesh/spanreed-redis-proxy/pkg/handlers"
	"github.com/sessamekesh/spanreed-redis-proxy/pkg/message/resp"
	"go.uber.org/zap"
)

type SessionState uint8

const (
	SessionState_Open SessionState = iota
	SessionState_Draining
	SessionState_Closed
)

func (s SessionState) String() string {
	switch s {
	case SessionState_Open:
		return "Open"
	case SessionState_Draining:
		return "Draining"
	case SessionState_Closed:
		return "Closed"
	}
	return "Unknown"
}

const downstreamProtocolErrorMessage = "downstream protocol error"

// Session serves the RESP stream of one client connection. Commands are dispatched as soon as they
// are decoded and replies are written strictly in command order: a reply that arrives early waits
// in its queue entry until every reply ahead of it has been written.
//
// All methods must be called from the connection's event loop.
type Session struct {
	conn       handlers.Connection
	config     *ProxyConfig
	dispatcher Dispatcher
	decoder    Decoder
	encoder    Encoder
	log        *zap.Logger

	queue         PendingQueue
	encoderBuffer bytes.Buffer
	state         SessionState
	opened        bool

	// Bytes this session currently contributes to the shared buffered gauges.
	rxBuffered int
	txBuffered int
}

type SessionParams struct {
	Config         *ProxyConfig
	Dispatcher     Dispatcher
	DecoderFactory DecoderFactory
	EncoderFactory func() Encoder
	Logger         *zap.Logger
}

func CreateSession(conn handlers.Connection, params SessionParams) *Session {
	logger := params.Logger
	if logger == nil {
		logger = zap.Must(zap.NewDevelopment())
	}
	decoderFactory := params.DecoderFactory
	if decoderFactory == nil {
		decoderFactory = DefaultDecoderFactory
	}
	encoderFactory := params.EncoderFactory
	if encoderFactory == nil {
		encoderFactory = DefaultEncoderFactory
	}

	s := &Session{
		conn:       conn,
		config:     params.Config,
		dispatcher: params.Dispatcher,
		encoder:    encoderFactory(),
		log:        logger.With(zap.String("connId", conn.Id())),
		state:      SessionState_Open,
	}
	s.decoder = decoderFactory(s.onCommand)

	return s
}

func (s *Session) State() SessionState {
	return s.state
}

func (s *Session) PendingRequests() int {
	return s.queue.Len()
}

func (s *Session) OnNewConnection() {
	if s.opened || s.state == SessionState_Closed {
		return
	}
	s.opened = true
	s.config.Stats.DownstreamCxTotal.Inc()
	s.config.Stats.DownstreamCxActive.Inc()
	s.log.Debug("New client connection")
}

func (s *Session) OnData(data []byte, endStream bool) {
	if s.state == SessionState_Closed {
		return
	}

	s.config.Stats.DownstreamCxRxBytesTotal.Add(float64(len(data)))
	err := s.decoder.Decode(data)
	if s.state == SessionState_Closed {
		return
	}
	if err != nil {
		s.onProtocolError(err)
		return
	}

	s.setRxBuffered(s.decoder.Buffered())
	if endStream {
		s.log.Debug("Client finished sending", zap.Int("pendingRequests", s.queue.Len()))
	}
}

func (s *Session) OnEvent(event handlers.ConnectionEvent) {
	switch event {
	case handlers.ConnectionEvent_RemoteClose, handlers.ConnectionEvent_LocalClose:
		s.teardown(event.String())
	}
}

func (s *Session) OnBytesWritten(n int) {
	s.config.Stats.DownstreamCxTxBytesTotal.Add(float64(n))
	if s.state == SessionState_Closed {
		return
	}
	s.setTxBuffered(s.txBuffered - n)
}

// Drain closes the connection once every pending reply has been written. Commands that arrive in
// the meantime are still served.
func (s *Session) Drain() {
	if s.state != SessionState_Open {
		return
	}

	s.state = SessionState_Draining
	s.log.Debug("Draining client connection", zap.Int("pendingRequests", s.queue.Len()))
	if s.queue.Len() == 0 {
		s.drainClose()
	}
}

func (s *Session) onCommand(cmd *resp.Value) {
	if s.state == SessionState_Closed {
		return
	}

	ref := s.queue.Enqueue()
	s.config.Stats.DownstreamRqTotal.Inc()
	s.config.Stats.DownstreamRqActive.Inc()

	handle := s.dispatcher.Dispatch(cmd, func(response *resp.Value) {
		s.conn.Post(func() {
			s.onResponse(ref, response)
		})
	})
	if handle != nil {
		// The dispatcher may already have answered; only keep the handle of a live request.
		s.queue.SetHandle(ref, handle)
	}

	s.tryEmit()
}

func (s *Session) onResponse(ref RequestRef, response *resp.Value) {
	if !s.queue.Complete(ref, response) {
		s.log.Debug("Dropping completion for a request that is no longer pending", zap.Uint64("request", uint64(ref)))
		return
	}

	s.tryEmit()
}

// tryEmit writes every reply at the front of the queue that is ready, in queue order.
func (s *Session) tryEmit() {
	if s.state == SessionState_Closed {
		return
	}

	for _, response := range s.queue.DrainReady() {
		s.encoder.Encode(response, &s.encoderBuffer)
		s.config.Stats.DownstreamRqActive.Dec()
	}

	if s.encoderBuffer.Len() > 0 {
		data := bytes.Clone(s.encoderBuffer.Bytes())
		s.encoderBuffer.Reset()
		s.setTxBuffered(s.txBuffered + len(data))
		s.conn.Write(data)
	}

	if s.queue.Len() > 0 {
		return
	}
	if s.state == SessionState_Draining || s.config.shouldDrainClose() {
		s.drainClose()
	}
}

func (s *Session) drainClose() {
	s.config.Stats.DownstreamCxDrainClose.Inc()
	s.log.Info("Closing drained client connection")
	s.teardown("drain")
	s.conn.Close(handlers.CloseType_FlushWrite)
}

func (s *Session) onProtocolError(err error) {
	s.config.Stats.DownstreamCxProtocolError.Inc()
	s.log.Warn("Closing client connection after protocol error", zap.Error(err), zap.Int("pendingRequests", s.queue.Len()))

	var out bytes.Buffer
	s.encoder.Encode(resp.NewError(downstreamProtocolErrorMessage), &out)
	s.setTxBuffered(s.txBuffered + out.Len())
	s.conn.Write(out.Bytes())

	s.teardown("protocol error")
	s.conn.Close(handlers.CloseType_FlushWrite)
}

// teardown moves the session to Closed. Pending requests are cancelled and never answered.
func (s *Session) teardown(reason string) {
	if s.state == SessionState_Closed {
		return
	}
	s.state = SessionState_Closed

	cancelled := s.queue.CancelAll()
	s.config.Stats.DownstreamRqActive.Sub(float64(cancelled))

	s.decoder.Reset()
	s.encoderBuffer.Reset()
	s.setRxBuffered(0)
	s.setTxBuffered(0)

	if s.opened {
		s.config.Stats.DownstreamCxActive.Dec()
	}

	s.log.Debug("Client connection closed", zap.String("reason", reason), zap.Int("cancelledRequests", cancelled))
}

func (s *Session) setRxBuffered(n int) {
	if n == s.rxBuffered {
		return
	}
	s.config.Stats.DownstreamCxRxBytesBuffered.Add(float64(n - s.rxBuffered))
	s.rxBuffered = n
}

func (s *Session) setTxBuffered(n int) {
	if n < 0 {
		n = 0
	}
	if n == s.txBuffered {
		return
	}
	s.config.Stats.DownstreamCxTxBytesBuffered.Add(float64(n - s.txBuffered))
	s.txBuffered = n
}
