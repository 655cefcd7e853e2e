package transport

import (
	"context"
	goerrs "errors"
	"net"
	"sync"

	"github.com/sessamekesh/spanreed-redis-proxy/internal"
	"github.com/sessamekesh/spanreed-redis-proxy/pkg/handlers"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const tcpReadBufferSize = 16 << 10

type tcpStream struct {
	conn net.Conn
	buf  []byte
}

func (s *tcpStream) ReadChunk() ([]byte, error) {
	n, err := s.conn.Read(s.buf)
	if n > 0 {
		// The buffer is reused for the next read while the event loop still holds this chunk.
		chunk := make([]byte, n)
		copy(chunk, s.buf[:n])
		return chunk, nil
	}
	return nil, err
}

func (s *tcpStream) WriteChunk(data []byte) error {
	_, err := s.conn.Write(data)
	return err
}

func (s *tcpStream) Close() error {
	return s.conn.Close()
}

type TcpClientListenerParams struct {
	ListenAddress string

	// New connections accepted per second, and the burst above that rate. Zero disables limiting.
	AcceptRate  float64
	AcceptBurst int

	HighWatermark int
	LowWatermark  int

	// Shared with other listeners so connection limits apply process-wide. Created with no limit
	// when nil.
	Store *internal.ConnectionStore

	Logger *zap.Logger
}

type TcpClientListener struct {
	clientConnectionServer

	params  TcpClientListenerParams
	limiter *rate.Limiter

	mut_listener sync.Mutex
	listener     net.Listener
	ready        chan struct{}
}

func CreateTcpClientListener(factory handlers.ConnectionHandlerFactory, params TcpClientListenerParams) (*TcpClientListener, error) {
	logger := params.Logger
	if logger == nil {
		logger = zap.Must(zap.NewDevelopment())
	}

	store := params.Store
	if store == nil {
		store = internal.CreateConnectionStore(0)
	}

	limiter := rate.NewLimiter(rate.Inf, 0)
	if params.AcceptRate > 0 {
		burst := params.AcceptBurst
		if burst <= 0 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(params.AcceptRate), burst)
	}

	return &TcpClientListener{
		clientConnectionServer: clientConnectionServer{
			name:          "tcp",
			factory:       factory,
			store:         store,
			highWatermark: params.HighWatermark,
			lowWatermark:  params.LowWatermark,
			log:           logger.With(zap.String("handler", "TCP")),
		},
		params:  params,
		limiter: limiter,
		ready:   make(chan struct{}),
	}, nil
}

// Ready is closed once the listener is bound.
func (l *TcpClientListener) Ready() <-chan struct{} {
	return l.ready
}

func (l *TcpClientListener) Addr() net.Addr {
	l.mut_listener.Lock()
	defer l.mut_listener.Unlock()
	if l.listener == nil {
		return nil
	}
	return l.listener.Addr()
}

// Start accepts connections until ctx is cancelled, then waits for every connection to finish.
func (l *TcpClientListener) Start(ctx context.Context) error {
	listener, err := net.Listen("tcp", l.params.ListenAddress)
	if err != nil {
		close(l.ready)
		return err
	}

	l.mut_listener.Lock()
	l.listener = listener
	l.mut_listener.Unlock()
	close(l.ready)

	l.log.Sugar().Infof("Starting TCP listener at %s", listener.Addr())

	wg := sync.WaitGroup{}

	wg.Add(1)
	go func() {
		defer wg.Done()
		<-ctx.Done()
		l.log.Info("Attempting to trigger shutdown of TCP listener")
		listener.Close()
	}()

	for {
		if err := l.limiter.Wait(ctx); err != nil {
			break
		}

		conn, err := listener.Accept()
		if err != nil {
			if ctx.Err() != nil || goerrs.Is(err, net.ErrClosed) {
				break
			}
			l.log.Warn("Failed to accept TCP connection", zap.Error(err))
			continue
		}

		wg.Add(1)
		go func() {
			defer wg.Done()
			stream := &tcpStream{conn: conn, buf: make([]byte, tcpReadBufferSize)}
			if err := l.serve(ctx, stream); err != nil {
				l.log.Warn("Rejected TCP connection", zap.String("remoteAddr", conn.RemoteAddr().String()), zap.Error(err))
			}
		}()
	}

	wg.Wait()
	l.log.Info("All TCP connections finished. Exiting gracefully!")
	return nil
}
