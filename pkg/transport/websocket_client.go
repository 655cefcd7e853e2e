package transport

import (
	"context"
	"errors"
	"io"
	"net/http"
	"slices"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sessamekesh/spanreed-redis-proxy/internal"
	"github.com/sessamekesh/spanreed-redis-proxy/pkg/handlers"
	"go.uber.org/zap"
)

var expectedCloseErrors = []int{websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived}

// wsStream carries the RESP byte stream over a WebSocket. Every binary message is one chunk of
// the stream; message boundaries carry no meaning.
type wsStream struct {
	conn *websocket.Conn
	log  *zap.Logger
}

func (s *wsStream) ReadChunk() ([]byte, error) {
	for {
		msgType, payload, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, expectedCloseErrors...) {
				return nil, io.EOF
			}
			return nil, err
		}

		if msgType != websocket.BinaryMessage {
			s.log.Info("Received non-binary message, ignoring", zap.Int("size", len(payload)))
			continue
		}
		if len(payload) > 0 {
			return payload, nil
		}
	}
}

func (s *wsStream) WriteChunk(data []byte) error {
	return s.conn.WriteMessage(websocket.BinaryMessage, data)
}

func (s *wsStream) Close() error {
	s.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
	return s.conn.Close()
}

type WebsocketClientListenerParams struct {
	ListenAddress    string
	ListenEndpoint   string
	AllowAllHosts    bool
	AllowlistedHosts []string
	DenylistedHosts  []string

	MaxReadMessageSize int64

	HighWatermark int
	LowWatermark  int

	Store *internal.ConnectionStore

	Logger *zap.Logger
}

type WebsocketClientListener struct {
	clientConnectionServer

	upgrader *websocket.Upgrader
	params   WebsocketClientListenerParams
}

func checkOrigin(r *http.Request, params WebsocketClientListenerParams) bool {
	origin := r.Header.Get("Origin")
	if slices.Contains(params.DenylistedHosts, origin) {
		return false
	}

	if params.AllowAllHosts {
		return true
	}

	return slices.Contains(params.AllowlistedHosts, origin)
}

func CreateWebsocketClientListener(factory handlers.ConnectionHandlerFactory, params WebsocketClientListenerParams) (*WebsocketClientListener, error) {
	logger := params.Logger
	if logger == nil {
		logger = zap.Must(zap.NewDevelopment())
	}

	store := params.Store
	if store == nil {
		store = internal.CreateConnectionStore(0)
	}

	if params.ListenEndpoint == "" {
		params.ListenEndpoint = "/"
	}

	return &WebsocketClientListener{
		clientConnectionServer: clientConnectionServer{
			name:          "websocket",
			factory:       factory,
			store:         store,
			highWatermark: params.HighWatermark,
			lowWatermark:  params.LowWatermark,
			log:           logger.With(zap.String("handler", "WebSocket")),
		},
		upgrader: &websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return checkOrigin(r, params)
			},
		},
		params: params,
	}, nil
}

func (ws *WebsocketClientListener) onWsRequest(ctx context.Context, w http.ResponseWriter, r *http.Request) {
	c, err := ws.upgrader.Upgrade(w, r, nil)
	if err != nil {
		ws.log.Warn("Failed to upgrade HTTP request to WebSocket connection", zap.Error(err))
		return
	}

	if ws.params.MaxReadMessageSize > 0 {
		c.SetReadLimit(ws.params.MaxReadMessageSize)
	}

	stream := &wsStream{conn: c, log: ws.log}
	if err := ws.serve(ctx, stream); err != nil {
		ws.log.Warn("Rejected WebSocket connection", zap.String("remoteAddr", r.RemoteAddr), zap.Error(err))
	}
}

// Handler serves WebSocket upgrades on the configured endpoint. Connections close when ctx is
// cancelled.
func (ws *WebsocketClientListener) Handler(ctx context.Context) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc(ws.params.ListenEndpoint, func(w http.ResponseWriter, r *http.Request) {
		ws.onWsRequest(ctx, w, r)
	})
	return mux
}

func (ws *WebsocketClientListener) Start(ctx context.Context) error {
	server := &http.Server{
		Addr:    ws.params.ListenAddress,
		Handler: ws.Handler(ctx),
	}

	wg := sync.WaitGroup{}
	errs := make(chan error, 1)

	wg.Add(1)
	go func() {
		defer wg.Done()

		ws.log.Sugar().Infof("Starting WebSocket server at %s", ws.params.ListenAddress)
		if err := server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			ws.log.Error("Unexpected WebSocket server close!", zap.Error(err))
			errs <- err
		}
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()

		select {
		case <-ctx.Done():
		case err := <-errs:
			errs <- err
			return
		}

		shutdownCtx, shutdownRelease := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownRelease()
		ws.log.Info("Attempting to trigger shutdown of WebSocket server")

		// Hijacked connections are not tracked by Shutdown; they close through ctx on their own.
		if err := server.Shutdown(shutdownCtx); err != nil {
			ws.log.Error("Failed to gracefully shut down WebSocket server", zap.Error(err))
			return
		}
		ws.log.Info("Successfully shutdown WebSocket server")
	}()

	wg.Wait()

	select {
	case err := <-errs:
		return err
	default:
	}

	ws.log.Info("All WebSocket server goroutines finished. Exiting gracefully!")
	return nil
}
