package proxy

import (
	"sync"

	"github.com/sessamekesh/spanreed-redis-proxy/pkg/errors"
	"github.com/sessamekesh/spanreed-redis-proxy/pkg/handlers"
	"go.uber.org/zap"
)

type MissingDispatcher struct{}

func (e *MissingDispatcher) Error() string {
	return "Proxy requires a dispatcher"
}

type MissingProxyConfig struct{}

func (e *MissingProxyConfig) Error() string {
	return "Proxy requires a ProxyConfig"
}

type Proxy struct {
	params ProxyParams
	log    *zap.Logger

	mut_clientHandlerNames sync.Mutex
	clientHandlerNames     map[string]struct{}
}

type ProxyParams struct {
	Config         *ProxyConfig
	Dispatcher     Dispatcher
	DecoderFactory DecoderFactory
	EncoderFactory func() Encoder

	Logger *zap.Logger
}

func CreateProxy(params ProxyParams) (*Proxy, error) {
	if params.Config == nil {
		return nil, &MissingProxyConfig{}
	}
	if params.Dispatcher == nil {
		return nil, &MissingDispatcher{}
	}

	logger := params.Logger
	if logger == nil {
		logger = zap.Must(zap.NewDevelopment())
	}

	return &Proxy{
		params:             params,
		log:                logger,
		clientHandlerNames: make(map[string]struct{}),
	}, nil
}

func (p *Proxy) Config() *ProxyConfig {
	return p.params.Config
}

// CreateClientHandlerFactory returns the session factory a transport uses for its connections.
// Each transport registers under its own name, which tags the logs of its sessions.
func (p *Proxy) CreateClientHandlerFactory(name string) (handlers.ConnectionHandlerFactory, error) {
	p.mut_clientHandlerNames.Lock()
	defer p.mut_clientHandlerNames.Unlock()

	if _, alreadyHasName := p.clientHandlerNames[name]; alreadyHasName {
		return nil, &errors.NameCollision{
			CollisionContext: "CreateClientHandlerFactory",
			Name:             name,
		}
	}
	p.clientHandlerNames[name] = struct{}{}

	sessionParams := SessionParams{
		Config:         p.params.Config,
		Dispatcher:     p.params.Dispatcher,
		DecoderFactory: p.params.DecoderFactory,
		EncoderFactory: p.params.EncoderFactory,
		Logger:         p.log.With(zap.String("handler", name)),
	}

	return func(conn handlers.Connection) handlers.ConnectionHandler {
		return CreateSession(conn, sessionParams)
	}, nil
}
