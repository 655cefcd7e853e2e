package proxy

import (
	"github.com/prometheus/client_golang/prometheus"
)

const DrainCloseRuntimeKey = "redis.drain_close_enabled"

// ProxyConfig is built once at startup and shared read-only by every session.
type ProxyConfig struct {
	StatPrefix           string
	Stats                *ProxyStats
	DrainDecision        DrainDecision
	Runtime              Runtime
	DrainCloseRuntimeKey string
}

type ProxyConfigParams struct {
	StatPrefix    string
	Registerer    prometheus.Registerer
	DrainDecision DrainDecision
	Runtime       Runtime
}

type MissingStatPrefix struct{}

func (e *MissingStatPrefix) Error() string {
	return "Proxy config requires a non-empty stat prefix"
}

func CreateProxyConfig(params ProxyConfigParams) (*ProxyConfig, error) {
	if sanitizeStatPrefix(params.StatPrefix) == "" {
		return nil, &MissingStatPrefix{}
	}

	drainDecision := params.DrainDecision
	if drainDecision == nil {
		drainDecision = neverDrain{}
	}
	runtime := params.Runtime
	if runtime == nil {
		runtime = NewRuntimeFlags()
	}

	return &ProxyConfig{
		StatPrefix:           params.StatPrefix,
		Stats:                GenerateStats(params.StatPrefix, params.Registerer),
		DrainDecision:        drainDecision,
		Runtime:              runtime,
		DrainCloseRuntimeKey: DrainCloseRuntimeKey,
	}, nil
}

func (c *ProxyConfig) shouldDrainClose() bool {
	return c.DrainDecision.DrainClose() && c.Runtime.FeatureEnabled(c.DrainCloseRuntimeKey, 100)
}
