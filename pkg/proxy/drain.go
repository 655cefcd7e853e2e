package proxy

import (
	"math/rand/v2"
	"sync/atomic"

	"github.com/puzpuzpuz/xsync/v4"
)

// DrainDecision tells sessions whether the process wants connections closed as they go idle.
type DrainDecision interface {
	DrainClose() bool
}

// DrainManager is a process-wide DrainDecision, flipped once on shutdown.
type DrainManager struct {
	draining atomic.Bool
}

func (m *DrainManager) StartDraining() {
	m.draining.Store(true)
}

func (m *DrainManager) DrainClose() bool {
	return m.draining.Load()
}

type neverDrain struct{}

func (neverDrain) DrainClose() bool { return false }

// Runtime answers percentage feature flags that may change while the process runs.
type Runtime interface {
	FeatureEnabled(key string, defaultPercent uint64) bool
}

// RuntimeFlags is an in-memory Runtime. Each FeatureEnabled call samples the flag's percentage
// independently.
type RuntimeFlags struct {
	percents *xsync.Map[string, uint64]
	sample   func() uint64
}

func NewRuntimeFlags() *RuntimeFlags {
	return &RuntimeFlags{
		percents: xsync.NewMap[string, uint64](),
		sample: func() uint64 {
			return rand.Uint64N(100)
		},
	}
}

func (r *RuntimeFlags) SetPercent(key string, percent uint64) {
	if percent > 100 {
		percent = 100
	}
	r.percents.Store(key, percent)
}

func (r *RuntimeFlags) Clear(key string) {
	r.percents.Delete(key)
}

func (r *RuntimeFlags) FeatureEnabled(key string, defaultPercent uint64) bool {
	percent, has := r.percents.Load(key)
	if !has {
		percent = defaultPercent
	}

	switch {
	case percent == 0:
		return false
	case percent >= 100:
		return true
	}
	return r.sample() < percent
}
