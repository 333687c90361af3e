package transport

import (
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Factory constructs transports by target type. The orchestrator never
// instantiates concrete transports directly.
type Factory interface {
	Create(t TargetType) (Transport, error)
	Supports(t TargetType) bool
}

// Constructor builds a fresh transport instance.
type Constructor func() Transport

// FactoryRegistry is a strategy registry keyed by target type.
type FactoryRegistry struct {
	mu    sync.RWMutex
	ctors map[TargetType]Constructor
}

func NewFactory() *FactoryRegistry {
	return &FactoryRegistry{ctors: make(map[TargetType]Constructor)}
}

// Register installs a constructor for a target type, replacing any previous
// registration.
func (f *FactoryRegistry) Register(t TargetType, ctor Constructor) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ctors[t] = ctor
}

func (f *FactoryRegistry) Create(t TargetType) (Transport, error) {
	f.mu.RLock()
	ctor, ok := f.ctors[t]
	f.mu.RUnlock()
	if !ok {
		return nil, NewError(ErrInvalidTarget, fmt.Sprintf("no transport registered for target type %q", t), nil)
	}
	return ctor(), nil
}

func (f *FactoryRegistry) Supports(t TargetType) bool {
	f.mu.RLock()
	defer f.mu.RUnlock()
	_, ok := f.ctors[t]
	return ok
}

// NewDefaultFactory returns a factory covering all three carriers.
func NewDefaultFactory(logger *slog.Logger, shutdown time.Duration) *FactoryRegistry {
	f := NewFactory()
	f.Register(TargetStdio, func() Transport { return NewStdioTransport(logger, shutdown) })
	f.Register(TargetTCP, func() Transport { return NewTCPTransport(logger, shutdown) })
	f.Register(TargetWebsocket, func() Transport { return NewWebsocketTransport(logger, shutdown) })
	return f
}
