// Package signals dispatches entity lifecycle notifications.
// Handlers are isolated from each other: they run concurrently and a
// failing or panicking handler is logged without affecting the rest or
// the operation that emitted the signal.
package signals

import (
	"context"
	"sync"

	"github.com/rs/zerolog"

	"github.com/artpar/modelq"
)

// Handler processes one lifecycle notification.
type Handler func(ctx context.Context, signal string, d *modelq.Descriptor, e *modelq.Entity) error

// Bus routes lifecycle signals to connected handlers. It implements
// modelq.SignalBus.
type Bus struct {
	mu       sync.RWMutex
	handlers map[string][]Handler
	logger   zerolog.Logger
}

// NewBus creates an empty bus.
func NewBus(logger zerolog.Logger) *Bus {
	return &Bus{
		handlers: make(map[string][]Handler),
		logger:   logger,
	}
}

// Connect registers a handler for a signal on a model. Either part
// may be "*" to match all signals or all models.
func (b *Bus) Connect(signal, model string, h Handler) {
	key := signal + ":" + model
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[key] = append(b.handlers[key], h)
}

// Emit dispatches a signal to every matching handler. Handlers run
// concurrently and are awaited before Emit returns; failures are
// logged and swallowed so one handler never blocks another or fails
// the emitting operation.
func (b *Bus) Emit(ctx context.Context, signal string, d *modelq.Descriptor, e *modelq.Entity) {
	matched := b.match(signal, d.Name)
	if len(matched) == 0 {
		return
	}

	b.logger.Debug().
		Str("signal", signal).
		Str("model", d.Name).
		Msg("signal emitted")

	var wg sync.WaitGroup
	for _, h := range matched {
		wg.Add(1)
		go func(h Handler) {
			defer wg.Done()
			b.safeCall(ctx, h, signal, d, e)
		}(h)
	}
	wg.Wait()
}

func (b *Bus) match(signal, model string) []Handler {
	b.mu.RLock()
	defer b.mu.RUnlock()

	var matched []Handler
	for _, key := range []string{
		signal + ":" + model,
		signal + ":*",
		"*:" + model,
		"*:*",
	} {
		matched = append(matched, b.handlers[key]...)
	}
	return matched
}

// safeCall isolates a handler: errors and panics are logged, never
// propagated.
func (b *Bus) safeCall(ctx context.Context, h Handler, signal string, d *modelq.Descriptor, e *modelq.Entity) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error().
				Interface("panic", r).
				Str("signal", signal).
				Str("model", d.Name).
				Msg("signal handler panicked")
		}
	}()
	if err := h(ctx, signal, d, e); err != nil {
		b.logger.Error().
			Err(err).
			Str("signal", signal).
			Str("model", d.Name).
			Msg("signal handler error")
	}
}

// Ensure interface compliance.
var _ modelq.SignalBus = (*Bus)(nil)
