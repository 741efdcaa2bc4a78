package signals

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/rs/zerolog"

	"github.com/artpar/modelq"
)

func testDescriptor(name string) *modelq.Descriptor {
	return modelq.NewDescriptor(name, map[string]modelq.Field{"id": modelq.String()})
}

func TestEmitExactMatch(t *testing.T) {
	bus := NewBus(zerolog.Nop())
	d := testDescriptor("user")

	var got []string
	var mu sync.Mutex
	bus.Connect(modelq.PostSave, "user", func(ctx context.Context, signal string, d *modelq.Descriptor, e *modelq.Entity) error {
		mu.Lock()
		got = append(got, signal+":"+d.Name)
		mu.Unlock()
		return nil
	})

	bus.Emit(context.Background(), modelq.PostSave, d, d.New())
	bus.Emit(context.Background(), modelq.PreSave, d, d.New())
	bus.Emit(context.Background(), modelq.PostSave, testDescriptor("post"), nil)

	if len(got) != 1 || got[0] != modelq.PostSave+":user" {
		t.Errorf("handled %v, want exactly one post_save:user", got)
	}
}

func TestEmitWildcards(t *testing.T) {
	bus := NewBus(zerolog.Nop())
	d := testDescriptor("user")

	var anySignal, anyModel, everything atomic.Int64
	bus.Connect("*", "user", func(ctx context.Context, signal string, d *modelq.Descriptor, e *modelq.Entity) error {
		anySignal.Add(1)
		return nil
	})
	bus.Connect(modelq.PreDelete, "*", func(ctx context.Context, signal string, d *modelq.Descriptor, e *modelq.Entity) error {
		anyModel.Add(1)
		return nil
	})
	bus.Connect("*", "*", func(ctx context.Context, signal string, d *modelq.Descriptor, e *modelq.Entity) error {
		everything.Add(1)
		return nil
	})

	bus.Emit(context.Background(), modelq.PreDelete, d, nil)

	if anySignal.Load() != 1 {
		t.Errorf("signal wildcard fired %d times", anySignal.Load())
	}
	if anyModel.Load() != 1 {
		t.Errorf("model wildcard fired %d times", anyModel.Load())
	}
	if everything.Load() != 1 {
		t.Errorf("full wildcard fired %d times", everything.Load())
	}
}

func TestEmitAwaitsAllHandlers(t *testing.T) {
	bus := NewBus(zerolog.Nop())
	d := testDescriptor("user")

	var fired atomic.Int64
	for i := 0; i < 10; i++ {
		bus.Connect(modelq.PostSave, "user", func(ctx context.Context, signal string, d *modelq.Descriptor, e *modelq.Entity) error {
			fired.Add(1)
			return nil
		})
	}

	bus.Emit(context.Background(), modelq.PostSave, d, nil)
	if fired.Load() != 10 {
		t.Errorf("Emit returned with %d of 10 handlers done", fired.Load())
	}
}

func TestHandlerFailuresAreIsolated(t *testing.T) {
	bus := NewBus(zerolog.Nop())
	d := testDescriptor("user")

	var healthy atomic.Int64
	bus.Connect(modelq.PostSave, "user", func(ctx context.Context, signal string, d *modelq.Descriptor, e *modelq.Entity) error {
		return errors.New("handler failed")
	})
	bus.Connect(modelq.PostSave, "user", func(ctx context.Context, signal string, d *modelq.Descriptor, e *modelq.Entity) error {
		panic("handler panicked")
	})
	bus.Connect(modelq.PostSave, "user", func(ctx context.Context, signal string, d *modelq.Descriptor, e *modelq.Entity) error {
		healthy.Add(1)
		return nil
	})

	// Must not panic and must still run the healthy handler.
	bus.Emit(context.Background(), modelq.PostSave, d, nil)
	if healthy.Load() != 1 {
		t.Errorf("healthy handler fired %d times", healthy.Load())
	}
}

func TestBusWithEntityLifecycle(t *testing.T) {
	bus := NewBus(zerolog.Nop())
	d := testDescriptor("user")
	d.Signals = bus
	d.Backend = sinkBackend{}

	var order []string
	var mu sync.Mutex
	bus.Connect("*", "user", func(ctx context.Context, signal string, d *modelq.Descriptor, e *modelq.Entity) error {
		mu.Lock()
		order = append(order, signal)
		mu.Unlock()
		return nil
	})

	e, _ := d.NewFrom(map[string]any{"id": "u1"})
	if err := e.Save(context.Background()); err != nil {
		t.Fatal(err)
	}
	if err := e.Delete(context.Background()); err != nil {
		t.Fatal(err)
	}

	want := []string{modelq.PreSave, modelq.PostSave, modelq.PreDelete, modelq.PostDelete}
	if len(order) != len(want) {
		t.Fatalf("signals = %v, want %v", order, want)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("signals = %v, want %v", order, want)
		}
	}
}

type sinkBackend struct{}

func (sinkBackend) Query(ctx context.Context, d *modelq.Descriptor, opts modelq.Options) ([]*modelq.Entity, error) {
	return nil, nil
}
func (sinkBackend) Save(ctx context.Context, e *modelq.Entity) error   { return nil }
func (sinkBackend) Delete(ctx context.Context, e *modelq.Entity) error { return nil }
