package events

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBus_EmitDeliversInRegistrationOrder(t *testing.T) {
	bus := NewBus(nil)

	var got []int
	bus.On("test:event", func(any) { got = append(got, 1) })
	bus.On("test:event", func(any) { got = append(got, 2) })

	bus.Emit("test:event", "payload")
	assert.Equal(t, []int{1, 2}, got)
}

func TestBus_OffRemovesOnlyThatSubscription(t *testing.T) {
	bus := NewBus(nil)

	var first, second int
	subA := bus.On("e", func(any) { first++ })
	bus.On("e", func(any) { second++ })

	bus.Emit("e", nil)
	bus.Off("e", subA)
	bus.Emit("e", nil)

	assert.Equal(t, 1, first)
	assert.Equal(t, 2, second)
	assert.Equal(t, 1, bus.HandlerCount("e"))
}

func TestBus_PanickingHandlerDoesNotStopDispatch(t *testing.T) {
	bus := NewBus(nil)

	var reached bool
	bus.On("e", func(any) { panic("boom") })
	bus.On("e", func(any) { reached = true })

	require.NotPanics(t, func() { bus.Emit("e", nil) })
	assert.True(t, reached)

	// Still subscribed after the panic.
	assert.Equal(t, 2, bus.HandlerCount("e"))
}

func TestBus_ConcurrentEmitAndSubscribe(t *testing.T) {
	bus := NewBus(nil)

	var mu sync.Mutex
	seen := 0
	bus.On("e", func(any) {
		mu.Lock()
		seen++
		mu.Unlock()
	})

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			bus.Emit("e", nil)
		}()
		go func() {
			defer wg.Done()
			sub := bus.On("other", func(any) {})
			bus.Off("other", sub)
		}()
	}
	wg.Wait()

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 16, seen)
}

func TestBus_EmitWithNoHandlers(t *testing.T) {
	bus := NewBus(nil)
	require.NotPanics(t, func() { bus.Emit("nobody:listens", 42) })
}
