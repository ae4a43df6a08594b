package circuitbreaker

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistry_GetCreatesOnce(t *testing.T) {
	r := NewRegistry(DefaultConfig())

	cb1 := r.Get("database")
	cb2 := r.Get("database")
	assert.Same(t, cb1, cb2)

	_, ok := r.Lookup("cache")
	assert.False(t, ok)
}

func TestRegistry_GetWithConfigKeepsExisting(t *testing.T) {
	r := NewRegistry(DefaultConfig())

	cb1 := r.Get("api")
	custom := DefaultConfig()
	custom.FailureThreshold = 2
	cb2 := r.GetWithConfig("api", custom)

	assert.Same(t, cb1, cb2, "existing breaker must keep its original config")
}

func TestRegistry_Call(t *testing.T) {
	r := NewRegistry(testConfig())

	err := r.Call(context.Background(), "upstream", func(ctx context.Context) error {
		return nil
	})
	require.NoError(t, err)

	states := r.States()
	assert.Equal(t, StateClosed, states["upstream"])
}

func TestRegistry_Statuses(t *testing.T) {
	r := NewRegistry(testConfig())
	r.Get("a").ForceOpen()
	r.Get("b")

	statuses := r.Statuses()
	require.Len(t, statuses, 2)
	assert.Equal(t, StateOpen.String(), statuses["a"].State)
	assert.Equal(t, StateClosed.String(), statuses["b"].State)
}

func TestRegistry_ConcurrentGet(t *testing.T) {
	r := NewRegistry(DefaultConfig())

	var wg sync.WaitGroup
	breakers := make([]*CircuitBreaker, 16)
	for i := range breakers {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			breakers[i] = r.Get("shared")
		}(i)
	}
	wg.Wait()

	for _, cb := range breakers {
		assert.Same(t, breakers[0], cb)
	}
}
