package eventbus

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInProcessBus_PublishSubscribe(t *testing.T) {
	bus := NewInProcessBus()

	var mu sync.Mutex
	var got []string
	unsub, err := bus.Subscribe("jobs.agent1", func(data []byte) {
		mu.Lock()
		got = append(got, string(data))
		mu.Unlock()
	})
	require.NoError(t, err)

	require.NoError(t, bus.Publish("jobs.agent1", []byte("a")))
	require.NoError(t, bus.Publish("jobs.agent1", []byte("b")))
	require.NoError(t, bus.Publish("jobs.other", []byte("c")))

	mu.Lock()
	assert.Equal(t, []string{"a", "b"}, got)
	mu.Unlock()

	unsub()
	require.NoError(t, bus.Publish("jobs.agent1", []byte("d")))
	mu.Lock()
	assert.Equal(t, []string{"a", "b"}, got)
	mu.Unlock()
}

func TestInProcessBus_ConcurrentSubscribers(t *testing.T) {
	bus := NewInProcessBus()
	var wg sync.WaitGroup
	counts := make([]int, 10)

	for i := 0; i < 10; i++ {
		i := i
		_, err := bus.Subscribe("x", func(data []byte) {
			counts[i]++
		})
		require.NoError(t, err)
	}

	wg.Add(20)
	for i := 0; i < 20; i++ {
		go func() {
			defer wg.Done()
			_ = bus.Publish("x", []byte("tick"))
		}()
	}
	wg.Wait()
	time.Sleep(10 * time.Millisecond)

	for i, c := range counts {
		assert.Equal(t, 20, c, "subscriber %d", i)
	}
}
