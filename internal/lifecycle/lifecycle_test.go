package lifecycle

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestShutdownRunsRegisteredFuncsInReverseOrder(t *testing.T) {
	s := New()

	var mu sync.Mutex
	var order []string
	s.Register("first", func(ctx context.Context) error {
		mu.Lock()
		order = append(order, "first")
		mu.Unlock()
		return nil
	})
	s.Register("second", func(ctx context.Context) error {
		mu.Lock()
		order = append(order, "second")
		mu.Unlock()
		return nil
	})

	s.Shutdown(time.Second)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"second", "first"}, order)
}

func TestShutdownCancelsContext(t *testing.T) {
	s := New()
	s.Shutdown(time.Second)

	select {
	case <-s.Context().Done():
	default:
		t.Fatal("expected root context to be cancelled after Shutdown")
	}
}

func TestShutdownIsIdempotent(t *testing.T) {
	s := New()
	calls := 0
	s.Register("once", func(ctx context.Context) error {
		calls++
		return nil
	})

	s.Shutdown(time.Second)
	s.Shutdown(time.Second)

	assert.Equal(t, 1, calls)
}

func TestWaitUnblocksOnShutdown(t *testing.T) {
	s := New()

	done := make(chan struct{})
	go func() {
		s.Wait()
		close(done)
	}()

	s.Shutdown(time.Second)

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Wait did not unblock after Shutdown")
	}
}

func TestShutdownContinuesPastFailingStep(t *testing.T) {
	s := New()
	var secondRan bool
	s.Register("failing", func(ctx context.Context) error {
		return assertError{}
	})
	s.Register("after-failing", func(ctx context.Context) error {
		secondRan = true
		return nil
	})

	s.Shutdown(time.Second)
	require.True(t, secondRan)
}

type assertError struct{}

func (assertError) Error() string { return "boom" }
