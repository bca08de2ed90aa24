package readahead

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestSerializerRunsTasksInSubmissionOrder(t *testing.T) {
	s := NewSerializer("stream-a", zap.NewNop())
	var mu sync.Mutex
	var order []int
	var wg sync.WaitGroup
	wg.Add(5)
	for i := 0; i < 5; i++ {
		i := i
		s.Submit(func() {
			mu.Lock()
			order = append(order, i)
			mu.Unlock()
			wg.Done()
		})
	}
	waitWithTimeout(t, &wg, time.Second)

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, []int{0, 1, 2, 3, 4}, order)
}

func TestSerializerCloseRunsFinalTaskAfterQueuedWork(t *testing.T) {
	s := NewSerializer("stream-b", zap.NewNop())
	var mu sync.Mutex
	var order []string

	s.Submit(func() {
		mu.Lock()
		order = append(order, "a")
		mu.Unlock()
	})

	done := make(chan struct{})
	s.Close(func() {
		mu.Lock()
		order = append(order, "close")
		mu.Unlock()
		close(done)
	})

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("close task never ran")
	}

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, []string{"a", "close"}, order)
}

func TestSerializerDropsSubmissionsAfterClose(t *testing.T) {
	s := NewSerializer("stream-c", zap.NewNop())
	done := make(chan struct{})
	s.Close(func() { close(done) })
	<-done

	ran := false
	s.Submit(func() { ran = true })
	time.Sleep(20 * time.Millisecond)
	require.False(t, ran)
}

func TestSerializerCloseTwiceRunsSecondFnInline(t *testing.T) {
	s := NewSerializer("stream-d", zap.NewNop())
	first := make(chan struct{})
	s.Close(func() { close(first) })
	<-first

	ranInline := false
	s.Close(func() { ranInline = true })
	require.True(t, ranInline)
}

func waitWithTimeout(t *testing.T, wg *sync.WaitGroup, d time.Duration) {
	t.Helper()
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(d):
		t.Fatal("timed out waiting for tasks to complete")
	}
}
