package async

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPoolExecute(t *testing.T) {
	t.Run("runs all tasks and keys results by name", func(t *testing.T) {
		pool := NewPool(3)
		tasks := make([]Task, 0, 5)
		for i := 0; i < 5; i++ {
			n := i
			tasks = append(tasks, Task{
				Name: fmt.Sprintf("task-%d", n),
				Execute: func(ctx context.Context) (interface{}, error) {
					return n * 2, nil
				},
			})
		}

		results := pool.Execute(context.Background(), tasks)
		require.Len(t, results, 5)
		assert.Equal(t, 4, results["task-2"].Data)
		assert.NoError(t, results["task-2"].Err)
	})

	t.Run("task errors stay with their task", func(t *testing.T) {
		pool := NewPool(1)
		boom := errors.New("boom")
		results := pool.Execute(context.Background(), []Task{
			{Name: "bad", Execute: func(ctx context.Context) (interface{}, error) { return nil, boom }},
			{Name: "good", Execute: func(ctx context.Context) (interface{}, error) { return "ok", nil }},
		})
		require.Len(t, results, 2)
		assert.ErrorIs(t, results["bad"].Err, boom)
		assert.NoError(t, results["good"].Err)
	})

	t.Run("a panicking task surfaces as its own error", func(t *testing.T) {
		pool := NewPool(2)
		results := pool.Execute(context.Background(), []Task{
			{Name: "panics", Execute: func(ctx context.Context) (interface{}, error) { panic("unexpected") }},
			{Name: "survives", Execute: func(ctx context.Context) (interface{}, error) { return "ok", nil }},
		})
		require.Len(t, results, 2)
		assert.ErrorContains(t, results["panics"].Err, "panicked")
		assert.Equal(t, "ok", results["survives"].Data)
	})

	t.Run("cancellation drains the workers", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		running := make(chan struct{})
		pool := NewPool(2)
		tasks := []Task{
			{Name: "blocked", Execute: func(ctx context.Context) (interface{}, error) {
				close(running)
				<-ctx.Done()
				return nil, ctx.Err()
			}},
			{Name: "late", Execute: func(ctx context.Context) (interface{}, error) {
				<-ctx.Done()
				return nil, ctx.Err()
			}},
		}

		go func() {
			<-running
			cancel()
		}()

		finished := make(chan map[string]Result, 1)
		go func() {
			finished <- pool.Execute(ctx, tasks)
		}()

		select {
		case results := <-finished:
			// Workers exited; whatever completed before the cancel is kept.
			assert.LessOrEqual(t, len(results), len(tasks))
		case <-time.After(5 * time.Second):
			t.Fatal("pool did not drain after cancellation")
		}
	})
}
