package graph

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cmipdiag/internal/types"
)

func squares(n int, delay func(i int) time.Duration) []Task[int] {
	tasks := make([]Task[int], n)
	for i := range tasks {
		tasks[i] = Task[int]{
			Key: fmt.Sprintf("t%d", i),
			Fn: func(ctx context.Context) (int, error) {
				if delay != nil {
					time.Sleep(delay(i))
				}
				return i * i, nil
			},
		}
	}
	return tasks
}

func TestCompute_OutcomesInTaskOrder(t *testing.T) {
	// Later tasks finish first.
	tasks := squares(8, func(i int) time.Duration { return time.Duration(8-i) * time.Millisecond })

	for name, exec := range map[string]Executor{
		"pool":   NewPoolExecutor(4, nil),
		"serial": SerialExecutor{},
	} {
		t.Run(name, func(t *testing.T) {
			out, err := Compute(context.Background(), exec, tasks)
			require.NoError(t, err)
			require.Len(t, out, 8)
			for i, o := range out {
				assert.Equal(t, fmt.Sprintf("t%d", i), o.Key)
				assert.Equal(t, i*i, o.Value)
				assert.NoError(t, o.Err)
			}
		})
	}
}

func TestCompute_TaskErrorsDoNotAbortBatch(t *testing.T) {
	boom := types.NewAppError(types.ErrCodeMissingCoordinate, "no lat", nil)
	var ran atomic.Int32
	tasks := []Task[string]{
		{Key: "a", Fn: func(ctx context.Context) (string, error) { ran.Add(1); return "", boom }},
		{Key: "b", Fn: func(ctx context.Context) (string, error) { ran.Add(1); return "ok", nil }},
		{Key: "c", Fn: func(ctx context.Context) (string, error) { ran.Add(1); panic("bad chunk") }},
	}

	out, err := Compute(context.Background(), NewPoolExecutor(2, nil), tasks)
	require.NoError(t, err)
	assert.Equal(t, int32(3), ran.Load())

	assert.ErrorIs(t, out[0].Err, boom)
	assert.Equal(t, "ok", out[1].Value)
	assert.Equal(t, types.ErrCodeInternalUnexpected, types.CodeOf(out[2].Err))
	assert.Contains(t, out[2].Err.Error(), "panicked")
}

func TestPoolExecutor_RespectsLimit(t *testing.T) {
	var active, peak atomic.Int32
	tasks := make([]Task[struct{}], 20)
	for i := range tasks {
		tasks[i] = Task[struct{}]{Key: fmt.Sprint(i), Fn: func(ctx context.Context) (struct{}, error) {
			n := active.Add(1)
			for {
				p := peak.Load()
				if n <= p || peak.CompareAndSwap(p, n) {
					break
				}
			}
			time.Sleep(2 * time.Millisecond)
			active.Add(-1)
			return struct{}{}, nil
		}}
	}

	_, err := Compute(context.Background(), NewPoolExecutor(3, nil), tasks)
	require.NoError(t, err)
	assert.LessOrEqual(t, peak.Load(), int32(3))
}

func TestCompute_CancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	out, err := Compute(ctx, SerialExecutor{}, squares(3, nil))
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.Canceled))
	for _, o := range out {
		assert.Error(t, o.Err, "tasks that never ran must not look successful")
	}
}

func TestCompute_NilExecutorRunsSerially(t *testing.T) {
	out, err := Compute(context.Background(), nil, squares(3, nil))
	require.NoError(t, err)
	assert.Equal(t, 4, out[2].Value)
}
