package sandbox

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// countingExecutor is an in-memory Executor that counts destroys per handle.
type countingExecutor struct {
	mu        sync.Mutex
	destroyed map[string]int
	failOnce  map[string]bool
}

func newCountingExecutor() *countingExecutor {
	return &countingExecutor{destroyed: map[string]int{}, failOnce: map[string]bool{}}
}

func (c *countingExecutor) Create(_ context.Context, spec Spec) (*Handle, error) {
	return &Handle{ID: spec.SessionID, Name: "box-" + spec.SessionID}, nil
}

func (c *countingExecutor) Exec(context.Context, *Handle, Command) (*ExecResult, error) {
	return &ExecResult{}, nil
}

func (c *countingExecutor) CopyIn(context.Context, *Handle, []File) error { return nil }

func (c *countingExecutor) CopyOut(context.Context, *Handle, []string) (map[string][]byte, error) {
	return map[string][]byte{}, nil
}

func (c *countingExecutor) Destroy(_ context.Context, h *Handle) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.failOnce[h.ID] {
		delete(c.failOnce, h.ID)
		return errors.New("daemon busy")
	}
	c.destroyed[h.ID]++
	return nil
}

func TestTracker_DestroyIsIdempotent(t *testing.T) {
	inner := newCountingExecutor()
	tr := NewTracker(inner)
	ctx := context.Background()

	h, err := tr.Create(ctx, Spec{SessionID: "a"})
	require.NoError(t, err)
	assert.Len(t, tr.Live(), 1)

	require.NoError(t, tr.Destroy(ctx, h))
	require.NoError(t, tr.Destroy(ctx, h))
	assert.Equal(t, 1, inner.destroyed["a"])
	assert.Empty(t, tr.Live())

	_, err = tr.Exec(ctx, h, Command{Shell: "true"})
	assert.ErrorIs(t, err, ErrHandleDestroyed)
	assert.ErrorIs(t, tr.CopyIn(ctx, h, nil), ErrHandleDestroyed)
	_, err = tr.CopyOut(ctx, h, nil)
	assert.ErrorIs(t, err, ErrHandleDestroyed)
}

func TestTracker_ConcurrentDestroyOnce(t *testing.T) {
	inner := newCountingExecutor()
	tr := NewTracker(inner)
	ctx := context.Background()
	h, err := tr.Create(ctx, Spec{SessionID: "a"})
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = tr.Destroy(ctx, h)
		}()
	}
	wg.Wait()

	created, destroyed := tr.Counts()
	assert.Equal(t, 1, created)
	assert.Equal(t, 1, destroyed)
	assert.Equal(t, 1, inner.destroyed["a"])
	assert.Empty(t, tr.Live())
}

func TestTracker_DestroyAllRetriesFailures(t *testing.T) {
	inner := newCountingExecutor()
	tr := NewTracker(inner)
	ctx := context.Background()

	for _, id := range []string{"a", "b", "c"} {
		_, err := tr.Create(ctx, Spec{SessionID: id})
		require.NoError(t, err)
	}
	inner.failOnce["b"] = true

	err := tr.DestroyAll(ctx)
	require.Error(t, err)
	require.Len(t, tr.Live(), 1)
	assert.Equal(t, "b", tr.Live()[0].ID)

	require.NoError(t, tr.DestroyAll(ctx))
	assert.Empty(t, tr.Live())
	created, destroyed := tr.Counts()
	assert.Equal(t, created, destroyed)
}

func TestTruncate(t *testing.T) {
	assert.Equal(t, "short", Truncate("short", 100))
	assert.Equal(t, "anything", Truncate("anything", 0))

	long := make([]byte, 1000)
	for i := range long {
		long[i] = 'a' + byte(i%26)
	}
	got := Truncate(string(long), 200)
	assert.LessOrEqual(t, len(got), 200)
	assert.Contains(t, got, "bytes truncated")
	assert.Equal(t, string(long[:10]), got[:10])
	assert.Equal(t, string(long[990:]), got[len(got)-10:])
}
