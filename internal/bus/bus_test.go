package bus_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"devflow/internal/bus"
	"devflow/internal/db"
	"devflow/internal/migrate"
	"devflow/internal/repo"
)

func newTestBus(t *testing.T) *bus.Bus {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.NoError(t, migrate.Migrate(conn))
	return bus.New(conn)
}

func TestExecuteDeduplicatesByKey(t *testing.T) {
	b := newTestBus(t)
	var calls int32
	b.Register("notify", func(ctx context.Context, input map[string]any) (map[string]any, error) {
		atomic.AddInt32(&calls, 1)
		return map[string]any{"delivered": true}, nil
	})
	ctx := context.Background()

	first, err := b.Execute(ctx, bus.ExecuteRequest{ActionType: "notify", IdempotencyKey: "k1"})
	require.NoError(t, err)
	assert.Equal(t, "succeeded", first.Status)

	second, err := b.Execute(ctx, bus.ExecuteRequest{ActionType: "notify", IdempotencyKey: "k1"})
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, first.Result, second.Result)
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))

	// A different key runs the handler again.
	_, err = b.Execute(ctx, bus.ExecuteRequest{ActionType: "notify", IdempotencyKey: "k2"})
	require.NoError(t, err)
	assert.Equal(t, int32(2), atomic.LoadInt32(&calls))
}

func TestExecuteConcurrentCallersShareOneInvocation(t *testing.T) {
	b := newTestBus(t)
	var calls int32
	release := make(chan struct{})
	b.Register("slow", func(ctx context.Context, input map[string]any) (map[string]any, error) {
		atomic.AddInt32(&calls, 1)
		<-release
		return map[string]any{"n": float64(atomic.LoadInt32(&calls))}, nil
	})
	ctx := context.Background()

	const workers = 8
	results := make([]map[string]any, workers)
	var wg sync.WaitGroup
	wg.Add(workers)
	for i := 0; i < workers; i++ {
		go func(i int) {
			defer wg.Done()
			a, err := b.Execute(ctx, bus.ExecuteRequest{ActionType: "slow", IdempotencyKey: "shared"})
			assert.NoError(t, err)
			results[i] = a.Result
		}(i)
	}
	close(release)
	wg.Wait()

	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
	for i := 1; i < workers; i++ {
		assert.Equal(t, results[0], results[i])
	}
}

func TestExecuteFailureIsDurable(t *testing.T) {
	b := newTestBus(t)
	var calls int32
	b.Register("flaky", func(ctx context.Context, input map[string]any) (map[string]any, error) {
		if atomic.AddInt32(&calls, 1) == 1 {
			return nil, fmt.Errorf("upstream unavailable")
		}
		return map[string]any{"ok": true}, nil
	})
	ctx := context.Background()

	a, err := b.Execute(ctx, bus.ExecuteRequest{ActionType: "flaky", IdempotencyKey: "f1"})
	var af bus.ActionFailed
	require.ErrorAs(t, err, &af)
	assert.Equal(t, "failed", a.Status)
	assert.Equal(t, "upstream unavailable", af.Message)

	// Without RetryFailed the stored failure is returned, not re-run.
	a, err = b.Execute(ctx, bus.ExecuteRequest{ActionType: "flaky", IdempotencyKey: "f1"})
	require.ErrorAs(t, err, &af)
	assert.Equal(t, "failed", a.Status)
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))

	// RetryFailed resets and re-runs the handler.
	a, err = b.Execute(ctx, bus.ExecuteRequest{ActionType: "flaky", IdempotencyKey: "f1", RetryFailed: true})
	require.NoError(t, err)
	assert.Equal(t, "succeeded", a.Status)
	assert.Equal(t, int32(2), atomic.LoadInt32(&calls))
}

func TestExecutePanicContained(t *testing.T) {
	b := newTestBus(t)
	b.Register("boom", func(ctx context.Context, input map[string]any) (map[string]any, error) {
		panic("handler bug")
	})

	a, err := b.Execute(context.Background(), bus.ExecuteRequest{ActionType: "boom", IdempotencyKey: "p1"})
	var af bus.ActionFailed
	require.ErrorAs(t, err, &af)
	assert.Equal(t, "failed", a.Status)
	assert.Equal(t, "internal handler failure", a.Error)
}

func TestExecuteUnknownAction(t *testing.T) {
	b := newTestBus(t)
	_, err := b.Execute(context.Background(), bus.ExecuteRequest{ActionType: "ghost", IdempotencyKey: "g1"})
	var unknown bus.ErrUnknownAction
	require.True(t, errors.As(err, &unknown))
	assert.Equal(t, "ghost", unknown.ActionType)
}

func TestRegisterReplacesHandler(t *testing.T) {
	b := newTestBus(t)
	b.Register("step", func(ctx context.Context, input map[string]any) (map[string]any, error) {
		return map[string]any{"impl": "old"}, nil
	})
	b.Register("step", func(ctx context.Context, input map[string]any) (map[string]any, error) {
		return map[string]any{"impl": "new"}, nil
	})

	a, err := b.Execute(context.Background(), bus.ExecuteRequest{ActionType: "step", IdempotencyKey: "r1"})
	require.NoError(t, err)
	assert.Equal(t, "new", a.Result["impl"])
}

func TestExecuteEmitsActionEvents(t *testing.T) {
	b := newTestBus(t)
	b.Register("ok", func(ctx context.Context, input map[string]any) (map[string]any, error) {
		return map[string]any{}, nil
	})
	b.Register("bad", func(ctx context.Context, input map[string]any) (map[string]any, error) {
		return nil, fmt.Errorf("nope")
	})
	ctx := context.Background()

	_, err := b.Execute(ctx, bus.ExecuteRequest{ActionType: "ok", IdempotencyKey: "e1", ActorID: "tester"})
	require.NoError(t, err)
	_, err = b.Execute(ctx, bus.ExecuteRequest{ActionType: "bad", IdempotencyKey: "e2"})
	require.Error(t, err)

	events, err := b.ListEvents(ctx, repo.EventFilters{EntityKind: "action"})
	require.NoError(t, err)
	types := map[string]string{}
	for _, evt := range events {
		types[evt.Type] = evt.ActorID
	}
	assert.Equal(t, "tester", types["action.succeeded"])
	assert.Equal(t, "action-bus", types["action.failed"])
}

func TestEmitExternalEvent(t *testing.T) {
	b := newTestBus(t)
	ctx := context.Background()

	evt, err := b.Emit(ctx, "pr_merged", "work_item", "item-1", "github-webhook", "", map[string]any{"number": 7})
	require.NoError(t, err)
	assert.Greater(t, evt.ID, int64(0))

	stored, err := b.ListEvents(ctx, repo.EventFilters{Type: "pr_merged"})
	require.NoError(t, err)
	require.Len(t, stored, 1)
	assert.Equal(t, "github-webhook", stored[0].ActorID)
	assert.Equal(t, "item-1", stored[0].EntityID)
}
