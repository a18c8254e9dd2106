package llmworker

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"kxpipe/internal/llmqueue"
)

func newTestQueue(t *testing.T) *llmqueue.Queue {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	q, err := llmqueue.New(context.Background(), rdb)
	require.NoError(t, err)
	return q
}

func TestSemaphoreAcquireReleaseRoundTrips(t *testing.T) {
	sem := newSemaphore(2)
	require.NoError(t, sem.acquire(context.Background()))
	require.NoError(t, sem.acquire(context.Background()))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := sem.acquire(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	sem.release()
	require.NoError(t, sem.acquire(context.Background()))
}

func TestSemaphoreGrowIncreasesCapacity(t *testing.T) {
	sem := newSemaphore(1)
	sem.grow(3)
	assert.Equal(t, 2, sem.cap)
	sem.grow(3)
	assert.Equal(t, 3, sem.cap)
	sem.grow(3)
	assert.Equal(t, 3, sem.cap, "grow should not exceed max")
}

func TestSemaphoreShrinkDecreasesCapacityDownToMin(t *testing.T) {
	sem := newSemaphore(3)
	sem.shrink(1)
	assert.Equal(t, 2, sem.cap)
	sem.shrink(1)
	assert.Equal(t, 1, sem.cap)
	sem.shrink(1)
	assert.Equal(t, 1, sem.cap, "shrink should not go below min")
}

func newTestPool(handler Handler) *Pool {
	cfg := Config{
		MinPermits:     1,
		MaxPermits:     5,
		StartPermits:   2,
		ClaimCount:     4,
		ClaimBlock:     0,
		ShrinkOnErrors: 2,
		GrowOnSuccess:  2,
	}
	return New(nil, cfg, handler, zerolog.Nop())
}

func TestRecordOutcomeGrowsAfterConsecutiveSuccessStreak(t *testing.T) {
	p := newTestPool(nil)
	p.recordOutcome(true)
	assert.Equal(t, 2, p.sem.cap, "cap unchanged before streak completes")
	p.recordOutcome(true)
	assert.Equal(t, 3, p.sem.cap, "cap grows once GrowOnSuccess is reached")
	assert.Equal(t, 0, p.consecutiveOK, "streak counter resets after growing")
}

func TestRecordOutcomeShrinksAfterConsecutiveErrorStreak(t *testing.T) {
	p := newTestPool(nil)
	p.recordOutcome(false)
	assert.Equal(t, 2, p.sem.cap)
	p.recordOutcome(false)
	assert.Equal(t, 1, p.sem.cap, "cap shrinks once ShrinkOnErrors is reached")
	assert.Equal(t, 0, p.consecutiveErrs)
}

func TestRecordOutcomeSuccessResetsErrorStreak(t *testing.T) {
	p := newTestPool(nil)
	p.recordOutcome(false)
	assert.Equal(t, 1, p.consecutiveErrs)
	p.recordOutcome(true)
	assert.Equal(t, 0, p.consecutiveErrs, "a success clears the error streak")
	p.recordOutcome(false)
	assert.Equal(t, 2, p.sem.cap, "cap unaffected, streak had been reset")
}

func TestPoolProcessDispatchesHandlerAndPublishesSuccess(t *testing.T) {
	q := newTestQueue(t)
	req := llmqueue.Request{ID: uuid.New(), ProjectID: uuid.New(), SourceID: uuid.New(), GroupName: "pricing"}
	require.NoError(t, q.Enqueue(context.Background(), req))

	claimed, err := q.Claim(context.Background(), "worker-1", 1, 0)
	require.NoError(t, err)
	require.Len(t, claimed, 1)

	handlerCalled := false
	handler := func(ctx context.Context, r llmqueue.Request) ([]byte, error) {
		handlerCalled = true
		assert.Equal(t, req.ID, r.ID)
		return []byte(`{"content":"done"}`), nil
	}

	p := New(q, Config{MinPermits: 1, MaxPermits: 5, StartPermits: 1, ShrinkOnErrors: 3, GrowOnSuccess: 10}, handler, zerolog.Nop())
	p.process(context.Background(), claimed[0])

	assert.True(t, handlerCalled)
	res, err := q.WaitForResult(context.Background(), req.ID)
	require.NoError(t, err)
	assert.Equal(t, []byte(`{"content":"done"}`), res.Data)
	assert.Equal(t, 1, p.consecutiveOK)
}

func TestPoolProcessPublishesHandlerErrorAsResult(t *testing.T) {
	q := newTestQueue(t)
	req := llmqueue.Request{ID: uuid.New(), ProjectID: uuid.New(), SourceID: uuid.New(), GroupName: "pricing"}
	require.NoError(t, q.Enqueue(context.Background(), req))

	claimed, err := q.Claim(context.Background(), "worker-1", 1, 0)
	require.NoError(t, err)
	require.Len(t, claimed, 1)

	handler := func(ctx context.Context, r llmqueue.Request) ([]byte, error) {
		return nil, assertErr("backend exploded")
	}

	p := New(q, Config{MinPermits: 1, MaxPermits: 5, StartPermits: 1, ShrinkOnErrors: 3, GrowOnSuccess: 10}, handler, zerolog.Nop())
	p.process(context.Background(), claimed[0])

	res, err := q.WaitForResult(context.Background(), req.ID)
	require.NoError(t, err)
	assert.Contains(t, res.Err, "backend exploded")
	assert.Equal(t, 1, p.consecutiveErrs)
}

func TestPoolRunStopsWhenContextCancelled(t *testing.T) {
	q := newTestQueue(t)
	p := New(q, Config{MinPermits: 1, MaxPermits: 2, StartPermits: 1, ClaimCount: 1, ClaimBlock: 0}, func(ctx context.Context, r llmqueue.Request) ([]byte, error) {
		return nil, nil
	}, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- p.Run(ctx, "worker-1") }()

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not stop after context cancellation")
	}
}

type assertErr string

func (e assertErr) Error() string { return string(e) }
