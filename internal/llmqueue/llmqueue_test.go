package llmqueue

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"kxpipe/internal/llm"
)

func newTestQueue(t *testing.T) *Queue {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	q, err := New(context.Background(), rdb)
	require.NoError(t, err)
	return q
}

func TestEnqueueAndClaimRoundTrips(t *testing.T) {
	q := newTestQueue(t)
	req := Request{ID: uuid.New(), ProjectID: uuid.New(), SourceID: uuid.New(), GroupName: "pricing", Payload: []byte(`{"a":1}`)}
	require.NoError(t, q.Enqueue(context.Background(), req))

	claimed, err := q.Claim(context.Background(), "worker-1", 10, 0)
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	assert.Equal(t, req.ID, claimed[0].Request.ID)
	assert.Equal(t, "pricing", claimed[0].Request.GroupName)

	require.NoError(t, q.Ack(context.Background(), claimed[0].StreamID))
}

func TestClaimReturnsNothingWhenStreamEmpty(t *testing.T) {
	q := newTestQueue(t)
	claimed, err := q.Claim(context.Background(), "worker-1", 10, 0)
	require.NoError(t, err)
	assert.Empty(t, claimed)
}

func TestWaitForResultFindsCachedResultWithoutSubscribing(t *testing.T) {
	q := newTestQueue(t)
	id := uuid.New()
	require.NoError(t, q.PublishResult(context.Background(), Result{RequestID: id, Data: []byte(`{"content":"hi"}`)}))

	res, err := q.WaitForResult(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, id, res.RequestID)
}

func TestWaitForResultReceivesLatePublishViaSubscription(t *testing.T) {
	q := newTestQueue(t)
	id := uuid.New()

	done := make(chan error, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_, err := q.WaitForResult(ctx, id)
		done <- err
	}()

	time.Sleep(50 * time.Millisecond)
	require.NoError(t, q.PublishResult(context.Background(), Result{RequestID: id, Data: []byte(`{"content":"ok"}`)}))

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for result")
	}
}

func pollClaim(t *testing.T, q *Queue) ClaimedMessage {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		claimed, err := q.Claim(context.Background(), "worker-1", 1, 0)
		require.NoError(t, err)
		if len(claimed) > 0 {
			return claimed[0]
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("timed out waiting for a claimable message")
	return ClaimedMessage{}
}

func TestChatClientRoundTripsThroughQueue(t *testing.T) {
	q := newTestQueue(t)
	projectID, sourceID := uuid.New(), uuid.New()
	client := NewChatClient(q, projectID, sourceID, "pricing")

	go func() {
		claimed := pollClaim(t, q)
		resp, _ := json.Marshal(llm.ChatResponse{Content: "worked"})
		_ = q.PublishResult(context.Background(), Result{RequestID: claimed.Request.ID, Data: resp})
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	resp, err := client.Chat(ctx, llm.ChatRequest{UserPrompt: "hello"})
	require.NoError(t, err)
	assert.Equal(t, "worked", resp.Content)
}

func TestChatClientPropagatesWorkerError(t *testing.T) {
	q := newTestQueue(t)
	client := NewChatClient(q, uuid.New(), uuid.New(), "pricing")

	go func() {
		claimed := pollClaim(t, q)
		_ = q.PublishResult(context.Background(), Result{RequestID: claimed.Request.ID, Err: "backend unavailable"})
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	_, err := client.Chat(ctx, llm.ChatRequest{UserPrompt: "hello"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "backend unavailable")
}
