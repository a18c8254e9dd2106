// Package llmqueue implements the LLM request queue: producers enqueue
// extraction requests onto a Redis Stream, a pool of
// consumers (internal/llmworker) claims entries via a consumer group,
// and results fan out to every waiter on a request's result channel
// through Pub/Sub, with a short-lived cache so a late subscriber that
// missed the publish still finds its answer.
package llmqueue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"kxpipe/internal/errs"
)

// Request is one unit of extraction work handed to a worker.
type Request struct {
	ID          uuid.UUID       `json:"id"`
	ProjectID   uuid.UUID       `json:"project_id"`
	SourceID    uuid.UUID       `json:"source_id"`
	GroupName   string          `json:"group_name"`
	Payload     json.RawMessage `json:"payload"`
	EnqueuedAt  time.Time       `json:"enqueued_at"`
}

// Result is the outcome of processing a Request.
type Result struct {
	RequestID uuid.UUID       `json:"request_id"`
	Data      json.RawMessage `json:"data,omitempty"`
	Err       string          `json:"err,omitempty"`
}

const (
	streamKey       = "llm:requests"
	consumerGroup   = "llmworkers"
	resultCachePfx  = "llmqueue:result:"
	resultChannelPfx = "llmqueue:done:"
	resultTTL       = 5 * time.Minute
)

// Queue wraps the Redis Stream + Pub/Sub request/result plumbing.
type Queue struct {
	rdb *redis.Client
}

// New builds a Queue and ensures the consumer group exists.
func New(ctx context.Context, rdb *redis.Client) (*Queue, error) {
	q := &Queue{rdb: rdb}
	err := rdb.XGroupCreateMkStream(ctx, streamKey, consumerGroup, "0").Err()
	if err != nil && err.Error() != "BUSYGROUP Consumer Group name already exists" {
		return nil, errs.New(errs.KindDBError, "llmqueue.New", err)
	}
	return q, nil
}

// Enqueue pushes req onto the stream for a worker to claim.
func (q *Queue) Enqueue(ctx context.Context, req Request) error {
	payload, err := json.Marshal(req)
	if err != nil {
		return errs.New(errs.KindLLMTransient, "llmqueue.Enqueue", err)
	}
	err = q.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: streamKey,
		Values: map[string]any{"request": payload},
	}).Err()
	if err != nil {
		return errs.New(errs.KindDBError, "llmqueue.Enqueue", err)
	}
	return nil
}

// resultKey and channel helpers.
func resultKey(id uuid.UUID) string    { return resultCachePfx + id.String() }
func resultChannel(id uuid.UUID) string { return resultChannelPfx + id.String() }

// PublishResult stores res in the TTL cache and publishes it to the
// request's result channel, so both a waiter that subscribed before
// completion and one that only checks the cache afterward see it.
func (q *Queue) PublishResult(ctx context.Context, res Result) error {
	payload, err := json.Marshal(res)
	if err != nil {
		return errs.New(errs.KindLLMTransient, "llmqueue.PublishResult", err)
	}
	if err := q.rdb.Set(ctx, resultKey(res.RequestID), payload, resultTTL).Err(); err != nil {
		return errs.New(errs.KindDBError, "llmqueue.PublishResult", err)
	}
	if err := q.rdb.Publish(ctx, resultChannel(res.RequestID), payload).Err(); err != nil {
		return errs.New(errs.KindDBError, "llmqueue.PublishResult", err)
	}
	return nil
}

// WaitForResult waits for requestID's result using a cache-then-
// subscribe-then-recheck sequence: check the cache, and only if absent
// subscribe to the pub/sub channel, then re-check the cache once more
// before blocking on the subscription — closing the race window where
// the result was published between the first cache check and the
// subscribe call.
func (q *Queue) WaitForResult(ctx context.Context, requestID uuid.UUID) (Result, error) {
	if res, ok, err := q.checkCache(ctx, requestID); err != nil {
		return Result{}, err
	} else if ok {
		return res, nil
	}

	sub := q.rdb.Subscribe(ctx, resultChannel(requestID))
	defer sub.Close()

	if res, ok, err := q.checkCache(ctx, requestID); err != nil {
		return Result{}, err
	} else if ok {
		return res, nil
	}

	ch := sub.Channel()
	select {
	case msg, ok := <-ch:
		if !ok {
			return Result{}, errs.New(errs.KindLLMTransient, "llmqueue.WaitForResult", fmt.Errorf("subscription closed before result arrived"))
		}
		var res Result
		if err := json.Unmarshal([]byte(msg.Payload), &res); err != nil {
			return Result{}, errs.New(errs.KindLLMMalformedJSON, "llmqueue.WaitForResult", err)
		}
		return res, nil
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}
}

func (q *Queue) checkCache(ctx context.Context, requestID uuid.UUID) (Result, bool, error) {
	payload, err := q.rdb.Get(ctx, resultKey(requestID)).Bytes()
	if err == redis.Nil {
		return Result{}, false, nil
	}
	if err != nil {
		return Result{}, false, errs.New(errs.KindDBError, "llmqueue.checkCache", err)
	}
	var res Result
	if err := json.Unmarshal(payload, &res); err != nil {
		return Result{}, false, errs.New(errs.KindLLMMalformedJSON, "llmqueue.checkCache", err)
	}
	return res, true, nil
}

// ClaimedMessage is one stream entry handed to a consumer.
type ClaimedMessage struct {
	StreamID string
	Request  Request
}

// Claim reads up to count new entries for consumerName via XREADGROUP,
// waiting up to block for one to arrive; a block of zero or less does
// not wait.
func (q *Queue) Claim(ctx context.Context, consumerName string, count int64, block time.Duration) ([]ClaimedMessage, error) {
	if block <= 0 {
		block = -1 // go-redis sends no BLOCK argument for a negative duration
	}
	streams, err := q.rdb.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    consumerGroup,
		Consumer: consumerName,
		Streams:  []string{streamKey, ">"},
		Count:    count,
		Block:    block,
	}).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, errs.New(errs.KindDBError, "llmqueue.Claim", err)
	}

	var out []ClaimedMessage
	for _, stream := range streams {
		for _, msg := range stream.Messages {
			raw, ok := msg.Values["request"].(string)
			if !ok {
				continue
			}
			var req Request
			if err := json.Unmarshal([]byte(raw), &req); err != nil {
				continue
			}
			out = append(out, ClaimedMessage{StreamID: msg.ID, Request: req})
		}
	}
	return out, nil
}

// Ack acknowledges a processed stream entry.
func (q *Queue) Ack(ctx context.Context, streamID string) error {
	if err := q.rdb.XAck(ctx, streamKey, consumerGroup, streamID).Err(); err != nil {
		return errs.New(errs.KindDBError, "llmqueue.Ack", err)
	}
	return nil
}
