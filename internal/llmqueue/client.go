package llmqueue

import (
	"context"
	"encoding/json"

	"github.com/google/uuid"

	"kxpipe/internal/errs"
	"kxpipe/internal/llm"
)

// ChatClient adapts a Queue to the llm.ChatClient interface: each chat
// call becomes one queued Request, handed off to whichever llmworker.Pool
// consumer claims it, with the result delivered back over WaitForResult.
// This is what lets the orchestrator's extraction calls run through the
// adaptive-concurrency worker pool instead of hitting the LLM backend
// directly from the job goroutine.
type ChatClient struct {
	queue     *Queue
	projectID uuid.UUID
	sourceID  uuid.UUID
	groupName string
}

// NewChatClient builds a queue-backed llm.ChatClient scoped to one
// extraction job's project/source/group, used for log correlation on the
// worker side.
func NewChatClient(queue *Queue, projectID, sourceID uuid.UUID, groupName string) *ChatClient {
	return &ChatClient{queue: queue, projectID: projectID, sourceID: sourceID, groupName: groupName}
}

func (c *ChatClient) Chat(ctx context.Context, req llm.ChatRequest) (llm.ChatResponse, error) {
	payload, err := json.Marshal(req)
	if err != nil {
		return llm.ChatResponse{}, errs.New(errs.KindValidationViolation, "llmqueue.ChatClient.Chat", err)
	}

	id := uuid.New()
	if err := c.queue.Enqueue(ctx, Request{
		ID:        id,
		ProjectID: c.projectID,
		SourceID:  c.sourceID,
		GroupName: c.groupName,
		Payload:   payload,
	}); err != nil {
		return llm.ChatResponse{}, err
	}

	res, err := c.queue.WaitForResult(ctx, id)
	if err != nil {
		return llm.ChatResponse{}, err
	}
	if res.Err != "" {
		return llm.ChatResponse{}, errs.New(errs.KindLLMTransient, "llmqueue.ChatClient.Chat", errString(res.Err))
	}

	var resp llm.ChatResponse
	if err := json.Unmarshal(res.Data, &resp); err != nil {
		return llm.ChatResponse{}, errs.New(errs.KindLLMMalformedJSON, "llmqueue.ChatClient.Chat", err)
	}
	return resp, nil
}

type errString string

func (e errString) Error() string { return string(e) }
