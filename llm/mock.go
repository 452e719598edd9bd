package llm

import (
	"context"
	"encoding/json"
	"sync"
)

// Mock is a scripted Provider for tests. Each call consumes the next queued
// reply; the last reply repeats once the queue drains. Errors queued with
// FailWith take precedence over replies.
type Mock struct {
	mu      sync.Mutex
	replies []string
	errs    []error
	calls   []ChatRequest
	vision  []VisionChatRequest
}

// NewMock returns a Mock that answers with the given reply bodies in order.
func NewMock(replies ...string) *Mock {
	return &Mock{replies: replies}
}

// EntityReply builds the JSON body a well-behaved extraction model returns.
func EntityReply(entities ...ExtractedEntity) string {
	body, _ := json.Marshal(struct {
		Entities []ExtractedEntity `json:"entities"`
	}{Entities: entities})
	return string(body)
}

// FailWith queues errors to be returned before any replies. Useful for
// exercising the retry path: queue two transient errors, then a reply.
func (m *Mock) FailWith(errs ...error) *Mock {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.errs = append(m.errs, errs...)
	return m
}

// Calls returns every chat request the mock has seen.
func (m *Mock) Calls() []ChatRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]ChatRequest(nil), m.calls...)
}

// VisionCalls returns every vision request the mock has seen.
func (m *Mock) VisionCalls() []VisionChatRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]VisionChatRequest(nil), m.vision...)
}

// CallCount reports how many chat and vision calls have been made.
func (m *Mock) CallCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.calls) + len(m.vision)
}

func (m *Mock) next() (string, error) {
	if len(m.errs) > 0 {
		err := m.errs[0]
		m.errs = m.errs[1:]
		return "", err
	}
	if len(m.replies) == 0 {
		return "{}", nil
	}
	reply := m.replies[0]
	if len(m.replies) > 1 {
		m.replies = m.replies[1:]
	}
	return reply, nil
}

func (m *Mock) Chat(ctx context.Context, req ChatRequest) (*ChatResponse, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, req)
	reply, err := m.next()
	if err != nil {
		return nil, err
	}
	return &ChatResponse{Content: reply, Model: "mock", FinishReason: "stop", TotalTokens: len(reply)}, nil
}

func (m *Mock) ChatWithImages(ctx context.Context, req VisionChatRequest) (*ChatResponse, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.vision = append(m.vision, req)
	reply, err := m.next()
	if err != nil {
		return nil, err
	}
	return &ChatResponse{Content: reply, Model: "mock", FinishReason: "stop", TotalTokens: len(reply)}, nil
}
