package domain

import (
	"context"
	"time"
)

// EventBus carries workflow jobs and progress events between the API and
// background workers.
type EventBus interface {
	Publish(ctx context.Context, topic string, payload []byte) error
	Subscribe(ctx context.Context, topic string, handler MessageHandler) (Subscription, error)
	Ping(ctx context.Context) error
	Close() error
}

// MessageHandler consumes one delivered message. A returned error is
// logged and counted; the message is not redelivered.
type MessageHandler func(ctx context.Context, msg *Message) error

// Message is the envelope every transport delivers.
type Message struct {
	ID          string            `json:"id"`
	Topic       string            `json:"topic"`
	Payload     []byte            `json:"payload"`
	Headers     map[string]string `json:"headers,omitempty"`
	PublishedAt time.Time         `json:"published_at"`
}

type Subscription interface {
	Unsubscribe() error
	Topic() string
}

// Workflow topics.
const (
	TopicSessionIngested  = "kestrel.session.ingested"
	TopicSessionReprocess = "kestrel.session.reprocess"
	TopicSessionStage     = "kestrel.session.stage"
	TopicSessionCompleted = "kestrel.session.completed"
	TopicSessionFailed    = "kestrel.session.failed"
)

// WorkflowJob asks a worker to run or reprocess a session.
type WorkflowJob struct {
	SessionID  string  `json:"session_id"`
	SkipStages []Stage `json:"skip_stages,omitempty"`
	Reprocess  bool    `json:"reprocess,omitempty"`
	TraceID    string  `json:"trace_id,omitempty"`
}

// WorkflowEvent reports stage progress and terminal session states.
type WorkflowEvent struct {
	SessionID string        `json:"session_id"`
	Stage     Stage         `json:"stage,omitempty"`
	Status    SessionStatus `json:"status"`
	Affected  int           `json:"affected"`
	Error     string        `json:"error,omitempty"`
}
