package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// jobTopic routes a job to the topic its worker handler listens on.
func jobTopic(job domain.WorkflowJob) string {
	if job.Reprocess {
		return domain.TopicSessionReprocess
	}
	return domain.TopicSessionIngested
}

// Enqueue publishes job for whichever worker picks it up first.
func Enqueue(ctx context.Context, bus domain.EventBus, job domain.WorkflowJob) error {
	payload, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("encode workflow job: %w", err)
	}
	return bus.Publish(ctx, jobTopic(job), payload)
}

// Worker consumes workflow jobs from the bus and runs them on the
// orchestrator. Jobs for a session that is already being processed are
// dropped; the run in progress will leave the session in its final state.
type Worker struct {
	bus  domain.EventBus
	orch *Orchestrator

	mu     sync.Mutex
	subs   []domain.Subscription
	cancel context.CancelFunc
}

func NewWorker(bus domain.EventBus, orch *Orchestrator) *Worker {
	return &Worker{bus: bus, orch: orch}
}

// Start subscribes to both job topics. Calling Start on a running worker
// is a no-op.
func (w *Worker) Start() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.cancel != nil {
		return nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	handlers := map[string]func(context.Context, domain.WorkflowJob) error{
		domain.TopicSessionIngested: func(ctx context.Context, job domain.WorkflowJob) error {
			_, err := w.orch.RunFull(ctx, job.SessionID)
			return err
		},
		domain.TopicSessionReprocess: func(ctx context.Context, job domain.WorkflowJob) error {
			_, err := w.orch.Reprocess(ctx, job.SessionID, job.SkipStages)
			return err
		},
	}
	for topic, run := range handlers {
		sub, err := w.bus.Subscribe(ctx, topic, w.consume(run))
		if err != nil {
			cancel()
			w.unsubscribeLocked()
			return fmt.Errorf("subscribe %s: %w", topic, err)
		}
		w.subs = append(w.subs, sub)
	}
	w.cancel = cancel

	slog.Info("workflow worker started", "subscriptions", len(w.subs))
	return nil
}

func (w *Worker) consume(run func(context.Context, domain.WorkflowJob) error) domain.MessageHandler {
	return func(ctx context.Context, msg *domain.Message) error {
		var job domain.WorkflowJob
		if err := json.Unmarshal(msg.Payload, &job); err != nil {
			return fmt.Errorf("decode workflow job %s: %w", msg.ID, err)
		}
		if job.TraceID == "" {
			job.TraceID = msg.ID
		}
		log := slog.With("session_id", job.SessionID, "trace_id", job.TraceID, "topic", msg.Topic)

		start := time.Now()
		err := run(ctx, job)
		switch {
		case errors.Is(err, domain.ErrSessionBusy):
			log.Warn("session busy, workflow job dropped")
			return nil
		case err != nil:
			return err
		}
		log.Info("workflow job done", "duration_ms", time.Since(start).Milliseconds())
		return nil
	}
}

// Stop cancels in-flight jobs and unsubscribes.
func (w *Worker) Stop() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.cancel == nil {
		return nil
	}
	w.cancel()
	w.cancel = nil
	w.unsubscribeLocked()
	slog.Info("workflow worker stopped")
	return nil
}

func (w *Worker) unsubscribeLocked() {
	for _, sub := range w.subs {
		if err := sub.Unsubscribe(); err != nil {
			slog.Warn("unsubscribe failed", "topic", sub.Topic(), "error", err)
		}
	}
	w.subs = nil
}

type WorkerStats struct {
	SubscriptionCount int      `json:"subscription_count"`
	Topics            []string `json:"topics"`
}

func (w *Worker) Stats() WorkerStats {
	w.mu.Lock()
	defer w.mu.Unlock()
	stats := WorkerStats{SubscriptionCount: len(w.subs)}
	for _, sub := range w.subs {
		stats.Topics = append(stats.Topics, sub.Topic())
	}
	return stats
}
