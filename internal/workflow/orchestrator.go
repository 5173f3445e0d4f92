// Package workflow runs the four-stage classification pipeline over
// processing sessions and ingests record batches into them.
package workflow

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/metrics"
	"github.com/opensource-finance/kestrel/internal/risk"
	"github.com/opensource-finance/kestrel/internal/rules"
	"github.com/opensource-finance/kestrel/internal/whitelist"
)

var tracer = otel.Tracer("kestrel-workflow")

const defaultScorerTimeout = 30 * time.Second

// Orchestrator drives sessions through exclusion, whitelist, security
// rules and risk aggregation.
type Orchestrator struct {
	repo       domain.Repository
	engine     *rules.Engine
	filter     *whitelist.Filter
	aggregator *risk.Aggregator
	scorer     domain.Scorer
	bus        domain.EventBus

	scorerTimeout time.Duration
	locks         Locker
	now           func() time.Time
}

// Options configures an Orchestrator. Bus may be nil. Locker defaults to
// a LocalLocker, which only excludes runs within this process.
type Options struct {
	Repository    domain.Repository
	Engine        *rules.Engine
	Filter        *whitelist.Filter
	Scorer        domain.Scorer
	Bus           domain.EventBus
	ScorerTimeout time.Duration
	Locker        Locker
}

// NewOrchestrator creates an orchestrator.
func NewOrchestrator(opts Options) *Orchestrator {
	timeout := opts.ScorerTimeout
	if timeout <= 0 {
		timeout = defaultScorerTimeout
	}
	engine := opts.Engine
	if engine == nil {
		engine = rules.NewEngine()
	}
	filter := opts.Filter
	if filter == nil {
		filter = whitelist.NewFilter(nil, 0)
	}
	locks := opts.Locker
	if locks == nil {
		locks = NewLocalLocker()
	}
	return &Orchestrator{
		repo:          opts.Repository,
		engine:        engine,
		filter:        filter,
		aggregator:    risk.NewAggregator(),
		scorer:        opts.Scorer,
		bus:           opts.Bus,
		scorerTimeout: timeout,
		locks:         locks,
		now:           func() time.Time { return time.Now().UTC() },
	}
}

// RunFull runs every stage whose flag is not yet set, in pipeline order.
// It returns domain.ErrSessionBusy if another run holds the session.
func (o *Orchestrator) RunFull(ctx context.Context, sessionID string) (*domain.Session, error) {
	ctx, unlock, err := o.locks.TryLock(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	return o.runFull(ctx, sessionID)
}

// Reprocess clears every stage not listed in skip, then runs the
// pipeline again. Skipped stages keep their flag and data.
func (o *Orchestrator) Reprocess(ctx context.Context, sessionID string, skip []domain.Stage) (*domain.Session, error) {
	ctx, unlock, err := o.locks.TryLock(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	if err := o.resetStages(ctx, sessionID, skip); err != nil {
		return nil, err
	}
	return o.runFull(ctx, sessionID)
}

// Busy reports whether a run currently holds the session.
func (o *Orchestrator) Busy(ctx context.Context, sessionID string) (bool, error) {
	return o.locks.Held(ctx, sessionID)
}

func (o *Orchestrator) resetStages(ctx context.Context, sessionID string, skip []domain.Stage) error {
	skipped := make(map[domain.Stage]bool, len(skip))
	for _, s := range skip {
		skipped[s] = true
	}

	tx, err := o.repo.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin reset: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	sess, err := tx.GetSession(ctx, sessionID)
	if err != nil {
		return err
	}

	var cleared []domain.Stage
	for _, stage := range domain.Stages {
		if skipped[stage] {
			continue
		}
		n, err := tx.ResetStage(ctx, sessionID, stage)
		if err != nil {
			return fmt.Errorf("failed to reset %s stage: %w", stage, err)
		}
		sess.SetStageApplied(stage, false)
		cleared = append(cleared, stage)
		slog.Debug("stage reset", "session_id", sessionID, "stage", stage, "records", n)
	}

	sess.UpdatedAt = o.now()
	if err := tx.UpdateSession(ctx, sess); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit reset: %w", err)
	}

	slog.Info("session reset for reprocessing", "session_id", sessionID, "stages", cleared)
	return nil
}

func (o *Orchestrator) runFull(ctx context.Context, sessionID string) (*domain.Session, error) {
	start := time.Now()

	sess, err := o.repo.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	sess.Status = domain.SessionProcessing
	sess.ErrorMessage = ""
	sess.UpdatedAt = o.now()
	if err := o.repo.UpdateSession(ctx, sess); err != nil {
		return nil, fmt.Errorf("failed to mark session processing: %w", err)
	}

	for _, stage := range domain.Stages {
		if sess.StageApplied(stage) {
			slog.Debug("stage already applied", "session_id", sessionID, "stage", stage)
			continue
		}

		affected, err := o.runStage(ctx, sess, stage)
		if err != nil {
			o.fail(ctx, sess, stage, err)
			return sess, err
		}
		o.publish(ctx, domain.TopicSessionStage, domain.WorkflowEvent{
			SessionID: sessionID,
			Stage:     stage,
			Status:    sess.Status,
			Affected:  affected,
		})
	}

	records, err := o.repo.ListRecords(ctx, sessionID)
	if err != nil {
		o.fail(ctx, sess, "", err)
		return sess, err
	}
	stats := domain.ComputeWorkflowStats(records)

	sess.Status = domain.SessionCompleted
	sess.ProcessedRecords = len(records)
	sess.ProcessingStats = withStats(sess.ProcessingStats, "workflow", stats)
	sess.UpdatedAt = o.now()
	if err := o.repo.UpdateSession(ctx, sess); err != nil {
		o.fail(ctx, sess, "", err)
		return sess, err
	}

	o.publish(ctx, domain.TopicSessionCompleted, domain.WorkflowEvent{
		SessionID: sessionID,
		Status:    sess.Status,
		Affected:  stats.Critical,
	})

	slog.Info("workflow completed",
		"session_id", sessionID,
		"records", stats.Total,
		"excluded", stats.Excluded,
		"whitelisted", stats.Whitelisted,
		"rules_matched", stats.RulesMatched,
		"critical", stats.Critical,
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return sess, nil
}

// runStage executes one stage in its own transaction and sets the stage
// flag in the same commit.
func (o *Orchestrator) runStage(ctx context.Context, sess *domain.Session, stage domain.Stage) (affected int, err error) {
	start := time.Now()
	ctx, span := tracer.Start(ctx, "workflow."+string(stage),
		trace.WithAttributes(
			attribute.String("session_id", sess.ID),
			attribute.String("stage", string(stage)),
		),
	)
	defer func() {
		status := "ok"
		if err != nil {
			status = "error"
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.SetAttributes(attribute.Int("affected", affected))
		span.End()
		metrics.StageRunsTotal.WithLabelValues(string(stage), status).Inc()
		metrics.StageDuration.WithLabelValues(string(stage)).Observe(float64(time.Since(start).Milliseconds()))
	}()

	var scores *domain.ScoreResult
	if stage == domain.StageML {
		if scores, err = o.score(ctx, sess.ID); err != nil {
			return 0, err
		}
	}

	tx, err := o.repo.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to begin %s stage: %w", stage, err)
	}
	defer func() { _ = tx.Rollback() }()

	var stats map[string]any
	switch stage {
	case domain.StageExclusion:
		affected, err = o.engine.ApplyExclusion(ctx, tx, sess.ID)
		stats = map[string]any{"excluded": affected}
	case domain.StageWhitelist:
		affected, err = o.filter.Apply(ctx, tx, sess.ID)
		stats = map[string]any{"whitelisted": affected}
	case domain.StageRules:
		var matches []domain.RuleMatch
		matches, err = o.engine.ApplySecurity(ctx, tx, sess.ID)
		affected = len(matches)
		stats = map[string]any{"matches": affected}
	case domain.StageML:
		affected, stats, err = o.aggregate(ctx, tx, sess.ID, scores)
	default:
		err = fmt.Errorf("%w: unknown stage %q", domain.ErrInvalidInput, stage)
	}
	if err != nil {
		return 0, err
	}

	updated := *sess
	updated.SetStageApplied(stage, true)
	updated.ProcessingStats = withStats(sess.ProcessingStats, string(stage), stats)
	updated.UpdatedAt = o.now()
	if err := tx.UpdateSession(ctx, &updated); err != nil {
		return 0, fmt.Errorf("failed to record %s stage: %w", stage, err)
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit %s stage: %w", stage, err)
	}
	*sess = updated

	slog.Info("stage applied",
		"session_id", sess.ID,
		"stage", stage,
		"affected", affected,
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return affected, nil
}

// score makes the single scorer call of a session, bounded by the
// configured timeout.
func (o *Orchestrator) score(ctx context.Context, sessionID string) (*domain.ScoreResult, error) {
	if o.scorer == nil {
		return &domain.ScoreResult{Scores: map[string]domain.AnomalyScore{}}, nil
	}

	records, err := o.repo.ListRecords(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to load records: %w", err)
	}

	sctx, cancel := context.WithTimeout(ctx, o.scorerTimeout)
	defer cancel()

	res, err := o.scorer.Score(sctx, sessionID, records)
	if err != nil {
		return nil, fmt.Errorf("anomaly scorer failed: %w", err)
	}
	if res == nil {
		res = &domain.ScoreResult{}
	}
	if res.Scores == nil {
		res.Scores = map[string]domain.AnomalyScore{}
	}
	return res, nil
}

func (o *Orchestrator) aggregate(ctx context.Context, store domain.Store, sessionID string, scores *domain.ScoreResult) (int, map[string]any, error) {
	records, err := store.ListRecords(ctx, sessionID)
	if err != nil {
		return 0, nil, fmt.Errorf("failed to load records: %w", err)
	}

	counts := o.aggregator.ApplyAll(records, scores.Scores)
	if err := store.UpdateRecords(ctx, records); err != nil {
		return 0, nil, fmt.Errorf("failed to persist risk scores: %w", err)
	}

	levels := make(map[string]int, len(counts))
	for level, n := range counts {
		levels[string(level)] = n
	}
	stats := map[string]any{"scored": len(records), "risk_levels": levels}
	if len(scores.ProcessingStats) > 0 {
		stats["scorer"] = scores.ProcessingStats
	}
	return len(records), stats, nil
}

// fail marks the session errored. Stage flags already committed stay set.
func (o *Orchestrator) fail(ctx context.Context, sess *domain.Session, stage domain.Stage, cause error) {
	ctx = context.WithoutCancel(ctx)

	msg := cause.Error()
	if stage != "" {
		msg = fmt.Sprintf("%s stage failed: %v", stage, cause)
	}
	sess.Status = domain.SessionError
	sess.ErrorMessage = msg
	sess.UpdatedAt = o.now()

	slog.Error("workflow failed", "session_id", sess.ID, "stage", stage, "error", cause)

	if err := o.repo.UpdateSession(ctx, sess); err != nil {
		slog.Error("failed to record session error", "session_id", sess.ID, "error", err)
	}
	o.publish(ctx, domain.TopicSessionFailed, domain.WorkflowEvent{
		SessionID: sess.ID,
		Stage:     stage,
		Status:    domain.SessionError,
		Error:     msg,
	})
}

func (o *Orchestrator) publish(ctx context.Context, topic string, evt domain.WorkflowEvent) {
	if o.bus == nil {
		return
	}
	payload, err := json.Marshal(evt)
	if err != nil {
		return
	}
	if err := o.bus.Publish(ctx, topic, payload); err != nil {
		slog.Warn("failed to publish workflow event", "topic", topic, "session_id", evt.SessionID, "error", err)
	}
}

// Status is a session with its classification counts.
type Status struct {
	Session          *domain.Session      `json:"session"`
	Stats            domain.WorkflowStats `json:"stats"`
	ProcessingErrors int                  `json:"processing_errors"`
	Busy             bool                 `json:"busy"`
}

// Status reports a session's progress and classification counts.
func (o *Orchestrator) Status(ctx context.Context, sessionID string) (*Status, error) {
	sess, err := o.repo.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	records, err := o.repo.ListRecords(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	perrs, err := o.repo.ListProcessingErrors(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	busy, err := o.locks.Held(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	return &Status{
		Session:          sess,
		Stats:            domain.ComputeWorkflowStats(records),
		ProcessingErrors: len(perrs),
		Busy:             busy,
	}, nil
}

// withStats returns a copy of stats with key set to v.
func withStats(stats map[string]any, key string, v any) map[string]any {
	out := make(map[string]any, len(stats)+1)
	for k, val := range stats {
		out[k] = val
	}
	out[key] = v
	return out
}
