package workflow

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/metrics"
)

const (
	defaultChunkSize = 250
	recordIDColumn   = "record_id"
)

// Row is one raw ingested row keyed by column name.
type Row map[string]string

// Ingester loads raw rows into a new session in chunked transactions.
type Ingester struct {
	repo      domain.Repository
	chunkSize int
	now       func() time.Time
}

// NewIngester creates an ingester. A chunkSize of zero uses the default.
func NewIngester(repo domain.Repository, chunkSize int) *Ingester {
	if chunkSize <= 0 {
		chunkSize = defaultChunkSize
	}
	return &Ingester{
		repo:      repo,
		chunkSize: chunkSize,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

type pendingRecord struct {
	row    int
	record *domain.Record
}

// Ingest creates a session for filename and stores rows in it. Rows that
// cannot be parsed and chunks that fail to commit are recorded as
// processing errors and skipped. The returned session counts committed
// records only.
func (in *Ingester) Ingest(ctx context.Context, filename string, rows []Row) (*domain.Session, error) {
	now := in.now()
	sess := &domain.Session{
		ID:           uuid.New().String(),
		Filename:     filename,
		Status:       domain.SessionUploaded,
		TotalRecords: len(rows),
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := in.repo.CreateSession(ctx, sess); err != nil {
		return nil, fmt.Errorf("failed to create session: %w", err)
	}

	pending := in.parse(ctx, sess.ID, rows)

	processed, failedChunks := 0, 0
	for start := 0; start < len(pending); start += in.chunkSize {
		if err := ctx.Err(); err != nil {
			return sess, err
		}
		end := min(start+in.chunkSize, len(pending))
		chunk := pending[start:end]

		if err := in.commitChunk(ctx, chunk); err != nil {
			failedChunks++
			first, last := chunk[0].row, chunk[len(chunk)-1].row
			slog.Error("ingest chunk failed",
				"session_id", sess.ID,
				"first_row", first,
				"last_row", last,
				"error", err,
			)
			metrics.IngestChunksTotal.WithLabelValues("failed").Inc()
			metrics.RecordsIngestedTotal.WithLabelValues("failed").Add(float64(len(chunk)))
			in.recordError(ctx, sess.ID, first, fmt.Sprintf("rows %d-%d skipped: %v", first, last, err))
			continue
		}
		processed += len(chunk)
		metrics.IngestChunksTotal.WithLabelValues("ok").Inc()
		metrics.RecordsIngestedTotal.WithLabelValues("ok").Add(float64(len(chunk)))
	}

	sess.ProcessedRecords = processed
	sess.ProcessingStats = map[string]any{
		"ingest": map[string]any{
			"rows":          len(rows),
			"committed":     processed,
			"rejected_rows": len(rows) - len(pending),
			"failed_chunks": failedChunks,
		},
	}
	sess.UpdatedAt = in.now()
	if err := in.repo.UpdateSession(ctx, sess); err != nil {
		return sess, fmt.Errorf("failed to update session: %w", err)
	}

	slog.Info("session ingested",
		"session_id", sess.ID,
		"filename", filename,
		"rows", len(rows),
		"committed", processed,
		"failed_chunks", failedChunks,
	)
	return sess, nil
}

func (in *Ingester) commitChunk(ctx context.Context, chunk []pendingRecord) error {
	tx, err := in.repo.Begin(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	records := make([]*domain.Record, len(chunk))
	for i, p := range chunk {
		records[i] = p.record
	}
	if err := tx.InsertRecords(ctx, records); err != nil {
		return err
	}
	return tx.Commit()
}

// parse turns rows into records. Row numbers are 1-based.
func (in *Ingester) parse(ctx context.Context, sessionID string, rows []Row) []pendingRecord {
	now := in.now()
	seen := make(map[string]int, len(rows))
	pending := make([]pendingRecord, 0, len(rows))

	for i, row := range rows {
		n := i + 1
		fields := make(domain.Fields, len(row))
		recordID := ""
		for col, v := range row {
			name := strings.ToLower(strings.TrimSpace(col))
			if name == recordIDColumn {
				recordID = strings.TrimSpace(v)
				continue
			}
			if f, ok := domain.ParseField(name); ok {
				fields[f] = domain.NormalizeValue(v)
			}
		}

		if len(fields) == 0 {
			in.recordError(ctx, sessionID, n, "row has no recognised fields")
			continue
		}
		if recordID == "" {
			recordID = strconv.Itoa(n)
		}
		if prev, dup := seen[recordID]; dup {
			in.recordError(ctx, sessionID, n, fmt.Sprintf("duplicate record_id %q (first seen on row %d)", recordID, prev))
			continue
		}
		seen[recordID] = n

		pending = append(pending, pendingRecord{
			row: n,
			record: &domain.Record{
				SessionID:  sessionID,
				RecordID:   recordID,
				Fields:     fields,
				CaseStatus: domain.CaseNew,
				CreatedAt:  now,
			},
		})
	}
	return pending
}

func (in *Ingester) recordError(ctx context.Context, sessionID string, row int, msg string) {
	perr := &domain.ProcessingError{
		ID:        uuid.New().String(),
		SessionID: sessionID,
		Row:       row,
		Message:   msg,
		CreatedAt: in.now(),
	}
	if err := in.repo.SaveProcessingError(ctx, perr); err != nil {
		slog.Error("failed to record processing error", "session_id", sessionID, "row", row, "error", err)
	}
}
