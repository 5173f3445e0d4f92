package repository

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opensource-finance/kestrel/internal/domain"
)

func newTestRepo(t *testing.T) *SQLRepository {
	t.Helper()

	tmpFile, err := os.CreateTemp("", "kestrel-test-*.db")
	require.NoError(t, err)
	tmpPath := tmpFile.Name()
	tmpFile.Close()
	t.Cleanup(func() {
		os.Remove(tmpPath)
		os.Remove(tmpPath + "-wal")
		os.Remove(tmpPath + "-shm")
	})

	repo, err := New(domain.RepositoryConfig{Driver: "sqlite", SQLitePath: tmpPath})
	require.NoError(t, err)
	t.Cleanup(func() { repo.Close() })
	return repo
}

func seedSession(t *testing.T, repo *SQLRepository, id string) *domain.Session {
	t.Helper()
	now := time.Now().UTC().Truncate(time.Millisecond)
	sess := &domain.Session{
		ID:        id,
		Filename:  "batch.csv",
		Status:    domain.SessionUploaded,
		CreatedAt: now,
		UpdatedAt: now,
	}
	require.NoError(t, repo.CreateSession(context.Background(), sess))
	return sess
}

func TestSQLiteSessions(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	require.NoError(t, repo.Ping(ctx))

	sess := seedSession(t, repo, "s-1")

	t.Run("duplicate id conflicts", func(t *testing.T) {
		err := repo.CreateSession(ctx, sess)
		assert.True(t, errors.Is(err, domain.ErrConflict), "got %v", err)
	})

	t.Run("update round-trips flags and stats", func(t *testing.T) {
		sess.Status = domain.SessionCompleted
		sess.TotalRecords = 3
		sess.ProcessedRecords = 3
		sess.ExclusionApplied = true
		sess.RulesApplied = true
		sess.ProcessingStats = map[string]any{"excluded": 1}
		sess.UpdatedAt = time.Now().UTC()
		require.NoError(t, repo.UpdateSession(ctx, sess))

		got, err := repo.GetSession(ctx, "s-1")
		require.NoError(t, err)
		assert.Equal(t, domain.SessionCompleted, got.Status)
		assert.True(t, got.ExclusionApplied)
		assert.False(t, got.WhitelistApplied)
		assert.True(t, got.RulesApplied)
		assert.False(t, got.MLApplied)
		assert.EqualValues(t, 1, got.ProcessingStats["excluded"])
	})

	t.Run("missing session", func(t *testing.T) {
		_, err := repo.GetSession(ctx, "nope")
		assert.ErrorIs(t, err, domain.ErrNotFound)
		assert.ErrorIs(t, repo.UpdateSession(ctx, &domain.Session{ID: "nope"}), domain.ErrNotFound)
	})

	t.Run("processing errors", func(t *testing.T) {
		require.NoError(t, repo.SaveProcessingError(ctx, &domain.ProcessingError{
			ID: "e-1", SessionID: "s-1", Row: 250, Message: "chunk failed", CreatedAt: time.Now().UTC(),
		}))
		errs, err := repo.ListProcessingErrors(ctx, "s-1")
		require.NoError(t, err)
		require.Len(t, errs, 1)
		assert.Equal(t, 250, errs[0].Row)
	})
}

func TestSQLiteRecords(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()
	seedSession(t, repo, "s-1")

	now := time.Now().UTC()
	var records []*domain.Record
	for _, id := range []string{"0", "1", "2", "10"} {
		records = append(records, &domain.Record{
			SessionID: "s-1",
			RecordID:  id,
			Fields:    domain.Fields{domain.FieldSender: "user" + id + "@corp.com"},
			CreatedAt: now,
		})
	}
	require.NoError(t, repo.InsertRecords(ctx, records[:2]))
	require.NoError(t, repo.InsertRecords(ctx, records[2:]))

	t.Run("ingestion order is preserved", func(t *testing.T) {
		got, err := repo.ListRecords(ctx, "s-1")
		require.NoError(t, err)
		require.Len(t, got, 4)
		assert.Equal(t, "10", got[3].RecordID)
		assert.Equal(t, "user10@corp.com", got[3].Value(domain.FieldSender))
		assert.Equal(t, domain.CaseNew, got[0].CaseStatus)
		assert.Nil(t, got[0].RiskScore)
	})

	t.Run("duplicate record id conflicts", func(t *testing.T) {
		err := repo.InsertRecords(ctx, records[:1])
		assert.ErrorIs(t, err, domain.ErrConflict)
	})

	t.Run("update and reset classification fields", func(t *testing.T) {
		got, err := repo.ListRecords(ctx, "s-1")
		require.NoError(t, err)

		rule := "internal"
		score := 0.9
		level := domain.RiskCritical
		escalated := time.Now().UTC()
		got[0].ExcludedByRule = &rule
		got[1].Whitelisted = true
		got[2].RuleMatches = []domain.RuleMatch{{RuleID: "r1", RuleName: "leaver", Priority: 5}}
		got[2].RuleScore = &score
		got[2].RuleLevel = &level
		got[2].CaseStatus = domain.CaseEscalated
		got[2].EscalatedAt = &escalated
		got[2].Notes = "Tag: leaver"
		got[3].RiskScore = &score
		got[3].RiskLevel = &level
		got[3].MLExplanation = "unusual volume"
		require.NoError(t, repo.UpdateRecords(ctx, got))

		after, err := repo.ListRecords(ctx, "s-1")
		require.NoError(t, err)
		assert.Equal(t, "internal", *after[0].ExcludedByRule)
		assert.True(t, after[1].Whitelisted)
		require.Len(t, after[2].RuleMatches, 1)
		assert.Equal(t, "leaver", after[2].RuleMatches[0].RuleName)
		assert.Equal(t, domain.RiskCritical, *after[2].RuleLevel)
		assert.Equal(t, domain.CaseEscalated, after[2].CaseStatus)
		require.NotNil(t, after[2].EscalatedAt)
		assert.Equal(t, "unusual volume", after[3].MLExplanation)

		n, err := repo.ResetStage(ctx, "s-1", domain.StageRules)
		require.NoError(t, err)
		assert.EqualValues(t, 4, n)

		reset, err := repo.ListRecords(ctx, "s-1")
		require.NoError(t, err)
		assert.Nil(t, reset[2].RuleMatches)
		assert.Nil(t, reset[2].RuleScore)
		assert.Nil(t, reset[2].EscalatedAt)
		assert.Equal(t, domain.CaseNew, reset[2].CaseStatus)
		assert.Empty(t, reset[2].Notes)
		// Other stages are untouched.
		assert.Equal(t, "internal", *reset[0].ExcludedByRule)
		assert.True(t, reset[1].Whitelisted)
		assert.Equal(t, score, *reset[3].RiskScore)
	})

	t.Run("unknown stage", func(t *testing.T) {
		_, err := repo.ResetStage(ctx, "s-1", "bogus")
		assert.ErrorIs(t, err, domain.ErrInvalidInput)
	})

	t.Run("update missing record", func(t *testing.T) {
		err := repo.UpdateRecords(ctx, []*domain.Record{{SessionID: "s-1", RecordID: "404"}})
		assert.ErrorIs(t, err, domain.ErrNotFound)
	})
}

func TestSQLiteRules(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()
	now := time.Now().UTC()

	mod := 0.2
	newRule := func(id, name string, typ domain.RuleType, priority int, active bool) *domain.Rule {
		return &domain.Rule{
			ID:       id,
			Name:     name,
			RuleType: typ,
			Conditions: domain.GroupCondition(domain.LogicAnd,
				domain.LeafCondition(domain.FieldLeaver, domain.OpEquals, "yes"),
				domain.LeafCondition(domain.FieldRecipientsEmailDomain, domain.OpInList, "gmail.com,yahoo.com"),
			),
			Actions:   domain.Actions{Escalate: true, ScoreModifier: &mod, Flag: &domain.FlagAction{Message: "check"}},
			Priority:  priority,
			IsActive:  active,
			CreatedAt: now,
			UpdatedAt: now,
		}
	}

	require.NoError(t, repo.CreateRule(ctx, newRule("r1", "leaver", domain.RuleTypeSecurity, 10, true)))
	require.NoError(t, repo.CreateRule(ctx, newRule("r2", "internal", domain.RuleTypeExclusion, 5, true)))
	require.NoError(t, repo.CreateRule(ctx, newRule("r3", "dormant", domain.RuleTypeSecurity, 50, false)))

	t.Run("duplicate name conflicts", func(t *testing.T) {
		err := repo.CreateRule(ctx, newRule("r4", "leaver", domain.RuleTypeSecurity, 1, true))
		assert.ErrorIs(t, err, domain.ErrConflict)
	})

	t.Run("conditions and actions round-trip", func(t *testing.T) {
		got, err := repo.GetRuleByName(ctx, "leaver")
		require.NoError(t, err)
		require.NotNil(t, got.Conditions.Group)
		assert.Len(t, got.Conditions.Group.Conditions, 2)
		assert.Equal(t, domain.OpInList, got.Conditions.Group.Conditions[1].Leaf.Operator)
		assert.True(t, got.Actions.Escalate)
		assert.InDelta(t, 0.2, *got.Actions.ScoreModifier, 1e-9)
		assert.Equal(t, "check", got.Actions.Flag.Message)
	})

	t.Run("list filters", func(t *testing.T) {
		all, err := repo.ListRules(ctx, domain.RuleFilter{})
		require.NoError(t, err)
		assert.Len(t, all, 3)
		assert.Equal(t, "dormant", all[0].Name)

		active, err := repo.ListRules(ctx, domain.RuleFilter{Type: domain.RuleTypeSecurity, ActiveOnly: true})
		require.NoError(t, err)
		require.Len(t, active, 1)
		assert.Equal(t, "leaver", active[0].Name)
	})

	t.Run("update and delete", func(t *testing.T) {
		r, err := repo.GetRule(ctx, "r3")
		require.NoError(t, err)
		r.IsActive = true
		r.UpdatedAt = time.Now().UTC()
		require.NoError(t, repo.UpdateRule(ctx, r))

		got, err := repo.GetRule(ctx, "r3")
		require.NoError(t, err)
		assert.True(t, got.IsActive)

		require.NoError(t, repo.DeleteRule(ctx, "r3"))
		_, err = repo.GetRule(ctx, "r3")
		assert.ErrorIs(t, err, domain.ErrNotFound)
		assert.ErrorIs(t, repo.DeleteRule(ctx, "r3"), domain.ErrNotFound)
	})
}

func TestSQLiteWhitelist(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()
	now := time.Now().UTC()

	for _, d := range []string{"partner.com", "corp.com"} {
		require.NoError(t, repo.CreateWhitelistDomain(ctx, &domain.WhitelistDomain{
			Domain: d, IsActive: true, AddedBy: "admin", CreatedAt: now, UpdatedAt: now,
		}))
	}

	err := repo.CreateWhitelistDomain(ctx, &domain.WhitelistDomain{Domain: "corp.com", CreatedAt: now, UpdatedAt: now})
	assert.ErrorIs(t, err, domain.ErrConflict)

	d, err := repo.GetWhitelistDomain(ctx, "partner.com")
	require.NoError(t, err)
	d.IsActive = false
	require.NoError(t, repo.UpdateWhitelistDomain(ctx, d))

	active, err := repo.ListWhitelistDomains(ctx, true)
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, "corp.com", active[0].Domain)

	all, err := repo.ListWhitelistDomains(ctx, false)
	require.NoError(t, err)
	assert.Len(t, all, 2)

	require.NoError(t, repo.DeleteWhitelistDomain(ctx, "corp.com"))
	_, err = repo.GetWhitelistDomain(ctx, "corp.com")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestSQLiteTransactions(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()
	seedSession(t, repo, "s-1")

	t.Run("rollback discards writes", func(t *testing.T) {
		tx, err := repo.Begin(ctx)
		require.NoError(t, err)
		require.NoError(t, tx.InsertRecords(ctx, []*domain.Record{
			{SessionID: "s-1", RecordID: "a", Fields: domain.Fields{}, CreatedAt: time.Now().UTC()},
		}))
		require.NoError(t, tx.Rollback())

		got, err := repo.ListRecords(ctx, "s-1")
		require.NoError(t, err)
		assert.Empty(t, got)
	})

	t.Run("commit publishes writes", func(t *testing.T) {
		tx, err := repo.Begin(ctx)
		require.NoError(t, err)
		require.NoError(t, tx.InsertRecords(ctx, []*domain.Record{
			{SessionID: "s-1", RecordID: "b", Fields: domain.Fields{}, CreatedAt: time.Now().UTC()},
		}))

		inTx, err := tx.ListRecords(ctx, "s-1")
		require.NoError(t, err)
		assert.Len(t, inTx, 1)

		require.NoError(t, tx.Commit())
		require.NoError(t, tx.Rollback())

		got, err := repo.ListRecords(ctx, "s-1")
		require.NoError(t, err)
		assert.Len(t, got, 1)
	})
}

func TestRebind(t *testing.T) {
	pg := &store{driver: "postgres"}
	assert.Equal(t, "SELECT * FROM t WHERE a = $1 AND b = $2", pg.rebind("SELECT * FROM t WHERE a = ? AND b = ?"))

	lite := &store{driver: "sqlite"}
	assert.Equal(t, "SELECT ?", lite.rebind("SELECT ?"))
}

func TestUnsupportedDriver(t *testing.T) {
	_, err := New(domain.RepositoryConfig{Driver: "oracle"})
	assert.Error(t, err)
}

func TestPostgresDSN(t *testing.T) {
	dsn, err := postgresDSN(domain.RepositoryConfig{PostgresUser: "dlp", PostgresPassword: `it's\secret`})
	require.NoError(t, err)
	assert.Equal(t, `host='localhost' port='5432' user='dlp' password='it\'s\\secret' dbname='kestrel' sslmode='disable'`, dsn)

	dsn, err = postgresDSN(domain.RepositoryConfig{PostgresHost: "db", PostgresPort: 6543, PostgresDB: "dlp", PostgresSSLMode: "require"})
	require.NoError(t, err)
	assert.Equal(t, `host='db' port='6543' dbname='dlp' sslmode='require'`, dsn)
}

func TestInMemorySQLite(t *testing.T) {
	repo, err := New(domain.RepositoryConfig{Driver: "sqlite", SQLitePath: ":memory:", MaxOpenConns: 8})
	require.NoError(t, err)
	defer repo.Close()

	assert.Equal(t, 1, repo.db.Stats().MaxOpenConnections)
	seedSession(t, repo, "mem-1")

	got, err := repo.GetSession(context.Background(), "mem-1")
	require.NoError(t, err)
	assert.Equal(t, "mem-1", got.ID)
}
