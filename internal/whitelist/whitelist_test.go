package whitelist

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opensource-finance/kestrel/internal/cache"
	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/repository/memory"
)

func seedSession(t *testing.T, repo *memory.Repository) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, repo.CreateSession(ctx, &domain.Session{ID: "s-1", Status: domain.SessionUploaded}))

	excluded := "internal only"
	require.NoError(t, repo.InsertRecords(ctx, []*domain.Record{
		{SessionID: "s-1", RecordID: "1", Fields: domain.Fields{domain.FieldRecipientsEmailDomain: "partner.com"}},
		{SessionID: "s-1", RecordID: "2", Fields: domain.Fields{domain.FieldRecipientsEmailDomain: " Partner.COM "}},
		{SessionID: "s-1", RecordID: "3", Fields: domain.Fields{domain.FieldRecipientsEmailDomain: "gmail.com"}},
		{SessionID: "s-1", RecordID: "4", Fields: domain.Fields{domain.FieldRecipientsEmailDomain: "partner.com"}, ExcludedByRule: &excluded},
		{SessionID: "s-1", RecordID: "5"},
	}))
}

func TestFilterApply(t *testing.T) {
	repo := memory.New()
	ctx := context.Background()
	seedSession(t, repo)

	filter := NewFilter(cache.NewLRUCache(10), time.Minute)
	svc := NewService(repo, filter)
	require.NoError(t, svc.Add(ctx, &domain.WhitelistDomain{Domain: "PARTNER.com", IsActive: true}))

	n, err := filter.Apply(ctx, repo, "s-1")
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	records, err := repo.ListRecords(ctx, "s-1")
	require.NoError(t, err)
	got := map[string]bool{}
	for _, r := range records {
		got[r.RecordID] = r.Whitelisted
	}
	assert.Equal(t, map[string]bool{"1": true, "2": true, "3": false, "4": false, "5": false}, got)

	// Excluded records keep their exclusion and are not whitelisted.
	for _, r := range records {
		if r.RecordID == "4" {
			assert.True(t, r.Excluded())
		}
	}

	// Second application is a no-op.
	n, err = filter.Apply(ctx, repo, "s-1")
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestFilterNoActiveDomains(t *testing.T) {
	repo := memory.New()
	ctx := context.Background()
	seedSession(t, repo)

	svc := NewService(repo, NewFilter(nil, 0))
	require.NoError(t, svc.Add(ctx, &domain.WhitelistDomain{Domain: "partner.com", IsActive: false}))

	n, err := svc.filter.Apply(ctx, repo, "s-1")
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestFilterCacheInvalidation(t *testing.T) {
	repo := memory.New()
	ctx := context.Background()
	lru := cache.NewLRUCache(10)
	filter := NewFilter(lru, time.Hour)
	svc := NewService(repo, filter)

	require.NoError(t, svc.Add(ctx, &domain.WhitelistDomain{Domain: "a.com", IsActive: true}))
	set, err := filter.ActiveDomains(ctx, repo)
	require.NoError(t, err)
	assert.Contains(t, set, "a.com")

	cached, err := lru.Get(ctx, ActiveSetKey)
	require.NoError(t, err)
	assert.JSONEq(t, `["a.com"]`, string(cached))

	_, err = svc.Toggle(ctx, "a.com")
	require.NoError(t, err)
	cached, _ = lru.Get(ctx, ActiveSetKey)
	assert.Nil(t, cached, "mutations drop the cached set")

	set, err = filter.ActiveDomains(ctx, repo)
	require.NoError(t, err)
	assert.Empty(t, set)
}

func TestServiceAdd(t *testing.T) {
	svc := NewService(memory.New(), NewFilter(nil, 0))
	ctx := context.Background()

	d := &domain.WhitelistDomain{Domain: "  Example.ORG ", IsActive: true, AddedBy: "alice"}
	require.NoError(t, svc.Add(ctx, d))
	assert.Equal(t, "example.org", d.Domain)
	assert.False(t, d.CreatedAt.IsZero())

	assert.ErrorIs(t, svc.Add(ctx, &domain.WhitelistDomain{Domain: "EXAMPLE.org"}), domain.ErrConflict)
	assert.ErrorIs(t, svc.Add(ctx, &domain.WhitelistDomain{Domain: "  "}), domain.ErrInvalidInput)
	assert.ErrorIs(t, svc.Add(ctx, &domain.WhitelistDomain{Domain: "user@example.org"}), domain.ErrInvalidInput)

	require.NoError(t, svc.Delete(ctx, "example.org"))
	assert.ErrorIs(t, svc.Delete(ctx, "example.org"), domain.ErrNotFound)
}

func TestServiceExportImport(t *testing.T) {
	ctx := context.Background()
	src := NewService(memory.New(), NewFilter(nil, 0))
	require.NoError(t, src.Add(ctx, &domain.WhitelistDomain{Domain: "b.com", IsActive: true, AddedBy: "ops", Notes: "vendor"}))
	require.NoError(t, src.Add(ctx, &domain.WhitelistDomain{Domain: "a.com", IsActive: true}))
	require.NoError(t, src.Add(ctx, &domain.WhitelistDomain{Domain: "off.com", IsActive: false}))

	exported, err := src.Export(ctx)
	require.NoError(t, err)
	require.Len(t, exported, 2, "only active domains are exported")
	assert.Equal(t, "a.com", exported[0].Domain)
	assert.Equal(t, "vendor", exported[1].Notes)

	dstRepo := memory.New()
	dst := NewService(dstRepo, NewFilter(nil, 0))
	require.NoError(t, dst.Add(ctx, &domain.WhitelistDomain{Domain: "a.com", IsActive: false}))

	entries := append(exported, Entry{Domain: "bad domain"}, Entry{Domain: "new.com"})
	result, err := dst.Import(ctx, entries)
	require.NoError(t, err)
	assert.Equal(t, 2, result.Imported)
	assert.Equal(t, 1, result.Skipped)
	assert.Len(t, result.Errors, 1)

	existing, err := dstRepo.GetWhitelistDomain(ctx, "a.com")
	require.NoError(t, err)
	assert.False(t, existing.IsActive, "existing domains are left untouched")

	imported, err := dstRepo.GetWhitelistDomain(ctx, "new.com")
	require.NoError(t, err)
	assert.True(t, imported.IsActive, "entries default to active")
}
