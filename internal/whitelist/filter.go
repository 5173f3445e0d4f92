// Package whitelist marks records sent to trusted recipient domains and
// manages the trusted domain list.
package whitelist

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// ActiveSetKey is the cache key of the active domain set.
const ActiveSetKey = "whitelist:active"

const defaultTTL = time.Minute

// Filter applies the active whitelist to session records.
type Filter struct {
	cache domain.Cache
	ttl   time.Duration
}

// NewFilter creates a filter. cache may be nil.
func NewFilter(cache domain.Cache, ttl time.Duration) *Filter {
	if ttl <= 0 {
		ttl = defaultTTL
	}
	return &Filter{cache: cache, ttl: ttl}
}

// ActiveDomains returns the set of active whitelisted domains, reading
// through the cache when one is configured.
func (f *Filter) ActiveDomains(ctx context.Context, store domain.Store) (map[string]struct{}, error) {
	if f.cache != nil {
		if data, err := f.cache.Get(ctx, ActiveSetKey); err != nil {
			slog.Warn("whitelist cache read failed", "error", err)
		} else if data != nil {
			var names []string
			if err := json.Unmarshal(data, &names); err == nil {
				return toSet(names), nil
			}
			slog.Warn("discarding corrupt whitelist cache entry")
		}
	}

	domains, err := store.ListWhitelistDomains(ctx, true)
	if err != nil {
		return nil, fmt.Errorf("failed to load whitelist: %w", err)
	}
	names := make([]string, 0, len(domains))
	for _, d := range domains {
		names = append(names, domain.NormalizeDomain(d.Domain))
	}

	if f.cache != nil {
		if data, err := json.Marshal(names); err == nil {
			if err := f.cache.Set(ctx, ActiveSetKey, data, f.ttl); err != nil {
				slog.Warn("whitelist cache write failed", "error", err)
			}
		}
	}
	return toSet(names), nil
}

// Invalidate drops the cached active set.
func (f *Filter) Invalidate(ctx context.Context) {
	if f.cache == nil {
		return
	}
	if err := f.cache.Delete(ctx, ActiveSetKey); err != nil {
		slog.Warn("whitelist cache invalidation failed", "error", err)
	}
}

// Apply marks every non-excluded record of the session whose recipient
// domain is whitelisted and returns how many records were marked.
// Exclusion is left untouched.
func (f *Filter) Apply(ctx context.Context, store domain.Store, sessionID string) (int, error) {
	active, err := f.ActiveDomains(ctx, store)
	if err != nil {
		return 0, err
	}
	if len(active) == 0 {
		slog.Info("no whitelist domains active", "session_id", sessionID)
		return 0, nil
	}

	records, err := store.ListRecords(ctx, sessionID)
	if err != nil {
		return 0, fmt.Errorf("failed to load records: %w", err)
	}

	changed := Mark(records, active)
	if err := store.UpdateRecords(ctx, changed); err != nil {
		return 0, fmt.Errorf("failed to persist whitelist flags: %w", err)
	}

	slog.Info("whitelist filtering applied",
		"session_id", sessionID,
		"domains", len(active),
		"whitelisted", len(changed),
	)
	return len(changed), nil
}

// Mark sets Whitelisted on each non-excluded record whose recipient
// domain is in active, returning the records that changed.
func Mark(records []*domain.Record, active map[string]struct{}) []*domain.Record {
	var changed []*domain.Record
	for _, rec := range records {
		if rec.Excluded() || rec.Whitelisted {
			continue
		}
		d := domain.NormalizeDomain(rec.Value(domain.FieldRecipientsEmailDomain))
		if d == "" {
			continue
		}
		if _, ok := active[d]; ok {
			rec.Whitelisted = true
			changed = append(changed, rec)
		}
	}
	return changed
}

func toSet(names []string) map[string]struct{} {
	set := make(map[string]struct{}, len(names))
	for _, n := range names {
		set[n] = struct{}{}
	}
	return set
}
