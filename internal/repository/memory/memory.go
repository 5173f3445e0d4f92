// Package memory provides an in-process domain.Repository used by tests
// and by the replay tool when no database is configured.
package memory

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/opensource-finance/kestrel/internal/domain"
)

var (
	errClosed   = errors.New("repository closed")
	errTxClosed = errors.New("transaction already finished")
)

// Fault lets tests inject errors. It is called with the operation name
// (for example "InsertRecords") before the operation runs.
type Fault func(op string) error

type state struct {
	sessions  map[string]*domain.Session
	records   map[string][]*domain.Record
	errors    map[string][]*domain.ProcessingError
	rules     map[string]*domain.Rule
	whitelist map[string]*domain.WhitelistDomain
}

func newState() *state {
	return &state{
		sessions:  make(map[string]*domain.Session),
		records:   make(map[string][]*domain.Record),
		errors:    make(map[string][]*domain.ProcessingError),
		rules:     make(map[string]*domain.Rule),
		whitelist: make(map[string]*domain.WhitelistDomain),
	}
}

func (s *state) clone() *state {
	c := newState()
	for k, v := range s.sessions {
		c.sessions[k] = cloneSession(v)
	}
	for k, recs := range s.records {
		out := make([]*domain.Record, len(recs))
		for i, r := range recs {
			out[i] = r.Clone()
		}
		c.records[k] = out
	}
	for k, errs := range s.errors {
		c.errors[k] = slices.Clone(errs)
	}
	for k, v := range s.rules {
		r := *v
		c.rules[k] = &r
	}
	for k, v := range s.whitelist {
		d := *v
		c.whitelist[k] = &d
	}
	return c
}

// Repository is a mutex-guarded in-memory store.
type Repository struct {
	mu     sync.RWMutex
	st     *state
	fault  Fault
	closed bool

	leaseMu sync.Mutex
	leases  map[string]lease
}

// New creates an empty repository.
func New() *Repository {
	return &Repository{st: newState(), leases: make(map[string]lease)}
}

// SetFault installs an error injector. A nil fault clears it.
func (r *Repository) SetFault(f Fault) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.fault = f
}

func (r *Repository) check(op string) error {
	r.mu.RLock()
	f := r.fault
	closed := r.closed
	r.mu.RUnlock()
	if closed {
		return errClosed
	}
	if f != nil {
		return f(op)
	}
	return nil
}

// read runs fn against the committed state.
func (r *Repository) read(op string, fn func(*state) error) error {
	if err := r.check(op); err != nil {
		return err
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	return fn(r.st)
}

// write applies fn to a copy of the committed state and publishes it
// only if fn succeeds, so a failed write leaves no partial changes.
func (r *Repository) write(op string, fn func(*state) error) error {
	if err := r.check(op); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return applyAtomic(&r.st, fn)
}

func applyAtomic(st **state, fn func(*state) error) error {
	next := (*st).clone()
	if err := fn(next); err != nil {
		return err
	}
	*st = next
	return nil
}

// Begin opens a transaction. Writes are applied to a private snapshot
// and replayed against the shared state on Commit.
func (r *Repository) Begin(ctx context.Context) (domain.Tx, error) {
	if err := r.check("Begin"); err != nil {
		return nil, err
	}
	r.mu.RLock()
	snap := r.st.clone()
	r.mu.RUnlock()
	return &Tx{repo: r, st: snap}, nil
}

// Ping always succeeds on an open repository.
func (r *Repository) Ping(ctx context.Context) error {
	return r.check("Ping")
}

// Close marks the repository closed.
func (r *Repository) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
	return nil
}

func (r *Repository) CreateSession(ctx context.Context, s *domain.Session) error {
	return r.write("CreateSession", func(st *state) error { return createSession(st, s) })
}

func (r *Repository) GetSession(ctx context.Context, id string) (out *domain.Session, err error) {
	err = r.read("GetSession", func(st *state) error {
		out, err = getSession(st, id)
		return err
	})
	return out, err
}

func (r *Repository) UpdateSession(ctx context.Context, s *domain.Session) error {
	return r.write("UpdateSession", func(st *state) error { return updateSession(st, s) })
}

func (r *Repository) ListSessions(ctx context.Context) (out []*domain.Session, err error) {
	err = r.read("ListSessions", func(st *state) error {
		out = listSessions(st)
		return nil
	})
	return out, err
}

func (r *Repository) InsertRecords(ctx context.Context, records []*domain.Record) error {
	return r.write("InsertRecords", func(st *state) error { return insertRecords(st, records) })
}

func (r *Repository) ListRecords(ctx context.Context, sessionID string) (out []*domain.Record, err error) {
	err = r.read("ListRecords", func(st *state) error {
		out = listRecords(st, sessionID)
		return nil
	})
	return out, err
}

func (r *Repository) UpdateRecords(ctx context.Context, records []*domain.Record) error {
	return r.write("UpdateRecords", func(st *state) error { return updateRecords(st, records) })
}

func (r *Repository) ResetStage(ctx context.Context, sessionID string, stage domain.Stage) (n int64, err error) {
	err = r.write("ResetStage", func(st *state) error {
		n = resetStage(st, sessionID, stage)
		return nil
	})
	return n, err
}

func (r *Repository) SaveProcessingError(ctx context.Context, e *domain.ProcessingError) error {
	return r.write("SaveProcessingError", func(st *state) error { return saveProcessingError(st, e) })
}

func (r *Repository) ListProcessingErrors(ctx context.Context, sessionID string) (out []*domain.ProcessingError, err error) {
	err = r.read("ListProcessingErrors", func(st *state) error {
		out = slices.Clone(st.errors[sessionID])
		return nil
	})
	return out, err
}

func (r *Repository) CreateRule(ctx context.Context, rule *domain.Rule) error {
	return r.write("CreateRule", func(st *state) error { return createRule(st, rule) })
}

func (r *Repository) UpdateRule(ctx context.Context, rule *domain.Rule) error {
	return r.write("UpdateRule", func(st *state) error { return updateRule(st, rule) })
}

func (r *Repository) GetRule(ctx context.Context, id string) (out *domain.Rule, err error) {
	err = r.read("GetRule", func(st *state) error {
		out, err = getRule(st, id)
		return err
	})
	return out, err
}

func (r *Repository) GetRuleByName(ctx context.Context, name string) (out *domain.Rule, err error) {
	err = r.read("GetRuleByName", func(st *state) error {
		out, err = getRuleByName(st, name)
		return err
	})
	return out, err
}

func (r *Repository) ListRules(ctx context.Context, filter domain.RuleFilter) (out []*domain.Rule, err error) {
	err = r.read("ListRules", func(st *state) error {
		out = listRules(st, filter)
		return nil
	})
	return out, err
}

func (r *Repository) DeleteRule(ctx context.Context, id string) error {
	return r.write("DeleteRule", func(st *state) error { return deleteRule(st, id) })
}

func (r *Repository) CreateWhitelistDomain(ctx context.Context, d *domain.WhitelistDomain) error {
	return r.write("CreateWhitelistDomain", func(st *state) error { return createWhitelist(st, d) })
}

func (r *Repository) UpdateWhitelistDomain(ctx context.Context, d *domain.WhitelistDomain) error {
	return r.write("UpdateWhitelistDomain", func(st *state) error { return updateWhitelist(st, d) })
}

func (r *Repository) GetWhitelistDomain(ctx context.Context, name string) (out *domain.WhitelistDomain, err error) {
	err = r.read("GetWhitelistDomain", func(st *state) error {
		out, err = getWhitelist(st, name)
		return err
	})
	return out, err
}

func (r *Repository) ListWhitelistDomains(ctx context.Context, activeOnly bool) (out []*domain.WhitelistDomain, err error) {
	err = r.read("ListWhitelistDomains", func(st *state) error {
		out = listWhitelist(st, activeOnly)
		return nil
	})
	return out, err
}

func (r *Repository) DeleteWhitelistDomain(ctx context.Context, name string) error {
	return r.write("DeleteWhitelistDomain", func(st *state) error { return deleteWhitelist(st, name) })
}

// Tx is a transaction over the in-memory store.
type Tx struct {
	repo *Repository
	st   *state
	ops  []func(*state) error
	done bool
}

func (t *Tx) read(op string, fn func(*state) error) error {
	if t.done {
		return errTxClosed
	}
	if err := t.repo.check(op); err != nil {
		return err
	}
	return fn(t.st)
}

func (t *Tx) write(op string, fn func(*state) error) error {
	if t.done {
		return errTxClosed
	}
	if err := t.repo.check(op); err != nil {
		return err
	}
	if err := applyAtomic(&t.st, fn); err != nil {
		return err
	}
	t.ops = append(t.ops, fn)
	return nil
}

// Commit replays the transaction's writes against the shared state.
func (t *Tx) Commit() error {
	if t.done {
		return errTxClosed
	}
	if err := t.repo.check("Commit"); err != nil {
		return err
	}
	t.done = true

	t.repo.mu.Lock()
	defer t.repo.mu.Unlock()
	return applyAtomic(&t.repo.st, func(st *state) error {
		for _, op := range t.ops {
			if err := op(st); err != nil {
				return err
			}
		}
		return nil
	})
}

// Rollback discards the transaction's writes.
func (t *Tx) Rollback() error {
	t.done = true
	t.ops = nil
	return nil
}

func (t *Tx) CreateSession(ctx context.Context, s *domain.Session) error {
	snap := cloneSession(s)
	return t.write("CreateSession", func(st *state) error { return createSession(st, snap) })
}

func (t *Tx) GetSession(ctx context.Context, id string) (out *domain.Session, err error) {
	err = t.read("GetSession", func(st *state) error {
		out, err = getSession(st, id)
		return err
	})
	return out, err
}

func (t *Tx) UpdateSession(ctx context.Context, s *domain.Session) error {
	snap := cloneSession(s)
	return t.write("UpdateSession", func(st *state) error { return updateSession(st, snap) })
}

func (t *Tx) ListSessions(ctx context.Context) (out []*domain.Session, err error) {
	err = t.read("ListSessions", func(st *state) error {
		out = listSessions(st)
		return nil
	})
	return out, err
}

func (t *Tx) InsertRecords(ctx context.Context, records []*domain.Record) error {
	snap := cloneRecords(records)
	return t.write("InsertRecords", func(st *state) error { return insertRecords(st, snap) })
}

func (t *Tx) ListRecords(ctx context.Context, sessionID string) (out []*domain.Record, err error) {
	err = t.read("ListRecords", func(st *state) error {
		out = listRecords(st, sessionID)
		return nil
	})
	return out, err
}

func (t *Tx) UpdateRecords(ctx context.Context, records []*domain.Record) error {
	snap := cloneRecords(records)
	return t.write("UpdateRecords", func(st *state) error { return updateRecords(st, snap) })
}

func (t *Tx) ResetStage(ctx context.Context, sessionID string, stage domain.Stage) (n int64, err error) {
	err = t.write("ResetStage", func(st *state) error {
		n = resetStage(st, sessionID, stage)
		return nil
	})
	return n, err
}

func (t *Tx) SaveProcessingError(ctx context.Context, e *domain.ProcessingError) error {
	snap := *e
	return t.write("SaveProcessingError", func(st *state) error { return saveProcessingError(st, &snap) })
}

func (t *Tx) ListProcessingErrors(ctx context.Context, sessionID string) (out []*domain.ProcessingError, err error) {
	err = t.read("ListProcessingErrors", func(st *state) error {
		out = slices.Clone(st.errors[sessionID])
		return nil
	})
	return out, err
}

func (t *Tx) CreateRule(ctx context.Context, rule *domain.Rule) error {
	snap := *rule
	return t.write("CreateRule", func(st *state) error { return createRule(st, &snap) })
}

func (t *Tx) UpdateRule(ctx context.Context, rule *domain.Rule) error {
	snap := *rule
	return t.write("UpdateRule", func(st *state) error { return updateRule(st, &snap) })
}

func (t *Tx) GetRule(ctx context.Context, id string) (out *domain.Rule, err error) {
	err = t.read("GetRule", func(st *state) error {
		out, err = getRule(st, id)
		return err
	})
	return out, err
}

func (t *Tx) GetRuleByName(ctx context.Context, name string) (out *domain.Rule, err error) {
	err = t.read("GetRuleByName", func(st *state) error {
		out, err = getRuleByName(st, name)
		return err
	})
	return out, err
}

func (t *Tx) ListRules(ctx context.Context, filter domain.RuleFilter) (out []*domain.Rule, err error) {
	err = t.read("ListRules", func(st *state) error {
		out = listRules(st, filter)
		return nil
	})
	return out, err
}

func (t *Tx) DeleteRule(ctx context.Context, id string) error {
	return t.write("DeleteRule", func(st *state) error { return deleteRule(st, id) })
}

func (t *Tx) CreateWhitelistDomain(ctx context.Context, d *domain.WhitelistDomain) error {
	snap := *d
	return t.write("CreateWhitelistDomain", func(st *state) error { return createWhitelist(st, &snap) })
}

func (t *Tx) UpdateWhitelistDomain(ctx context.Context, d *domain.WhitelistDomain) error {
	snap := *d
	return t.write("UpdateWhitelistDomain", func(st *state) error { return updateWhitelist(st, &snap) })
}

func (t *Tx) GetWhitelistDomain(ctx context.Context, name string) (out *domain.WhitelistDomain, err error) {
	err = t.read("GetWhitelistDomain", func(st *state) error {
		out, err = getWhitelist(st, name)
		return err
	})
	return out, err
}

func (t *Tx) ListWhitelistDomains(ctx context.Context, activeOnly bool) (out []*domain.WhitelistDomain, err error) {
	err = t.read("ListWhitelistDomains", func(st *state) error {
		out = listWhitelist(st, activeOnly)
		return nil
	})
	return out, err
}

func (t *Tx) DeleteWhitelistDomain(ctx context.Context, name string) error {
	return t.write("DeleteWhitelistDomain", func(st *state) error { return deleteWhitelist(st, name) })
}

// State operations shared by Repository and Tx. Values are copied on the
// way in and out so callers never alias stored data.

func cloneSession(s *domain.Session) *domain.Session {
	c := *s
	if s.ProcessingStats != nil {
		c.ProcessingStats = make(map[string]any, len(s.ProcessingStats))
		for k, v := range s.ProcessingStats {
			c.ProcessingStats[k] = v
		}
	}
	return &c
}

func cloneRecords(records []*domain.Record) []*domain.Record {
	out := make([]*domain.Record, len(records))
	for i, r := range records {
		out[i] = r.Clone()
	}
	return out
}

func createSession(st *state, s *domain.Session) error {
	if s.ID == "" {
		return fmt.Errorf("%w: session id is required", domain.ErrInvalidInput)
	}
	if _, ok := st.sessions[s.ID]; ok {
		return fmt.Errorf("%w: session %s", domain.ErrConflict, s.ID)
	}
	st.sessions[s.ID] = cloneSession(s)
	return nil
}

func getSession(st *state, id string) (*domain.Session, error) {
	s, ok := st.sessions[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return cloneSession(s), nil
}

func updateSession(st *state, s *domain.Session) error {
	if _, ok := st.sessions[s.ID]; !ok {
		return domain.ErrNotFound
	}
	st.sessions[s.ID] = cloneSession(s)
	return nil
}

func listSessions(st *state) []*domain.Session {
	out := make([]*domain.Session, 0, len(st.sessions))
	for _, s := range st.sessions {
		out = append(out, cloneSession(s))
	}
	slices.SortFunc(out, func(a, b *domain.Session) int {
		if c := b.CreatedAt.Compare(a.CreatedAt); c != 0 {
			return c
		}
		return cmp.Compare(a.ID, b.ID)
	})
	return out
}

func insertRecords(st *state, records []*domain.Record) error {
	for _, rec := range records {
		if _, ok := st.sessions[rec.SessionID]; !ok {
			return fmt.Errorf("%w: session %s", domain.ErrNotFound, rec.SessionID)
		}
		if findRecord(st, rec.SessionID, rec.RecordID) >= 0 {
			return fmt.Errorf("%w: record %s already exists in session %s", domain.ErrConflict, rec.RecordID, rec.SessionID)
		}
		st.records[rec.SessionID] = append(st.records[rec.SessionID], rec.Clone())
	}
	return nil
}

func findRecord(st *state, sessionID, recordID string) int {
	return slices.IndexFunc(st.records[sessionID], func(r *domain.Record) bool {
		return r.RecordID == recordID
	})
}

func listRecords(st *state, sessionID string) []*domain.Record {
	return cloneRecords(st.records[sessionID])
}

func updateRecords(st *state, records []*domain.Record) error {
	for _, rec := range records {
		i := findRecord(st, rec.SessionID, rec.RecordID)
		if i < 0 {
			return fmt.Errorf("%w: record %s in session %s", domain.ErrNotFound, rec.RecordID, rec.SessionID)
		}
		updated := rec.Clone()
		stored := st.records[rec.SessionID][i]
		updated.Fields = stored.Fields
		updated.CreatedAt = stored.CreatedAt
		st.records[rec.SessionID][i] = updated
	}
	return nil
}

func resetStage(st *state, sessionID string, stage domain.Stage) int64 {
	recs := st.records[sessionID]
	for _, r := range recs {
		r.ResetStage(stage)
	}
	return int64(len(recs))
}

func saveProcessingError(st *state, e *domain.ProcessingError) error {
	c := *e
	st.errors[e.SessionID] = append(st.errors[e.SessionID], &c)
	return nil
}

func createRule(st *state, rule *domain.Rule) error {
	if _, ok := st.rules[rule.ID]; ok {
		return fmt.Errorf("%w: rule %s", domain.ErrConflict, rule.ID)
	}
	if _, err := getRuleByName(st, rule.Name); err == nil {
		return fmt.Errorf("%w: rule %q", domain.ErrConflict, rule.Name)
	}
	c := *rule
	st.rules[rule.ID] = &c
	return nil
}

func updateRule(st *state, rule *domain.Rule) error {
	if _, ok := st.rules[rule.ID]; !ok {
		return domain.ErrNotFound
	}
	if other, err := getRuleByName(st, rule.Name); err == nil && other.ID != rule.ID {
		return fmt.Errorf("%w: rule %q", domain.ErrConflict, rule.Name)
	}
	c := *rule
	st.rules[rule.ID] = &c
	return nil
}

func getRule(st *state, id string) (*domain.Rule, error) {
	r, ok := st.rules[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	c := *r
	return &c, nil
}

func getRuleByName(st *state, name string) (*domain.Rule, error) {
	for _, r := range st.rules {
		if r.Name == name {
			c := *r
			return &c, nil
		}
	}
	return nil, domain.ErrNotFound
}

func listRules(st *state, filter domain.RuleFilter) []*domain.Rule {
	var out []*domain.Rule
	for _, r := range st.rules {
		if filter.Type != "" && r.RuleType != filter.Type {
			continue
		}
		if filter.ActiveOnly && !r.IsActive {
			continue
		}
		c := *r
		out = append(out, &c)
	}
	slices.SortFunc(out, func(a, b *domain.Rule) int {
		if c := cmp.Compare(b.Priority, a.Priority); c != 0 {
			return c
		}
		return cmp.Compare(a.Name, b.Name)
	})
	return out
}

func deleteRule(st *state, id string) error {
	if _, ok := st.rules[id]; !ok {
		return domain.ErrNotFound
	}
	delete(st.rules, id)
	return nil
}

func createWhitelist(st *state, d *domain.WhitelistDomain) error {
	if _, ok := st.whitelist[d.Domain]; ok {
		return fmt.Errorf("%w: domain %s", domain.ErrConflict, d.Domain)
	}
	c := *d
	st.whitelist[d.Domain] = &c
	return nil
}

func updateWhitelist(st *state, d *domain.WhitelistDomain) error {
	if _, ok := st.whitelist[d.Domain]; !ok {
		return domain.ErrNotFound
	}
	c := *d
	st.whitelist[d.Domain] = &c
	return nil
}

func getWhitelist(st *state, name string) (*domain.WhitelistDomain, error) {
	d, ok := st.whitelist[name]
	if !ok {
		return nil, domain.ErrNotFound
	}
	c := *d
	return &c, nil
}

func listWhitelist(st *state, activeOnly bool) []*domain.WhitelistDomain {
	var out []*domain.WhitelistDomain
	for _, d := range st.whitelist {
		if activeOnly && !d.IsActive {
			continue
		}
		c := *d
		out = append(out, &c)
	}
	slices.SortFunc(out, func(a, b *domain.WhitelistDomain) int {
		return cmp.Compare(a.Domain, b.Domain)
	})
	return out
}

func deleteWhitelist(st *state, name string) error {
	if _, ok := st.whitelist[name]; !ok {
		return domain.ErrNotFound
	}
	delete(st.whitelist, name)
	return nil
}
