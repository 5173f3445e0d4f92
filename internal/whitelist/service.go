package whitelist

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// Service manages trusted domains and keeps the filter cache coherent.
type Service struct {
	repo   domain.Repository
	filter *Filter
	now    func() time.Time
}

// NewService creates a whitelist management service.
func NewService(repo domain.Repository, filter *Filter) *Service {
	return &Service{
		repo:   repo,
		filter: filter,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// Add stores a new trusted domain. Duplicates return domain.ErrConflict.
func (s *Service) Add(ctx context.Context, d *domain.WhitelistDomain) error {
	d.Domain = domain.NormalizeDomain(d.Domain)
	if err := validateDomain(d.Domain); err != nil {
		return err
	}
	if _, err := s.repo.GetWhitelistDomain(ctx, d.Domain); err == nil {
		return fmt.Errorf("%w: domain %s", domain.ErrConflict, d.Domain)
	} else if !errors.Is(err, domain.ErrNotFound) {
		return err
	}

	now := s.now()
	d.CreatedAt = now
	d.UpdatedAt = now
	if err := s.repo.CreateWhitelistDomain(ctx, d); err != nil {
		return err
	}
	s.filter.Invalidate(ctx)

	slog.Info("whitelist domain added", "domain", d.Domain, "added_by", d.AddedBy)
	return nil
}

// List returns trusted domains.
func (s *Service) List(ctx context.Context, activeOnly bool) ([]*domain.WhitelistDomain, error) {
	return s.repo.ListWhitelistDomains(ctx, activeOnly)
}

// Toggle flips a domain's active flag.
func (s *Service) Toggle(ctx context.Context, name string) (*domain.WhitelistDomain, error) {
	d, err := s.repo.GetWhitelistDomain(ctx, domain.NormalizeDomain(name))
	if err != nil {
		return nil, err
	}
	d.IsActive = !d.IsActive
	d.UpdatedAt = s.now()
	if err := s.repo.UpdateWhitelistDomain(ctx, d); err != nil {
		return nil, err
	}
	s.filter.Invalidate(ctx)

	slog.Info("whitelist domain toggled", "domain", d.Domain, "is_active", d.IsActive)
	return d, nil
}

// Delete removes a trusted domain.
func (s *Service) Delete(ctx context.Context, name string) error {
	if err := s.repo.DeleteWhitelistDomain(ctx, domain.NormalizeDomain(name)); err != nil {
		return err
	}
	s.filter.Invalidate(ctx)
	return nil
}

// Entry is the portable form of a trusted domain.
type Entry struct {
	Domain   string `json:"domain"`
	IsActive *bool  `json:"is_active,omitempty"`
	AddedBy  string `json:"added_by,omitempty"`
	Notes    string `json:"notes,omitempty"`
}

// Export returns every active domain.
func (s *Service) Export(ctx context.Context) ([]Entry, error) {
	domains, err := s.repo.ListWhitelistDomains(ctx, true)
	if err != nil {
		return nil, err
	}
	out := make([]Entry, 0, len(domains))
	for _, d := range domains {
		active := d.IsActive
		out = append(out, Entry{Domain: d.Domain, IsActive: &active, AddedBy: d.AddedBy, Notes: d.Notes})
	}
	return out, nil
}

// ImportResult summarizes an import batch.
type ImportResult struct {
	Imported int      `json:"imported"`
	Skipped  int      `json:"skipped"`
	Errors   []string `json:"errors"`
}

// Import adds each entry whose domain is not yet known. Existing domains
// are skipped; invalid ones are reported.
func (s *Service) Import(ctx context.Context, entries []Entry) (*ImportResult, error) {
	result := &ImportResult{Errors: []string{}}

	for _, e := range entries {
		d := &domain.WhitelistDomain{
			Domain:   e.Domain,
			IsActive: true,
			AddedBy:  e.AddedBy,
			Notes:    e.Notes,
		}
		if e.IsActive != nil {
			d.IsActive = *e.IsActive
		}

		err := s.Add(ctx, d)
		switch {
		case err == nil:
			result.Imported++
		case errors.Is(err, domain.ErrConflict):
			result.Skipped++
		case errors.Is(err, domain.ErrInvalidInput):
			result.Errors = append(result.Errors, err.Error())
		default:
			return result, fmt.Errorf("failed to import domain %q: %w", e.Domain, err)
		}
	}

	slog.Info("whitelist imported",
		"imported", result.Imported,
		"skipped", result.Skipped,
		"rejected", len(result.Errors),
	)
	return result, nil
}

func validateDomain(d string) error {
	switch {
	case d == "":
		return fmt.Errorf("%w: domain cannot be empty", domain.ErrInvalidInput)
	case strings.ContainsAny(d, " \t/@,;"):
		return fmt.Errorf("%w: %q is not a domain name", domain.ErrInvalidInput, d)
	}
	return nil
}
