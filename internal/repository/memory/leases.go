package memory

import (
	"context"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
)

type lease struct {
	holder  string
	expires time.Time
}

func (r *Repository) AcquireLease(ctx context.Context, sessionID, holder string, ttl time.Duration) (bool, error) {
	if err := r.check("AcquireLease"); err != nil {
		return false, err
	}
	r.leaseMu.Lock()
	defer r.leaseMu.Unlock()
	now := time.Now()
	if l, ok := r.leases[sessionID]; ok && now.Before(l.expires) {
		return false, nil
	}
	r.leases[sessionID] = lease{holder: holder, expires: now.Add(ttl)}
	return true, nil
}

func (r *Repository) RenewLease(ctx context.Context, sessionID, holder string, ttl time.Duration) error {
	if err := r.check("RenewLease"); err != nil {
		return err
	}
	r.leaseMu.Lock()
	defer r.leaseMu.Unlock()
	l, ok := r.leases[sessionID]
	if !ok || l.holder != holder {
		return domain.ErrNotFound
	}
	l.expires = time.Now().Add(ttl)
	r.leases[sessionID] = l
	return nil
}

func (r *Repository) ReleaseLease(ctx context.Context, sessionID, holder string) error {
	if err := r.check("ReleaseLease"); err != nil {
		return err
	}
	r.leaseMu.Lock()
	defer r.leaseMu.Unlock()
	if l, ok := r.leases[sessionID]; ok && l.holder == holder {
		delete(r.leases, sessionID)
	}
	return nil
}

func (r *Repository) LeaseHeld(ctx context.Context, sessionID string) (bool, error) {
	if err := r.check("LeaseHeld"); err != nil {
		return false, err
	}
	r.leaseMu.Lock()
	defer r.leaseMu.Unlock()
	l, ok := r.leases[sessionID]
	return ok && time.Now().Before(l.expires), nil
}
