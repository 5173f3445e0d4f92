package repository

import (
	"context"
	"time"
)

func expiry(ttl time.Duration) int64 {
	return time.Now().Add(ttl).UnixMilli()
}

// AcquireLease clears an expired lease on the session, then inserts a new
// one. The primary key decides the race between concurrent acquirers.
func (r *SQLRepository) AcquireLease(ctx context.Context, sessionID, holder string, ttl time.Duration) (bool, error) {
	_, err := r.db.ExecContext(ctx,
		r.rebind(`DELETE FROM session_leases WHERE session_id = ? AND expires_at <= ?`),
		sessionID, time.Now().UnixMilli(),
	)
	if err != nil {
		return false, err
	}

	_, err = r.db.ExecContext(ctx,
		r.rebind(`INSERT INTO session_leases (session_id, holder, expires_at) VALUES (?, ?, ?)`),
		sessionID, holder, expiry(ttl),
	)
	if isUniqueViolation(err) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// RenewLease pushes the expiry of holder's lease forward.
func (r *SQLRepository) RenewLease(ctx context.Context, sessionID, holder string, ttl time.Duration) error {
	result, err := r.db.ExecContext(ctx,
		r.rebind(`UPDATE session_leases SET expires_at = ? WHERE session_id = ? AND holder = ?`),
		expiry(ttl), sessionID, holder,
	)
	if err != nil {
		return err
	}
	return mustAffect(result)
}

// ReleaseLease drops holder's lease. Releasing a lease that was already
// taken over is a no-op.
func (r *SQLRepository) ReleaseLease(ctx context.Context, sessionID, holder string) error {
	_, err := r.db.ExecContext(ctx,
		r.rebind(`DELETE FROM session_leases WHERE session_id = ? AND holder = ?`),
		sessionID, holder,
	)
	return err
}

// LeaseHeld reports whether an unexpired lease exists for the session.
func (r *SQLRepository) LeaseHeld(ctx context.Context, sessionID string) (bool, error) {
	var n int
	err := r.db.QueryRowContext(ctx,
		r.rebind(`SELECT COUNT(*) FROM session_leases WHERE session_id = ? AND expires_at > ?`),
		sessionID, time.Now().UnixMilli(),
	).Scan(&n)
	return n > 0, err
}
