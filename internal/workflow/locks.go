package workflow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// Locker grants at most one writer per session.
type Locker interface {
	// TryLock returns domain.ErrSessionBusy when the session is held. The
	// returned context is cancelled if the lock is lost before unlock.
	TryLock(ctx context.Context, sessionID string) (context.Context, func(), error)
	Held(ctx context.Context, sessionID string) (bool, error)
}

// LocalLocker serialises runs inside one process.
type LocalLocker struct {
	mu   sync.Mutex
	held map[string]struct{}
}

func NewLocalLocker() *LocalLocker {
	return &LocalLocker{held: make(map[string]struct{})}
}

func (l *LocalLocker) TryLock(ctx context.Context, sessionID string) (context.Context, func(), error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, busy := l.held[sessionID]; busy {
		return nil, nil, fmt.Errorf("%w: %s", domain.ErrSessionBusy, sessionID)
	}
	l.held[sessionID] = struct{}{}

	var once sync.Once
	return ctx, func() {
		once.Do(func() {
			l.mu.Lock()
			delete(l.held, sessionID)
			l.mu.Unlock()
		})
	}, nil
}

func (l *LocalLocker) Held(_ context.Context, sessionID string) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.held[sessionID]
	return ok, nil
}

const (
	defaultLeaseTTL     = 30 * time.Second
	leaseReleaseTimeout = 5 * time.Second
)

// LeaseLocker serialises runs across every process sharing the lease
// store. Each acquisition gets its own holder token and is renewed every
// third of its TTL until unlocked.
type LeaseLocker struct {
	leases domain.LeaseStore
	ttl    time.Duration
}

func NewLeaseLocker(leases domain.LeaseStore, ttl time.Duration) *LeaseLocker {
	if ttl <= 0 {
		ttl = defaultLeaseTTL
	}
	return &LeaseLocker{leases: leases, ttl: ttl}
}

func (l *LeaseLocker) TryLock(ctx context.Context, sessionID string) (context.Context, func(), error) {
	holder := uuid.NewString()
	ok, err := l.leases.AcquireLease(ctx, sessionID, holder, l.ttl)
	if err != nil {
		return nil, nil, fmt.Errorf("acquire session lease: %w", err)
	}
	if !ok {
		return nil, nil, fmt.Errorf("%w: %s", domain.ErrSessionBusy, sessionID)
	}

	runCtx, cancel := context.WithCancel(ctx)
	stop := make(chan struct{})
	done := make(chan struct{})
	go l.renew(sessionID, holder, cancel, stop, done)

	var once sync.Once
	return runCtx, func() {
		once.Do(func() {
			close(stop)
			<-done
			cancel()

			ctx, cancelRelease := context.WithTimeout(context.Background(), leaseReleaseTimeout)
			defer cancelRelease()
			if err := l.leases.ReleaseLease(ctx, sessionID, holder); err != nil {
				slog.Warn("session lease release failed", "session_id", sessionID, "error", err)
			}
		})
	}, nil
}

// renew keeps the lease alive. Losing it cancels the run.
func (l *LeaseLocker) renew(sessionID, holder string, lost context.CancelFunc, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	ticker := time.NewTicker(l.ttl / 3)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), l.ttl/3)
			err := l.leases.RenewLease(ctx, sessionID, holder, l.ttl)
			cancel()
			switch {
			case errors.Is(err, domain.ErrNotFound):
				slog.Error("session lease lost, cancelling run", "session_id", sessionID)
				lost()
				return
			case err != nil:
				slog.Warn("session lease renewal failed", "session_id", sessionID, "error", err)
			}
		}
	}
}

func (l *LeaseLocker) Held(ctx context.Context, sessionID string) (bool, error) {
	return l.leases.LeaseHeld(ctx, sessionID)
}
