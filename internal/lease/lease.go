// Package lease implements the project-wide single-holder consumer
// lock: transactional acquire/refresh/release/status on top of
// internal/store's CAS primitive.
package lease

import (
	"context"
	"errors"
	"time"

	"github.com/ocx/toolbridge/internal/store"
)

const (
	MinLeaseMs = 5_000
	MaxLeaseMs = 3_600_000
)

// ClampLeaseMs enforces the [5000, 3600000] bound from §3.
func ClampLeaseMs(ms int64) int64 {
	if ms < MinLeaseMs {
		return MinLeaseMs
	}
	if ms > MaxLeaseMs {
		return MaxLeaseMs
	}
	return ms
}

// AcquireResult is the outcome of Acquire.
type AcquireResult struct {
	Acquired  bool
	Refreshed bool
	Conflict  bool
	Holder    *store.ConsumerLock
	MsRemaining int64
}

// Manager coordinates lease state through a store.Store.
type Manager struct {
	Store *store.Store
	Now   func() time.Time // overridable for tests
}

func (m *Manager) now() time.Time {
	if m.Now != nil {
		return m.Now()
	}
	return time.Now()
}

// Acquire implements §4.H acquire(): install, refresh, or conflict.
func (m *Manager) Acquire(ctx context.Context, userID, projectID, consumerID string, leaseMs int64, consumerType string) (*AcquireResult, error) {
	leaseMs = ClampLeaseMs(leaseMs)
	for {
		row, err := m.Store.GetProject(ctx, userID, projectID)
		if err != nil {
			return nil, err
		}
		now := m.now().UnixMilli()

		if row.Lock == nil || row.Lock.ExpiresAt <= now {
			newLock := &store.ConsumerLock{
				ConsumerID:   consumerID,
				ConsumerType: consumerType,
				LeaseMs:      leaseMs,
				AcquiredAt:   now,
				RefreshedAt:  now,
				ExpiresAt:    now + leaseMs,
			}
			if err := m.Store.CASUpdateLock(ctx, userID, projectID, row.Version, newLock); err != nil {
				if errors.Is(err, store.ErrVersionConflict) {
					continue
				}
				return nil, err
			}
			return &AcquireResult{Acquired: true, Holder: newLock}, nil
		}

		if row.Lock.ConsumerID == consumerID {
			refreshed := *row.Lock
			refreshed.LeaseMs = leaseMs
			refreshed.RefreshedAt = now
			refreshed.ExpiresAt = now + leaseMs
			if err := m.Store.CASUpdateLock(ctx, userID, projectID, row.Version, &refreshed); err != nil {
				if errors.Is(err, store.ErrVersionConflict) {
					continue
				}
				return nil, err
			}
			return &AcquireResult{Refreshed: true, Holder: &refreshed}, nil
		}

		return &AcquireResult{
			Conflict:    true,
			Holder:      row.Lock,
			MsRemaining: row.Lock.ExpiresAt - now,
		}, nil
	}
}

// ReleaseResult is the outcome of Release.
type ReleaseResult struct {
	Released bool
	Conflict bool
}

// Release implements §4.H release().
func (m *Manager) Release(ctx context.Context, userID, projectID, consumerID string, force bool) (*ReleaseResult, error) {
	for {
		row, err := m.Store.GetProject(ctx, userID, projectID)
		if err != nil {
			return nil, err
		}
		if row.Lock == nil {
			return &ReleaseResult{Released: false}, nil
		}
		if !force && row.Lock.ConsumerID != consumerID {
			return &ReleaseResult{Conflict: true}, nil
		}
		if err := m.Store.CASUpdateLock(ctx, userID, projectID, row.Version, nil); err != nil {
			if errors.Is(err, store.ErrVersionConflict) {
				continue
			}
			return nil, err
		}
		return &ReleaseResult{Released: true}, nil
	}
}

// StatusResult is the outcome of Status.
type StatusResult struct {
	Locked      bool
	MsRemaining int64
	Holder      *store.ConsumerLock
}

// Status implements §4.H status().
func (m *Manager) Status(ctx context.Context, userID, projectID string) (*StatusResult, error) {
	row, err := m.Store.GetProject(ctx, userID, projectID)
	if err != nil {
		return nil, err
	}
	now := m.now().UnixMilli()
	if row.Lock == nil || row.Lock.ExpiresAt <= now {
		return &StatusResult{Locked: false}, nil
	}
	return &StatusResult{Locked: true, MsRemaining: row.Lock.ExpiresAt - now, Holder: row.Lock}, nil
}

// SetRuntimeInfo merges runtime info into the lock iff consumerID is
// the current holder, per §4.H setRuntimeInfo().
func (m *Manager) SetRuntimeInfo(ctx context.Context, userID, projectID, consumerID string, runtime map[string]any) error {
	for {
		row, err := m.Store.GetProject(ctx, userID, projectID)
		if err != nil {
			return err
		}
		if row.Lock == nil || row.Lock.ConsumerID != consumerID {
			return errors.New("lease: not current holder")
		}
		updated := *row.Lock
		if updated.Runtime == nil {
			updated.Runtime = map[string]any{}
		}
		for k, v := range runtime {
			updated.Runtime[k] = v
		}
		if err := m.Store.CASUpdateLock(ctx, userID, projectID, row.Version, &updated); err != nil {
			if errors.Is(err, store.ErrVersionConflict) {
				continue
			}
			return err
		}
		return nil
	}
}

// RefreshInterval computes the client-side refresh delay: ~60% of the
// lease with 0-10% jitter, minimum 15s, per §4.H.
func RefreshInterval(leaseMs int64, jitter func() float64) time.Duration {
	base := float64(leaseMs) * 0.6
	j := 0.0
	if jitter != nil {
		j = jitter() * 0.1 * base
	}
	ms := base + j
	if ms < 15_000 {
		ms = 15_000
	}
	return time.Duration(ms) * time.Millisecond
}
