// Package lock implements the Lock Manager (spec §4.5): a coarse,
// single-key distributed lock used to pick one active ingester across a
// rolling deploy. It is modeled on jaeger's internal/leaderelection
// DistributedElectionParticipant, but the state machine differs on purpose:
// jaeger demotes a participant back to follower on lock loss and keeps
// retrying, while losing this lock is fatal — the process is meant to exit
// so an operator sees evidence of the contention rather than silently
// reacquiring.
package lock

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/dredmonds/activity-stream/internal/kvstore"
)

const (
	lockKey          = "lock"
	ttl              = 2 * time.Second
	acquireInterval  = time.Second
	refreshInterval  = time.Second
)

// ErrLockLost is returned by RefreshLoop when a refresh errors or finds the
// lock key no longer exists.
var ErrLockLost = errors.New("lock: lost the distributed lock")

// State is a position in the UNLOCKED -> ACQUIRING -> HOLDING -> LOST
// state machine.
type State int

const (
	Unlocked State = iota
	Acquiring
	Holding
	Lost
)

func (s State) String() string {
	switch s {
	case Unlocked:
		return "UNLOCKED"
	case Acquiring:
		return "ACQUIRING"
	case Holding:
		return "HOLDING"
	case Lost:
		return "LOST"
	default:
		return "UNKNOWN"
	}
}

// Manager drives the state machine against a kvstore.Client. It is not a
// mutex: there is no fairness guarantee, only a coarse coordination
// primitive appropriate for excluding concurrent ingesters during a
// rolling deploy.
type Manager struct {
	kv     kvstore.Client
	logger *zap.Logger

	mu    sync.Mutex
	state State
}

// New builds a Manager in the Unlocked state.
func New(kv kvstore.Client, logger *zap.Logger) *Manager {
	return &Manager{kv: kv, logger: logger, state: Unlocked}
}

// State reports the current position in the state machine.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

func (m *Manager) setState(s State) {
	m.mu.Lock()
	m.state = s
	m.mu.Unlock()
}

// Acquire blocks, retrying SET NX EX every acquireInterval, until this
// process holds the lock or ctx is cancelled.
func (m *Manager) Acquire(ctx context.Context) error {
	m.setState(Acquiring)

	ticker := time.NewTicker(acquireInterval)
	defer ticker.Stop()

	for {
		ok, err := m.kv.SetNXEX(ctx, lockKey, ttl)
		if err != nil {
			m.logger.Warn("lock acquire attempt failed", zap.Error(err))
		} else if ok {
			m.setState(Holding)
			m.logger.Info("acquired distributed lock")
			return nil
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// RefreshLoop must be called after Acquire succeeds. It blocks, extending
// the lock's TTL every refreshInterval, until a refresh errors or reports
// that the key no longer exists (ErrLockLost) or ctx is cancelled. The
// key's value is not checked, so a refresh does not tell which process
// set the key.
// The caller must treat ErrLockLost as fatal: this Manager never attempts
// to reacquire.
func (m *Manager) RefreshLoop(ctx context.Context) error {
	ticker := time.NewTicker(refreshInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			ok, err := m.kv.Expire(ctx, lockKey, ttl)
			if err != nil || !ok {
				m.setState(Lost)
				m.logger.Error("lost distributed lock", zap.Error(err))
				return ErrLockLost
			}
		}
	}
}
