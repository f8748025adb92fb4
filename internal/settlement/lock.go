package settlement

import (
	"sync"

	"github.com/openibank/openmatch/pkg/errors"
	"github.com/openibank/openmatch/pkg/models"
)

// WithdrawLock gates withdrawals on the epoch phase. Withdrawals are only
// permitted during COLLECT; once the batch is sealed, balances are spoken
// for until finalization completes.
type WithdrawLock struct {
	mu    sync.RWMutex
	phase models.EpochPhase
}

// NewWithdrawLock creates a lock starting in COLLECT.
func NewWithdrawLock() *WithdrawLock {
	return &WithdrawLock{phase: models.PhaseCollect}
}

// SetPhase records the current epoch phase.
func (w *WithdrawLock) SetPhase(phase models.EpochPhase) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.phase = phase
}

// Phase returns the current epoch phase.
func (w *WithdrawLock) Phase() models.EpochPhase {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.phase
}

// WithdrawalsAllowed reports whether the current phase permits withdrawals.
func (w *WithdrawLock) WithdrawalsAllowed() bool {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.phase == models.PhaseCollect
}

// CheckWithdraw fails with WrongEpochPhase outside COLLECT. Every withdrawal
// path must consult this.
func (w *WithdrawLock) CheckWithdraw() error {
	w.mu.RLock()
	defer w.mu.RUnlock()

	if w.phase != models.PhaseCollect {
		return errors.ErrWrongEpochPhase.Explain("withdrawals are locked during %s", w.phase)
	}
	return nil
}
