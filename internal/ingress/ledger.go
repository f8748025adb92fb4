// Package ingress implements the security envelope: the balance ledger,
// escrow registry, risk gate, pending buffer and batch sealer.
package ingress

import (
	"sort"
	"sync"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/openibank/openmatch/pkg/errors"
	"github.com/openibank/openmatch/pkg/models"
)

// EventSink receives the observable events the core produces for the
// external persistence layer.
type EventSink func(ev models.Event)

type balanceKey struct {
	user  uuid.UUID
	asset string
}

// Ledger maintains (user, asset) -> {available, frozen} together with the
// per-asset deposit and withdrawal totals needed for supply conservation.
//
// All mutations are serialized under one mutex. When the supply invariant is
// found broken for an asset, the asset is halted and every further mutation
// of it fails, except UndoSettleTransfer, which the settler's rollback path
// uses to reverse a transfer it already made.
type Ledger struct {
	mu          sync.Mutex
	logger      *zap.Logger
	balances    map[balanceKey]*models.BalanceEntry
	deposits    map[string]decimal.Decimal
	withdrawals map[string]decimal.Decimal
	halted      map[string]bool
	sink        EventSink
}

// NewLedger creates an empty ledger. sink may be nil.
func NewLedger(logger *zap.Logger, sink EventSink) *Ledger {
	return &Ledger{
		logger:      logger.Named("ledger"),
		balances:    make(map[balanceKey]*models.BalanceEntry),
		deposits:    make(map[string]decimal.Decimal),
		withdrawals: make(map[string]decimal.Decimal),
		halted:      make(map[string]bool),
		sink:        sink,
	}
}

func (l *Ledger) publish(ev models.Event) {
	if l.sink != nil {
		l.sink(ev)
	}
}

func (l *Ledger) entry(user uuid.UUID, asset string) *models.BalanceEntry {
	key := balanceKey{user: user, asset: asset}
	e, ok := l.balances[key]
	if !ok {
		e = &models.BalanceEntry{Available: decimal.Zero, Frozen: decimal.Zero}
		l.balances[key] = e
	}
	return e
}

func (l *Ledger) checkAsset(asset string, amount decimal.Decimal) error {
	if l.halted[asset] {
		return errors.ErrLedgerHalted.Explain("asset %s is halted", asset)
	}
	if !amount.IsPositive() {
		return errors.ErrInvalidAmount.Explain("amount must be positive, got %s", amount)
	}
	return nil
}

// Deposit credits the user's available balance.
func (l *Ledger) Deposit(user uuid.UUID, asset string, amount decimal.Decimal) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if err := l.checkAsset(asset, amount); err != nil {
		return err
	}
	e := l.entry(user, asset)
	e.Available = e.Available.Add(amount)
	l.deposits[asset] = l.deposits[asset].Add(amount)

	l.logger.Debug("deposit",
		zap.String("user", user.String()),
		zap.String("asset", asset),
		zap.String("amount", amount.String()))
	l.publish(models.BalanceUpdatedEvent{UserID: user, Asset: asset, Entry: *e})
	return nil
}

// Withdraw debits the user's available balance. The epoch phase gate must be
// consulted by the caller before invoking this.
func (l *Ledger) Withdraw(user uuid.UUID, asset string, amount decimal.Decimal) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if err := l.checkAsset(asset, amount); err != nil {
		return err
	}
	e := l.entry(user, asset)
	if e.Available.LessThan(amount) {
		return errors.ErrInsufficientBalance.Explain("need %s %s, have %s", amount, asset, e.Available)
	}
	e.Available = e.Available.Sub(amount)
	l.withdrawals[asset] = l.withdrawals[asset].Add(amount)

	if err := l.guardNonNegative(e, asset); err != nil {
		return err
	}
	l.publish(models.BalanceUpdatedEvent{UserID: user, Asset: asset, Entry: *e})
	return nil
}

// Freeze moves funds from available to frozen.
func (l *Ledger) Freeze(user uuid.UUID, asset string, amount decimal.Decimal) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.freezeLocked(user, asset, amount)
}

func (l *Ledger) freezeLocked(user uuid.UUID, asset string, amount decimal.Decimal) error {
	if err := l.checkAsset(asset, amount); err != nil {
		return err
	}
	e := l.entry(user, asset)
	if e.Available.LessThan(amount) {
		return errors.ErrInsufficientBalance.Explain("need %s %s, have %s", amount, asset, e.Available)
	}
	e.Available = e.Available.Sub(amount)
	e.Frozen = e.Frozen.Add(amount)

	if err := l.guardNonNegative(e, asset); err != nil {
		return err
	}
	l.publish(models.BalanceUpdatedEvent{UserID: user, Asset: asset, Entry: *e})
	return nil
}

// Unfreeze moves funds from frozen back to available.
func (l *Ledger) Unfreeze(user uuid.UUID, asset string, amount decimal.Decimal) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.unfreezeLocked(user, asset, amount)
}

func (l *Ledger) unfreezeLocked(user uuid.UUID, asset string, amount decimal.Decimal) error {
	if err := l.checkAsset(asset, amount); err != nil {
		return err
	}
	e := l.entry(user, asset)
	if e.Frozen.LessThan(amount) {
		return errors.ErrInsufficientFrozen.Explain("need %s %s frozen, have %s", amount, asset, e.Frozen)
	}
	e.Frozen = e.Frozen.Sub(amount)
	e.Available = e.Available.Add(amount)

	if err := l.guardNonNegative(e, asset); err != nil {
		return err
	}
	l.publish(models.BalanceUpdatedEvent{UserID: user, Asset: asset, Entry: *e})
	return nil
}

// SettleTransfer moves amount from the sender's frozen balance to the
// receiver's available balance. This is the only cross-user mutation.
func (l *Ledger) SettleTransfer(from, to uuid.UUID, asset string, amount decimal.Decimal) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if err := l.checkAsset(asset, amount); err != nil {
		return err
	}
	src := l.entry(from, asset)
	if src.Frozen.LessThan(amount) {
		return errors.ErrInsufficientFrozen.Explain("need %s %s frozen, have %s", amount, asset, src.Frozen)
	}
	dst := l.entry(to, asset)
	src.Frozen = src.Frozen.Sub(amount)
	dst.Available = dst.Available.Add(amount)

	if err := l.guardNonNegative(src, asset); err != nil {
		return err
	}
	l.publish(models.BalanceUpdatedEvent{UserID: from, Asset: asset, Entry: *src})
	l.publish(models.BalanceUpdatedEvent{UserID: to, Asset: asset, Entry: *dst})
	return nil
}

// UndoSettleTransfer reverses a SettleTransfer during a failed settlement:
// amount moves from the receiver's available balance back into the sender's
// frozen balance. Only the settler's rollback path uses it.
func (l *Ledger) UndoSettleTransfer(from, to uuid.UUID, asset string, amount decimal.Decimal) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if !amount.IsPositive() {
		return errors.ErrInvalidAmount.Explain("amount must be positive, got %s", amount)
	}
	dst := l.entry(to, asset)
	if dst.Available.LessThan(amount) {
		return errors.ErrLedgerUnderflow.Explain("cannot reverse transfer of %s %s", amount, asset)
	}
	src := l.entry(from, asset)
	dst.Available = dst.Available.Sub(amount)
	src.Frozen = src.Frozen.Add(amount)

	l.publish(models.BalanceUpdatedEvent{UserID: to, Asset: asset, Entry: *dst})
	l.publish(models.BalanceUpdatedEvent{UserID: from, Asset: asset, Entry: *src})
	return nil
}

// guardNonNegative is the checked-arithmetic backstop: a negative component
// means an invariant broke despite the pre-checks, which halts the asset.
func (l *Ledger) guardNonNegative(e *models.BalanceEntry, asset string) error {
	if e.Available.IsNegative() || e.Frozen.IsNegative() {
		l.halted[asset] = true
		l.logger.Error("ledger underflow, halting asset",
			zap.String("asset", asset),
			zap.String("available", e.Available.String()),
			zap.String("frozen", e.Frozen.String()))
		return errors.ErrLedgerUnderflow.Explain("asset %s went negative", asset)
	}
	return nil
}

// Balance returns a copy of the user's balance in the asset.
func (l *Ledger) Balance(user uuid.UUID, asset string) models.BalanceEntry {
	l.mu.Lock()
	defer l.mu.Unlock()
	if e, ok := l.balances[balanceKey{user: user, asset: asset}]; ok {
		return *e
	}
	return models.BalanceEntry{Available: decimal.Zero, Frozen: decimal.Zero}
}

// TotalSupply sums available + frozen over all users for the asset.
func (l *Ledger) TotalSupply(asset string) decimal.Decimal {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.totalSupplyLocked(asset)
}

func (l *Ledger) totalSupplyLocked(asset string) decimal.Decimal {
	total := decimal.Zero
	for key, e := range l.balances {
		if key.asset == asset {
			total = total.Add(e.Total())
		}
	}
	return total
}

// ExpectedSupply is deposits minus withdrawals for the asset.
func (l *Ledger) ExpectedSupply(asset string) decimal.Decimal {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.deposits[asset].Sub(l.withdrawals[asset])
}

// VerifySupply checks the conservation invariant for one asset. A violation
// halts the asset and is returned as a fatal error.
func (l *Ledger) VerifySupply(asset string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	expected := l.deposits[asset].Sub(l.withdrawals[asset])
	actual := l.totalSupplyLocked(asset)
	if !actual.Equal(expected) {
		l.halted[asset] = true
		l.logger.Error("supply invariant violation, halting asset",
			zap.String("asset", asset),
			zap.String("expected", expected.String()),
			zap.String("actual", actual.String()))
		return errors.ErrSupplyInvariantViolation.Explain(
			"asset %s: actual supply %s != expected %s", asset, actual, expected)
	}
	return nil
}

// Halted reports whether the asset has been halted by an invariant breach.
func (l *Ledger) Halted(asset string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.halted[asset]
}

// Assets returns the sorted list of assets the ledger has seen.
func (l *Ledger) Assets() []string {
	l.mu.Lock()
	defer l.mu.Unlock()

	seen := make(map[string]struct{})
	for key := range l.balances {
		seen[key.asset] = struct{}{}
	}
	for asset := range l.deposits {
		seen[asset] = struct{}{}
	}
	for asset := range l.withdrawals {
		seen[asset] = struct{}{}
	}
	assets := make([]string, 0, len(seen))
	for asset := range seen {
		assets = append(assets, asset)
	}
	sort.Strings(assets)
	return assets
}
