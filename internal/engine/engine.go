// Package engine wires the three planes together behind one explicit core
// handle and drives the epoch state machine. There are no hidden globals:
// every entry point goes through the Engine.
package engine

import (
	"crypto/ed25519"
	"crypto/rand"
	"sync"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/openibank/openmatch/internal/config"
	"github.com/openibank/openmatch/internal/ingress"
	"github.com/openibank/openmatch/internal/matchcore"
	"github.com/openibank/openmatch/internal/settlement"
	"github.com/openibank/openmatch/pkg/errors"
	"github.com/openibank/openmatch/pkg/metrics"
	"github.com/openibank/openmatch/pkg/models"
)

// Engine owns the process-wide core state: ledger, escrow registry, pending
// buffer, risk gate, idempotency guard and phase gate. External collaborators
// (API, gossip, persistence) call into it; the external phase controller
// drives AdvancePhase.
type Engine struct {
	logger *zap.Logger
	cfg    *config.Config

	ledger  *ingress.Ledger
	escrow  *ingress.Registry
	gate    *ingress.Gate
	buffer  *ingress.PendingBuffer
	sealer  *ingress.Sealer
	service *ingress.Service
	guard   *settlement.IdempotencyGuard
	lock    *settlement.WithdrawLock
	settler *settlement.Settler

	mu      sync.Mutex
	epochID uint64
	batch   *models.SealedBatch
	bundle  *models.TradeBundle

	events   chan models.Event
	receipts chan *models.Receipt
}

// New builds an engine from configuration. When signer is nil a fresh
// ed25519 node key is generated.
func New(cfg *config.Config, logger *zap.Logger, signer ed25519.PrivateKey) (*Engine, error) {
	if signer == nil {
		var err error
		_, signer, err = ed25519.GenerateKey(rand.Reader)
		if err != nil {
			return nil, errors.ErrInternal.Wrap(err)
		}
	}

	e := &Engine{
		logger:   logger.Named("engine"),
		cfg:      cfg,
		events:   make(chan models.Event, 4096),
		receipts: make(chan *models.Receipt, 4096),
	}
	sink := ingress.EventSink(e.publish)
	receiptSink := ingress.ReceiptSink(e.publishReceipt)

	e.ledger = ingress.NewLedger(logger, sink)

	escrow, err := ingress.NewRegistry(logger, e.ledger, signer, cfg.Ingress.ReservationTTL, sink)
	if err != nil {
		return nil, err
	}
	e.escrow = escrow

	maxSize, err := decimal.NewFromString(cfg.Risk.MaxOrderSize)
	if err != nil {
		return nil, errors.ErrInternal.Explain("invalid risk.max_order_size %q", cfg.Risk.MaxOrderSize).Wrap(err)
	}
	e.gate = ingress.NewGate(logger, ingress.GateLimits{
		MaxOrderSize:          maxSize,
		MaxOrdersPerUserEpoch: cfg.Risk.MaxOrdersPerUserEpoch,
	})
	if dev, err := decimal.NewFromString(cfg.Risk.MaxPriceDeviation); err == nil && dev.IsPositive() {
		e.gate.AppendRule(ingress.PriceDeviationRule{MaxRatio: dev})
	}

	e.buffer = ingress.NewPendingBuffer(cfg.Ingress.BufferCapacity)
	e.sealer = ingress.NewSealer(escrow.NodeID(), signer)
	e.lock = settlement.NewWithdrawLock()
	e.service = ingress.NewService(logger, e.ledger, e.escrow, e.gate, e.buffer, e.sealer, e.lock, sink, receiptSink)

	guard, err := settlement.NewIdempotencyGuard(cfg.Settlement.IdempotencyCacheSize)
	if err != nil {
		return nil, err
	}
	e.guard = guard
	e.settler = settlement.NewSettler(logger, e.ledger, e.escrow, guard, sink, receiptSink)

	return e, nil
}

func (e *Engine) publish(ev models.Event) {
	select {
	case e.events <- ev:
	default:
		e.logger.Warn("event stream full, dropping event", zap.String("kind", ev.Kind().String()))
	}
}

func (e *Engine) publishReceipt(r *models.Receipt) {
	select {
	case e.receipts <- r:
	default:
		e.logger.Warn("receipt stream full, dropping receipt", zap.String("type", r.Type.String()))
	}
}

// Events is the append-stream of observable core events for persistence.
func (e *Engine) Events() <-chan models.Event {
	return e.events
}

// Receipts is the stream of structured records for external signing.
func (e *Engine) Receipts() <-chan *models.Receipt {
	return e.receipts
}

// NodeID returns the node's identity.
func (e *Engine) NodeID() models.NodeID {
	return e.escrow.NodeID()
}

// CurrentPhase returns the epoch phase.
func (e *Engine) CurrentPhase() models.EpochPhase {
	return e.lock.Phase()
}

// CurrentEpoch returns the epoch counter.
func (e *Engine) CurrentEpoch() uint64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.epochID
}

// Deposit credits a user's balance.
func (e *Engine) Deposit(user uuid.UUID, asset string, amount decimal.Decimal) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.service.Deposit(user, asset, amount)
}

// Withdraw debits a user's balance, subject to the phase gate.
func (e *Engine) Withdraw(user uuid.UUID, asset string, amount decimal.Decimal) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.service.Withdraw(user, asset, amount)
}

// Balance returns a user's balance in an asset.
func (e *Engine) Balance(user uuid.UUID, asset string) models.BalanceEntry {
	return e.service.Balance(user, asset)
}

// SubmitOrder routes an order through risk, escrow and the pending buffer.
func (e *Engine) SubmitOrder(o *models.Order) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.service.SubmitOrder(o)
}

// CancelOrder cancels a buffered order during COLLECT.
func (e *Engine) CancelOrder(orderID uuid.UUID) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.service.CancelOrder(orderID)
}

// Reservation returns a copy of a reservation by id.
func (e *Engine) Reservation(id uuid.UUID) (models.Reservation, error) {
	return e.escrow.Get(id)
}

// AdvancePhase moves the epoch state machine one step and runs the work
// bound to the entered phase: SEAL seals the batch, MATCH runs the pure
// matcher, FINALIZE settles the bundle, and re-entering COLLECT rolls over
// to the next epoch.
func (e *Engine) AdvancePhase() (models.EpochPhase, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	next := e.lock.Phase().Next()
	e.lock.SetPhase(next)
	metrics.CurrentPhase.Set(float64(next))

	var err error
	switch next {
	case models.PhaseSeal:
		err = e.sealLocked()
	case models.PhaseMatch:
		err = e.matchLocked()
	case models.PhaseFinalize:
		err = e.finalizeLocked()
	case models.PhaseCollect:
		e.rolloverLocked()
	}
	if err != nil {
		return next, err
	}

	e.publish(models.EpochAdvancedEvent{EpochID: e.epochID, Phase: next})
	e.logger.Info("phase advanced",
		zap.Uint64("epoch", e.epochID),
		zap.String("phase", next.String()))
	return next, nil
}

func (e *Engine) sealLocked() error {
	batch, _, err := e.service.SealBatch()
	if err != nil {
		return err
	}
	e.batch = batch
	return nil
}

func (e *Engine) matchLocked() error {
	if e.batch == nil {
		return errors.ErrMatchingFailed.Explain("no sealed batch for epoch %d", e.epochID)
	}
	// MatchSealedBatch is pure; it reads only the sealed batch.
	bundle := matchcore.MatchSealedBatch(e.batch)
	e.bundle = bundle
	metrics.TradesMatched.Add(float64(len(bundle.Trades)))

	if bundle.ClearingPrice != nil && len(bundle.Trades) > 0 {
		e.service.RecordClearingPrice(bundle.Trades[0].Market.Symbol(), *bundle.ClearingPrice)
	}
	e.logger.Info("batch matched",
		zap.Uint64("epoch", e.epochID),
		zap.Int("trades", len(bundle.Trades)))
	return nil
}

func (e *Engine) finalizeLocked() error {
	if e.bundle == nil {
		return errors.ErrSettlementFailed.Explain("no trade bundle for epoch %d", e.epochID)
	}
	return e.settler.SettleBundle(e.bundle)
}

func (e *Engine) rolloverLocked() {
	e.epochID++
	e.batch = nil
	e.bundle = nil
	e.service.Rollover(e.epochID)
}

// SealedBatch returns the current epoch's sealed batch, if sealed.
func (e *Engine) SealedBatch() *models.SealedBatch {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.batch
}

// Bundle returns the current epoch's trade bundle, if matched.
func (e *Engine) Bundle() *models.TradeBundle {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.bundle
}

// VerifyRemoteRoot compares a trade root received from another node against
// the locally computed one. A mismatch means the batch is not settleable on
// divergent nodes.
func (e *Engine) VerifyRemoteRoot(root [32]byte) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.bundle == nil {
		return errors.ErrMatchingFailed.Explain("no local bundle to compare against")
	}
	if e.bundle.TradeRoot != root {
		return errors.ErrDeterminismViolation.Explain(
			"local trade root %x differs from remote %x", e.bundle.TradeRoot, root)
	}
	return nil
}

// RunEpoch drives one full SEAL -> MATCH -> FINALIZE -> COLLECT cycle and
// returns the settled bundle. Embedders without an external controller use
// this.
func (e *Engine) RunEpoch() (*models.TradeBundle, error) {
	if phase := e.lock.Phase(); phase != models.PhaseCollect {
		return nil, errors.ErrWrongEpochPhase.Explain("epoch must start from COLLECT, not %s", phase)
	}
	for i := 0; i < 3; i++ {
		if _, err := e.AdvancePhase(); err != nil {
			return nil, err
		}
	}
	bundle := e.Bundle()
	if _, err := e.AdvancePhase(); err != nil {
		return nil, err
	}
	return bundle, nil
}
