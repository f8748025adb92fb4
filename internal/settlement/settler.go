package settlement

import (
	"encoding/json"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/openibank/openmatch/internal/ingress"
	"github.com/openibank/openmatch/pkg/errors"
	"github.com/openibank/openmatch/pkg/metrics"
	"github.com/openibank/openmatch/pkg/models"
)

// Settler executes Tier-1 (same-node) settlement: it consumes reservations,
// transfers frozen balances and guards against double-settlement. A trade
// that fails before its id is recorded is rolled back to the pre-call
// state; a supply violation found after recording is not rolled back but
// halts the affected asset.
type Settler struct {
	mu       sync.Mutex
	logger   *zap.Logger
	ledger   *ingress.Ledger
	escrow   *ingress.Registry
	guard    *IdempotencyGuard
	sink     ingress.EventSink
	receipts ingress.ReceiptSink
}

// NewSettler creates the Tier-1 settler. sink and receipts may be nil.
func NewSettler(
	logger *zap.Logger,
	ledger *ingress.Ledger,
	escrow *ingress.Registry,
	guard *IdempotencyGuard,
	sink ingress.EventSink,
	receipts ingress.ReceiptSink,
) *Settler {
	return &Settler{
		logger:   logger.Named("settler"),
		ledger:   ledger,
		escrow:   escrow,
		guard:    guard,
		sink:     sink,
		receipts: receipts,
	}
}

func (s *Settler) publish(ev models.Event) {
	if s.sink != nil {
		s.sink(ev)
	}
}

func (s *Settler) receipt(rt models.ReceiptType, epochID uint64, tradeID *uuid.UUID, payload any) {
	if s.receipts == nil {
		return
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		s.logger.Warn("failed to encode receipt payload", zap.Error(err))
		return
	}
	s.receipts(models.NewReceipt(rt, epochID, tradeID, raw, s.escrow.NodeID(), time.Now()))
}

// SettleTrade atomically settles one trade. It rejects a trade id the
// idempotency guard already holds and checks that both reservations hold
// the right assets, then runs four steps: consume the buyer's quote leg,
// consume the seller's base leg (Consume rejects a reservation that is not
// ACTIVE, has expired or does not cover the leg; full consumption
// transitions it SPENT), move frozen(buyer, quote) -> available(seller,
// quote), and move frozen(seller, base) -> available(buyer, base). A failure
// in any of the four steps undoes the steps already taken. Only then is the
// trade id recorded in the guard.
//
// After settlement the supply invariant is re-verified for both assets; a
// violation is fatal and halts the affected asset.
func (s *Settler) SettleTrade(trade *models.Trade) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.settleLocked(trade); err != nil {
		metrics.SettlementFailures.WithLabelValues(strconv.Itoa(int(errors.CodeOf(err)))).Inc()
		return err
	}
	metrics.TradesSettled.Inc()
	return nil
}

func (s *Settler) settleLocked(trade *models.Trade) error {
	if s.guard.Contains(trade.ID) {
		return errors.ErrTradeAlreadySettled.Explain("trade %s already settled", trade.ID)
	}
	if trade.MakerUserID == trade.TakerUserID {
		return errors.ErrSettlementFailed.Explain("trade %s has identical maker and taker", trade.ID)
	}
	if !trade.Quantity.IsPositive() {
		return errors.ErrSettlementFailed.Explain("trade %s has non-positive quantity", trade.ID)
	}

	buyer, seller := trade.BuyerID(), trade.SellerID()
	base, quote := trade.Market.Base, trade.Market.Quote
	baseQty, quoteQty := trade.Quantity, trade.QuoteAmount

	buyerRes, err := s.escrow.ByOrder(trade.BuyerOrderID())
	if err != nil {
		return err
	}
	sellerRes, err := s.escrow.ByOrder(trade.SellerOrderID())
	if err != nil {
		return err
	}
	if buyerRes.Asset != quote {
		return errors.ErrInvalidReservation.Explain(
			"buyer reservation %s holds %s, settlement needs %s", buyerRes.ID, buyerRes.Asset, quote)
	}
	if sellerRes.Asset != base {
		return errors.ErrInvalidReservation.Explain(
			"seller reservation %s holds %s, settlement needs %s", sellerRes.ID, sellerRes.Asset, base)
	}

	// Step 1: consume the buyer's quote leg.
	if err := s.escrow.Consume(buyerRes.ID, quoteQty); err != nil {
		return err
	}
	// Step 2: consume the seller's base leg.
	if err := s.escrow.Consume(sellerRes.ID, baseQty); err != nil {
		s.escrow.Rollback(buyerRes.ID, quoteQty)
		return err
	}
	// Step 3: move the quote leg.
	if err := s.ledger.SettleTransfer(buyer, seller, quote, quoteQty); err != nil {
		s.escrow.Rollback(sellerRes.ID, baseQty)
		s.escrow.Rollback(buyerRes.ID, quoteQty)
		return err
	}
	// Step 4: move the base leg.
	if err := s.ledger.SettleTransfer(seller, buyer, base, baseQty); err != nil {
		if undoErr := s.ledger.UndoSettleTransfer(buyer, seller, quote, quoteQty); undoErr != nil {
			s.logger.Error("settlement rollback failed",
				zap.String("trade_id", trade.ID.String()), zap.Error(undoErr))
		}
		s.escrow.Rollback(sellerRes.ID, baseQty)
		s.escrow.Rollback(buyerRes.ID, quoteQty)
		return err
	}

	s.guard.Record(trade.ID)

	for _, asset := range []string{base, quote} {
		if err := s.ledger.VerifySupply(asset); err != nil {
			metrics.SupplyChecks.WithLabelValues("violation").Inc()
			s.logger.Error("supply invariant breached after settlement",
				zap.String("trade_id", trade.ID.String()),
				zap.String("asset", asset),
				zap.Error(err))
			return err
		}
		metrics.SupplyChecks.WithLabelValues("ok").Inc()
	}

	tradeID := trade.ID
	s.publish(models.TradeExecutedEvent{Trade: trade})
	s.receipt(models.ReceiptTradeExecuted, trade.BatchID, &tradeID, trade)
	s.receipt(models.ReceiptSettlementCompleted, trade.BatchID, &tradeID, trade)
	s.logger.Info("trade settled",
		zap.String("trade_id", trade.ID.String()),
		zap.String("market", trade.Market.Symbol()),
		zap.String("price", trade.Price.String()),
		zap.String("qty", trade.Quantity.String()))
	return nil
}

// SettleBundle settles every trade in the bundle in order, then, for each
// remaining order whose reservation is still ACTIVE and partially consumed,
// releases the unconsumed remainder. Reservations of remaining orders that
// did not trade stay ACTIVE. Fails on the first error.
func (s *Settler) SettleBundle(bundle *models.TradeBundle) error {
	for _, trade := range bundle.Trades {
		if err := s.SettleTrade(trade); err != nil {
			return err
		}
	}

	for _, o := range bundle.RemainingOrders {
		res, err := s.escrow.ByOrder(o.ID)
		if err != nil {
			continue // cancelled or foreign order with no local reservation
		}
		if res.State != models.ReservationActive {
			continue
		}
		// A fully consumed reservation is already SPENT; a partially
		// consumed one gives its remainder back now.
		if res.Consumed.IsPositive() {
			if err := s.escrow.Release(res.ID); err != nil {
				return err
			}
			s.receipt(models.ReceiptReservationSpent, bundle.BatchID, nil, res)
		}
	}
	return nil
}
