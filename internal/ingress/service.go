package ingress

import (
	"encoding/json"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/openibank/openmatch/pkg/errors"
	"github.com/openibank/openmatch/pkg/metrics"
	"github.com/openibank/openmatch/pkg/models"
)

// PhaseGate exposes the epoch phase to the ingress service. The finality
// plane's withdraw lock implements it.
type PhaseGate interface {
	Phase() models.EpochPhase
	CheckWithdraw() error
}

// ReceiptSink receives the structured records the core hands to the external
// receipt signer.
type ReceiptSink func(r *models.Receipt)

// Service is the security envelope front door: it accepts deposits and
// withdrawals, validates orders through the risk gate, mints escrow
// reservations, buffers orders during COLLECT and seals the batch.
type Service struct {
	logger   *zap.Logger
	ledger   *Ledger
	escrow   *Registry
	gate     *Gate
	buffer   *PendingBuffer
	sealer   *Sealer
	phases   PhaseGate
	sink     EventSink
	receipts ReceiptSink
	epochID  uint64
}

// NewService wires the envelope together. sink and receipts may be nil.
func NewService(
	logger *zap.Logger,
	ledger *Ledger,
	escrow *Registry,
	gate *Gate,
	buffer *PendingBuffer,
	sealer *Sealer,
	phases PhaseGate,
	sink EventSink,
	receipts ReceiptSink,
) *Service {
	return &Service{
		logger:   logger.Named("ingress"),
		ledger:   ledger,
		escrow:   escrow,
		gate:     gate,
		buffer:   buffer,
		sealer:   sealer,
		phases:   phases,
		sink:     sink,
		receipts: receipts,
	}
}

func (s *Service) publish(ev models.Event) {
	if s.sink != nil {
		s.sink(ev)
	}
}

func (s *Service) receipt(rt models.ReceiptType, tradeID *uuid.UUID, payload any) {
	if s.receipts == nil {
		return
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		s.logger.Warn("failed to encode receipt payload", zap.Error(err))
		return
	}
	s.receipts(models.NewReceipt(rt, s.epochID, tradeID, raw, s.escrow.NodeID(), time.Now()))
}

// Deposit credits a user's balance. Permitted in any phase.
func (s *Service) Deposit(user uuid.UUID, asset string, amount decimal.Decimal) error {
	return s.ledger.Deposit(user, asset, amount)
}

// Withdraw debits a user's balance after consulting the phase gate. Outside
// COLLECT the gate rejects with WrongEpochPhase.
func (s *Service) Withdraw(user uuid.UUID, asset string, amount decimal.Decimal) error {
	if err := s.phases.CheckWithdraw(); err != nil {
		return err
	}
	return s.ledger.Withdraw(user, asset, amount)
}

// Balance returns the user's balance in the asset.
func (s *Service) Balance(user uuid.UUID, asset string) models.BalanceEntry {
	return s.ledger.Balance(user, asset)
}

// SubmitOrder validates an order, mints its reservation and admits it to
// the pending buffer. Only valid during COLLECT. An order rejected by the
// phase check, the risk gate or the escrow freeze leaves balances and
// reservations untouched. The reservation is minted before buffering; when
// the buffer rejects the order, that reservation is released, so its funds
// return to available and it stays in the registry as RELEASED. An order
// that passes the risk gate counts toward the user's per-epoch limit even if
// escrow or the buffer then rejects it.
func (s *Service) SubmitOrder(o *models.Order) error {
	if phase := s.phases.Phase(); phase != models.PhaseCollect {
		return s.reject(o, errors.ErrWrongEpochPhase.Explain("orders are accepted during COLLECT, not %s", phase))
	}

	// Market orders have no price ceiling, so the escrow amount for a buy is
	// undefined. They are rejected here rather than silently inferring one.
	if o.Type == models.TypeMarket && o.Side == models.SideBuy {
		return s.reject(o, errors.ErrInvalidOrder.Explain("market buy orders require a price ceiling before escrow"))
	}

	if err := s.gate.Validate(o); err != nil {
		return s.reject(o, err)
	}

	asset, amount := o.EscrowLeg()
	res, err := s.escrow.Mint(o.ID, o.UserID, asset, amount, s.epochID)
	if err != nil {
		return s.reject(o, err)
	}
	o.ReservationID = res.ID
	o.EpochID = s.epochID
	o.RemainingQty = o.Quantity
	o.Status = models.StatusActive
	o.OriginNode = s.escrow.NodeID()

	if err := s.buffer.Push(o); err != nil {
		if relErr := s.escrow.Release(res.ID); relErr != nil {
			s.logger.Error("failed to release reservation after buffer rejection",
				zap.String("reservation_id", res.ID.String()), zap.Error(relErr))
		}
		return s.reject(o, err)
	}

	metrics.OrdersAccepted.WithLabelValues(o.Side.String()).Inc()
	s.publish(models.OrderAcceptedEvent{Order: o})
	s.receipt(models.ReceiptOrderAccepted, nil, o)
	s.receipt(models.ReceiptReservationMinted, nil, res)
	s.logger.Info("order accepted",
		zap.String("order_id", o.ID.String()),
		zap.String("market", o.Market.Symbol()),
		zap.String("side", o.Side.String()),
		zap.String("qty", o.Quantity.String()),
		zap.Uint64("sequence", o.Sequence))
	return nil
}

func (s *Service) reject(o *models.Order, err error) error {
	o.Status = models.StatusRejected
	metrics.OrdersRejected.WithLabelValues(strconv.Itoa(int(errors.CodeOf(err)))).Inc()
	s.publish(models.OrderRejectedEvent{Order: o, Reason: err.Error()})
	s.receipt(models.ReceiptOrderRejected, nil, o)
	s.logger.Info("order rejected",
		zap.String("order_id", o.ID.String()),
		zap.Error(err))
	return err
}

// CancelOrder removes an order from the pending buffer and releases its
// reservation. Only valid during COLLECT; later phases fail with
// OrderNotCancellable.
func (s *Service) CancelOrder(orderID uuid.UUID) error {
	if phase := s.phases.Phase(); phase != models.PhaseCollect {
		return errors.ErrOrderNotCancellable.Explain("cannot cancel during %s", phase)
	}

	o, err := s.buffer.Remove(orderID)
	if err != nil {
		return err
	}
	o.Status = models.StatusCancelled

	res, err := s.escrow.ByOrder(orderID)
	if err != nil {
		return err
	}
	if err := s.escrow.Release(res.ID); err != nil {
		return err
	}
	s.receipt(models.ReceiptReservationReleased, nil, res)
	s.logger.Info("order cancelled", zap.String("order_id", orderID.String()))
	return nil
}

// SealBatch seals the pending buffer and produces the SealedBatch plus its
// gossip digest. Only valid during SEAL.
func (s *Service) SealBatch() (*models.SealedBatch, models.BatchDigest, error) {
	if phase := s.phases.Phase(); phase != models.PhaseSeal {
		return nil, models.BatchDigest{}, errors.ErrWrongEpochPhase.Explain("sealing happens during SEAL, not %s", phase)
	}

	if err := s.buffer.Seal(); err != nil {
		return nil, models.BatchDigest{}, err
	}
	orders, err := s.buffer.Drain()
	if err != nil {
		return nil, models.BatchDigest{}, err
	}

	batch := s.sealer.Seal(s.epochID, orders)
	digest := s.sealer.Digest(batch)

	metrics.BatchesSealed.Inc()
	s.publish(models.BufferSealedEvent{Digest: digest})
	s.logger.Info("batch sealed",
		zap.Uint64("epoch", batch.EpochID),
		zap.Int("orders", len(batch.Orders)))
	return batch, digest, nil
}

// Rollover prepares the envelope for the next epoch: fresh buffer, reset
// risk counters and mandatory release of expired reservations.
func (s *Service) Rollover(epochID uint64) {
	s.epochID = epochID
	s.buffer.Reset()
	s.gate.AdvanceEpoch(epochID)
	if released := s.escrow.ReleaseExpired(); released > 0 {
		s.logger.Info("released expired reservations", zap.Int("count", released))
	}
}

// RecordClearingPrice feeds a batch's clearing price back into the risk
// gate's deviation reference.
func (s *Service) RecordClearingPrice(market string, price decimal.Decimal) {
	s.gate.SetLastPrice(market, price)
}

// EpochID returns the epoch the envelope currently collects for.
func (s *Service) EpochID() uint64 {
	return s.epochID
}
