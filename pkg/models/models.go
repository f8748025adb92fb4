// Package models contains the shared domain types for the OpenMatch engine:
// orders, trades, reservations, balances, sealed batches and epoch phases.
package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// OrderSide is the direction of an order.
type OrderSide int

const (
	SideBuy OrderSide = iota
	SideSell
)

func (s OrderSide) String() string {
	switch s {
	case SideBuy:
		return "BUY"
	case SideSell:
		return "SELL"
	default:
		return "UNKNOWN"
	}
}

// Opposite returns the other side.
func (s OrderSide) Opposite() OrderSide {
	if s == SideBuy {
		return SideSell
	}
	return SideBuy
}

// OrderType distinguishes limit and market orders.
type OrderType int

const (
	TypeLimit OrderType = iota
	TypeMarket
)

func (t OrderType) String() string {
	switch t {
	case TypeLimit:
		return "LIMIT"
	case TypeMarket:
		return "MARKET"
	default:
		return "UNKNOWN"
	}
}

// OrderStatus is the lifecycle state of an order.
type OrderStatus int

const (
	StatusPendingEscrow OrderStatus = iota
	StatusActive
	StatusPartiallyFilled
	StatusFilled
	StatusCancelled
	StatusRejected
	StatusExpired
)

func (s OrderStatus) String() string {
	switch s {
	case StatusPendingEscrow:
		return "PENDING_ESCROW"
	case StatusActive:
		return "ACTIVE"
	case StatusPartiallyFilled:
		return "PARTIALLY_FILLED"
	case StatusFilled:
		return "FILLED"
	case StatusCancelled:
		return "CANCELLED"
	case StatusRejected:
		return "REJECTED"
	case StatusExpired:
		return "EXPIRED"
	default:
		return "UNKNOWN"
	}
}

// Order is a buy or sell instruction for one market. Orders reference the
// reservation that funds them by id only; the escrow registry resolves it.
type Order struct {
	ID            uuid.UUID       `json:"id"`
	UserID        uuid.UUID       `json:"user_id"`
	Market        Market          `json:"market"`
	Side          OrderSide       `json:"side"`
	Type          OrderType       `json:"type"`
	Status        OrderStatus     `json:"status"`
	Price         decimal.Decimal `json:"price"` // zero for market orders
	Quantity      decimal.Decimal `json:"quantity"`
	RemainingQty  decimal.Decimal `json:"remaining_qty"`
	ReservationID uuid.UUID       `json:"reservation_id"`
	EpochID       uint64          `json:"epoch_id"`
	OriginNode    NodeID          `json:"origin_node"`
	Sequence      uint64          `json:"sequence"`
	CreatedAt     time.Time       `json:"created_at"`
	UpdatedAt     time.Time       `json:"updated_at"`
}

// IsFilled reports whether the order has no remaining quantity.
func (o *Order) IsFilled() bool {
	return o.RemainingQty.IsZero()
}

// FilledQty returns the quantity consumed so far.
func (o *Order) FilledQty() decimal.Decimal {
	return o.Quantity.Sub(o.RemainingQty)
}

// EscrowLeg returns the asset and amount that must be reserved to fund this
// order: the quote leg (price x quantity) for buys, the base leg (quantity)
// for sells.
func (o *Order) EscrowLeg() (asset string, amount decimal.Decimal) {
	if o.Side == SideBuy {
		return o.Market.Quote, o.Price.Mul(o.Quantity)
	}
	return o.Market.Base, o.Quantity
}

// BalanceEntry tracks a user's funds in one asset.
type BalanceEntry struct {
	Available decimal.Decimal `json:"available"`
	Frozen    decimal.Decimal `json:"frozen"`
}

// Total returns available + frozen.
func (b BalanceEntry) Total() decimal.Decimal {
	return b.Available.Add(b.Frozen)
}

// IsZero reports whether both components are zero.
func (b BalanceEntry) IsZero() bool {
	return b.Available.IsZero() && b.Frozen.IsZero()
}

// Trade is one fill produced by the batch matcher. Both orders are referenced
// by id only.
type Trade struct {
	ID           uuid.UUID       `json:"id"`
	BatchID      uint64          `json:"batch_id"`
	Market       Market          `json:"market"`
	MakerOrderID uuid.UUID       `json:"maker_order_id"`
	MakerUserID  uuid.UUID       `json:"maker_user_id"`
	TakerOrderID uuid.UUID       `json:"taker_order_id"`
	TakerUserID  uuid.UUID       `json:"taker_user_id"`
	Price        decimal.Decimal `json:"price"`
	Quantity     decimal.Decimal `json:"quantity"`
	QuoteAmount  decimal.Decimal `json:"quote_amount"`
	TakerSide    OrderSide       `json:"taker_side"`
}

// Notional is the quote-denominated value of the trade.
func (t *Trade) Notional() decimal.Decimal {
	return t.QuoteAmount
}

// TakerIsBuyer reports whether the taker was the buying side.
func (t *Trade) TakerIsBuyer() bool {
	return t.TakerSide == SideBuy
}

// BuyerID returns the user on the buying side of the trade.
func (t *Trade) BuyerID() uuid.UUID {
	if t.TakerIsBuyer() {
		return t.TakerUserID
	}
	return t.MakerUserID
}

// SellerID returns the user on the selling side of the trade.
func (t *Trade) SellerID() uuid.UUID {
	if t.TakerIsBuyer() {
		return t.MakerUserID
	}
	return t.TakerUserID
}

// BuyerOrderID returns the order id on the buying side.
func (t *Trade) BuyerOrderID() uuid.UUID {
	if t.TakerIsBuyer() {
		return t.TakerOrderID
	}
	return t.MakerOrderID
}

// SellerOrderID returns the order id on the selling side.
func (t *Trade) SellerOrderID() uuid.UUID {
	if t.TakerIsBuyer() {
		return t.MakerOrderID
	}
	return t.TakerOrderID
}

// SealedBatch is the immutable, canonically ordered input to the matcher.
// BatchHash commits to the epoch and the canonical order list; SealedAt and
// SealerNode do not enter the hash.
type SealedBatch struct {
	EpochID    uint64    `json:"epoch_id"`
	Orders     []*Order  `json:"orders"`
	BatchHash  [32]byte  `json:"batch_hash"`
	SealerNode NodeID    `json:"sealer_node"`
	SealedAt   time.Time `json:"sealed_at"`
}

// BatchDigest is the lightweight commitment exchanged over gossip. Equal
// digests imply equivalent sealed batches.
type BatchDigest struct {
	EpochID    uint64   `json:"epoch_id"`
	BatchHash  [32]byte `json:"batch_hash"`
	OrderCount int      `json:"order_count"`
	SealerNode NodeID   `json:"sealer_node"`
	Signature  []byte   `json:"signature"`
}

// TradeBundle is the deterministic output of matching one sealed batch.
// ClearingPrice is set when a single market cleared in this batch; each trade
// carries its own price regardless.
type TradeBundle struct {
	BatchID         uint64           `json:"batch_id"`
	Trades          []*Trade         `json:"trades"`
	TradeRoot       [32]byte         `json:"trade_root"`
	InputHash       [32]byte         `json:"input_hash"`
	ClearingPrice   *decimal.Decimal `json:"clearing_price,omitempty"`
	RemainingOrders []*Order         `json:"remaining_orders"`
}

// EpochPhase is one of the four non-overlapping phases of an epoch.
type EpochPhase int

const (
	PhaseCollect EpochPhase = iota
	PhaseSeal
	PhaseMatch
	PhaseFinalize
)

func (p EpochPhase) String() string {
	switch p {
	case PhaseCollect:
		return "COLLECT"
	case PhaseSeal:
		return "SEAL"
	case PhaseMatch:
		return "MATCH"
	case PhaseFinalize:
		return "FINALIZE"
	default:
		return "UNKNOWN"
	}
}

// Next returns the phase that follows in the cycle. FINALIZE wraps to
// COLLECT of the next epoch.
func (p EpochPhase) Next() EpochPhase {
	switch p {
	case PhaseCollect:
		return PhaseSeal
	case PhaseSeal:
		return PhaseMatch
	case PhaseMatch:
		return PhaseFinalize
	default:
		return PhaseCollect
	}
}
