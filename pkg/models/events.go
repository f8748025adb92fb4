package models

import (
	"github.com/google/uuid"
)

// EventKind identifies an entry in the observable event stream the core
// produces for the external persistence layer.
type EventKind int

const (
	EventOrderAccepted EventKind = iota
	EventOrderRejected
	EventBufferSealed
	EventTradeExecuted
	EventBalanceUpdated
	EventReservationStateChanged
	EventEpochAdvanced
)

func (k EventKind) String() string {
	switch k {
	case EventOrderAccepted:
		return "ORDER_ACCEPTED"
	case EventOrderRejected:
		return "ORDER_REJECTED"
	case EventBufferSealed:
		return "BUFFER_SEALED"
	case EventTradeExecuted:
		return "TRADE_EXECUTED"
	case EventBalanceUpdated:
		return "BALANCE_UPDATED"
	case EventReservationStateChanged:
		return "RESERVATION_STATE_CHANGED"
	case EventEpochAdvanced:
		return "EPOCH_ADVANCED"
	default:
		return "UNKNOWN"
	}
}

// Event is one entry of the append-stream handed to persistence.
type Event interface {
	Kind() EventKind
}

// OrderAcceptedEvent records an order admitted to the pending buffer.
type OrderAcceptedEvent struct {
	Order *Order
}

func (OrderAcceptedEvent) Kind() EventKind { return EventOrderAccepted }

// OrderRejectedEvent records an order turned away at ingress.
type OrderRejectedEvent struct {
	Order  *Order
	Reason string
}

func (OrderRejectedEvent) Kind() EventKind { return EventOrderRejected }

// BufferSealedEvent carries the digest of the freshly sealed batch.
type BufferSealedEvent struct {
	Digest BatchDigest
}

func (BufferSealedEvent) Kind() EventKind { return EventBufferSealed }

// TradeExecutedEvent records a settled trade.
type TradeExecutedEvent struct {
	Trade *Trade
}

func (TradeExecutedEvent) Kind() EventKind { return EventTradeExecuted }

// BalanceUpdatedEvent records a balance mutation.
type BalanceUpdatedEvent struct {
	UserID uuid.UUID
	Asset  string
	Entry  BalanceEntry
}

func (BalanceUpdatedEvent) Kind() EventKind { return EventBalanceUpdated }

// ReservationStateChangedEvent records a reservation transition.
type ReservationStateChangedEvent struct {
	ReservationID uuid.UUID
	OrderID       uuid.UUID
	From          ReservationState
	To            ReservationState
}

func (ReservationStateChangedEvent) Kind() EventKind { return EventReservationStateChanged }

// EpochAdvancedEvent records a phase transition of the epoch state machine.
type EpochAdvancedEvent struct {
	EpochID uint64
	Phase   EpochPhase
}

func (EpochAdvancedEvent) Kind() EventKind { return EventEpochAdvanced }
