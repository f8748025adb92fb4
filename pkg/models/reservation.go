package models

import (
	"encoding/binary"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// ReservationState is the lifecycle state of a reservation.
//
// Transitions are monotonic:
//
//	ACTIVE -> SPENT    (consumed by settlement; irreversible)
//	ACTIVE -> RELEASED (order cancelled or reservation expired)
//
// SPENT and RELEASED are terminal.
type ReservationState int

const (
	ReservationActive ReservationState = iota
	ReservationSpent
	ReservationReleased
)

func (s ReservationState) String() string {
	switch s {
	case ReservationActive:
		return "ACTIVE"
	case ReservationSpent:
		return "SPENT"
	case ReservationReleased:
		return "RELEASED"
	default:
		return "UNKNOWN"
	}
}

// CanTransitionTo reports whether the transition to target is permitted by
// the state table.
func (s ReservationState) CanTransitionTo(target ReservationState) bool {
	if s != ReservationActive {
		return false
	}
	return target == ReservationSpent || target == ReservationReleased
}

// Reservation is a single-use token representing funds frozen for a specific
// order. The escrow registry mints reservations atomically with a balance
// freeze; settlement consumes them.
type Reservation struct {
	ID         uuid.UUID        `json:"id"`
	OrderID    uuid.UUID        `json:"order_id"`
	UserID     uuid.UUID        `json:"user_id"`
	Asset      string           `json:"asset"`
	Amount     decimal.Decimal  `json:"amount"`
	Consumed   decimal.Decimal  `json:"consumed"`
	IssuerNode NodeID           `json:"issuer_node"`
	State      ReservationState `json:"state"`
	Signature  []byte           `json:"signature"`
	Nonce      uint64           `json:"nonce"`
	EpochID    uint64           `json:"epoch_id"`
	CreatedAt  time.Time        `json:"created_at"`
	ExpiresAt  time.Time        `json:"expires_at"`
}

// SigningPayload is the canonical byte string the issuer signs:
// order id, user id, asset, amount and nonce under a versioned domain prefix.
func (r *Reservation) SigningPayload() []byte {
	payload := make([]byte, 0, 128)
	payload = append(payload, []byte("openmatch:reservation:v1:")...)
	payload = append(payload, r.OrderID[:]...)
	payload = append(payload, r.UserID[:]...)
	payload = append(payload, []byte(r.Asset)...)
	payload = append(payload, []byte(r.Amount.String())...)
	payload = binary.LittleEndian.AppendUint64(payload, r.Nonce)
	return payload
}

// Remaining returns the unconsumed portion of the reserved amount.
func (r *Reservation) Remaining() decimal.Decimal {
	return r.Amount.Sub(r.Consumed)
}

// IsExpired reports whether the reservation expired as of now.
func (r *Reservation) IsExpired(now time.Time) bool {
	return now.After(r.ExpiresAt)
}

// IsActive reports whether the reservation can still fund a settlement.
func (r *Reservation) IsActive(now time.Time) bool {
	return r.State == ReservationActive && !r.IsExpired(now)
}
