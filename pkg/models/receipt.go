package models

import (
	"crypto/sha256"
	"time"

	"github.com/google/uuid"
)

// ReceiptType classifies the structured records the core hands to the
// external receipt signer.
type ReceiptType int

const (
	ReceiptOrderAccepted ReceiptType = iota
	ReceiptOrderRejected
	ReceiptTradeExecuted
	ReceiptSettlementCompleted
	ReceiptReservationMinted
	ReceiptReservationReleased
	ReceiptReservationSpent
)

func (t ReceiptType) String() string {
	switch t {
	case ReceiptOrderAccepted:
		return "ORDER_ACCEPTED"
	case ReceiptOrderRejected:
		return "ORDER_REJECTED"
	case ReceiptTradeExecuted:
		return "TRADE_EXECUTED"
	case ReceiptSettlementCompleted:
		return "SETTLEMENT_COMPLETED"
	case ReceiptReservationMinted:
		return "RESERVATION_MINTED"
	case ReceiptReservationReleased:
		return "RESERVATION_RELEASED"
	case ReceiptReservationSpent:
		return "RESERVATION_SPENT"
	default:
		return "UNKNOWN"
	}
}

// Receipt is a structured record suitable for external ed25519 signing. The
// core computes the payload hash but never holds signing keys.
type Receipt struct {
	Type        ReceiptType `json:"type"`
	EpochID     uint64      `json:"epoch_id"`
	TradeID     *uuid.UUID  `json:"trade_id,omitempty"`
	Payload     []byte      `json:"payload"`
	PayloadHash [32]byte    `json:"payload_hash"`
	IssuerNode  NodeID      `json:"issuer_node"`
	IssuedAt    time.Time   `json:"issued_at"`
}

// NewReceipt builds a receipt and stamps the payload hash.
func NewReceipt(rt ReceiptType, epochID uint64, tradeID *uuid.UUID, payload []byte, issuer NodeID, now time.Time) *Receipt {
	return &Receipt{
		Type:        rt,
		EpochID:     epochID,
		TradeID:     tradeID,
		Payload:     payload,
		PayloadHash: sha256.Sum256(payload),
		IssuerNode:  issuer,
		IssuedAt:    now,
	}
}

// SigningBytes returns the bytes an external signer should sign.
func (r *Receipt) SigningBytes() []byte {
	return r.PayloadHash[:]
}
