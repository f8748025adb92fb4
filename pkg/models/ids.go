package models

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"fmt"

	"github.com/google/uuid"
)

// NewID returns a new time-ordered (UUIDv7) identifier. All user-visible
// entities (orders, users, reservations) use these so that identifiers sort
// by creation time.
func NewID() uuid.UUID {
	id, err := uuid.NewV7()
	if err != nil {
		// NewV7 only fails if the random source is broken; fall back to v4
		// rather than crashing the ingress path.
		return uuid.New()
	}
	return id
}

// DeterministicTradeID derives a trade identifier from the batch identifier
// and the fill sequence. Every node derives the exact same identifier for the
// same fill of the same batch.
func DeterministicTradeID(batchID, fillSequence uint64) uuid.UUID {
	h := sha256.New()
	h.Write([]byte("openmatch:trade_id:v1:"))
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], batchID)
	h.Write(buf[:])
	binary.LittleEndian.PutUint64(buf[:], fillSequence)
	h.Write(buf[:])
	sum := h.Sum(nil)

	var id uuid.UUID
	copy(id[:], sum[:16])
	return id
}

// NodeID is the identity of a node: its raw ed25519 public key.
type NodeID [32]byte

// NodeIDFromPubKey builds a NodeID from a 32-byte public key.
func NodeIDFromPubKey(pub []byte) (NodeID, error) {
	var id NodeID
	if len(pub) != len(id) {
		return id, fmt.Errorf("node id must be %d bytes, got %d", len(id), len(pub))
	}
	copy(id[:], pub)
	return id, nil
}

// Short returns a truncated hex form for logging.
func (n NodeID) Short() string {
	return hex.EncodeToString(n[:4])
}

func (n NodeID) String() string {
	return "node:" + hex.EncodeToString(n[:8])
}

// Market is a trading pair, e.g. BTC/USDT.
type Market struct {
	Base  string `json:"base"`
	Quote string `json:"quote"`
}

// NewMarket creates a market pair.
func NewMarket(base, quote string) Market {
	return Market{Base: base, Quote: quote}
}

// Symbol returns the canonical "BASE/QUOTE" form.
func (m Market) Symbol() string {
	return m.Base + "/" + m.Quote
}

func (m Market) String() string {
	return m.Symbol()
}
