package matchcore

import (
	"crypto/sha256"
	"encoding/binary"
	"math/bits"

	"github.com/openibank/openmatch/pkg/models"
)

// tradeRootDomain versions the canonical trade encoding.
const tradeRootDomain = "openmatch:result:v1:"

var (
	leafPrefix  = []byte{0x00}
	innerPrefix = []byte{0x01}
)

// ComputeTradeRoot builds the Merkle commitment over the canonical trade
// list. Each leaf hashes the domain separator, the batch id, the leaf index
// and the canonical trade encoding; an empty list yields a fixed sentinel
// root. Same trades in the same order always produce the same root.
func ComputeTradeRoot(batchID uint64, trades []*models.Trade) [32]byte {
	if len(trades) == 0 {
		return sha256.Sum256([]byte(tradeRootDomain + "empty"))
	}

	leaves := make([][]byte, len(trades))
	for i, t := range trades {
		leaves[i] = leafBytes(batchID, uint64(i), uint64(len(trades)), t)
	}
	return merkleRoot(leaves)
}

// VerifyTradeRoot recomputes the root from the trades and compares.
func VerifyTradeRoot(batchID uint64, trades []*models.Trade, root [32]byte) bool {
	return ComputeTradeRoot(batchID, trades) == root
}

func leafBytes(batchID, index, count uint64, t *models.Trade) []byte {
	buf := make([]byte, 0, 256)
	buf = append(buf, []byte(tradeRootDomain)...)
	buf = binary.LittleEndian.AppendUint64(buf, batchID)
	buf = binary.LittleEndian.AppendUint64(buf, count)
	buf = binary.LittleEndian.AppendUint64(buf, index)
	buf = append(buf, t.ID[:]...)
	buf = append(buf, t.MakerOrderID[:]...)
	buf = append(buf, t.TakerOrderID[:]...)
	buf = append(buf, t.MakerUserID[:]...)
	buf = append(buf, t.TakerUserID[:]...)
	buf = appendLenPrefixed(buf, t.Market.Base)
	buf = appendLenPrefixed(buf, t.Market.Quote)
	buf = appendLenPrefixed(buf, t.Price.String())
	buf = appendLenPrefixed(buf, t.Quantity.String())
	buf = appendLenPrefixed(buf, t.QuoteAmount.String())
	buf = append(buf, byte(t.TakerSide))
	return buf
}

func appendLenPrefixed(buf []byte, s string) []byte {
	buf = binary.LittleEndian.AppendUint32(buf, uint32(len(s)))
	return append(buf, s...)
}

// merkleRoot computes a binary SHA-256 Merkle tree over the leaves, splitting
// at the largest power of two below the item count. Leaf and inner hashes are
// domain-prefixed so leaves can never be confused with inner nodes.
func merkleRoot(items [][]byte) [32]byte {
	switch len(items) {
	case 1:
		return sha256.Sum256(append(leafPrefix, items[0]...))
	default:
		k := splitPoint(len(items))
		left := merkleRoot(items[:k])
		right := merkleRoot(items[k:])
		combined := make([]byte, 0, 1+64)
		combined = append(combined, innerPrefix...)
		combined = append(combined, left[:]...)
		combined = append(combined, right[:]...)
		return sha256.Sum256(combined)
	}
}

// splitPoint returns the largest power of two strictly less than length.
func splitPoint(length int) int {
	k := 1 << (bits.Len(uint(length)) - 1)
	if k == length {
		k >>= 1
	}
	return k
}
