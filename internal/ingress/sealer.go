package ingress

import (
	"bytes"
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/binary"
	"sort"
	"time"

	"github.com/openibank/openmatch/pkg/models"
)

// batchHashDomain versions the canonical batch encoding. Changing the
// encoding requires a new domain string.
const batchHashDomain = "openmatch:batch:v1:"

// Sealer turns drained orders into an immutable SealedBatch plus the
// BatchDigest exchanged over gossip. The hash commits only to the fields
// that matter for matching; clocks and origin nodes stay out.
type Sealer struct {
	node   models.NodeID
	signer ed25519.PrivateKey
}

// NewSealer creates a sealer signing digests with the node key.
func NewSealer(node models.NodeID, signer ed25519.PrivateKey) *Sealer {
	return &Sealer{node: node, signer: signer}
}

// Seal sorts orders into canonical order and produces the sealed batch.
func (s *Sealer) Seal(epochID uint64, orders []*models.Order) *models.SealedBatch {
	sort.Slice(orders, func(i, j int) bool {
		if orders[i].Sequence != orders[j].Sequence {
			return orders[i].Sequence < orders[j].Sequence
		}
		return bytes.Compare(orders[i].ID[:], orders[j].ID[:]) < 0
	})

	return &models.SealedBatch{
		EpochID:    epochID,
		Orders:     orders,
		BatchHash:  ComputeBatchHash(epochID, orders),
		SealerNode: s.node,
		SealedAt:   time.Now(),
	}
}

// Digest builds the signed gossip commitment for a sealed batch.
func (s *Sealer) Digest(batch *models.SealedBatch) models.BatchDigest {
	d := models.BatchDigest{
		EpochID:    batch.EpochID,
		BatchHash:  batch.BatchHash,
		OrderCount: len(batch.Orders),
		SealerNode: s.node,
	}
	d.Signature = ed25519.Sign(s.signer, digestSigningBytes(&d))
	return d
}

// VerifyDigest checks a digest signature against the given issuer key.
func VerifyDigest(d *models.BatchDigest, pub ed25519.PublicKey) bool {
	if len(d.Signature) != ed25519.SignatureSize {
		return false
	}
	return ed25519.Verify(pub, digestSigningBytes(d), d.Signature)
}

func digestSigningBytes(d *models.BatchDigest) []byte {
	buf := make([]byte, 0, 8+32+8)
	buf = binary.LittleEndian.AppendUint64(buf, d.EpochID)
	buf = append(buf, d.BatchHash[:]...)
	buf = binary.LittleEndian.AppendUint64(buf, uint64(d.OrderCount))
	return buf
}

// ComputeBatchHash is the SHA-256 commitment over the epoch and the
// canonical encoding of the ordered order list.
func ComputeBatchHash(epochID uint64, orders []*models.Order) [32]byte {
	h := sha256.New()
	h.Write([]byte(batchHashDomain))

	var u64 [8]byte
	binary.LittleEndian.PutUint64(u64[:], epochID)
	h.Write(u64[:])
	binary.LittleEndian.PutUint64(u64[:], uint64(len(orders)))
	h.Write(u64[:])

	for _, o := range orders {
		h.Write(o.ID[:])
		h.Write(o.UserID[:])
		writeLenPrefixed(h.Write, o.Market.Base)
		writeLenPrefixed(h.Write, o.Market.Quote)
		h.Write([]byte{byte(o.Side)})
		h.Write([]byte{byte(o.Type)})
		if o.Type == models.TypeLimit {
			writeLenPrefixed(h.Write, o.Price.String())
		} else {
			writeLenPrefixed(h.Write, "")
		}
		writeLenPrefixed(h.Write, o.Quantity.String())
		binary.LittleEndian.PutUint64(u64[:], o.Sequence)
		h.Write(u64[:])
	}

	var hash [32]byte
	copy(hash[:], h.Sum(nil))
	return hash
}

// VerifyBatchHash recomputes the hash and compares it to the stored one.
func VerifyBatchHash(batch *models.SealedBatch) bool {
	return ComputeBatchHash(batch.EpochID, batch.Orders) == batch.BatchHash
}

// writeLenPrefixed writes a length-prefixed string into the hash. Hash writes
// never fail.
func writeLenPrefixed(write func([]byte) (int, error), s string) {
	var n [4]byte
	binary.LittleEndian.PutUint32(n[:], uint32(len(s)))
	_, _ = write(n[:])
	_, _ = write([]byte(s))
}
