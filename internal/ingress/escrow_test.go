package ingress

import (
	"crypto/ed25519"
	"crypto/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/openibank/openmatch/pkg/errors"
	"github.com/openibank/openmatch/pkg/models"
)

func newTestRegistry(t *testing.T) (*Registry, *Ledger) {
	t.Helper()
	ledger := newTestLedger()
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	reg, err := NewRegistry(zap.NewNop(), ledger, priv, time.Hour, nil)
	require.NoError(t, err)
	return reg, ledger
}

func TestMintFreezesAndCreatesReservation(t *testing.T) {
	reg, ledger := newTestRegistry(t)
	user := models.NewID()
	require.NoError(t, ledger.Deposit(user, "USDT", dec("10000")))

	res, err := reg.Mint(models.NewID(), user, "USDT", dec("5000"), 1)
	require.NoError(t, err)

	bal := ledger.Balance(user, "USDT")
	assert.True(t, bal.Available.Equal(dec("5000")))
	assert.True(t, bal.Frozen.Equal(dec("5000")))

	assert.Equal(t, models.ReservationActive, res.State)
	assert.True(t, reg.IsActive(res.ID))
	assert.Equal(t, 1, reg.Count())
	assert.Equal(t, 1, reg.ActiveCount())
}

func TestMintFailsWithoutFunds(t *testing.T) {
	reg, ledger := newTestRegistry(t)
	user := models.NewID()
	require.NoError(t, ledger.Deposit(user, "USDT", dec("100")))

	_, err := reg.Mint(models.NewID(), user, "USDT", dec("200"), 1)
	assert.ErrorIs(t, err, errors.ErrInsufficientBalance)

	// No reservation, no freeze.
	assert.Equal(t, 0, reg.Count())
	assert.True(t, ledger.Balance(user, "USDT").Available.Equal(dec("100")))
}

func TestMintSignsReservation(t *testing.T) {
	reg, ledger := newTestRegistry(t)
	user := models.NewID()
	require.NoError(t, ledger.Deposit(user, "USDT", dec("1000")))

	res, err := reg.Mint(models.NewID(), user, "USDT", dec("500"), 1)
	require.NoError(t, err)

	assert.Len(t, res.Signature, ed25519.SignatureSize)
	assert.NoError(t, reg.Verify(res))
}

func TestVerifyRejectsTamperedSignature(t *testing.T) {
	reg, ledger := newTestRegistry(t)
	user := models.NewID()
	require.NoError(t, ledger.Deposit(user, "USDT", dec("1000")))

	res, err := reg.Mint(models.NewID(), user, "USDT", dec("500"), 1)
	require.NoError(t, err)

	tampered := *res
	tampered.Signature = append([]byte(nil), res.Signature...)
	tampered.Signature[0] ^= 0xFF
	assert.ErrorIs(t, reg.Verify(&tampered), errors.ErrSignatureInvalid)

	forged := *res
	forged.Amount = dec("999999")
	assert.ErrorIs(t, reg.Verify(&forged), errors.ErrSignatureInvalid)
}

func TestVerifyRejectsUnknownIssuer(t *testing.T) {
	reg, ledger := newTestRegistry(t)
	user := models.NewID()
	require.NoError(t, ledger.Deposit(user, "USDT", dec("1000")))

	res, err := reg.Mint(models.NewID(), user, "USDT", dec("500"), 1)
	require.NoError(t, err)

	foreign := *res
	foreign.IssuerNode = models.NodeID{0xAB}
	assert.ErrorIs(t, reg.Verify(&foreign), errors.ErrUnknownIssuer)
}

func TestAdmitRejectsNonceReplay(t *testing.T) {
	issuerReg, issuerLedger := newTestRegistry(t)
	reg, _ := newTestRegistry(t)

	user := models.NewID()
	require.NoError(t, issuerLedger.Deposit(user, "USDT", dec("1000")))
	res, err := issuerReg.Mint(models.NewID(), user, "USDT", dec("500"), 1)
	require.NoError(t, err)

	// Trust the issuer's key, then admit once.
	issuerRes, err := issuerReg.Get(res.ID)
	require.NoError(t, err)
	pub, _ := issuerPublicKey(t, issuerReg)
	reg.RegisterIssuer(issuerRes.IssuerNode, pub)
	require.NoError(t, reg.Admit(&issuerRes))

	// Same nonce again (fresh reservation id, signature still valid since the
	// id is not part of the signed payload) must be rejected as replay.
	replay := issuerRes
	replay.ID = models.NewID()
	err = reg.Admit(&replay)
	assert.ErrorIs(t, err, errors.ErrNonceReused)
}

// issuerPublicKey extracts the issuer key a registry trusts for itself.
func issuerPublicKey(t *testing.T, reg *Registry) (ed25519.PublicKey, models.NodeID) {
	t.Helper()
	node := reg.NodeID()
	pub := reg.issuerKeys[node]
	require.NotNil(t, pub)
	return pub, node
}

func TestReleaseUnfreezesAndTerminates(t *testing.T) {
	reg, ledger := newTestRegistry(t)
	user := models.NewID()
	require.NoError(t, ledger.Deposit(user, "USDT", dec("10000")))

	res, err := reg.Mint(models.NewID(), user, "USDT", dec("5000"), 1)
	require.NoError(t, err)

	require.NoError(t, reg.Release(res.ID))

	bal := ledger.Balance(user, "USDT")
	assert.True(t, bal.Available.Equal(dec("10000")))
	assert.True(t, bal.Frozen.IsZero())

	got, err := reg.Get(res.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ReservationReleased, got.State)
}

func TestDoubleReleaseFails(t *testing.T) {
	reg, ledger := newTestRegistry(t)
	user := models.NewID()
	require.NoError(t, ledger.Deposit(user, "USDT", dec("10000")))

	res, err := reg.Mint(models.NewID(), user, "USDT", dec("5000"), 1)
	require.NoError(t, err)

	require.NoError(t, reg.Release(res.ID))
	assert.ErrorIs(t, reg.Release(res.ID), errors.ErrInvalidReservation)
}

func TestMarkSpentIsNotIdempotent(t *testing.T) {
	reg, ledger := newTestRegistry(t)
	user := models.NewID()
	require.NoError(t, ledger.Deposit(user, "USDT", dec("10000")))

	res, err := reg.Mint(models.NewID(), user, "USDT", dec("5000"), 1)
	require.NoError(t, err)

	require.NoError(t, reg.MarkSpent(res.ID))
	got, err := reg.Get(res.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ReservationSpent, got.State)

	assert.ErrorIs(t, reg.MarkSpent(res.ID), errors.ErrInvalidReservation)
}

func TestSpentCannotBeReleased(t *testing.T) {
	reg, ledger := newTestRegistry(t)
	user := models.NewID()
	require.NoError(t, ledger.Deposit(user, "USDT", dec("10000")))

	res, err := reg.Mint(models.NewID(), user, "USDT", dec("5000"), 1)
	require.NoError(t, err)

	require.NoError(t, reg.MarkSpent(res.ID))
	assert.ErrorIs(t, reg.Release(res.ID), errors.ErrInvalidReservation)
}

func TestConsumeTransitionsToSpentAtFullAmount(t *testing.T) {
	reg, ledger := newTestRegistry(t)
	user := models.NewID()
	require.NoError(t, ledger.Deposit(user, "USDT", dec("10000")))

	res, err := reg.Mint(models.NewID(), user, "USDT", dec("5000"), 1)
	require.NoError(t, err)

	require.NoError(t, reg.Consume(res.ID, dec("2000")))
	got, err := reg.Get(res.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ReservationActive, got.State)
	assert.True(t, got.Remaining().Equal(dec("3000")))

	require.NoError(t, reg.Consume(res.ID, dec("3000")))
	got, err = reg.Get(res.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ReservationSpent, got.State)

	assert.ErrorIs(t, reg.Consume(res.ID, dec("1")), errors.ErrInvalidReservation)
}

func TestConsumeRejectsOverdraft(t *testing.T) {
	reg, ledger := newTestRegistry(t)
	user := models.NewID()
	require.NoError(t, ledger.Deposit(user, "USDT", dec("10000")))

	res, err := reg.Mint(models.NewID(), user, "USDT", dec("5000"), 1)
	require.NoError(t, err)

	assert.ErrorIs(t, reg.Consume(res.ID, dec("5001")), errors.ErrInvalidReservation)
}

func TestExpiredReservationIsReleased(t *testing.T) {
	reg, ledger := newTestRegistry(t)
	user := models.NewID()
	require.NoError(t, ledger.Deposit(user, "USDT", dec("10000")))

	res, err := reg.Mint(models.NewID(), user, "USDT", dec("5000"), 1)
	require.NoError(t, err)

	// Jump past the expiry.
	reg.SetClock(func() time.Time { return time.Now().Add(2 * time.Hour) })

	assert.ErrorIs(t, reg.Consume(res.ID, dec("1")), errors.ErrReservationExpired)
	assert.False(t, reg.IsActive(res.ID))

	released := reg.ReleaseExpired()
	assert.Equal(t, 1, released)

	bal := ledger.Balance(user, "USDT")
	assert.True(t, bal.Available.Equal(dec("10000")))
	assert.True(t, bal.Frozen.IsZero())
}

func TestMintRejectsDuplicateOrder(t *testing.T) {
	reg, ledger := newTestRegistry(t)
	user := models.NewID()
	require.NoError(t, ledger.Deposit(user, "USDT", dec("10000")))

	orderID := models.NewID()
	_, err := reg.Mint(orderID, user, "USDT", dec("100"), 1)
	require.NoError(t, err)

	_, err = reg.Mint(orderID, user, "USDT", dec("100"), 1)
	assert.ErrorIs(t, err, errors.ErrDuplicateOrder)
}
