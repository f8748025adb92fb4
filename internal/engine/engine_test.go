package engine

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/openibank/openmatch/internal/config"
	"github.com/openibank/openmatch/internal/matchcore"
	"github.com/openibank/openmatch/pkg/errors"
	"github.com/openibank/openmatch/pkg/models"
)

func dec(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return d
}

func newTestEngine(t *testing.T) *Engine {
	t.Helper()
	e, err := New(config.Default(), zap.NewNop(), nil)
	require.NoError(t, err)
	return e
}

func order(side models.OrderSide, price, qty string) *models.Order {
	return &models.Order{
		ID:       models.NewID(),
		UserID:   models.NewID(),
		Market:   models.NewMarket("BTC", "USDT"),
		Side:     side,
		Type:     models.TypeLimit,
		Price:    dec(price),
		Quantity: dec(qty),
	}
}

func TestSingleCrossingEndToEnd(t *testing.T) {
	e := newTestEngine(t)
	alice, bob := models.NewID(), models.NewID()

	require.NoError(t, e.Deposit(alice, "USDT", dec("50000")))
	require.NoError(t, e.Deposit(bob, "BTC", dec("1")))

	buy := order(models.SideBuy, "50000", "1")
	buy.UserID = alice
	sell := order(models.SideSell, "50000", "1")
	sell.UserID = bob

	require.NoError(t, e.SubmitOrder(buy))
	require.NoError(t, e.SubmitOrder(sell))
	assert.Equal(t, uint64(0), buy.Sequence)
	assert.Equal(t, uint64(1), sell.Sequence)

	bundle, err := e.RunEpoch()
	require.NoError(t, err)

	require.Len(t, bundle.Trades, 1)
	trade := bundle.Trades[0]
	assert.True(t, trade.Price.Equal(dec("50000")))
	assert.True(t, trade.Quantity.Equal(dec("1")))

	assert.True(t, e.Balance(alice, "BTC").Available.Equal(dec("1")))
	assert.True(t, e.Balance(alice, "USDT").IsZero())
	assert.True(t, e.Balance(bob, "USDT").Available.Equal(dec("50000")))
	assert.True(t, e.Balance(bob, "BTC").IsZero())

	buyRes, err := e.Reservation(buy.ReservationID)
	require.NoError(t, err)
	assert.Equal(t, models.ReservationSpent, buyRes.State)
	sellRes, err := e.Reservation(sell.ReservationID)
	require.NoError(t, err)
	assert.Equal(t, models.ReservationSpent, sellRes.State)
}

func TestNoCrossLeavesReservationsActive(t *testing.T) {
	e := newTestEngine(t)
	alice, bob := models.NewID(), models.NewID()

	require.NoError(t, e.Deposit(alice, "USDT", dec("49000")))
	require.NoError(t, e.Deposit(bob, "BTC", dec("1")))

	buy := order(models.SideBuy, "49000", "1")
	buy.UserID = alice
	sell := order(models.SideSell, "50000", "1")
	sell.UserID = bob
	require.NoError(t, e.SubmitOrder(buy))
	require.NoError(t, e.SubmitOrder(sell))

	bundle, err := e.RunEpoch()
	require.NoError(t, err)

	assert.Empty(t, bundle.Trades)
	assert.Equal(t, matchcore.ComputeTradeRoot(0, nil), bundle.TradeRoot)

	buyRes, err := e.Reservation(buy.ReservationID)
	require.NoError(t, err)
	assert.Equal(t, models.ReservationActive, buyRes.State)
	sellRes, err := e.Reservation(sell.ReservationID)
	require.NoError(t, err)
	assert.Equal(t, models.ReservationActive, sellRes.State)
}

func TestSelfTradeProducesNoTrades(t *testing.T) {
	e := newTestEngine(t)
	user := models.NewID()

	require.NoError(t, e.Deposit(user, "USDT", dec("100")))
	require.NoError(t, e.Deposit(user, "BTC", dec("1")))

	buy := order(models.SideBuy, "100", "1")
	buy.UserID = user
	sell := order(models.SideSell, "100", "1")
	sell.UserID = user
	require.NoError(t, e.SubmitOrder(buy))
	require.NoError(t, e.SubmitOrder(sell))

	bundle, err := e.RunEpoch()
	require.NoError(t, err)
	assert.Empty(t, bundle.Trades)

	buyRes, err := e.Reservation(buy.ReservationID)
	require.NoError(t, err)
	assert.Equal(t, models.ReservationActive, buyRes.State)
	sellRes, err := e.Reservation(sell.ReservationID)
	require.NoError(t, err)
	assert.Equal(t, models.ReservationActive, sellRes.State)
}

func TestUniformClearingWithPriceImprovement(t *testing.T) {
	e := newTestEngine(t)
	alice, bob := models.NewID(), models.NewID()

	require.NoError(t, e.Deposit(alice, "USDT", dec("50000")))
	require.NoError(t, e.Deposit(bob, "BTC", dec("1")))

	buy := order(models.SideBuy, "50000", "1")
	buy.UserID = alice
	sell := order(models.SideSell, "49900", "1")
	sell.UserID = bob
	require.NoError(t, e.SubmitOrder(buy))
	require.NoError(t, e.SubmitOrder(sell))

	bundle, err := e.RunEpoch()
	require.NoError(t, err)

	require.Len(t, bundle.Trades, 1)
	// Volume and imbalance tie between 49900 and 50000; the higher price wins.
	assert.True(t, bundle.Trades[0].Price.Equal(dec("50000")))
	assert.True(t, bundle.Trades[0].Quantity.Equal(dec("1")))
}

func TestDoubleSettleRejected(t *testing.T) {
	e := newTestEngine(t)
	alice, bob := models.NewID(), models.NewID()

	require.NoError(t, e.Deposit(alice, "USDT", dec("50000")))
	require.NoError(t, e.Deposit(bob, "BTC", dec("1")))

	buy := order(models.SideBuy, "50000", "1")
	buy.UserID = alice
	sell := order(models.SideSell, "50000", "1")
	sell.UserID = bob
	require.NoError(t, e.SubmitOrder(buy))
	require.NoError(t, e.SubmitOrder(sell))

	// Advance through SEAL, MATCH, FINALIZE (settles once).
	for i := 0; i < 3; i++ {
		_, err := e.AdvancePhase()
		require.NoError(t, err)
	}
	bundle := e.Bundle()
	require.NotNil(t, bundle)
	require.Len(t, bundle.Trades, 1)

	aliceBTC := e.Balance(alice, "BTC")
	bobUSDT := e.Balance(bob, "USDT")

	err := e.settler.SettleTrade(bundle.Trades[0])
	assert.ErrorIs(t, err, errors.ErrTradeAlreadySettled)

	// Ledger unchanged by the rejected second settlement.
	assert.True(t, e.Balance(alice, "BTC").Available.Equal(aliceBTC.Available))
	assert.True(t, e.Balance(bob, "USDT").Available.Equal(bobUSDT.Available))
}

func TestWithdrawLockAcrossPhases(t *testing.T) {
	e := newTestEngine(t)
	alice := models.NewID()
	require.NoError(t, e.Deposit(alice, "USDT", dec("1000")))

	// COLLECT: withdrawals pass.
	require.NoError(t, e.Withdraw(alice, "USDT", dec("100")))

	// SEAL and MATCH: blocked.
	_, err := e.AdvancePhase()
	require.NoError(t, err)
	assert.ErrorIs(t, e.Withdraw(alice, "USDT", dec("100")), errors.ErrWrongEpochPhase)

	_, err = e.AdvancePhase()
	require.NoError(t, err)
	assert.Equal(t, models.PhaseMatch, e.CurrentPhase())
	assert.ErrorIs(t, e.Withdraw(alice, "USDT", dec("100")), errors.ErrWrongEpochPhase)

	// FINALIZE: still blocked.
	_, err = e.AdvancePhase()
	require.NoError(t, err)
	assert.ErrorIs(t, e.Withdraw(alice, "USDT", dec("100")), errors.ErrWrongEpochPhase)

	// Back to COLLECT: the same call succeeds.
	_, err = e.AdvancePhase()
	require.NoError(t, err)
	assert.Equal(t, models.PhaseCollect, e.CurrentPhase())
	require.NoError(t, e.Withdraw(alice, "USDT", dec("100")))

	assert.True(t, e.Balance(alice, "USDT").Available.Equal(dec("800")))
}

func TestOrdersRejectedOutsideCollect(t *testing.T) {
	e := newTestEngine(t)
	alice := models.NewID()
	require.NoError(t, e.Deposit(alice, "USDT", dec("1000")))

	_, err := e.AdvancePhase() // SEAL
	require.NoError(t, err)

	o := order(models.SideBuy, "100", "1")
	o.UserID = alice
	assert.ErrorIs(t, e.SubmitOrder(o), errors.ErrWrongEpochPhase)
}

func TestCancelReleasesReservation(t *testing.T) {
	e := newTestEngine(t)
	alice := models.NewID()
	require.NoError(t, e.Deposit(alice, "USDT", dec("1000")))

	o := order(models.SideBuy, "100", "1")
	o.UserID = alice
	require.NoError(t, e.SubmitOrder(o))
	assert.True(t, e.Balance(alice, "USDT").Frozen.Equal(dec("100")))

	require.NoError(t, e.CancelOrder(o.ID))
	bal := e.Balance(alice, "USDT")
	assert.True(t, bal.Available.Equal(dec("1000")))
	assert.True(t, bal.Frozen.IsZero())

	res, err := e.Reservation(o.ReservationID)
	require.NoError(t, err)
	assert.Equal(t, models.ReservationReleased, res.State)
}

func TestCancelFailsOutsideCollect(t *testing.T) {
	e := newTestEngine(t)
	alice := models.NewID()
	require.NoError(t, e.Deposit(alice, "USDT", dec("1000")))

	o := order(models.SideBuy, "100", "1")
	o.UserID = alice
	require.NoError(t, e.SubmitOrder(o))

	_, err := e.AdvancePhase() // SEAL
	require.NoError(t, err)

	assert.ErrorIs(t, e.CancelOrder(o.ID), errors.ErrOrderNotCancellable)
}

func TestMarketBuyRejectedAtIngress(t *testing.T) {
	e := newTestEngine(t)
	alice := models.NewID()
	require.NoError(t, e.Deposit(alice, "USDT", dec("1000")))

	o := &models.Order{
		ID:       models.NewID(),
		UserID:   alice,
		Market:   models.NewMarket("BTC", "USDT"),
		Side:     models.SideBuy,
		Type:     models.TypeMarket,
		Quantity: dec("1"),
	}
	assert.ErrorIs(t, e.SubmitOrder(o), errors.ErrInvalidOrder)
	assert.True(t, e.Balance(alice, "USDT").Frozen.IsZero())
}

func TestInsufficientFundsRejectedAtMint(t *testing.T) {
	e := newTestEngine(t)
	alice := models.NewID()
	require.NoError(t, e.Deposit(alice, "USDT", dec("100")))

	o := order(models.SideBuy, "50000", "1") // needs 50000 USDT
	o.UserID = alice
	assert.ErrorIs(t, e.SubmitOrder(o), errors.ErrInsufficientBalance)
	assert.Equal(t, 0, e.escrow.Count())
}

func TestSupplyConservedAcrossEpochs(t *testing.T) {
	e := newTestEngine(t)
	alice, bob := models.NewID(), models.NewID()

	require.NoError(t, e.Deposit(alice, "USDT", dec("100000")))
	require.NoError(t, e.Deposit(bob, "BTC", dec("2")))

	for epoch := 0; epoch < 3; epoch++ {
		buy := order(models.SideBuy, "50000", "0.5")
		buy.UserID = alice
		sell := order(models.SideSell, "50000", "0.5")
		sell.UserID = bob
		require.NoError(t, e.SubmitOrder(buy))
		require.NoError(t, e.SubmitOrder(sell))

		_, err := e.RunEpoch()
		require.NoError(t, err)

		require.NoError(t, e.ledger.VerifySupply("USDT"))
		require.NoError(t, e.ledger.VerifySupply("BTC"))
	}

	assert.True(t, e.Balance(alice, "BTC").Available.Equal(dec("1.5")))
	assert.True(t, e.Balance(bob, "USDT").Available.Equal(dec("75000")))
}

func TestVerifyRemoteRoot(t *testing.T) {
	e := newTestEngine(t)
	alice, bob := models.NewID(), models.NewID()
	require.NoError(t, e.Deposit(alice, "USDT", dec("50000")))
	require.NoError(t, e.Deposit(bob, "BTC", dec("1")))

	buy := order(models.SideBuy, "50000", "1")
	buy.UserID = alice
	sell := order(models.SideSell, "50000", "1")
	sell.UserID = bob
	require.NoError(t, e.SubmitOrder(buy))
	require.NoError(t, e.SubmitOrder(sell))

	_, err := e.AdvancePhase() // SEAL
	require.NoError(t, err)
	_, err = e.AdvancePhase() // MATCH
	require.NoError(t, err)

	bundle := e.Bundle()
	require.NotNil(t, bundle)
	assert.NoError(t, e.VerifyRemoteRoot(bundle.TradeRoot))
	assert.ErrorIs(t, e.VerifyRemoteRoot([32]byte{0xBE, 0xEF}), errors.ErrDeterminismViolation)
}

func TestEpochAdvancesAfterFullCycle(t *testing.T) {
	e := newTestEngine(t)
	assert.Equal(t, uint64(0), e.CurrentEpoch())

	_, err := e.RunEpoch()
	require.NoError(t, err)
	assert.Equal(t, uint64(1), e.CurrentEpoch())
	assert.Equal(t, models.PhaseCollect, e.CurrentPhase())
}

func TestEventsAreObservable(t *testing.T) {
	e := newTestEngine(t)
	alice := models.NewID()
	require.NoError(t, e.Deposit(alice, "USDT", dec("1000")))

	kinds := make(map[models.EventKind]bool)
	for len(e.Events()) > 0 {
		kinds[(<-e.Events()).Kind()] = true
	}
	assert.True(t, kinds[models.EventBalanceUpdated])
}
