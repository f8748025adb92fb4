package matchcore

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openibank/openmatch/pkg/models"
)

func dec(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return d
}

var testMarket = models.NewMarket("BTC", "USDT")

var nextSeq uint64

func limit(side models.OrderSide, price, qty string) *models.Order {
	o := &models.Order{
		ID:           models.NewID(),
		UserID:       models.NewID(),
		Market:       testMarket,
		Side:         side,
		Type:         models.TypeLimit,
		Price:        dec(price),
		Quantity:     dec(qty),
		RemainingQty: dec(qty),
		Sequence:     nextSeq,
	}
	nextSeq++
	return o
}

func market(side models.OrderSide, qty string) *models.Order {
	o := &models.Order{
		ID:           models.NewID(),
		UserID:       models.NewID(),
		Market:       testMarket,
		Side:         side,
		Type:         models.TypeMarket,
		Quantity:     dec(qty),
		RemainingQty: dec(qty),
		Sequence:     nextSeq,
	}
	nextSeq++
	return o
}

func bookOf(orders ...*models.Order) *OrderBook {
	b := NewOrderBook(testMarket)
	for _, o := range orders {
		b.Insert(o)
	}
	return b
}

func TestNoCrossingWhenEmpty(t *testing.T) {
	assert.Nil(t, ComputeClearingPrice(bookOf()))
}

func TestNoCrossingWhenBidBelowAsk(t *testing.T) {
	b := bookOf(
		limit(models.SideBuy, "99", "1"),
		limit(models.SideSell, "101", "1"),
	)
	assert.Nil(t, ComputeClearingPrice(b))
}

func TestCrossingAtExactPrice(t *testing.T) {
	b := bookOf(
		limit(models.SideBuy, "100", "1"),
		limit(models.SideSell, "100", "1"),
	)
	res := ComputeClearingPrice(b)
	require.NotNil(t, res)
	assert.True(t, res.Price.Equal(dec("100")))
	assert.True(t, res.Volume.Equal(dec("1")))
}

func TestTieBreaksTowardHigherPrice(t *testing.T) {
	// Buy @50000 vs Sell @49900: both candidates clear volume 1 with zero
	// imbalance, so the higher price wins.
	b := bookOf(
		limit(models.SideBuy, "50000", "1"),
		limit(models.SideSell, "49900", "1"),
	)
	res := ComputeClearingPrice(b)
	require.NotNil(t, res)
	assert.True(t, res.Price.Equal(dec("50000")))
	assert.True(t, res.Volume.Equal(dec("1")))
}

func TestMaximizesMatchableVolume(t *testing.T) {
	// At 100: demand 5 (both bids), supply 3. At 101: demand 2, supply 7.
	// Volume is 3 at 100 vs 2 at 101, so 100 wins despite the lower price.
	b := bookOf(
		limit(models.SideBuy, "101", "2"),
		limit(models.SideBuy, "100", "3"),
		limit(models.SideSell, "100", "3"),
		limit(models.SideSell, "101", "4"),
	)
	res := ComputeClearingPrice(b)
	require.NotNil(t, res)
	assert.True(t, res.Price.Equal(dec("100")))
	assert.True(t, res.Volume.Equal(dec("3")))
}

func TestTieBreaksTowardSmallerImbalance(t *testing.T) {
	// At 100: demand 4, supply 2 -> volume 2, imbalance 2.
	// At 102: demand 2, supply 2 -> volume 2, imbalance 0. 102 wins.
	b := bookOf(
		limit(models.SideBuy, "102", "2"),
		limit(models.SideBuy, "100", "2"),
		limit(models.SideSell, "100", "2"),
	)
	res := ComputeClearingPrice(b)
	require.NotNil(t, res)
	assert.True(t, res.Price.Equal(dec("102")))
	assert.True(t, res.Volume.Equal(dec("2")))
}

func TestVolumeLimitedBySmallerSide(t *testing.T) {
	b := bookOf(
		limit(models.SideBuy, "100", "5"),
		limit(models.SideSell, "100", "3"),
	)
	res := ComputeClearingPrice(b)
	require.NotNil(t, res)
	assert.True(t, res.Volume.Equal(dec("3")))
}

func TestMarketOrdersAlwaysCross(t *testing.T) {
	// A market sell supplies at every candidate price.
	b := bookOf(
		limit(models.SideBuy, "100", "1"),
		market(models.SideSell, "1"),
	)
	res := ComputeClearingPrice(b)
	require.NotNil(t, res)
	assert.True(t, res.Price.Equal(dec("100")))
	assert.True(t, res.Volume.Equal(dec("1")))
}

func TestMarketOrdersAloneCannotClear(t *testing.T) {
	// With no limit order there is no candidate price.
	b := bookOf(
		market(models.SideBuy, "1"),
		market(models.SideSell, "1"),
	)
	assert.Nil(t, ComputeClearingPrice(b))
}
