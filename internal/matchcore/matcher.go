package matchcore

import (
	"sort"

	"github.com/shopspring/decimal"

	"github.com/openibank/openmatch/pkg/models"
)

// MatchSealedBatch is the single entry point of the matcher: a pure function
// from a sealed batch to a trade bundle. It depends only on the batch
// contents; given the same sealed batch, every node produces a byte-identical
// bundle.
func MatchSealedBatch(batch *models.SealedBatch) *models.TradeBundle {
	bundle := &models.TradeBundle{
		BatchID:   batch.EpochID,
		InputHash: batch.BatchHash,
	}

	// Group orders per market, keeping a canonical market order.
	byMarket := make(map[string][]*models.Order)
	symbols := make([]string, 0)
	for _, o := range batch.Orders {
		sym := o.Market.Symbol()
		if _, ok := byMarket[sym]; !ok {
			symbols = append(symbols, sym)
		}
		byMarket[sym] = append(byMarket[sym], o)
	}
	sort.Strings(symbols)

	var fillSeq uint64
	marketsWithTrades := 0
	var lastClearing decimal.Decimal

	for _, sym := range symbols {
		trades, clearing, remaining := matchMarket(batch.EpochID, byMarket[sym], &fillSeq)
		bundle.Trades = append(bundle.Trades, trades...)
		bundle.RemainingOrders = append(bundle.RemainingOrders, remaining...)
		if len(trades) > 0 {
			marketsWithTrades++
			lastClearing = clearing
		}
	}

	// A single uniform price only exists when exactly one market cleared.
	if marketsWithTrades == 1 {
		p := lastClearing
		bundle.ClearingPrice = &p
	}

	bundle.TradeRoot = ComputeTradeRoot(batch.EpochID, bundle.Trades)
	return bundle
}

// matchMarket clears one market of the batch: book construction, clearing
// price, then fills in price-time priority with self-trade skipping.
func matchMarket(batchID uint64, orders []*models.Order, fillSeq *uint64) ([]*models.Trade, decimal.Decimal, []*models.Order) {
	if len(orders) == 0 {
		return nil, decimal.Zero, nil
	}

	// Work on copies; the sealed batch is immutable.
	clones := make([]*models.Order, len(orders))
	book := NewOrderBook(orders[0].Market)
	for i, o := range orders {
		cp := *o
		clones[i] = &cp
		book.Insert(&cp)
	}

	clearing := ComputeClearingPrice(book)
	if clearing == nil {
		return nil, decimal.Zero, finishOrders(clones)
	}
	price := clearing.Price

	bids := book.CrossingBids(price)
	asks := book.CrossingAsks(price)

	var trades []*models.Trade
	i, j := 0, 0
	for i < len(bids) && j < len(asks) {
		bid, ask := bids[i], asks[j]
		if bid.RemainingQty.IsZero() {
			i++
			continue
		}
		if ask.RemainingQty.IsZero() {
			j++
			continue
		}

		// Self-trade: skip the pair and advance the younger side. No fill is
		// emitted and neither order is otherwise consumed.
		if bid.UserID == ask.UserID {
			if bid.Sequence > ask.Sequence {
				i++
			} else {
				j++
			}
			continue
		}

		fill := decimal.Min(bid.RemainingQty, ask.RemainingQty)

		// The order that arrived later is the taker.
		takerSide := models.SideBuy
		makerOrder, takerOrder := ask, bid
		if ask.Sequence > bid.Sequence {
			takerSide = models.SideSell
			makerOrder, takerOrder = bid, ask
		}

		trades = append(trades, &models.Trade{
			ID:           models.DeterministicTradeID(batchID, *fillSeq),
			BatchID:      batchID,
			Market:       bid.Market,
			MakerOrderID: makerOrder.ID,
			MakerUserID:  makerOrder.UserID,
			TakerOrderID: takerOrder.ID,
			TakerUserID:  takerOrder.UserID,
			Price:        price,
			Quantity:     fill,
			QuoteAmount:  price.Mul(fill),
			TakerSide:    takerSide,
		})
		*fillSeq++

		bid.RemainingQty = bid.RemainingQty.Sub(fill)
		ask.RemainingQty = ask.RemainingQty.Sub(fill)
		if bid.RemainingQty.IsZero() {
			i++
		}
		if ask.RemainingQty.IsZero() {
			j++
		}
	}

	return trades, price, finishOrders(clones)
}

// finishOrders stamps fill status and returns the orders that still have
// remaining quantity, preserving batch order.
func finishOrders(clones []*models.Order) []*models.Order {
	var remaining []*models.Order
	for _, o := range clones {
		switch {
		case o.RemainingQty.IsZero():
			o.Status = models.StatusFilled
		case o.RemainingQty.LessThan(o.Quantity):
			o.Status = models.StatusPartiallyFilled
			remaining = append(remaining, o)
		default:
			remaining = append(remaining, o)
		}
	}
	return remaining
}
