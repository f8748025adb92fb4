package matchcore

import (
	"github.com/shopspring/decimal"

	"github.com/openibank/openmatch/pkg/models"
)

// ClearingResult is the outcome of the uniform clearing price computation
// for one market in one batch.
type ClearingResult struct {
	Price  decimal.Decimal
	Volume decimal.Decimal
	Demand decimal.Decimal
	Supply decimal.Decimal
}

// ComputeClearingPrice selects the single price at which all trades in the
// batch execute.
//
// Every distinct limit price present on either side is a candidate. For a
// candidate p, demand(p) is the quantity of bids willing to pay at least p
// (market buys always count), supply(p) the quantity of asks willing to
// sell at p or below (market sells always count), and matchable(p) their
// minimum. The price maximizing matchable wins; ties break toward the
// smaller |demand - supply|, then the higher price.
//
// Returns nil when nothing crosses.
func ComputeClearingPrice(book *OrderBook) *ClearingResult {
	bidLevels := book.BidLevels()
	askLevels := book.AskLevels()
	marketBidQty := sumRemaining(book.MarketBids())
	marketAskQty := sumRemaining(book.MarketAsks())

	// Candidate prices ascending: ask levels are already ascending, bid
	// levels descending, so merge them reversed.
	candidates := make([]decimal.Decimal, 0, len(bidLevels)+len(askLevels))
	for i := len(bidLevels) - 1; i >= 0; i-- {
		candidates = append(candidates, bidLevels[i].Price)
	}
	for _, l := range askLevels {
		candidates = insertPrice(candidates, l.Price)
	}
	if len(candidates) == 0 {
		return nil
	}

	var best *ClearingResult
	for _, p := range candidates {
		demand := marketBidQty
		for _, l := range bidLevels {
			if l.Price.LessThan(p) {
				break
			}
			demand = demand.Add(l.TotalQuantity())
		}

		supply := marketAskQty
		for _, l := range askLevels {
			if l.Price.GreaterThan(p) {
				break
			}
			supply = supply.Add(l.TotalQuantity())
		}

		matchable := decimal.Min(demand, supply)
		if matchable.IsZero() {
			continue
		}

		candidate := &ClearingResult{Price: p, Volume: matchable, Demand: demand, Supply: supply}
		if best == nil || betterCandidate(candidate, best) {
			best = candidate
		}
	}
	return best
}

func betterCandidate(c, best *ClearingResult) bool {
	if !c.Volume.Equal(best.Volume) {
		return c.Volume.GreaterThan(best.Volume)
	}
	cImb := c.Demand.Sub(c.Supply).Abs()
	bImb := best.Demand.Sub(best.Supply).Abs()
	if !cImb.Equal(bImb) {
		return cImb.LessThan(bImb)
	}
	return c.Price.GreaterThan(best.Price)
}

func insertPrice(sorted []decimal.Decimal, p decimal.Decimal) []decimal.Decimal {
	lo, hi := 0, len(sorted)
	for lo < hi {
		mid := (lo + hi) / 2
		if sorted[mid].LessThan(p) {
			lo = mid + 1
		} else {
			hi = mid
		}
	}
	if lo < len(sorted) && sorted[lo].Equal(p) {
		return sorted
	}
	sorted = append(sorted, decimal.Zero)
	copy(sorted[lo+1:], sorted[lo:])
	sorted[lo] = p
	return sorted
}

func sumRemaining(orders []*models.Order) decimal.Decimal {
	total := decimal.Zero
	for _, o := range orders {
		total = total.Add(o.RemainingQty)
	}
	return total
}
