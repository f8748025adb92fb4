// Package matchcore implements the pure deterministic batch matcher: book
// construction, uniform clearing price, fills and the Merkle trade root.
// Nothing in this package touches a clock, RNG, or I/O, and no unordered
// container iteration affects output.
package matchcore

import (
	"sort"

	"github.com/shopspring/decimal"
	"github.com/tidwall/btree"

	"github.com/openibank/openmatch/pkg/models"
)

// PriceLevel groups the orders resting at one price, FIFO by sequence.
type PriceLevel struct {
	Price  decimal.Decimal
	Orders []*models.Order
}

// TotalQuantity sums the remaining quantity at this level.
func (l *PriceLevel) TotalQuantity() decimal.Decimal {
	total := decimal.Zero
	for _, o := range l.Orders {
		total = total.Add(o.RemainingQty)
	}
	return total
}

func (l *PriceLevel) insert(o *models.Order) {
	i := sort.Search(len(l.Orders), func(i int) bool {
		return l.Orders[i].Sequence > o.Sequence
	})
	l.Orders = append(l.Orders, nil)
	copy(l.Orders[i+1:], l.Orders[i:])
	l.Orders[i] = o
}

// OrderBook is the per-market book built from one sealed batch. Bids are
// indexed by price descending, asks ascending; market orders are held in
// separate FIFO queues and sort as +inf buys / 0 sells.
type OrderBook struct {
	market     models.Market
	bids       *btree.BTreeG[*PriceLevel]
	asks       *btree.BTreeG[*PriceLevel]
	marketBids []*models.Order
	marketAsks []*models.Order
	inserted   []*models.Order
}

// NewOrderBook creates an empty book for one market.
func NewOrderBook(market models.Market) *OrderBook {
	return &OrderBook{
		market: market,
		bids: btree.NewBTreeG(func(a, b *PriceLevel) bool {
			return a.Price.GreaterThan(b.Price)
		}),
		asks: btree.NewBTreeG(func(a, b *PriceLevel) bool {
			return a.Price.LessThan(b.Price)
		}),
	}
}

// Insert adds an order to the book.
func (b *OrderBook) Insert(o *models.Order) {
	b.inserted = append(b.inserted, o)

	if o.Type == models.TypeMarket {
		if o.Side == models.SideBuy {
			b.marketBids = insertBySequence(b.marketBids, o)
		} else {
			b.marketAsks = insertBySequence(b.marketAsks, o)
		}
		return
	}

	tree := b.bids
	if o.Side == models.SideSell {
		tree = b.asks
	}
	probe := &PriceLevel{Price: o.Price}
	level, ok := tree.Get(probe)
	if !ok {
		level = probe
		tree.Set(level)
	}
	level.insert(o)
}

func insertBySequence(orders []*models.Order, o *models.Order) []*models.Order {
	i := sort.Search(len(orders), func(i int) bool {
		return orders[i].Sequence > o.Sequence
	})
	orders = append(orders, nil)
	copy(orders[i+1:], orders[i:])
	orders[i] = o
	return orders
}

// BestBid returns the highest bid price, if any limit bid exists.
func (b *OrderBook) BestBid() (decimal.Decimal, bool) {
	if level, ok := b.bids.Min(); ok {
		return level.Price, true
	}
	return decimal.Zero, false
}

// BestAsk returns the lowest ask price, if any limit ask exists.
func (b *OrderBook) BestAsk() (decimal.Decimal, bool) {
	if level, ok := b.asks.Min(); ok {
		return level.Price, true
	}
	return decimal.Zero, false
}

// BidLevels returns the bid levels in price-descending order.
func (b *OrderBook) BidLevels() []*PriceLevel {
	levels := make([]*PriceLevel, 0, b.bids.Len())
	b.bids.Scan(func(l *PriceLevel) bool {
		levels = append(levels, l)
		return true
	})
	return levels
}

// AskLevels returns the ask levels in price-ascending order.
func (b *OrderBook) AskLevels() []*PriceLevel {
	levels := make([]*PriceLevel, 0, b.asks.Len())
	b.asks.Scan(func(l *PriceLevel) bool {
		levels = append(levels, l)
		return true
	})
	return levels
}

// MarketBids returns the market buy queue in sequence order.
func (b *OrderBook) MarketBids() []*models.Order {
	return b.marketBids
}

// MarketAsks returns the market sell queue in sequence order.
func (b *OrderBook) MarketAsks() []*models.Order {
	return b.marketAsks
}

// CrossingBids returns the bids that cross at price p in canonical priority:
// market buys first, then limit bids with price >= p in (price desc,
// sequence asc).
func (b *OrderBook) CrossingBids(p decimal.Decimal) []*models.Order {
	out := make([]*models.Order, 0, len(b.marketBids))
	out = append(out, b.marketBids...)
	b.bids.Scan(func(l *PriceLevel) bool {
		if l.Price.LessThan(p) {
			return false
		}
		out = append(out, l.Orders...)
		return true
	})
	return out
}

// CrossingAsks returns the asks that cross at price p in canonical priority:
// market sells first, then limit asks with price <= p in (price asc,
// sequence asc).
func (b *OrderBook) CrossingAsks(p decimal.Decimal) []*models.Order {
	out := make([]*models.Order, 0, len(b.marketAsks))
	out = append(out, b.marketAsks...)
	b.asks.Scan(func(l *PriceLevel) bool {
		if l.Price.GreaterThan(p) {
			return false
		}
		out = append(out, l.Orders...)
		return true
	})
	return out
}

// AllOrders returns every inserted order in insertion order.
func (b *OrderBook) AllOrders() []*models.Order {
	return b.inserted
}

// Market returns the book's market.
func (b *OrderBook) Market() models.Market {
	return b.market
}
