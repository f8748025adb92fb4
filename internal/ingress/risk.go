package ingress

import (
	"sync"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/openibank/openmatch/pkg/errors"
	"github.com/openibank/openmatch/pkg/models"
)

// RiskContext carries the state a rule may consult. Rules never read or
// mutate balances: funds sufficiency is enforced solely by the escrow freeze.
type RiskContext struct {
	EpochID      uint64
	UserOrders   int // orders this user already submitted this epoch
	LastPrice    decimal.Decimal
	HasLastPrice bool
}

// Rule is one validation step in the risk gate. Rules are fail-closed: any
// error rejects the order.
type Rule interface {
	Name() string
	Validate(o *models.Order, ctx *RiskContext) error
}

type qtyPositiveRule struct{}

func (qtyPositiveRule) Name() string { return "qty_positive" }

func (qtyPositiveRule) Validate(o *models.Order, _ *RiskContext) error {
	if !o.Quantity.IsPositive() {
		return errors.ErrInvalidOrder.Explain("quantity must be positive, got %s", o.Quantity)
	}
	return nil
}

type limitPriceRule struct{}

func (limitPriceRule) Name() string { return "limit_price_positive" }

func (limitPriceRule) Validate(o *models.Order, _ *RiskContext) error {
	if o.Type == models.TypeLimit && !o.Price.IsPositive() {
		return errors.ErrInvalidOrder.Explain("limit orders require a positive price, got %s", o.Price)
	}
	return nil
}

type maxSizeRule struct {
	max decimal.Decimal
}

func (maxSizeRule) Name() string { return "max_order_size" }

func (r maxSizeRule) Validate(o *models.Order, _ *RiskContext) error {
	if o.Quantity.GreaterThan(r.max) {
		return errors.ErrInvalidOrder.Explain("order size %s exceeds maximum %s", o.Quantity, r.max)
	}
	return nil
}

type epochRateRule struct {
	max int
}

func (epochRateRule) Name() string { return "orders_per_epoch" }

func (r epochRateRule) Validate(_ *models.Order, ctx *RiskContext) error {
	if ctx.UserOrders >= r.max {
		return errors.ErrRateLimited.Explain("user already submitted %d orders this epoch (limit %d)", ctx.UserOrders, r.max)
	}
	return nil
}

// PriceDeviationRule rejects limit prices further than maxRatio from the
// last known price of the market.
type PriceDeviationRule struct {
	MaxRatio decimal.Decimal
}

// Name implements Rule.
func (PriceDeviationRule) Name() string { return "price_deviation" }

// Validate implements Rule.
func (r PriceDeviationRule) Validate(o *models.Order, ctx *RiskContext) error {
	if o.Type != models.TypeLimit || !ctx.HasLastPrice || ctx.LastPrice.IsZero() {
		return nil
	}
	ratio := o.Price.Div(ctx.LastPrice)
	if o.Price.LessThan(ctx.LastPrice) {
		ratio = ctx.LastPrice.Div(o.Price)
	}
	if ratio.GreaterThan(r.MaxRatio) {
		return errors.ErrInvalidOrder.Explain(
			"price %s deviates %sx from last price %s (max %sx)", o.Price, ratio, ctx.LastPrice, r.MaxRatio)
	}
	return nil
}

// Gate runs every order through the configured rule chain before it may
// enter the pending buffer. Plugin rules may only be appended: they can
// tighten the baseline but never remove or relax it.
type Gate struct {
	mu         sync.Mutex
	logger     *zap.Logger
	rules      []Rule
	counts     map[uuid.UUID]int
	lastPrices map[string]decimal.Decimal
	epochID    uint64
}

// GateLimits configures the baseline rules.
type GateLimits struct {
	MaxOrderSize          decimal.Decimal
	MaxOrdersPerUserEpoch int
}

// NewGate creates a gate with the baseline rule chain.
func NewGate(logger *zap.Logger, limits GateLimits) *Gate {
	return &Gate{
		logger: logger.Named("risk"),
		rules: []Rule{
			qtyPositiveRule{},
			limitPriceRule{},
			maxSizeRule{max: limits.MaxOrderSize},
			epochRateRule{max: limits.MaxOrdersPerUserEpoch},
		},
		counts:     make(map[uuid.UUID]int),
		lastPrices: make(map[string]decimal.Decimal),
	}
}

// AppendRule adds a plugin rule to the end of the chain.
func (g *Gate) AppendRule(r Rule) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.rules = append(g.rules, r)
}

// Validate runs the order through the chain. On success the user's epoch
// order count is incremented.
func (g *Gate) Validate(o *models.Order) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	ctx := &RiskContext{
		EpochID:    g.epochID,
		UserOrders: g.counts[o.UserID],
	}
	if last, ok := g.lastPrices[o.Market.Symbol()]; ok {
		ctx.LastPrice = last
		ctx.HasLastPrice = true
	}

	for _, rule := range g.rules {
		if err := rule.Validate(o, ctx); err != nil {
			g.logger.Debug("order rejected by risk rule",
				zap.String("rule", rule.Name()),
				zap.String("order_id", o.ID.String()),
				zap.Error(err))
			return err
		}
	}
	g.counts[o.UserID]++
	return nil
}

// AdvanceEpoch resets the per-epoch counters.
func (g *Gate) AdvanceEpoch(epochID uint64) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.epochID = epochID
	g.counts = make(map[uuid.UUID]int)
}

// SetLastPrice records the latest clearing price for a market so the
// deviation rule has a reference.
func (g *Gate) SetLastPrice(market string, price decimal.Decimal) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.lastPrices[market] = price
}

// UserOrderCount returns the user's order count for the current epoch.
func (g *Gate) UserOrderCount(user uuid.UUID) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.counts[user]
}
