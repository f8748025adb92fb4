package ingress

import (
	"crypto/ed25519"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/openibank/openmatch/pkg/errors"
	"github.com/openibank/openmatch/pkg/models"
)

// Registry mints, tracks and consumes reservations. Minting atomically
// freezes the funds; if the freeze fails no reservation is created. State
// transitions are monotonic: ACTIVE -> SPENT or ACTIVE -> RELEASED, never
// backwards, with one exception: Rollback returns a reservation that a
// failed settlement attempt consumed in full from SPENT to ACTIVE.
type Registry struct {
	mu           sync.Mutex
	logger       *zap.Logger
	ledger       *Ledger
	node         models.NodeID
	signer       ed25519.PrivateKey
	issuerKeys   map[models.NodeID]ed25519.PublicKey
	reservations map[uuid.UUID]*models.Reservation
	byOrder      map[uuid.UUID]uuid.UUID
	usedNonces   map[models.NodeID]map[uint64]struct{}
	nextNonce    uint64
	ttl          time.Duration
	now          func() time.Time
	sink         EventSink
}

// NewRegistry creates an escrow registry issuing reservations signed with
// the node's ed25519 key. The node's own key is trusted implicitly.
func NewRegistry(logger *zap.Logger, ledger *Ledger, signer ed25519.PrivateKey, ttl time.Duration, sink EventSink) (*Registry, error) {
	pub, ok := signer.Public().(ed25519.PublicKey)
	if !ok {
		return nil, errors.ErrInternal.Explain("signer is not an ed25519 key")
	}
	node, err := models.NodeIDFromPubKey(pub)
	if err != nil {
		return nil, errors.ErrInternal.Wrap(err)
	}
	r := &Registry{
		logger:       logger.Named("escrow"),
		ledger:       ledger,
		node:         node,
		signer:       signer,
		issuerKeys:   map[models.NodeID]ed25519.PublicKey{node: pub},
		reservations: make(map[uuid.UUID]*models.Reservation),
		byOrder:      make(map[uuid.UUID]uuid.UUID),
		usedNonces:   map[models.NodeID]map[uint64]struct{}{node: {}},
		ttl:          ttl,
		now:          time.Now,
		sink:         sink,
	}
	return r, nil
}

// NodeID returns the issuing node identity.
func (r *Registry) NodeID() models.NodeID {
	return r.node
}

// RegisterIssuer adds a trusted issuer key for verifying foreign
// reservations.
func (r *Registry) RegisterIssuer(node models.NodeID, pub ed25519.PublicKey) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.issuerKeys[node] = pub
	if _, ok := r.usedNonces[node]; !ok {
		r.usedNonces[node] = make(map[uint64]struct{})
	}
}

// SetClock overrides the time source. Used in tests to drive expiry.
func (r *Registry) SetClock(now func() time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.now = now
}

func (r *Registry) publish(ev models.Event) {
	if r.sink != nil {
		r.sink(ev)
	}
}

// Mint freezes amount of asset for the user and stores a signed ACTIVE
// reservation bound to the order. The freeze and the mint are atomic: if the
// freeze fails nothing is created.
func (r *Registry) Mint(orderID, userID uuid.UUID, asset string, amount decimal.Decimal, epochID uint64) (*models.Reservation, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.byOrder[orderID]; ok {
		return nil, errors.ErrDuplicateOrder.Explain("order %s already has a reservation", orderID)
	}

	if err := r.ledger.Freeze(userID, asset, amount); err != nil {
		return nil, err
	}

	nonce := r.nextNonce
	r.nextNonce++

	now := r.now()
	res := &models.Reservation{
		ID:         models.NewID(),
		OrderID:    orderID,
		UserID:     userID,
		Asset:      asset,
		Amount:     amount,
		Consumed:   decimal.Zero,
		IssuerNode: r.node,
		State:      models.ReservationActive,
		Nonce:      nonce,
		EpochID:    epochID,
		CreatedAt:  now,
		ExpiresAt:  now.Add(r.ttl),
	}
	res.Signature = ed25519.Sign(r.signer, res.SigningPayload())

	r.usedNonces[r.node][nonce] = struct{}{}
	r.reservations[res.ID] = res
	r.byOrder[orderID] = res.ID

	r.logger.Debug("reservation minted",
		zap.String("reservation_id", res.ID.String()),
		zap.String("order_id", orderID.String()),
		zap.String("asset", asset),
		zap.String("amount", amount.String()),
		zap.Uint64("nonce", nonce))
	return res, nil
}

// Verify checks a reservation's issuer and ed25519 signature. Unknown
// issuers and malformed signatures are rejected.
func (r *Registry) Verify(res *models.Reservation) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.verifyLocked(res)
}

func (r *Registry) verifyLocked(res *models.Reservation) error {
	pub, ok := r.issuerKeys[res.IssuerNode]
	if !ok {
		return errors.ErrUnknownIssuer.Explain("issuer %s is not a trusted node", res.IssuerNode)
	}
	if len(res.Signature) != ed25519.SignatureSize {
		return errors.ErrSignatureInvalid.Explain("signature is %d bytes", len(res.Signature))
	}
	if !ed25519.Verify(pub, res.SigningPayload(), res.Signature) {
		return errors.ErrSignatureInvalid.Explain("reservation %s signature does not verify", res.ID)
	}
	return nil
}

// Admit stores a reservation minted by another node after verifying its
// signature and rejecting nonce replay.
func (r *Registry) Admit(res *models.Reservation) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.verifyLocked(res); err != nil {
		return err
	}
	nonces, ok := r.usedNonces[res.IssuerNode]
	if !ok {
		nonces = make(map[uint64]struct{})
		r.usedNonces[res.IssuerNode] = nonces
	}
	if _, replayed := nonces[res.Nonce]; replayed {
		return errors.ErrNonceReused.Explain("issuer %s nonce %d already used", res.IssuerNode, res.Nonce)
	}
	if _, exists := r.reservations[res.ID]; exists {
		return errors.ErrInvalidReservation.Explain("reservation %s already admitted", res.ID)
	}

	nonces[res.Nonce] = struct{}{}
	cp := *res
	r.reservations[cp.ID] = &cp
	r.byOrder[cp.OrderID] = cp.ID
	return nil
}

// Release unwinds a reservation: the unconsumed remainder is unfrozen and
// the reservation leaves the ACTIVE state. Untouched reservations become
// RELEASED; partially consumed ones become SPENT. Non-ACTIVE reservations
// cannot be released again.
func (r *Registry) Release(id uuid.UUID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.releaseLocked(id)
}

func (r *Registry) releaseLocked(id uuid.UUID) error {
	res, ok := r.reservations[id]
	if !ok {
		return errors.ErrInvalidReservation.Explain("reservation %s not found", id)
	}
	if res.State != models.ReservationActive {
		return errors.ErrInvalidReservation.Explain("reservation %s is %s, not ACTIVE", id, res.State)
	}

	remaining := res.Remaining()
	if remaining.IsPositive() {
		if err := r.ledger.Unfreeze(res.UserID, res.Asset, remaining); err != nil {
			return err
		}
	}

	target := models.ReservationReleased
	if res.Consumed.IsPositive() {
		target = models.ReservationSpent
	}
	from := res.State
	res.State = target

	r.publish(models.ReservationStateChangedEvent{
		ReservationID: res.ID, OrderID: res.OrderID, From: from, To: target,
	})
	r.logger.Debug("reservation released",
		zap.String("reservation_id", id.String()),
		zap.String("state", target.String()),
		zap.String("unfrozen", remaining.String()))
	return nil
}

// MarkSpent transitions a reservation ACTIVE -> SPENT. The transition is
// irreversible and not idempotent: a second attempt fails.
func (r *Registry) MarkSpent(id uuid.UUID) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	res, ok := r.reservations[id]
	if !ok {
		return errors.ErrInvalidReservation.Explain("reservation %s not found", id)
	}
	if !res.State.CanTransitionTo(models.ReservationSpent) {
		return errors.ErrInvalidReservation.Explain("reservation %s is %s, not ACTIVE", id, res.State)
	}
	from := res.State
	res.State = models.ReservationSpent
	res.Consumed = res.Amount

	r.publish(models.ReservationStateChangedEvent{
		ReservationID: res.ID, OrderID: res.OrderID, From: from, To: models.ReservationSpent,
	})
	return nil
}

// Consume records amount of the reservation as used by settlement. The
// reservation must be ACTIVE, unexpired and have enough unconsumed funds.
// When the full amount is consumed the reservation transitions to SPENT.
func (r *Registry) Consume(id uuid.UUID, amount decimal.Decimal) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	res, ok := r.reservations[id]
	if !ok {
		return errors.ErrInvalidReservation.Explain("reservation %s not found", id)
	}
	if res.State != models.ReservationActive {
		return errors.ErrInvalidReservation.Explain("reservation %s is %s, not ACTIVE", id, res.State)
	}
	if res.IsExpired(r.now()) {
		return errors.ErrReservationExpired.Explain("reservation %s expired at %s", id, res.ExpiresAt)
	}
	if res.Remaining().LessThan(amount) {
		return errors.ErrInvalidReservation.Explain(
			"reservation %s covers %s, settlement needs %s", id, res.Remaining(), amount)
	}

	res.Consumed = res.Consumed.Add(amount)
	if res.Consumed.Equal(res.Amount) {
		from := res.State
		res.State = models.ReservationSpent
		r.publish(models.ReservationStateChangedEvent{
			ReservationID: res.ID, OrderID: res.OrderID, From: from, To: models.ReservationSpent,
		})
	}
	return nil
}

// unconsume rolls back a previous Consume. Only settlement's rollback path
// uses it, for a reservation it consumed in the same settlement attempt.
func (r *Registry) unconsume(id uuid.UUID, amount decimal.Decimal) {
	r.mu.Lock()
	defer r.mu.Unlock()

	res, ok := r.reservations[id]
	if !ok {
		return
	}
	if res.State == models.ReservationSpent && res.Consumed.Equal(res.Amount) {
		res.State = models.ReservationActive
	}
	res.Consumed = res.Consumed.Sub(amount)
	if res.Consumed.IsNegative() {
		res.Consumed = decimal.Zero
	}
}

// Rollback reverses a Consume during a failed settlement.
func (r *Registry) Rollback(id uuid.UUID, amount decimal.Decimal) {
	r.unconsume(id, amount)
}

// Get returns a copy of the reservation.
func (r *Registry) Get(id uuid.UUID) (models.Reservation, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	res, ok := r.reservations[id]
	if !ok {
		return models.Reservation{}, errors.ErrInvalidReservation.Explain("reservation %s not found", id)
	}
	return *res, nil
}

// ByOrder returns a copy of the reservation funding the given order.
func (r *Registry) ByOrder(orderID uuid.UUID) (models.Reservation, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	id, ok := r.byOrder[orderID]
	if !ok {
		return models.Reservation{}, errors.ErrInvalidReservation.Explain("order %s has no reservation", orderID)
	}
	return *r.reservations[id], nil
}

// IsActive reports whether the reservation is ACTIVE and unexpired.
func (r *Registry) IsActive(id uuid.UUID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	res, ok := r.reservations[id]
	return ok && res.IsActive(r.now())
}

// ReleaseExpired releases every ACTIVE reservation past its expiry. Returns
// the number released.
func (r *Registry) ReleaseExpired() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	released := 0
	for id, res := range r.reservations {
		if res.State == models.ReservationActive && res.IsExpired(now) {
			if err := r.releaseLocked(id); err != nil {
				r.logger.Warn("failed to release expired reservation",
					zap.String("reservation_id", id.String()), zap.Error(err))
				continue
			}
			released++
		}
	}
	return released
}

// Count returns the number of tracked reservations.
func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.reservations)
}

// ActiveCount returns the number of ACTIVE reservations.
func (r *Registry) ActiveCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	n := 0
	for _, res := range r.reservations {
		if res.State == models.ReservationActive {
			n++
		}
	}
	return n
}
