package credits

import (
	"context"
	"errors"
	"fmt"

	"github.com/warp/studio-engine/studio"
)

// =============================================================================
// SERVICE - Ledger operations backed by the store
// =============================================================================

// Service loads users, applies Ledger operations and persists the lots
// together with a credit Transaction in one store transaction.
type Service struct {
	store   studio.TxStore
	ledger  *Ledger
	catalog *Catalog
	clock   studio.Clock
}

func NewService(store studio.TxStore, ledger *Ledger, catalog *Catalog, clock studio.Clock) *Service {
	return &Service{store: store, ledger: ledger, catalog: catalog, clock: clock}
}

func (s *Service) Catalog() *Catalog { return s.catalog }

// Balance is a point-in-time view of a user's credits.
type Balance struct {
	UserID     studio.UserID
	Total      int
	ByService  map[studio.ServiceKey]int
	Lots       []studio.CreditLot
	Membership studio.Membership
}

// Balance recomputes the user's credits at the current time.
func (s *Service) Balance(ctx context.Context, actor studio.Actor, userID studio.UserID) (*Balance, error) {
	if !actor.CanActFor(userID) {
		return nil, studio.ErrForbidden
	}
	u, err := s.store.GetUser(ctx, userID)
	if err != nil {
		return nil, studio.Internal("load user", err)
	}
	total := s.ledger.Recalc(u)
	return &Balance{
		UserID:     u.ID,
		Total:      total,
		ByService:  s.ledger.Breakdown(u),
		Lots:       u.CreditLots,
		Membership: u.Membership,
	}, nil
}

// Grant adds a lot by hand. Admin only.
func (s *Service) Grant(ctx context.Context, actor studio.Actor, userID studio.UserID, amount int, scope studio.ServiceScope, reason string) (*studio.CreditLot, error) {
	if !actor.IsAdmin() {
		return nil, studio.ErrForbidden
	}
	var granted studio.CreditLot
	err := s.store.WithTx(ctx, func(tx studio.Store) error {
		u, err := tx.GetUser(ctx, userID)
		if err != nil {
			return err
		}
		lot, err := s.ledger.AddLot(u, amount, scope, "grant")
		if err != nil {
			return err
		}
		granted = *lot
		if err := tx.SaveUser(ctx, u); err != nil {
			return err
		}
		return tx.AppendTransaction(ctx, s.grantTx(actor, u.ID, lot, reason, "grant:"+string(lot.ID), nil))
	})
	if err != nil {
		return nil, studio.Internal("grant credits", err)
	}
	return &granted, nil
}

// Purchase applies a paid credit package. paymentRef makes it idempotent:
// the same payment cannot be applied twice.
func (s *Service) Purchase(ctx context.Context, actor studio.Actor, userID studio.UserID, packageID, paymentRef string) (*studio.CreditLot, error) {
	if !actor.IsAdmin() {
		return nil, studio.ErrForbidden
	}
	if paymentRef == "" {
		return nil, &studio.ValidationError{Field: "payment_ref", Reason: "required"}
	}
	pkg, err := s.catalog.Get(packageID)
	if err != nil {
		return nil, err
	}

	var granted studio.CreditLot
	err = s.store.WithTx(ctx, func(tx studio.Store) error {
		u, err := tx.GetUser(ctx, userID)
		if err != nil {
			return err
		}
		lot, err := s.ledger.AddLot(u, pkg.Credits, pkg.Scope, "purchase:"+paymentRef)
		if err != nil {
			return err
		}
		granted = *lot
		if err := tx.SaveUser(ctx, u); err != nil {
			return err
		}
		meta := map[string]string{
			"package":  pkg.ID,
			"price":    pkg.Price.StringFixed(2),
			"currency": pkg.Currency,
		}
		return tx.AppendTransaction(ctx, s.grantTx(actor, u.ID, lot, pkg.Name, "purchase:"+paymentRef, meta))
	})
	if errors.Is(err, studio.ErrDuplicateIdempotencyKey) {
		return nil, &studio.ValidationError{Field: "payment_ref", Reason: fmt.Sprintf("payment %q already applied", paymentRef)}
	}
	if err != nil {
		return nil, studio.Internal("purchase credits", err)
	}
	return &granted, nil
}

// SetMembership changes the user's tier. Existing lots keep their expiry.
func (s *Service) SetMembership(ctx context.Context, actor studio.Actor, userID studio.UserID, m studio.Membership) (*studio.User, error) {
	if !actor.IsAdmin() {
		return nil, studio.ErrForbidden
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	var out *studio.User
	err := s.store.WithTx(ctx, func(tx studio.Store) error {
		u, err := tx.GetUser(ctx, userID)
		if err != nil {
			return err
		}
		u.Membership = m
		u.UpdatedAt = s.clock.Now()
		s.ledger.Recalc(u)
		out = u
		return tx.SaveUser(ctx, u)
	})
	if err != nil {
		return nil, studio.Internal("set membership", err)
	}
	return out, nil
}

// History lists the user's credit transactions, oldest first.
func (s *Service) History(ctx context.Context, actor studio.Actor, userID studio.UserID) ([]studio.Transaction, error) {
	if !actor.CanActFor(userID) {
		return nil, studio.ErrForbidden
	}
	txs, err := s.store.ListTransactions(ctx, userID)
	if err != nil {
		return nil, studio.Internal("list transactions", err)
	}
	return txs, nil
}

func (s *Service) grantTx(actor studio.Actor, userID studio.UserID, lot *studio.CreditLot, reason, key string, meta map[string]string) studio.Transaction {
	lotID := lot.ID
	return studio.Transaction{
		ID:             studio.NewTransactionID(),
		UserID:         userID,
		LotID:          &lotID,
		Type:           studio.TxGrant,
		Delta:          lot.Amount,
		ReferenceID:    string(lot.ID),
		Reason:         reason,
		IdempotencyKey: key,
		Metadata:       meta,
		CreatedBy:      actor.UserID,
		CreatedAt:      s.clock.Now(),
	}
}
