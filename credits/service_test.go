package credits

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/studio-engine/store/sqlite"
	"github.com/warp/studio-engine/studio"
)

var admin = studio.Actor{UserID: "admin-1", Role: studio.RoleAdmin}

func newService(t *testing.T) (*Service, *sqlite.Store, *studio.ManualClock) {
	store, err := sqlite.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	clock := studio.NewManualClock(start)
	return NewService(store, NewLedger(clock), DefaultCatalog(), clock), store, clock
}

func saveUser(t *testing.T, store *sqlite.Store) *studio.User {
	t.Helper()
	u := newUser()
	require.NoError(t, store.SaveUser(context.Background(), u))
	return u
}

func TestGrant(t *testing.T) {
	svc, store, _ := newService(t)
	ctx := context.Background()
	u := saveUser(t, store)

	lot, err := svc.Grant(ctx, admin, u.ID, 4, ep, "welcome")
	require.NoError(t, err)
	assert.Equal(t, 4, lot.Remaining)

	stored, err := store.GetUser(ctx, u.ID)
	require.NoError(t, err)
	assert.Equal(t, 4, stored.Credits)
	require.Len(t, stored.CreditLots, 1)

	txs, err := svc.History(ctx, admin, u.ID)
	require.NoError(t, err)
	require.Len(t, txs, 1)
	assert.Equal(t, studio.TxGrant, txs[0].Type)
	assert.Equal(t, 4, txs[0].Delta)
	assert.Equal(t, "welcome", txs[0].Reason)
	assert.Equal(t, admin.UserID, txs[0].CreatedBy)
}

func TestGrant_Rejections(t *testing.T) {
	svc, store, _ := newService(t)
	ctx := context.Background()
	u := saveUser(t, store)

	_, err := svc.Grant(ctx, studio.Actor{UserID: u.ID, Role: studio.RoleClient}, u.ID, 4, ep, "self")
	assert.ErrorIs(t, err, studio.ErrForbidden)

	_, err = svc.Grant(ctx, admin, u.ID, -1, ep, "bad")
	assert.ErrorIs(t, err, studio.ErrValidation)

	_, err = svc.Grant(ctx, admin, "nobody", 4, ep, "ghost")
	assert.ErrorIs(t, err, studio.ErrNotFound)
}

func TestPurchase(t *testing.T) {
	svc, store, _ := newService(t)
	ctx := context.Background()
	u := saveUser(t, store)

	// GIVEN a paid open pass
	lot, err := svc.Purchase(ctx, admin, u.ID, "open-10", "pay-123")
	require.NoError(t, err)

	// THEN the lot carries the package and the payment
	assert.Equal(t, 10, lot.Amount)
	assert.Equal(t, studio.ScopeAll, lot.Scope)
	assert.Equal(t, "purchase:pay-123", lot.Source)

	txs, err := svc.History(ctx, admin, u.ID)
	require.NoError(t, err)
	require.Len(t, txs, 1)
	assert.Equal(t, "open-10", txs[0].Metadata["package"])
	assert.Equal(t, "135000.00", txs[0].Metadata["price"])

	// WHEN the same payment is applied again
	_, err = svc.Purchase(ctx, admin, u.ID, "open-10", "pay-123")

	// THEN it is refused and nothing is added
	assert.ErrorIs(t, err, studio.ErrValidation)
	stored, err := store.GetUser(ctx, u.ID)
	require.NoError(t, err)
	assert.Equal(t, 10, stored.Credits)
	assert.Len(t, stored.CreditLots, 1)
}

func TestPurchase_Rejections(t *testing.T) {
	svc, store, _ := newService(t)
	ctx := context.Background()
	u := saveUser(t, store)

	_, err := svc.Purchase(ctx, admin, u.ID, "ep-99", "pay-1")
	assert.ErrorIs(t, err, studio.ErrNotFound)

	_, err = svc.Purchase(ctx, admin, u.ID, "ep-4", "")
	assert.ErrorIs(t, err, studio.ErrValidation)

	_, err = svc.Purchase(ctx, studio.Actor{UserID: u.ID, Role: studio.RoleClient}, u.ID, "ep-4", "pay-1")
	assert.ErrorIs(t, err, studio.ErrForbidden)
}

func TestSetMembership_KeepsLotExpiry(t *testing.T) {
	svc, store, clock := newService(t)
	ctx := context.Background()
	u := saveUser(t, store)

	before, err := svc.Grant(ctx, admin, u.ID, 4, ep, "basic lot")
	require.NoError(t, err)

	clock.Advance(time.Hour)
	_, err = svc.SetMembership(ctx, admin, u.ID, studio.PlusMembership(start.AddDate(0, 3, 0)))
	require.NoError(t, err)

	after, err := svc.Grant(ctx, admin, u.ID, 4, ep, "plus lot")
	require.NoError(t, err)

	bal, err := svc.Balance(ctx, admin, u.ID)
	require.NoError(t, err)
	assert.Equal(t, studio.TierPlus, bal.Membership.Tier)
	assert.Equal(t, 8, bal.Total)
	for _, l := range bal.Lots {
		switch l.ID {
		case before.ID:
			assert.True(t, l.ExpiresAt.Equal(start.Add(30*24*time.Hour)))
		case after.ID:
			assert.True(t, l.ExpiresAt.Equal(start.Add(time.Hour+40*24*time.Hour)))
		}
	}

	_, err = svc.SetMembership(ctx, admin, u.ID, studio.Membership{Tier: "gold"})
	assert.ErrorIs(t, err, studio.ErrValidation)
}

func TestBalance(t *testing.T) {
	svc, store, clock := newService(t)
	ctx := context.Background()
	u := saveUser(t, store)
	other := saveUser(t, store)

	_, err := svc.Grant(ctx, admin, u.ID, 3, ep, "ep")
	require.NoError(t, err)
	_, err = svc.Grant(ctx, admin, u.ID, 2, studio.ScopeAll, "all")
	require.NoError(t, err)

	self := studio.Actor{UserID: u.ID, Role: studio.RoleClient}
	bal, err := svc.Balance(ctx, self, u.ID)
	require.NoError(t, err)
	assert.Equal(t, 5, bal.Total)
	assert.Equal(t, 5, bal.ByService[studio.ServicePersonalTraining])
	assert.Equal(t, 2, bal.ByService[studio.ServiceNutrition])

	// Expired lots stop counting at read time
	clock.Advance(31 * 24 * time.Hour)
	bal, err = svc.Balance(ctx, self, u.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, bal.Total)

	_, err = svc.Balance(ctx, studio.Actor{UserID: other.ID, Role: studio.RoleClient}, u.ID)
	assert.ErrorIs(t, err, studio.ErrForbidden)
}

func TestCatalog(t *testing.T) {
	c := DefaultCatalog()

	pkgs := c.List()
	require.Len(t, pkgs, 7)
	assert.Equal(t, studio.ScopeAll, pkgs[0].Scope)

	ep8, err := c.Get("ep-8")
	require.NoError(t, err)
	assert.True(t, ep8.UnitPrice().Equal(decimal.NewFromInt(11000)))

	_, err = NewCatalog(
		Package{ID: "x", Credits: 1, Scope: studio.ScopeAll},
		Package{ID: "x", Credits: 2, Scope: studio.ScopeAll},
	)
	assert.ErrorIs(t, err, studio.ErrValidation)

	_, err = NewCatalog(Package{ID: "neg", Credits: 1, Scope: studio.ScopeAll, Price: decimal.NewFromInt(-1)})
	assert.ErrorIs(t, err, studio.ErrValidation)
}
