/*
Package credits tracks what a user can spend.

PURPOSE:
  A user's balance is a set of lots. Each lot has its own amount, remaining
  count, expiry and service scope. The Ledger computes balances from lots
  and decides which lot pays for a booking. It never touches storage;
  Service (service.go) loads users, runs the Ledger and persists the result
  together with an append-only Transaction.

CRITICAL INVARIANTS:
  1. user.Credits == sum(remaining) over lots with remaining > 0 that have
     not expired at the moment Recalc ran. Every mutation ends with Recalc.
  2. Expiry is lazy: expired lots are ignored, never purged or flagged.
  3. A lot's expiry is frozen at grant time (30d basic, 40d active plus).
  4. Refunds go back to the debited lot, capped at its original amount.
     A missing lot is an error, never a freshly minted replacement.

CONSUMPTION ORDER:
  Lots scoped to the exact service beat lots scoped to ALL. Within a tier
  the soonest expiry goes first and lots without expiry go last, so the
  credits closest to being wasted are spent first.

EXAMPLE:
  ledger := credits.NewLedger(clock)
  lot, _ := ledger.AddLot(user, 4, studio.ScopeFor(studio.ServicePersonalTraining), "purchase")
  debits, _ := ledger.Consume(user, 1, studio.ServicePersonalTraining)
  // lot.Remaining == 3, user.Credits == 3

SEE ALSO:
  - service.go: persistence-aware grant / purchase / balance
  - catalog.go: credit packages for sale
*/
package credits

import (
	"fmt"
	"sort"

	"github.com/warp/studio-engine/studio"
)

// =============================================================================
// LEDGER - Pure operations on a user's lots
// =============================================================================

type Ledger struct {
	clock studio.Clock
}

func NewLedger(clock studio.Clock) *Ledger {
	return &Ledger{clock: clock}
}

// Debit records how much was taken from one lot.
type Debit struct {
	LotID  studio.LotID
	Amount int
}

// Recalc sums every spendable lot and caches the total on the user.
func (l *Ledger) Recalc(u *studio.User) int {
	now := l.clock.Now()
	total := 0
	for _, lot := range u.CreditLots {
		if lot.Spendable(now) {
			total += lot.Remaining
		}
	}
	u.Credits = total
	return total
}

// Available sums spendable lots that can pay for service.
func (l *Ledger) Available(u *studio.User, service studio.ServiceKey) int {
	now := l.clock.Now()
	total := 0
	for _, lot := range u.CreditLots {
		if lot.Spendable(now) && lot.Scope.Covers(service) {
			total += lot.Remaining
		}
	}
	return total
}

// AddLot grants amount credits with the expiry policy of the user's current
// membership. The new lot is appended to u.CreditLots.
func (l *Ledger) AddLot(u *studio.User, amount int, scope studio.ServiceScope, source string) (*studio.CreditLot, error) {
	if amount <= 0 {
		return nil, &studio.ValidationError{Field: "amount", Reason: "must be positive"}
	}
	if _, err := studio.ParseServiceScope(string(scope)); err != nil {
		return nil, err
	}

	now := l.clock.Now()
	expires := now.Add(u.Membership.Policy(now).CreditExpiry)
	u.CreditLots = append(u.CreditLots, studio.CreditLot{
		ID:        studio.NewLotID(),
		UserID:    u.ID,
		Scope:     scope,
		Amount:    amount,
		Remaining: amount,
		ExpiresAt: &expires,
		Source:    source,
		CreatedAt: now,
	})
	l.Recalc(u)
	return &u.CreditLots[len(u.CreditLots)-1], nil
}

// PickLotToConsume returns the lot the next credit for service comes out of,
// or nil if nothing can pay. It does not modify the lot.
func (l *Ledger) PickLotToConsume(u *studio.User, service studio.ServiceKey) *studio.CreditLot {
	now := l.clock.Now()
	var candidates []*studio.CreditLot
	for i := range u.CreditLots {
		lot := &u.CreditLots[i]
		if lot.Spendable(now) && lot.Scope.Covers(service) {
			candidates = append(candidates, lot)
		}
	}
	if len(candidates) == 0 {
		return nil
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		aExact, bExact := a.Scope != studio.ScopeAll, b.Scope != studio.ScopeAll
		if aExact != bExact {
			return aExact
		}
		switch {
		case a.ExpiresAt == nil && b.ExpiresAt == nil:
		case a.ExpiresAt == nil:
			return false
		case b.ExpiresAt == nil:
			return true
		case !a.ExpiresAt.Equal(*b.ExpiresAt):
			return a.ExpiresAt.Before(*b.ExpiresAt)
		}
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.Before(b.CreatedAt)
		}
		return a.ID < b.ID
	})
	return candidates[0]
}

// Consume takes amount credits for service, possibly across several lots.
// Nothing is modified when the balance is short.
func (l *Ledger) Consume(u *studio.User, amount int, service studio.ServiceKey) ([]Debit, error) {
	if amount <= 0 {
		return nil, &studio.ValidationError{Field: "amount", Reason: "must be positive"}
	}
	if available := l.Available(u, service); available < amount {
		return nil, &studio.InsufficientCreditsError{
			UserID:    u.ID,
			Service:   service,
			Available: available,
			Requested: amount,
		}
	}

	var debits []Debit
	for left := amount; left > 0; {
		lot := l.PickLotToConsume(u, service)
		if lot == nil {
			// Available said otherwise; the lots changed under us.
			return nil, fmt.Errorf("credit lots exhausted with %d left to consume", left)
		}
		take := min(left, lot.Remaining)
		lot.Remaining -= take
		left -= take
		debits = append(debits, Debit{LotID: lot.ID, Amount: take})
	}
	l.Recalc(u)
	return debits, nil
}

// Refund returns credits to the lot they were taken from and reports how
// many actually went back. The lot keeps its original expiry.
func (l *Ledger) Refund(u *studio.User, lotID studio.LotID, amount int) (int, error) {
	if amount <= 0 {
		return 0, &studio.ValidationError{Field: "amount", Reason: "must be positive"}
	}
	lot := u.Lot(lotID)
	if lot == nil {
		return 0, &studio.LotMissingError{UserID: u.ID, LotID: lotID}
	}
	refunded := min(amount, lot.Amount-lot.Remaining)
	lot.Remaining += refunded
	l.Recalc(u)
	return refunded, nil
}

// Breakdown returns the spendable balance per service.
func (l *Ledger) Breakdown(u *studio.User) map[studio.ServiceKey]int {
	out := make(map[studio.ServiceKey]int, len(studio.Services()))
	for _, s := range studio.Services() {
		out[s] = l.Available(u, s)
	}
	return out
}
