package studio

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// =============================================================================
// CALENDAR
// =============================================================================

func TestParseSlot(t *testing.T) {
	tests := []struct {
		date, time string
		wantErr    bool
	}{
		{"2026-03-02", "09:00", false},
		{"2026-03-02", "23:59", false},
		{"2026-3-2", "09:00", true},
		{"2026-02-30", "09:00", true},
		{"2026-03-02", "9:00", true},
		{"2026-03-02", "24:00", true},
		{"2026-03-02", "09:60", true},
		{"", "09:00", true},
	}

	for _, tt := range tests {
		t.Run(tt.date+" "+tt.time, func(t *testing.T) {
			s, err := ParseSlot(tt.date, tt.time)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrValidation)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.date+" "+tt.time, s.String())
		})
	}
}

func TestDate_Arithmetic(t *testing.T) {
	d := NewDate(2026, time.February, 27)

	assert.Equal(t, NewDate(2026, time.March, 2), d.AddDays(3))
	assert.Equal(t, NewDate(2025, time.December, 31), NewDate(2026, time.January, 1).AddDays(-1))
	assert.Equal(t, 3, d.DaysUntil(d.AddDays(3)))
	assert.Equal(t, -3, d.AddDays(3).DaysUntil(d))
	assert.True(t, d.Before(d.AddDays(1)))
	assert.True(t, d.AddDays(1).After(d))
	assert.Equal(t, time.Monday, NewDate(2026, time.March, 2).Weekday())
}

func TestDateOf_UsesVenueZone(t *testing.T) {
	loc := time.FixedZone("UTC-3", -3*60*60)
	// 01:30 UTC is still the previous evening three hours west
	instant := time.Date(2026, time.March, 3, 1, 30, 0, 0, time.UTC)

	assert.Equal(t, NewDate(2026, time.March, 2), DateOf(instant, loc))
	assert.Equal(t, NewDate(2026, time.March, 3), DateOf(instant, time.UTC))
}

func TestSlot_Start(t *testing.T) {
	loc := time.FixedZone("UTC-3", -3*60*60)
	s := NewSlot(NewDate(2026, time.March, 2), NewClockTime(9, 30))

	assert.True(t, s.Start(loc).Equal(time.Date(2026, time.March, 2, 12, 30, 0, 0, time.UTC)))
}

// =============================================================================
// RULES
// =============================================================================

func TestDefaultRules_Valid(t *testing.T) {
	r := DefaultRules()
	require.NoError(t, r.Validate())
	assert.Len(t, r.Hours.SlotTimes(), 14)
	assert.Equal(t, NewClockTime(7, 0), r.Hours.SlotTimes()[0])
	assert.Equal(t, NewClockTime(20, 0), r.Hours.SlotTimes()[13])
}

func TestRules_Validate(t *testing.T) {
	tests := []struct {
		name  string
		edit  func(*Rules)
		field string
	}{
		{"no location", func(r *Rules) { r.Location = nil }, "location"},
		{"no seats", func(r *Rules) { r.TotalCapacity = 0 }, "total_capacity"},
		{"base cap above total", func(r *Rules) { r.BaseCap = 7 }, "base_cap"},
		{"negative threshold", func(r *Rules) { r.NearSlotThreshold = -time.Minute }, "near_slot_threshold"},
		{"zero slot length", func(r *Rules) { r.Hours.SlotMinutes = 0 }, "slot_minutes"},
		{"close before open", func(r *Rules) { r.Hours.Close = NewClockTime(6, 0) }, "close_time"},
		{"no claim window", func(r *Rules) { r.ClaimTokenTTL = 0 }, "claim_token_ttl"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := DefaultRules()
			tt.edit(&r)

			var ve *ValidationError
			require.ErrorAs(t, r.Validate(), &ve)
			assert.Equal(t, tt.field, ve.Field)
		})
	}
}

func TestRules_ValidateBookable(t *testing.T) {
	r := DefaultRules()
	// Monday 2026-03-02 09:15 UTC
	now := time.Date(2026, time.March, 2, 9, 15, 0, 0, time.UTC)
	monday := NewDate(2026, time.March, 2)

	tests := []struct {
		name    string
		slot    Slot
		wantErr bool
	}{
		{"later today", NewSlot(monday, NewClockTime(10, 0)), false},
		{"first slot tomorrow", NewSlot(monday.AddDays(1), NewClockTime(7, 0)), false},
		{"last slot", NewSlot(monday.AddDays(1), NewClockTime(20, 0)), false},
		{"at the horizon", NewSlot(monday.AddDays(31), NewClockTime(10, 0)), false},
		{"already started", NewSlot(monday, NewClockTime(9, 0)), true},
		{"yesterday", NewSlot(monday.AddDays(-1), NewClockTime(10, 0)), true},
		{"sunday", NewSlot(monday.AddDays(6), NewClockTime(10, 0)), true},
		{"before opening", NewSlot(monday.AddDays(1), NewClockTime(6, 0)), true},
		{"at closing", NewSlot(monday.AddDays(1), NewClockTime(21, 0)), true},
		{"off boundary", NewSlot(monday.AddDays(1), NewClockTime(10, 30)), true},
		{"past the horizon", NewSlot(monday.AddDays(32), NewClockTime(10, 0)), true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := r.ValidateBookable(tt.slot, now)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrValidation)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

// =============================================================================
// SERVICES & MEMBERSHIP
// =============================================================================

func TestServiceScope(t *testing.T) {
	ep := ScopeFor(ServicePersonalTraining)

	assert.True(t, ep.Covers(ServicePersonalTraining))
	assert.False(t, ep.Covers(ServiceNutrition))
	assert.True(t, ScopeAll.Covers(ServiceNutrition))

	_, err := ParseServiceScope("YOGA")
	assert.ErrorIs(t, err, ErrValidation)
	s, err := ParseServiceScope("ALL")
	require.NoError(t, err)
	assert.Equal(t, ScopeAll, s)

	_, err = ParseServiceKey("ALL")
	assert.ErrorIs(t, err, ErrValidation, "ALL is a scope, not a service")
}

func TestService_Elasticity(t *testing.T) {
	for _, k := range Services() {
		assert.Equal(t, k == ServicePersonalTraining, k.IsElastic(), k)
		assert.NotEmpty(t, k.Name())
	}
}

func TestMembership_Policy(t *testing.T) {
	now := time.Date(2026, time.March, 2, 9, 0, 0, 0, time.UTC)

	tests := []struct {
		name       string
		membership Membership
		want       MembershipPolicy
	}{
		{"basic", BasicMembership(), basicPolicy},
		{"active plus", PlusMembership(now.Add(time.Hour)), plusPolicy},
		{"plus expiring now", PlusMembership(now), basicPolicy},
		{"lapsed plus", PlusMembership(now.Add(-time.Hour)), basicPolicy},
		{"open-ended plus", Membership{Tier: TierPlus}, plusPolicy},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.membership.Policy(now))
		})
	}

	assert.Equal(t, 30*24*time.Hour, basicPolicy.CreditExpiry)
	assert.Equal(t, 40*24*time.Hour, plusPolicy.CreditExpiry)
}

func TestMembership_Validate(t *testing.T) {
	now := time.Now()
	assert.NoError(t, BasicMembership().Validate())
	assert.NoError(t, PlusMembership(now).Validate())
	assert.ErrorIs(t, Membership{Tier: TierBasic, ExpiresAt: &now}.Validate(), ErrValidation)
	assert.ErrorIs(t, Membership{Tier: "gold"}.Validate(), ErrValidation)
}

func TestCreditLot_Spendable(t *testing.T) {
	now := time.Date(2026, time.March, 2, 9, 0, 0, 0, time.UTC)
	later := now.Add(time.Minute)

	assert.True(t, CreditLot{Remaining: 1, ExpiresAt: &later}.Spendable(now))
	assert.True(t, CreditLot{Remaining: 1}.Spendable(now))
	assert.False(t, CreditLot{Remaining: 0, ExpiresAt: &later}.Spendable(now))
	assert.False(t, CreditLot{Remaining: 1, ExpiresAt: &now}.Spendable(now), "expiry instant is already expired")
}

func TestActor_CanActFor(t *testing.T) {
	client := Actor{UserID: "u1", Role: RoleClient}
	admin := Actor{UserID: "a1", Role: RoleAdmin}
	prof := Actor{UserID: "p1", Role: RoleProfessor}

	assert.True(t, client.CanActFor("u1"))
	assert.False(t, client.CanActFor("u2"))
	assert.True(t, admin.CanActFor("u2"))
	assert.False(t, prof.CanActFor("u2"))
}

// =============================================================================
// ERRORS
// =============================================================================

func TestErrors_Classification(t *testing.T) {
	slotFull := &SlotUnavailableError{Reason: ErrSlotFull}
	storeDown := errors.New("disk on fire")

	assert.True(t, IsClientError(slotFull))
	assert.True(t, IsClientError(fmt.Errorf("book: %w", &CancellationQuotaExceededError{Limit: 1})))
	assert.False(t, IsClientError(storeDown))
	assert.False(t, IsClientError(&LotMissingError{}), "a missing lot is an operator problem")
	assert.False(t, IsClientError(nil))

	assert.Same(t, slotFull, Internal("book", slotFull))
	wrapped := Internal("book", storeDown)
	assert.ErrorIs(t, wrapped, ErrOperationFailed)
	assert.ErrorIs(t, wrapped, storeDown)
	assert.NoError(t, Internal("book", nil))

	assert.True(t, IsRetryable(fmt.Errorf("tx: %w", ErrConflict)))
	assert.False(t, IsRetryable(ErrUniqueViolation))
}

func TestErrors_Details(t *testing.T) {
	err := fmt.Errorf("book: %w", &InsufficientCreditsError{Service: ServiceNutrition, Available: 0, Requested: 1})

	var ice *InsufficientCreditsError
	require.ErrorAs(t, err, &ice)
	assert.Equal(t, 1, ice.Requested)
	assert.ErrorIs(t, err, ErrInsufficientCredits)

	assert.ErrorIs(t, &SlotUnavailableError{Reason: ErrElasticCapReached}, ErrElasticCapReached)
	assert.NotErrorIs(t, &SlotUnavailableError{Reason: ErrElasticCapReached}, ErrSlotFull)
}

func TestManualClock(t *testing.T) {
	start := time.Date(2026, time.March, 2, 9, 0, 0, 0, time.UTC)
	c := NewManualClock(start)

	c.Advance(90 * time.Minute)
	assert.Equal(t, start.Add(90*time.Minute), c.Now())

	c.Set(start)
	assert.Equal(t, start, c.Now())
}
