/*
scenarios.go - Demo scenario loaders for testing and demonstrations

PURPOSE:

	Provides pre-built scenarios that populate the database with realistic
	data for demos. Each scenario creates users, grants credits and books
	appointments through the engines, so every row obeys the same rules as
	live traffic.

AVAILABLE SCENARIOS:

	full-slot:     Personal training full, one client on the waitlist
	single-seats:  Every single-seat service taken, elastic cap squeezed
	account-rules: Suspended, uncleared and plus-member clients

HOW SCENARIOS WORK:
 1. Delete every user (cascades to lots, appointments, waitlist, history)
 2. Create users and grant credits via credits.Service
 3. Book and enroll via booking.Service and waitlist.Service

USAGE VIA API:

	POST /api/admin/scenarios/load
	{"scenario_id": "full-slot"}

NOTE:

	Scenarios wipe the database. Only use in development/demo environments.

SEE ALSO:
  - handlers.go: Handler dependencies
*/
package api

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/warp/studio-engine/studio"
)

// =============================================================================
// SCENARIO DEFINITIONS
// =============================================================================

var scenarios = []ScenarioDTO{
	{
		ID:          "full-slot",
		Name:        "Full Slot",
		Description: "Four personal-training clients fill the next slot a day out; a fifth waits on the waitlist",
	},
	{
		ID:          "single-seats",
		Name:        "Single Seats Taken",
		Description: "Active rehab, functional re-education and nutrition share a slot, leaving three training seats",
	},
	{
		ID:          "account-rules",
		Name:        "Account Rules",
		Description: "A suspended client, a client past the medical grace period and a plus member",
	},
}

// scenarioAdmin is the actor recorded on credits granted by scenarios.
var scenarioAdmin = studio.Actor{UserID: "scenario-loader", Role: studio.RoleAdmin}

var scenarioMu sync.Mutex

// =============================================================================
// SCENARIO HANDLERS
// =============================================================================

func (h *Handler) ListScenarios(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, scenarios)
}

func (h *Handler) GetCurrentScenario(w http.ResponseWriter, r *http.Request) {
	scenarioMu.Lock()
	current := h.currentScenario
	scenarioMu.Unlock()
	writeJSON(w, http.StatusOK, map[string]string{"scenario_id": current})
}

// LoadScenario wipes the database and loads the requested scenario.
func (h *Handler) LoadScenario(w http.ResponseWriter, r *http.Request) {
	var req LoadScenarioRequest
	if err := decode(r, &req); err != nil {
		respondError(w, err)
		return
	}

	var load func(context.Context) error
	switch req.ScenarioID {
	case "full-slot":
		load = h.loadFullSlotScenario
	case "single-seats":
		load = h.loadSingleSeatsScenario
	case "account-rules":
		load = h.loadAccountRulesScenario
	default:
		respondError(w, &studio.NotFoundError{Kind: "scenario", ID: req.ScenarioID})
		return
	}

	scenarioMu.Lock()
	defer scenarioMu.Unlock()

	ctx := r.Context()
	if err := h.resetDatabase(ctx); err != nil {
		respondError(w, studio.Internal("reset database", err))
		return
	}
	if err := load(ctx); err != nil {
		respondError(w, studio.Internal("load scenario "+req.ScenarioID, err))
		return
	}
	h.currentScenario = req.ScenarioID
	writeJSON(w, http.StatusOK, map[string]string{"status": "loaded", "scenario_id": req.ScenarioID})
}

func (h *Handler) resetDatabase(ctx context.Context) error {
	users, err := h.Store.ListUsers(ctx)
	if err != nil {
		return err
	}
	for _, u := range users {
		if err := h.Store.DeleteUser(ctx, u.ID); err != nil {
			return err
		}
	}
	h.currentScenario = ""
	return nil
}

// =============================================================================
// SCENARIO LOADERS
// =============================================================================

func (h *Handler) loadFullSlotScenario(ctx context.Context) error {
	slot, err := h.nextSlot(26 * time.Hour)
	if err != nil {
		return err
	}
	ep := studio.ScopeFor(studio.ServicePersonalTraining)
	for i := 1; i <= h.Rules.BaseCap; i++ {
		u, err := h.seedUser(ctx, fmt.Sprintf("Client %d", i), 4, ep, nil)
		if err != nil {
			return err
		}
		if _, err := h.Bookings.Book(ctx, studio.Actor{UserID: u.ID, Role: u.Role}, u.ID, slot, studio.ServicePersonalTraining); err != nil {
			return err
		}
	}
	waiter, err := h.seedUser(ctx, "Waiting Client", 4, ep, nil)
	if err != nil {
		return err
	}
	_, err = h.Waitlist.Enroll(ctx, studio.Actor{UserID: waiter.ID, Role: waiter.Role}, waiter.ID, slot, studio.ServicePersonalTraining)
	return err
}

func (h *Handler) loadSingleSeatsScenario(ctx context.Context) error {
	slot, err := h.nextSlot(26 * time.Hour)
	if err != nil {
		return err
	}
	for _, service := range []studio.ServiceKey{
		studio.ServiceActiveRehab,
		studio.ServiceFunctionalReeducation,
		studio.ServiceNutrition,
	} {
		u, err := h.seedUser(ctx, service.Name()+" Client", 2, studio.ScopeFor(service), nil)
		if err != nil {
			return err
		}
		if _, err := h.Bookings.Book(ctx, studio.Actor{UserID: u.ID, Role: u.Role}, u.ID, slot, service); err != nil {
			return err
		}
	}
	_, err = h.seedUser(ctx, "Training Client", 8, studio.ScopeAll, nil)
	return err
}

func (h *Handler) loadAccountRulesScenario(ctx context.Context) error {
	now := h.Clock.Now()

	_, err := h.seedUser(ctx, "Suspended Client", 4, studio.ScopeAll, func(u *studio.User) {
		u.Suspended = true
	})
	if err != nil {
		return err
	}

	// Past the grace period without a clearance on file
	_, err = h.seedUser(ctx, "Uncleared Client", 4, studio.ScopeAll, func(u *studio.User) {
		u.MedicalClearanceAt = nil
		u.CreatedAt = now.Add(-h.Rules.MedicalGrace - 24*time.Hour)
	})
	if err != nil {
		return err
	}

	plus, err := h.seedUser(ctx, "Plus Member", 0, studio.ScopeAll, nil)
	if err != nil {
		return err
	}
	if _, err := h.Credits.SetMembership(ctx, scenarioAdmin, plus.ID, studio.PlusMembership(now.AddDate(0, 3, 0))); err != nil {
		return err
	}
	// Granted after the upgrade so the lot gets the plus expiry
	_, err = h.Credits.Grant(ctx, scenarioAdmin, plus.ID, 8, studio.ScopeAll, "scenario")
	return err
}

// =============================================================================
// HELPERS
// =============================================================================

// seedUser saves a cleared client, lets edit adjust it before the first
// save and grants one lot of n credits. The returned user is reloaded so it
// carries the lot.
func (h *Handler) seedUser(ctx context.Context, name string, n int, scope studio.ServiceScope, edit func(*studio.User)) (*studio.User, error) {
	now := h.Clock.Now()
	id := studio.NewUserID()
	u := &studio.User{
		ID:                 id,
		Name:               name,
		Email:              fmt.Sprintf("client-%s@studio.test", string(id)[:8]),
		Role:               studio.RoleClient,
		Membership:         studio.BasicMembership(),
		MedicalClearanceAt: &now,
		CreatedAt:          now,
		UpdatedAt:          now,
	}
	if edit != nil {
		edit(u)
	}
	if err := h.Store.SaveUser(ctx, u); err != nil {
		return nil, err
	}
	if n > 0 {
		if _, err := h.Credits.Grant(ctx, scenarioAdmin, u.ID, n, scope, "scenario"); err != nil {
			return nil, err
		}
	}
	return h.Store.GetUser(ctx, u.ID)
}

// nextSlot returns the first bookable slot starting at least lead from now.
func (h *Handler) nextSlot(lead time.Duration) (studio.Slot, error) {
	now := h.Clock.Now()
	today := studio.DateOf(now, h.Rules.Location)
	for d := 0; d <= h.Rules.AdvanceBookingDays; d++ {
		for _, t := range h.Rules.Hours.SlotTimes() {
			slot := studio.NewSlot(today.AddDays(d), t)
			if h.Rules.ValidateBookable(slot, now) != nil {
				continue
			}
			if h.Rules.SlotStart(slot).Sub(now) >= lead {
				return slot, nil
			}
		}
	}
	return studio.Slot{}, fmt.Errorf("no bookable slot %s ahead", lead)
}
