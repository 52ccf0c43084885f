package booking

import (
	"time"

	"github.com/warp/studio-engine/studio"
)

// CheckEligibility runs the per-user checks a non-admin booking must pass:
// not suspended, medical clearance on file once the grace period is over,
// and at least one spendable credit for service.
func (s *Service) CheckEligibility(u *studio.User, service studio.ServiceKey, now time.Time) error {
	if u.Suspended {
		return studio.ErrAccountSuspended
	}
	if u.MedicalClearanceAt == nil && now.Sub(u.CreatedAt) > s.rules.MedicalGrace {
		return studio.ErrMedicalClearanceRequired
	}
	if available := s.ledger.Available(u, service); available < 1 {
		return &studio.InsufficientCreditsError{
			UserID:    u.ID,
			Service:   service,
			Available: available,
			Requested: 1,
		}
	}
	return nil
}
