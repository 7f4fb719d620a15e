package model

import "time"

// Usage is a team's metered usage for the half-open cycle [CycleStart, CycleEnd).
type Usage struct {
	ID                   string     `json:"id"`
	TeamID               string     `json:"team_id"`
	CycleStart           time.Time  `json:"cycle_start"`
	CycleEnd             time.Time  `json:"cycle_end"`
	IncludedApplications int        `json:"included_applications"`
	ActualApplications   int        `json:"actual_applications"`
	MeteredPriceID       *string    `json:"metered_price_id"`
	StripeReported       bool       `json:"stripe_reported"`
	LastStripeSyncAt     *time.Time `json:"last_stripe_sync_at"`
	CreatedAt            time.Time  `json:"created_at"`
	UpdatedAt            time.Time  `json:"updated_at"`
}

// Contains reports whether t falls inside the cycle.
func (u *Usage) Contains(t time.Time) bool {
	return !t.Before(u.CycleStart) && t.Before(u.CycleEnd)
}

// Remaining returns how many applications are left under the cap. It is
// negative once usage exceeds the cap.
func (u *Usage) Remaining() int {
	return u.IncludedApplications - u.ActualApplications
}
