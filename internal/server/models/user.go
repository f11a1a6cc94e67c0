package models

import "time"

// Disable reasons recorded by automatic policy transitions. Policy updates
// that relax the violated limit clear the matching reason again.
const (
	ReasonExpired       = "Expired"
	ReasonLimitExceeded = "Data limit exceeded"
)

// User is a tunnel user. A user owns zero or more TunnelConfigs, one per
// protocol; deleting a user cascades to revocation of all owned configs.
type User struct {
	ID           string
	Username     string
	PasswordHash string

	// Policy fields. Nil means unlimited / no expiry.
	DataLimitBytes *int64
	ExpiresAt      *time.Time

	// Usage accumulators, updated by the traffic-accounting collaborator.
	// Monotonically non-decreasing.
	BytesSent     int64
	BytesReceived int64

	// Status fields. Enabled is derived from the other three and rewritten
	// by the enforcement loop every cycle; treat reads of it as
	// eventually-consistent snapshots.
	Enabled        bool
	Expired        bool
	LimitExceeded  bool
	DisabledAt     *time.Time
	DisabledReason string

	Notes     string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// TotalBytes returns the accumulated usage across both directions.
func (u *User) TotalBytes() int64 {
	return u.BytesSent + u.BytesReceived
}

// UsagePercent returns how much of the data cap is used, clamped to [0,100].
// Users without a cap always report 0.
func (u *User) UsagePercent() float64 {
	if u.DataLimitBytes == nil || *u.DataLimitBytes <= 0 {
		return 0
	}
	p := float64(u.TotalBytes()) / float64(*u.DataLimitBytes) * 100
	if p > 100 {
		return 100
	}
	return p
}

// ComputeEnabled recomputes the derived enabled status from the violation
// flags and any operator-set disable reason. The stored Enabled field is
// never an independent source of truth.
func (u *User) ComputeEnabled() bool {
	return !u.Expired && !u.LimitExceeded && u.DisabledReason == ""
}
