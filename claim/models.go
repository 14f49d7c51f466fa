package claim

import "time"

const (
	// Allotment is the amount minted to an account by its single claim.
	Allotment uint64 = 100
	// SupplyCap bounds the aggregate supply reachable through claims.
	SupplyCap uint64 = 1_000_000
)

// Record mirrors a row of the claims table.
type Record struct {
	AccountID string
	Amount    uint64
	ClaimedAt time.Time
}
