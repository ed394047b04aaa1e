package broadcast

import (
	"slices"
)

// DefaultPayload is the clip new tenants start with.
const DefaultPayload PayloadRef = "Cheers_Bitch"

// ChoosePayload applies the tenant's payload mode. In random mode only
// enabled payloads are eligible unless none are, in which case the whole
// catalog is. intn must return a value in [0, n).
func ChoosePayload(s TenantSchedule, available []PayloadRef, intn func(n int) int) (PayloadRef, error) {
	if s.Mode != ModeRandom {
		if s.DefaultPayload == "" {
			return "", ErrNoPayload
		}
		return s.DefaultPayload, nil
	}
	if len(available) == 0 {
		return "", ErrNoPayload
	}

	pool := make([]PayloadRef, 0, len(available))
	for _, p := range available {
		if s.PayloadEnabled(p) {
			pool = append(pool, p)
		}
	}
	if len(pool) == 0 {
		pool = append(pool, available...)
	}
	slices.Sort(pool)
	return pool[intn(len(pool))], nil
}
