package broadcast

// SelectDestination picks the candidate with the strictly highest occupant
// count, skipping blacklisted ones. Ties keep the first candidate seen.
// It returns false when nobody is present anywhere eligible.
func SelectDestination(s TenantSchedule, candidates []Candidate) (DestinationID, bool) {
	var (
		best  DestinationID
		count int
	)
	for _, c := range candidates {
		if c.Occupants <= count || s.Blacklisted(c.Destination) {
			continue
		}
		best, count = c.Destination, c.Occupants
	}
	return best, count > 0
}

// Selector resolves the tenant's blacklist from the registry.
type Selector struct {
	reg *Registry
}

func NewSelector(reg *Registry) *Selector { return &Selector{reg: reg} }

func (s *Selector) Select(tenant TenantID, candidates []Candidate) (DestinationID, bool) {
	sched, ok := s.reg.Get(tenant)
	if !ok {
		sched = TenantSchedule{Tenant: tenant}
	}
	return SelectDestination(sched, candidates)
}
