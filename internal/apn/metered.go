package apn

// MeteredPolicy holds the carrier's metered purpose sets.
type MeteredPolicy struct {
	Home    Type
	Roaming Type
	IWLAN   Type
}

// DefaultMeteredPolicy mirrors the stock carrier defaults: everything an app
// could use for bulk traffic is metered, IMS and emergency are not.
func DefaultMeteredPolicy() MeteredPolicy {
	metered := TypeDefault | TypeMMS | TypeDUN | TypeSUPL | TypeHIPRI | TypeFOTA |
		TypeCBS | TypeIA | TypeEnterprise
	return MeteredPolicy{Home: metered, Roaming: metered, IWLAN: TypeNone}
}

// IsMeteredType reports whether purpose t is metered on the current network.
// A mask is metered when any of its purposes is.
func (p MeteredPolicy) IsMeteredType(t Type, roaming, onIWLAN bool) bool {
	set := p.Home
	switch {
	case onIWLAN:
		set = p.IWLAN
	case roaming:
		set = p.Roaming
	}
	if t == TypeHIPRI {
		t |= TypeDefault
	}
	return set&t != 0
}

// IsMetered reports whether any purpose served by s is metered.
func (p MeteredPolicy) IsMetered(s *Setting, roaming, onIWLAN bool) bool {
	if s == nil {
		return true
	}
	for _, t := range s.Types.Split() {
		if p.IsMeteredType(t, roaming, onIWLAN) {
			return true
		}
	}
	return false
}
