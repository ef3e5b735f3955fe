package environment

// Filter narrows a listing. Zero fields match everything.
type Filter struct {
	Owner     string
	Type      Type
	Desired   DesiredState
	AutoStart *bool
}

// Match reports whether e passes f.
func (f Filter) Match(e *Environment) bool {
	if f.Owner != "" && e.Owner != f.Owner {
		return false
	}
	if f.Type != "" && e.Type != f.Type {
		return false
	}
	if f.Desired != "" && e.Desired != f.Desired {
		return false
	}
	if f.AutoStart != nil && e.AutoStart != *f.AutoStart {
		return false
	}
	return true
}
