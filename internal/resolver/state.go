package resolver

// tristate is a boolean that may not be known yet.
type tristate struct {
	known bool
	value bool
}

// callState tracks which groups were requested and how they ended.
type callState struct {
	clientSideCore tristate
	timedOut       map[Group]tristate
	called         map[Group]bool
}

func newCallState() callState {
	return callState{
		timedOut: make(map[Group]tristate),
		called:   make(map[Group]bool),
	}
}

// settle records the outcome of a group call. A timeout sticks: a later
// success does not clear it.
func (s *callState) settle(group Group, timedOut bool) {
	if timedOut {
		s.timedOut[group] = tristate{known: true, value: true}
		return
	}
	if cur := s.timedOut[group]; !(cur.known && cur.value) {
		s.timedOut[group] = tristate{known: true, value: false}
	}
}

// IsClientSideCoreID reports whether the core ID was generated locally.
// known is false until the core group resolved or an ID was generated.
func (r *Resolver) IsClientSideCoreID() (clientSide, known bool) {
	return r.state.clientSideCore.value, r.state.clientSideCore.known
}

// CallTimedOut reports whether the backend call for group timed out. known
// is false while no call for group has completed.
func (r *Resolver) CallTimedOut(group Group) (timedOut, known bool) {
	s := r.state.timedOut[group]
	return s.value, s.known
}

func (r *Resolver) generateCoreID() string {
	r.state.clientSideCore = tristate{known: true, value: true}
	return r.ids.DecimalID()
}
