package models

// State is the lifecycle state of a subscriber. It is never stored; it is
// computed from the subscriber row and its credentials.
type State string

const (
	StateAnonymous     State = "anonymous"
	StateTrialEligible State = "trial-eligible"
	StateTrialActive   State = "trial-active"
	StateTrialExpired  State = "trial-expired"
	StatePaidActive    State = "paid-active"
	StatePaidExpired   State = "paid-expired"
)

type transition struct {
	From State
	To   State
}

var validTransitions = map[transition]struct{}{
	{From: StateAnonymous, To: StateTrialActive}:     {},
	{From: StateAnonymous, To: StatePaidActive}:      {},
	{From: StateTrialEligible, To: StateTrialActive}: {},
	{From: StateTrialEligible, To: StatePaidActive}:  {},
	{From: StateTrialActive, To: StateTrialExpired}:  {},
	{From: StateTrialActive, To: StatePaidActive}:    {},
	{From: StateTrialExpired, To: StatePaidActive}:   {},
	{From: StatePaidActive, To: StatePaidExpired}:    {},
	{From: StatePaidExpired, To: StatePaidActive}:    {},
}

// CanTransition reports whether from -> to is an allowed lifecycle move.
func CanTransition(from, to State) bool {
	_, ok := validTransitions[transition{From: from, To: to}]
	return ok
}

// ValidTransitionsFrom returns every state reachable from from in one step.
func ValidTransitionsFrom(from State) []State {
	var out []State
	for _, to := range []State{
		StateTrialActive, StateTrialExpired, StatePaidActive, StatePaidExpired,
	} {
		if CanTransition(from, to) {
			out = append(out, to)
		}
	}
	return out
}

// DeriveState computes the lifecycle state. current is the subscriber's
// active credential (nil when none); latest is the most recently issued
// credential of any status (nil when none was ever issued).
func DeriveState(sub *Subscriber, current, latest *Credential) State {
	if sub == nil {
		return StateAnonymous
	}
	if current.Active() {
		if current.Kind == KindTrial {
			return StateTrialActive
		}
		return StatePaidActive
	}
	// Trial eligibility outlives any non-trial access that has lapsed.
	if !sub.TrialUsed {
		return StateTrialEligible
	}
	if latest == nil || latest.Kind == KindTrial {
		return StateTrialExpired
	}
	return StatePaidExpired
}
