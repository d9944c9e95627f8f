package domain

// DispatchState represents invoice dispatch lifecycle states.
type DispatchState string

const (
	StateScheduled  DispatchState = "SCHEDULED"
	StateSending    DispatchState = "SENDING"
	StateSendFailed DispatchState = "SEND_FAILED"
	StateSent       DispatchState = "SENT"
	StatePolling    DispatchState = "POLLING"
	StateDelivered  DispatchState = "DELIVERED"
	StateAccepted   DispatchState = "ACCEPTED"
	StateRejected   DispatchState = "REJECTED"
	StateFailed     DispatchState = "FAILED"
	StateCancelled  DispatchState = "CANCELLED"
	StateStored     DispatchState = "STORED"
)

// transitions is the authoritative edge table. States absent from the map
// are terminal.
var transitions = map[DispatchState][]DispatchState{
	StateScheduled:  {StateSending, StateCancelled},
	StateSending:    {StateSent, StateSendFailed, StateStored},
	StateSendFailed: {StateSending, StateFailed, StateCancelled},
	StateSent:       {StatePolling, StateDelivered, StateAccepted, StateRejected, StateFailed, StateStored},
	StatePolling:    {StateDelivered, StateAccepted, StateRejected, StateFailed, StateStored},
	StateDelivered:  {StateAccepted, StateRejected},
}

// CanTransition reports whether the edge from → to is legal.
func CanTransition(from, to DispatchState) bool {
	for _, target := range transitions[from] {
		if target == to {
			return true
		}
	}
	return false
}

// Transitions returns the legal targets from a state. Terminal states
// return nil.
func Transitions(from DispatchState) []DispatchState {
	targets := transitions[from]
	out := make([]DispatchState, len(targets))
	copy(out, targets)
	if len(out) == 0 {
		return nil
	}
	return out
}

// IsFinal reports whether the lifecycle has concluded. Delivered is final
// for scheduling purposes even though a late accept or reject may still
// arrive for it.
func (s DispatchState) IsFinal() bool {
	switch s {
	case StateDelivered, StateAccepted, StateRejected, StateFailed, StateCancelled, StateStored:
		return true
	}
	return false
}

// IsSuccess reports whether the state is a successful outcome. Stored counts:
// the provider holds the invoice durably even though network forwarding did
// not happen.
func (s DispatchState) IsSuccess() bool {
	return s == StateDelivered || s == StateAccepted || s == StateStored
}

// IsFailure reports whether the state is a failure outcome.
func (s DispatchState) IsFailure() bool {
	return s == StateSendFailed || s == StateRejected || s == StateFailed
}

// ShouldPoll reports whether delivery status is still awaited.
func (s DispatchState) ShouldPoll() bool {
	return s == StateSent || s == StatePolling
}

// CanRetryDispatch reports whether another send attempt is permitted.
func (s DispatchState) CanRetryDispatch() bool {
	return s == StateSendFailed
}

// CanReschedule reports whether a new schedule request may reset the record.
// Mid-flight and terminal records refuse rescheduling.
func (s DispatchState) CanReschedule() bool {
	return s == StateScheduled || s == StateSendFailed
}

// Known reports whether the value is a declared lifecycle state. The
// persistence layer rejects writes carrying anything else.
func (s DispatchState) Known() bool {
	switch s {
	case StateScheduled, StateSending, StateSendFailed, StateSent, StatePolling,
		StateDelivered, StateAccepted, StateRejected, StateFailed, StateCancelled, StateStored:
		return true
	}
	return false
}

// StateSet is an immutable collection of states, usable both for in-memory
// filtering and for building SQL IN clauses.
type StateSet struct {
	states []DispatchState
}

func NewStateSet(states ...DispatchState) StateSet {
	copied := make([]DispatchState, len(states))
	copy(copied, states)
	return StateSet{states: copied}
}

func (set StateSet) Contains(s DispatchState) bool {
	for _, member := range set.states {
		if member == s {
			return true
		}
	}
	return false
}

// Values returns the member states as strings for query parameters.
func (set StateSet) Values() []string {
	out := make([]string, len(set.states))
	for i, s := range set.states {
		out[i] = string(s)
	}
	return out
}

func (set StateSet) Len() int { return len(set.states) }

// Terminal returns the six states with no outgoing edges.
func Terminal() StateSet {
	return NewStateSet(StateAccepted, StateRejected, StateFailed, StateCancelled, StateStored, StateDelivered)
}

// Success returns the success outcomes.
func Success() StateSet {
	return NewStateSet(StateDelivered, StateAccepted, StateStored)
}

// Failure returns the failure outcomes.
func Failure() StateSet {
	return NewStateSet(StateSendFailed, StateRejected, StateFailed)
}

// NeedsPolling returns the states awaiting delivery confirmation.
func NeedsPolling() StateSet {
	return NewStateSet(StateSent, StatePolling)
}

// Reschedulable returns the states a schedule request may reset.
func Reschedulable() StateSet {
	return NewStateSet(StateScheduled, StateSendFailed)
}

// DispatchEligible returns the states the dispatch batch picks up.
func DispatchEligible() StateSet {
	return NewStateSet(StateScheduled, StateSendFailed)
}
