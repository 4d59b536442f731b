package domain

// CheckoutState is the lifecycle of a single checkout invocation.
type CheckoutState string

const (
	CheckoutStateStarted      CheckoutState = "STARTED"
	CheckoutStateValidated    CheckoutState = "VALIDATED"
	CheckoutStatePersisting   CheckoutState = "PERSISTING"
	CheckoutStateDecrementing CheckoutState = "DECREMENTING"
	CheckoutStateCommitted    CheckoutState = "COMMITTED"
	CheckoutStateRolledBack   CheckoutState = "ROLLED_BACK"
)

var checkoutTransitions = map[CheckoutState][]CheckoutState{
	CheckoutStateStarted:      {CheckoutStateValidated, CheckoutStateRolledBack},
	CheckoutStateValidated:    {CheckoutStatePersisting, CheckoutStateRolledBack},
	CheckoutStatePersisting:   {CheckoutStateDecrementing, CheckoutStateRolledBack},
	CheckoutStateDecrementing: {CheckoutStateCommitted, CheckoutStateRolledBack},
}

func (s CheckoutState) IsTerminal() bool {
	return s == CheckoutStateCommitted || s == CheckoutStateRolledBack
}

// String representation (for logging)
func (s CheckoutState) String() string {
	return string(s)
}

// CanTransitionTo reports whether a checkout in state from may move to state to.
func CanTransitionTo(from, to CheckoutState) bool {
	for _, next := range checkoutTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}
