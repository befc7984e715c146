package engine

// State identifies how far a swap transaction progressed. Failure
// reports always name the state reached so an operator can judge
// whether the target was mutated: anything before Redirected left the
// original descriptor untouched.
type State int

const (
	StateIdle State = iota
	StateAttached
	StateLocated
	StateOpened
	StateRedirected
	StateVerified
	StateCommitted
	StateRollingBack
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateAttached:
		return "attached"
	case StateLocated:
		return "located"
	case StateOpened:
		return "opened"
	case StateRedirected:
		return "redirected"
	case StateVerified:
		return "verified"
	case StateCommitted:
		return "committed"
	case StateRollingBack:
		return "rolling-back"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Mutated reports whether the target's descriptor table was changed by
// the time this state was reached.
func (s State) Mutated() bool {
	switch s {
	case StateRedirected, StateVerified, StateCommitted:
		return true
	}
	return false
}
