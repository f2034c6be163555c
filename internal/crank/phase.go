package crank

import "fmt"

// Phase is the orchestrator's position in a round's lifecycle. It is only
// reported, never persisted: every iteration re-derives it from the ledger.
type Phase int

const (
	PhaseIdle Phase = iota
	PhaseStarting
	PhaseOpenDelegated
	PhaseLocking
	PhaseLockedCommitting
	PhaseSettling
	PhaseSettled
)

func (p Phase) String() string {
	switch p {
	case PhaseIdle:
		return "idle"
	case PhaseStarting:
		return "starting"
	case PhaseOpenDelegated:
		return "open_delegated"
	case PhaseLocking:
		return "locking"
	case PhaseLockedCommitting:
		return "locked_committing"
	case PhaseSettling:
		return "settling"
	case PhaseSettled:
		return "settled"
	default:
		return fmt.Sprintf("phase(%d)", int(p))
	}
}

// CanTransition reports whether next may follow p. Settled only leads back
// to Idle, and Idle is the only way into Starting. Locking is reachable from
// Idle and Settling from Idle or Locking when a restart resumes a round left
// behind by an earlier process.
func (p Phase) CanTransition(next Phase) bool {
	switch p {
	case PhaseIdle:
		return next == PhaseStarting || next == PhaseOpenDelegated || next == PhaseLocking ||
			next == PhaseLockedCommitting || next == PhaseSettling || next == PhaseIdle
	case PhaseStarting:
		return next == PhaseOpenDelegated || next == PhaseLocking || next == PhaseIdle
	case PhaseOpenDelegated:
		return next == PhaseLocking || next == PhaseIdle
	case PhaseLocking:
		return next == PhaseLockedCommitting || next == PhaseSettling || next == PhaseIdle
	case PhaseLockedCommitting:
		return next == PhaseSettling || next == PhaseIdle
	case PhaseSettling:
		return next == PhaseSettled || next == PhaseIdle
	case PhaseSettled:
		return next == PhaseIdle
	default:
		return false
	}
}
