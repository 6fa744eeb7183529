package migration

// State is a state of the runner.
type State int

const (
	StateInit State = iota
	StateScanning
	StateBackingUp
	StateWriting
	StateVerifying
	StateCompleted
	StateFailed
	StateCancelled
)

func (s State) String() string {
	switch s {
	case StateInit:
		return "init"
	case StateScanning:
		return "scanning"
	case StateBackingUp:
		return "backing up"
	case StateWriting:
		return "writing"
	case StateVerifying:
		return "verifying"
	case StateCompleted:
		return "completed"
	case StateFailed:
		return "failed"
	case StateCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// Terminal reports whether no transition leaves s.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateFailed || s == StateCancelled
}
