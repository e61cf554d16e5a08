package relay

// State is the lifecycle state of a Loop.
type State int32

const (
	StateIdle State = iota
	StateBinding
	StateServing
	StateTerminated
)

// String returns a human-readable name for the state.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateBinding:
		return "binding"
	case StateServing:
		return "serving"
	case StateTerminated:
		return "terminated"
	default:
		return "unknown"
	}
}
