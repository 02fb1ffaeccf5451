package recorder

// State is the lifecycle state of the recorder.
type State int

const (
	StateIdle State = iota
	StateConfiguring
	StateWriting
	StateFinalizing
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConfiguring:
		return "configuring"
	case StateWriting:
		return "writing"
	case StateFinalizing:
		return "finalizing"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// canTransition enforces the allowed transition graph.
func canTransition(from, to State) bool {
	switch from {
	case StateIdle:
		return to == StateConfiguring
	case StateConfiguring:
		return to == StateWriting || to == StateFailed || to == StateIdle
	case StateWriting:
		return to == StateFinalizing || to == StateFailed || to == StateIdle
	case StateFinalizing:
		return to == StateIdle || to == StateFailed
	case StateFailed:
		return to == StateIdle
	default:
		return false
	}
}
