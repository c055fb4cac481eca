package node

// State of a node session. Transitions are linear up to Streaming, which
// lasts until stop, link loss or fault.
type State int32

const (
	StateInit State = iota
	StateWaitingAvailable
	StateVersionQuery
	StateWriteSettings
	StateApplySettings
	StateStreaming
	StateFaulted
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateInit:
		return "init"
	case StateWaitingAvailable:
		return "waiting-available"
	case StateVersionQuery:
		return "version-query"
	case StateWriteSettings:
		return "write-settings"
	case StateApplySettings:
		return "apply-settings"
	case StateStreaming:
		return "streaming"
	case StateFaulted:
		return "faulted"
	case StateClosed:
		return "closed"
	}
	return "unknown"
}

// Terminal reports whether the session is done for this attempt.
func (s State) Terminal() bool { return s == StateFaulted || s == StateClosed }
