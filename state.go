package agentlink

// State is the position of a Session in its receive cycle.
type State int32

const (
	// StateDisconnected has no connection. Only Connect is valid.
	StateDisconnected State = iota
	// StateConnected is idle between frames.
	StateConnected
	// StateAwaitingHeader is reading or polling for the next length header.
	StateAwaitingHeader
	// StateAccumulatingBody is collecting the body announced by a header.
	StateAccumulatingBody
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnected:
		return "connected"
	case StateAwaitingHeader:
		return "awaiting-header"
	case StateAccumulatingBody:
		return "accumulating-body"
	default:
		return "unknown"
	}
}
