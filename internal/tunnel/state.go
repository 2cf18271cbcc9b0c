package tunnel

import "fmt"

// State is the lifecycle stage of a Session. States only ever move forward.
type State int32

const (
	StateAwaitingTarget State = iota
	StateResolving
	StateConnecting
	StateRelaying
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateAwaitingTarget:
		return "awaiting-target"
	case StateResolving:
		return "resolving"
	case StateConnecting:
		return "connecting"
	case StateRelaying:
		return "relaying"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("State(%d)", int32(s))
	}
}
