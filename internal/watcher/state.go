package watcher

// State is the lifecycle of a subscription.
//
//	Idle -> Connecting -> Subscribed -> (Delivering)* -> Stopped
//	Connecting -> Reconnecting -> Connecting
type State int

const (
	StateIdle State = iota
	StateConnecting
	StateSubscribed
	StateDelivering
	StateReconnecting
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateSubscribed:
		return "subscribed"
	case StateDelivering:
		return "delivering"
	case StateReconnecting:
		return "reconnecting"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}
