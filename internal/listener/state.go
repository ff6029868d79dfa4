package listener

// State is the lifecycle state of a Loop.
//
//	Idle -> Subscribed -> Waiting <-> Processing -> Unsubscribed
type State int32

const (
	Idle State = iota
	Subscribed
	Waiting
	Processing
	Unsubscribed
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Subscribed:
		return "subscribed"
	case Waiting:
		return "waiting"
	case Processing:
		return "processing"
	case Unsubscribed:
		return "unsubscribed"
	}
	return "unknown"
}

// Healthy reports whether the loop is subscribed and consuming notifications.
func (s State) Healthy() bool {
	return s == Waiting || s == Processing
}
