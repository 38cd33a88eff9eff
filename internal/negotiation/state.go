package negotiation

type State int

const (
	StateIdle State = iota
	StateConnecting
	StateConnected

	// Terminal. The session hit a fatal error, resources are released.
	StateFailed

	// Terminal. The session was closed locally.
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateFailed:
		return "failed"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

func (s State) terminal() bool {
	return s == StateFailed || s == StateClosed
}

type Role int

const (
	RoleNone Role = iota
	RoleCaller
	RoleCallee
)

func (r Role) String() string {
	switch r {
	case RoleCaller:
		return "caller"
	case RoleCallee:
		return "callee"
	default:
		return "none"
	}
}
