package call

import "fmt"

// State is the phase of the call state machine.
//
//	Idle ──start──▶ Connecting ──open──▶ Active ──stop/remote close──▶ Idle
//	Connecting ──acquire/open failure──▶ Idle
//	Connecting|Active ──remote error──▶ Error ──teardown──▶ Idle
type State int

const (
	StateIdle State = iota
	StateConnecting
	StateActive
	StateError
)

// String returns the lowercase state name.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateActive:
		return "active"
	case StateError:
		return "error"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// MarshalText implements encoding.TextMarshaler.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (s *State) UnmarshalText(b []byte) error {
	for _, st := range []State{StateIdle, StateConnecting, StateActive, StateError} {
		if st.String() == string(b) {
			*s = st
			return nil
		}
	}
	return fmt.Errorf("call: unknown state %q", b)
}
