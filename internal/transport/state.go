package transport

import "fmt"

// State is the lifecycle state of the socket.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
)

func (state State) String() string {
	switch state {
	case StateDisconnected:
		return "Disconnected"
	case StateConnecting:
		return "Connecting"
	case StateConnected:
		return "Connected"
	default:
		return "InvalidState"
	}
}

func (state State) validateTransitionTo(next State) error {
	switch state {
	case StateDisconnected:
		if next == StateConnecting || next == StateDisconnected {
			return nil
		}
	case StateConnecting:
		switch next {
		case StateConnected, StateDisconnected, StateConnecting:
			return nil
		}
	case StateConnected:
		switch next {
		// Connected to Connecting happens when a different household is requested on a live socket.
		case StateDisconnected, StateConnecting:
			return nil
		}
	}
	return fmt.Errorf("invalid state transition from %v to %v", state, next)
}
