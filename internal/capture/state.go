// Package capture drives one speech-recognition session at a time, keeping the
// engine listening across transient failures until the producer asks to stop.
package capture

import (
	"errors"
	"fmt"
)

// State is the controller's position in the session lifecycle.
type State int

const (
	// StateIdle - no session has been started.
	StateIdle State = iota
	// StateStarting - engine start requested, waiting for its start callback.
	StateStarting
	// StateListening - the engine is delivering results.
	StateListening
	// StateReconnecting - the engine dropped; a restart is scheduled or in flight.
	StateReconnecting
	// StateStopped - the producer stopped the session. A new one may be started.
	StateStopped
	// StateFatal - the engine refused service. Requires producer action.
	StateFatal
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "IDLE"
	case StateStarting:
		return "STARTING"
	case StateListening:
		return "LISTENING"
	case StateReconnecting:
		return "RECONNECTING"
	case StateStopped:
		return "STOPPED"
	case StateFatal:
		return "FATAL"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", s)
	}
}

// Active reports whether a session is in progress in this state.
func (s State) Active() bool {
	return s == StateStarting || s == StateListening || s == StateReconnecting
}

// ConnectionStatus is reported to hooks whenever the engine link changes.
type ConnectionStatus string

const (
	ConnectionConnected    ConnectionStatus = "connected"
	ConnectionReconnecting ConnectionStatus = "reconnecting"
)

var (
	ErrAlreadyActive   = errors.New("capture session already active")
	ErrNotActive       = errors.New("no active capture session")
	ErrFatal           = errors.New("capture session failed and cannot be restarted")
	ErrEmptyTranscript = errors.New("transcript is empty")
	ErrClosed          = errors.New("controller closed")
)
