package castprotocol

import (
	"fmt"
	"sync/atomic"
)

// Session is a running receiver application this sender is attached to.
// Fields are never written once a session is handed out; a started session
// is a new value carrying the receiver's session id.
type Session struct {
	ID         string
	DeviceID   string
	DeviceName string
	AppID      string
	Host       string
	Port       int

	connected atomic.Bool
}

// IsConnected reports whether the control channel for the session is up.
// A nil session is never connected.
func (s *Session) IsConnected() bool {
	if s == nil {
		return false
	}
	return s.connected.Load()
}

// SetConnected flips the connected flag.
func (s *Session) SetConnected(v bool) {
	s.connected.Store(v)
}

// withID returns a copy of s carrying the receiver session id.
func (s *Session) withID(id string) *Session {
	return &Session{
		ID:         id,
		DeviceID:   s.DeviceID,
		DeviceName: s.DeviceName,
		AppID:      s.AppID,
		Host:       s.Host,
		Port:       s.Port,
	}
}

func (s *Session) String() string {
	if s == nil {
		return "<nil>"
	}
	return fmt.Sprintf("session(%s on %s)", s.ID, s.DeviceID)
}

// EventKind is the lifecycle step a session event reports.
type EventKind int

const (
	EventStarting EventKind = iota
	EventStarted
	EventStartFailed
	EventEnding
	EventEnded
	EventResumed
)

func (k EventKind) String() string {
	switch k {
	case EventStarting:
		return "starting"
	case EventStarted:
		return "started"
	case EventStartFailed:
		return "start_failed"
	case EventEnding:
		return "ending"
	case EventEnded:
		return "ended"
	case EventResumed:
		return "resumed"
	default:
		return fmt.Sprintf("unknown(%d)", int(k))
	}
}

// Event is one session lifecycle notification. SessionID is set for
// Started and Resumed, Code for StartFailed and Ended.
type Event struct {
	Kind      EventKind
	Session   *Session
	SessionID string
	Code      StatusCode
}

// Listener receives session events. Implementations must be comparable
// since they double as the registration key.
type Listener interface {
	OnSessionEvent(ev Event)
}
