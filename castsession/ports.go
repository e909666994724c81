package castsession

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"go2tv.app/castlink/castprotocol"
	"go2tv.app/castlink/devices"
)

// AppIDKey is the config key the receiver application id is persisted under.
const AppIDKey = "appId"

// Discovery is the route discovery layer. devices.MDNSDiscovery implements it.
// SelectRoute may fail with devices.ErrRouteUnavailable when the route went
// away between a snapshot and the selection.
type Discovery interface {
	AddScanCallback(sel devices.Selector, cb devices.Callback, active bool)
	RemoveScanCallback(cb devices.Callback)
	Routes() []devices.Route
	SelectRoute(id string) error
}

// Sessions is the session SDK. castprotocol.SessionManager implements it.
type Sessions interface {
	AddSessionListener(l castprotocol.Listener)
	RemoveSessionListener(l castprotocol.Listener)
	CurrentSession() *castprotocol.Session
	EndCurrentSession(stopReceiverApp bool)
	SetReceiverApplicationID(appID string)
}

// ConfigStore persists the receiver application id.
type ConfigStore interface {
	GetString(key, def string) string
	PutString(key, value string) error
}

// Listener is the app-wide observer the coordinator reports to.
// OnSessionEnd only fires for a session the SDK handed out. A join that
// fails before any session exists, such as a timeout waiting for the route,
// is reported through StateObserver as Failed followed by Idle.
type Listener interface {
	OnReceiverAvailableUpdate(available bool)
	OnSessionRejoin(s *castprotocol.Session)
	OnSessionEnd(s *castprotocol.Session, reason EndReason)
}

// StateObserver is optionally implemented by a Listener to see every
// state transition, including join failures that carry no session.
type StateObserver interface {
	OnStateChange(st SessionState)
}

// Capability is what the platform provides once detected.
type Capability struct {
	Discovery Discovery
	Sessions  Sessions
}

// Probe detects the cast platform. It runs once when the coordinator is
// created; an error or a nil capability marks cast as unavailable.
type Probe func(ctx context.Context) (*Capability, error)

// StaticProbe returns a probe for collaborators that are already built.
func StaticProbe(d Discovery, s Sessions) Probe {
	return func(context.Context) (*Capability, error) {
		if d == nil || s == nil {
			return nil, errors.New("discovery and session collaborators are required")
		}
		return &Capability{Discovery: d, Sessions: s}, nil
	}
}

// Options are the coordinator tunables.
type Options struct {
	JoinTimeout      time.Duration
	EndTimeout       time.Duration
	PollInterval     time.Duration
	PollAttempts     int
	AvailabilityScan time.Duration
	Retry            RetryPolicy

	Clock  Clock
	Logger zerolog.Logger
}

// DefaultOptions returns the stock tunables.
func DefaultOptions() Options {
	return Options{
		JoinTimeout:      15 * time.Second,
		EndTimeout:       10 * time.Second,
		PollInterval:     500 * time.Millisecond,
		PollAttempts:     20,
		AvailabilityScan: 5 * time.Second,
		Retry:            DefaultRetryPolicy(),
		Clock:            realClock{},
		Logger:           zerolog.Nop(),
	}
}

// Option configures a Coordinator.
type Option func(*Options)

// WithClock sets the clock driving every loop timer.
func WithClock(c Clock) Option {
	return func(o *Options) {
		if c != nil {
			o.Clock = c
		}
	}
}

// WithLogger sets the coordinator logger.
func WithLogger(l zerolog.Logger) Option {
	return func(o *Options) { o.Logger = l }
}

// WithJoinTimeout bounds a whole SelectRoute.
func WithJoinTimeout(d time.Duration) Option {
	return func(o *Options) {
		if d > 0 {
			o.JoinTimeout = d
		}
	}
}

// WithEndTimeout bounds the wait for the ended event after EndSession.
func WithEndTimeout(d time.Duration) Option {
	return func(o *Options) {
		if d > 0 {
			o.EndTimeout = d
		}
	}
}

// WithPoll sets the rejoin poll cadence and budget.
func WithPoll(interval time.Duration, attempts int) Option {
	return func(o *Options) {
		if interval > 0 {
			o.PollInterval = interval
		}
		if attempts > 0 {
			o.PollAttempts = attempts
		}
	}
}

// WithAvailabilityScan sets how long Initialize scans for receivers.
func WithAvailabilityScan(d time.Duration) Option {
	return func(o *Options) {
		if d > 0 {
			o.AvailabilityScan = d
		}
	}
}

// WithRetryPolicy replaces the join retry policy.
func WithRetryPolicy(p RetryPolicy) Option {
	return func(o *Options) { o.Retry = p }
}
