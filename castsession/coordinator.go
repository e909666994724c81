package castsession

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"go2tv.app/castlink/castprotocol"
	"go2tv.app/castlink/devices"
)

// Result is the outcome of a coordinator operation.
type Result struct {
	State     SessionState
	Session   *castprotocol.Session
	NoSession bool
	Available bool
	Attempts  int
	Err       error
}

// Coordinator turns route selections and rejoin requests into one
// observable session. All of its state lives on its loop; the exported
// methods only post work there and return a channel that receives exactly
// one Result.
type Coordinator struct {
	opts     Options
	log      zerolog.Logger
	loop     *Loop
	poller   *Poller
	scanner  *Scanner
	store    ConfigStore
	listener Listener
	observer StateObserver

	disc        Discovery
	sessions    Sessions
	unavailable error

	state atomic.Pointer[SessionState]
	appID atomic.Value

	// loop only
	subGen  uint64
	sub     *subscription
	attempt *joinAttempt
	end     *endRequest
	avail   *availabilityScan
	appScan ScanHandle
	closed  bool
}

type joinAttempt struct {
	id                   uuid.UUID
	routeID              string
	poll                 bool
	attemptsUsed         int
	maxAttempts          int
	endedBeforeStartUsed int
	startedAt            time.Time
	perAttemptTimeout    time.Duration
	found                bool
	scan                 ScanHandle
	deadline             *Timer
	backoff              *Timer
	result               chan<- Result
}

type endRequest struct {
	session  *castprotocol.Session
	stop     bool
	deadline *Timer
	waiters  []chan<- Result
}

type availabilityScan struct {
	handle ScanHandle
	done   bool
	result chan<- Result
}

// subscription is the single session listener registration. Events from a
// registration that was replaced are dropped on the loop.
type subscription struct {
	c   *Coordinator
	gen uint64
}

func (s *subscription) OnSessionEvent(ev castprotocol.Event) {
	s.c.loop.Post(func() { s.c.dispatch(s, ev) })
}

// New builds a coordinator. probe runs once; when it fails every operation
// resolves with ErrPlatformUnavailable. A nil store keeps the app id in
// memory and a nil listener discards notifications.
func New(ctx context.Context, probe Probe, store ConfigStore, listener Listener, opts ...Option) *Coordinator {
	o := DefaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	if store == nil {
		store = &memoryStore{}
	}
	if listener == nil {
		listener = nopListener{}
	}

	c := &Coordinator{
		opts:     o,
		log:      o.Logger,
		store:    store,
		listener: listener,
	}
	c.observer, _ = listener.(StateObserver)
	c.loop = NewLoop(o.Clock, o.Logger)
	c.poller = NewPoller(c.loop)
	c.state.Store(&SessionState{Kind: Idle})

	appID := devices.DefaultAppID
	if sel, err := devices.NewSelector(store.GetString(AppIDKey, devices.DefaultAppID)); err == nil {
		appID = sel.AppID
	}
	c.appID.Store(appID)

	capability, err := detect(ctx, probe)
	if err != nil {
		c.unavailable = &Error{Kind: KindPlatformUnavailable, Msg: err.Error()}
		c.log.Warn().Str("Method", "New").Err(err).Msg("cast platform unavailable")
		return c
	}
	c.disc = capability.Discovery
	c.sessions = capability.Sessions
	c.scanner = NewScanner(c.loop, c.disc, c.log)
	c.loop.Post(func() { c.sessions.SetReceiverApplicationID(appID) })
	return c
}

func detect(ctx context.Context, probe Probe) (*Capability, error) {
	if probe == nil {
		return nil, errors.New("no platform probe")
	}
	capability, err := probe(ctx)
	if err != nil {
		return nil, err
	}
	if capability == nil || capability.Discovery == nil || capability.Sessions == nil {
		return nil, errors.New("platform probe returned no capability")
	}
	return capability, nil
}

// State returns the current state snapshot. Safe from any goroutine.
func (c *Coordinator) State() SessionState {
	return *c.state.Load()
}

// AppID returns the receiver application id in use.
func (c *Coordinator) AppID() string {
	return c.appID.Load().(string)
}

// Available reports whether the cast platform was detected.
func (c *Coordinator) Available() bool {
	return c.unavailable == nil
}

// SelectRoute joins the receiver routeID. A pending join is cancelled first;
// a connected session is rejected with ErrSessionActive.
func (c *Coordinator) SelectRoute(routeID string) <-chan Result {
	return c.submit(func(res chan<- Result) { c.selectRoute(routeID, res) })
}

// RequestDefaultJoin joins the session the SDK already holds, if any.
func (c *Coordinator) RequestDefaultJoin() <-chan Result {
	return c.submit(func(res chan<- Result) { c.requestDefaultJoin(res) })
}

// EndSession ends the current session, stopping the receiver app when
// stopReceiverApp is set.
func (c *Coordinator) EndSession(stopReceiverApp bool) <-chan Result {
	return c.submit(func(res chan<- Result) { c.endSession(stopReceiverApp, res) })
}

// SetAppID changes and persists the receiver application id.
func (c *Coordinator) SetAppID(appID string) <-chan Result {
	return c.submit(func(res chan<- Result) {
		err := c.setAppID(appID)
		resolve(res, Result{State: c.State(), Err: err})
	})
}

// Initialize applies appID, ignoring an invalid one, and scans for
// receivers. The first non-empty snapshot reports availability and rejoins
// a session the SDK already holds; an empty scan reports unavailability.
func (c *Coordinator) Initialize(appID string) <-chan Result {
	res := make(chan Result, 1)
	posted := c.loop.Post(func() {
		switch {
		case c.closed:
			resolve(res, Result{State: c.State(), Err: closedError()})
		case c.unavailable != nil:
			c.listener.OnReceiverAvailableUpdate(false)
			resolve(res, Result{State: c.State(), Err: c.unavailable})
		default:
			c.initialize(appID, res)
		}
	})
	if !posted {
		resolve(res, Result{State: c.State(), Err: closedError()})
	}
	return res
}

// StartRouteScan scans for receivers able to run the current app id,
// replacing the previous scan started through this method. The zero handle
// is returned when cast is unavailable.
func (c *Coordinator) StartRouteScan(timeout time.Duration, sink RouteSink, onTimeout func()) ScanHandle {
	if c.scanner == nil {
		return ScanHandle{}
	}
	ss := c.scanner.prepare(ScanRequest{Timeout: timeout, Sink: sink, OnTimeout: onTimeout})
	posted := c.loop.Post(func() {
		if c.closed {
			c.scanner.forget(ss)
			return
		}
		c.scanner.stop(c.appScan)
		c.appScan = ss.handle
		ss.req.Selector = c.selector()
		ss.req.Filter = devices.Filter{OwnSessionID: c.ownSessionID()}
		c.scanner.run(ss)
	})
	if !posted {
		c.scanner.forget(ss)
	}
	return ss.handle
}

// StopRouteScan stops a scan from StartRouteScan. It never blocks.
func (c *Coordinator) StopRouteScan(h ScanHandle) {
	if c.scanner == nil {
		return
	}
	c.scanner.Stop(h)
}

// Close cancels pending work, drops every registration and stops the loop.
func (c *Coordinator) Close() {
	done := make(chan struct{})
	posted := c.loop.Post(func() {
		defer close(done)
		if c.closed {
			return
		}
		c.closed = true
		c.poller.cancel()
		if c.unavailable != nil {
			return
		}
		c.cancelPending("coordinator closed")
		c.stopAvailability("coordinator closed")
		if e := c.end; e != nil {
			e.deadline.Stop()
			c.end = nil
			for _, w := range e.waiters {
				resolve(w, Result{State: c.State(), Session: e.session, Err: closedError()})
			}
		}
		c.scanner.stopAll()
		c.unsubscribe()
	})
	if posted {
		<-done
	}
	c.loop.Close()
}

func (c *Coordinator) submit(fn func(res chan<- Result)) <-chan Result {
	res := make(chan Result, 1)
	posted := c.loop.Post(func() {
		switch {
		case c.closed:
			resolve(res, Result{State: c.State(), Err: closedError()})
		case c.unavailable != nil:
			resolve(res, Result{State: c.State(), Err: c.unavailable})
		default:
			fn(res)
		}
	})
	if !posted {
		resolve(res, Result{State: c.State(), Err: closedError()})
	}
	return res
}

func resolve(res chan<- Result, r Result) {
	if res == nil {
		return
	}
	select {
	case res <- r:
	default:
	}
}

func closedError() error {
	return newError(KindCanceled, "coordinator closed")
}

func (c *Coordinator) transition(next SessionState) {
	cur := c.state.Load()
	if cur.Kind != next.Kind && !cur.Kind.CanTransitionTo(next.Kind) {
		c.log.Error().Str("Method", "transition").Str("From", cur.Kind.String()).Str("To", next.Kind.String()).Msg("invalid state transition")
		return
	}
	c.state.Store(&next)
	c.log.Debug().Str("Method", "transition").Str("From", cur.Kind.String()).Str("To", next.String()).Msg("state changed")
	if c.observer != nil {
		c.observer.OnStateChange(next)
	}
}

func (c *Coordinator) selector() devices.Selector {
	sel, err := devices.NewSelector(c.AppID())
	if err != nil {
		return devices.Selector{AppID: devices.DefaultAppID}
	}
	return sel
}

func (c *Coordinator) ownSessionID() string {
	if s := c.sessions.CurrentSession(); s != nil {
		return s.ID
	}
	return ""
}

func (c *Coordinator) subscribe() {
	c.unsubscribe()
	c.subGen++
	c.sub = &subscription{c: c, gen: c.subGen}
	c.sessions.AddSessionListener(c.sub)
}

func (c *Coordinator) unsubscribe() {
	if c.sub == nil {
		return
	}
	c.sessions.RemoveSessionListener(c.sub)
	c.sub = nil
}

// dispatch is the single entry point for session events.
func (c *Coordinator) dispatch(sub *subscription, ev castprotocol.Event) {
	if sub != c.sub {
		c.log.Debug().Str("Method", "dispatch").Uint64("Generation", sub.gen).Str("Event", ev.Kind.String()).Msg("dropping event from replaced listener")
		return
	}
	switch c.State().Kind {
	case Connecting:
		if a := c.attempt; a != nil && !a.poll {
			c.onJoinEvent(a, ev)
		}
	case Connected:
		c.onWatchEvent(ev)
	case Ending:
		c.onEndEvent(ev)
	default:
		c.log.Debug().Str("Method", "dispatch").Str("Event", ev.Kind.String()).Msg("ignoring event")
	}
}

func (c *Coordinator) selectRoute(routeID string, res chan<- Result) {
	st := c.State()
	if st.Kind == Connected || st.Kind == Ending || c.sessions.CurrentSession().IsConnected() {
		resolve(res, Result{State: st, Err: &Error{Kind: KindSessionActive, RouteID: routeID, Msg: "end the current session first"}})
		return
	}

	c.cancelPending("superseded by a new route selection")

	a := &joinAttempt{
		id:                uuid.New(),
		routeID:           routeID,
		maxAttempts:       c.opts.Retry.MaxStartAttempts,
		startedAt:         c.opts.Clock.Now(),
		perAttemptTimeout: c.opts.JoinTimeout,
		result:            res,
	}
	c.attempt = a
	c.log.Info().Str("Method", "SelectRoute").Str("RouteID", routeID).Str("Attempt", a.id.String()).Dur("Timeout", a.perAttemptTimeout).Msg("joining route")
	c.transition(SessionState{Kind: Connecting, RouteID: routeID, AttemptID: a.id.String()})
	c.subscribe()
	a.deadline = c.loop.AfterFunc(c.opts.JoinTimeout, func() { c.joinTimedOut(a) })
	a.scan = c.scanner.start(ScanRequest{
		Timeout:  NoTimeout,
		Selector: c.selector(),
		Filter:   devices.Filter{OwnSessionID: c.ownSessionID()},
		Sink:     func(routes []devices.Route) { c.onJoinSnapshot(a, routes) },
	})
	if c.attempt != a {
		c.scanner.stop(a.scan)
	}
}

func (c *Coordinator) onJoinSnapshot(a *joinAttempt, routes []devices.Route) {
	if c.attempt != a || a.found {
		return
	}
	present := false
	for _, r := range routes {
		if r.ID == a.routeID {
			present = true
			break
		}
	}
	if !present {
		return
	}

	err := c.disc.SelectRoute(a.routeID)
	switch {
	case err == nil:
		a.found = true
		c.log.Debug().Str("Method", "SelectRoute").Str("RouteID", a.routeID).Int("Attempt", a.attemptsUsed).Msg("route selected")
	case errors.Is(err, devices.ErrRouteUnavailable):
		c.log.Debug().Str("Method", "SelectRoute").Str("RouteID", a.routeID).Msg("route went away, waiting for next snapshot")
	default:
		c.failJoin(a, &Error{Kind: KindTerminal, Code: castprotocol.ClassifyError(err), Msg: err.Error()}, nil)
	}
}

func (c *Coordinator) onJoinEvent(a *joinAttempt, ev castprotocol.Event) {
	if !a.found {
		return
	}
	if ev.Session != nil && ev.Session.DeviceID != a.routeID {
		return
	}

	switch ev.Kind {
	case castprotocol.EventStarted, castprotocol.EventResumed:
		c.joinSucceeded(a, ev.Session, ev.SessionID)
	case castprotocol.EventStartFailed:
		if c.opts.Retry.ShouldRetry(ev.Code, a.attemptsUsed, a.maxAttempts) {
			a.attemptsUsed++
			c.retryJoin(a, ev.Code)
			return
		}
		msg := "session start failed"
		if IsTransient(ev.Code) {
			msg = "retry budget exhausted"
		}
		c.failJoin(a, &Error{Kind: KindTerminal, Code: ev.Code, Msg: msg}, ev.Session)
	case castprotocol.EventEnded:
		if c.opts.Retry.ShouldRetryEndedBeforeStart(a.endedBeforeStartUsed) {
			a.endedBeforeStartUsed++
			c.retryJoin(a, ev.Code)
			return
		}
		c.failJoin(a, &Error{Kind: KindTerminal, Code: ev.Code, Msg: "session ended before it started"}, ev.Session)
	}
}

func (c *Coordinator) retryJoin(a *joinAttempt, code castprotocol.StatusCode) {
	a.found = false
	delay := c.opts.Retry.Backoff(a.attemptsUsed + a.endedBeforeStartUsed)
	c.log.Debug().Str("Method", "SelectRoute").Str("RouteID", a.routeID).Int("Attempt", a.attemptsUsed).
		Int("EndedBeforeStart", a.endedBeforeStartUsed).Str("Code", code.String()).Dur("Backoff", delay).Msg("retrying join")

	again := func() {
		if c.attempt == a {
			c.scanner.refresh(a.scan)
		}
	}
	if delay <= 0 {
		c.loop.Post(again)
		return
	}
	a.backoff = c.loop.AfterFunc(delay, again)
}

func (c *Coordinator) joinSucceeded(a *joinAttempt, s *castprotocol.Session, sessionID string) {
	c.teardownAttempt(a, true)
	if sessionID == "" && s != nil {
		sessionID = s.ID
	}
	st := SessionState{Kind: Connected, SessionID: sessionID, RouteID: a.routeID, AttemptID: a.id.String()}
	if s != nil {
		st.DeviceID = s.DeviceID
	}
	c.transition(st)
	c.log.Info().Str("Method", "SelectRoute").Str("RouteID", a.routeID).Str("SessionID", sessionID).
		Int("Attempts", a.attemptsUsed).Dur("Elapsed", c.opts.Clock.Now().Sub(a.startedAt)).Msg("session connected")
	resolve(a.result, Result{State: st, Session: s, Attempts: a.attemptsUsed})
}

func (c *Coordinator) joinTimedOut(a *joinAttempt) {
	if c.attempt != a {
		return
	}
	c.failJoin(a, &Error{Kind: KindTimeout, Code: castprotocol.StatusTimeout, Msg: fmt.Sprintf("no session after %s", c.opts.JoinTimeout)}, nil)

	// Do not leave a half-started session behind the caller's back.
	if s := c.sessions.CurrentSession(); !a.poll && s != nil && !s.IsConnected() && s.DeviceID == a.routeID {
		c.sessions.EndCurrentSession(false)
	}
}

// teardownAttempt stops everything an attempt owns. The listener survives
// when it becomes the connected session's watch.
func (c *Coordinator) teardownAttempt(a *joinAttempt, keepListener bool) {
	if c.attempt == a {
		c.attempt = nil
	}
	a.deadline.Stop()
	a.backoff.Stop()
	c.scanner.stop(a.scan)
	if a.poll {
		c.poller.cancel()
	}
	if !keepListener {
		c.unsubscribe()
	}
}

func (c *Coordinator) failJoin(a *joinAttempt, err *Error, s *castprotocol.Session) {
	c.teardownAttempt(a, false)
	if err.RouteID == "" {
		err.RouteID = a.routeID
	}
	failed := SessionState{Kind: Failed, RouteID: a.routeID, AttemptID: a.id.String(), Err: err}
	c.transition(failed)
	c.transition(SessionState{Kind: Idle, Err: err})
	c.log.Warn().Str("Method", "SelectRoute").Str("RouteID", a.routeID).Int("Attempts", a.attemptsUsed).Err(err).Msg("join failed")
	if s != nil {
		c.listener.OnSessionEnd(s, ReasonError)
	}
	resolve(a.result, Result{State: failed, Session: s, Attempts: a.attemptsUsed, Err: err})
}

func (c *Coordinator) cancelPending(reason string) {
	a := c.attempt
	if a == nil {
		return
	}
	c.teardownAttempt(a, false)
	c.transition(SessionState{Kind: Idle})
	c.log.Debug().Str("Method", "cancelPending").Str("RouteID", a.routeID).Str("Attempt", a.id.String()).Msg(reason)
	resolve(a.result, Result{State: c.State(), Attempts: a.attemptsUsed, Err: &Error{Kind: KindCanceled, RouteID: a.routeID, Msg: reason}})
}

func (c *Coordinator) requestDefaultJoin(res chan<- Result) {
	st := c.State()
	switch st.Kind {
	case Connected:
		resolve(res, Result{State: st, Session: c.sessions.CurrentSession()})
		return
	case Ending:
		resolve(res, Result{State: st, Err: &Error{Kind: KindSessionActive, Msg: "session is ending"}})
		return
	}

	s := c.sessions.CurrentSession()
	if s == nil {
		resolve(res, Result{State: st, NoSession: true})
		return
	}

	c.cancelPending("superseded by a default join")
	a := &joinAttempt{
		id:                uuid.New(),
		poll:              true,
		maxAttempts:       c.opts.PollAttempts,
		startedAt:         c.opts.Clock.Now(),
		perAttemptTimeout: c.opts.PollInterval,
		result:            res,
	}
	c.attempt = a
	c.log.Info().Str("Method", "RequestDefaultJoin").Str("DeviceID", s.DeviceID).Str("Attempt", a.id.String()).Msg("waiting for existing session")
	c.transition(SessionState{Kind: Connecting, DeviceID: s.DeviceID, AttemptID: a.id.String()})
	c.poller.pollUntil(s.IsConnected, c.opts.PollInterval, c.opts.PollAttempts, func(err error) {
		if c.attempt != a {
			return
		}
		if err != nil {
			c.failJoin(a, &Error{Kind: KindTimeout, Code: castprotocol.StatusTimeout, Msg: "session never reported connected"}, nil)
			return
		}
		c.rejoined(a, s)
	})
}

func (c *Coordinator) rejoined(a *joinAttempt, s *castprotocol.Session) {
	c.teardownAttempt(a, false)
	c.subscribe()
	st := SessionState{Kind: Connected, SessionID: s.ID, DeviceID: s.DeviceID, AttemptID: a.id.String()}
	c.transition(st)
	c.log.Info().Str("Method", "RequestDefaultJoin").Str("SessionID", s.ID).Msg("session rejoined")
	c.listener.OnSessionRejoin(s)
	resolve(a.result, Result{State: st, Session: s})
}

// onWatchEvent handles events while connected. Only an ended event matters.
func (c *Coordinator) onWatchEvent(ev castprotocol.Event) {
	if ev.Kind != castprotocol.EventEnded {
		return
	}
	st := c.State()
	c.unsubscribe()

	var err error
	if ev.Code != castprotocol.StatusSuccess && ev.Code != castprotocol.StatusCanceled {
		err = &Error{Kind: KindTerminal, Code: ev.Code, RouteID: st.RouteID, Msg: "session lost"}
	}
	c.transition(SessionState{
		Kind:      Ended,
		SessionID: st.SessionID,
		DeviceID:  st.DeviceID,
		RouteID:   st.RouteID,
		Reason:    ReasonDisconnected,
		Err:       err,
	})
	c.log.Info().Str("Method", "watch").Str("SessionID", st.SessionID).Str("Code", ev.Code.String()).Msg("session ended by receiver")
	c.listener.OnSessionEnd(ev.Session, ReasonDisconnected)
}

func (c *Coordinator) endSession(stop bool, res chan<- Result) {
	if c.end != nil {
		c.end.waiters = append(c.end.waiters, res)
		return
	}

	c.cancelPending("session end requested")
	st := c.State()
	s := c.sessions.CurrentSession()
	if s == nil {
		c.unsubscribe()
		if st.Kind != Idle {
			c.transition(SessionState{Kind: Idle})
		}
		resolve(res, Result{State: c.State(), NoSession: true})
		return
	}

	c.subscribe()
	e := &endRequest{session: s, stop: stop, waiters: []chan<- Result{res}}
	c.end = e
	c.transition(SessionState{Kind: Ending, SessionID: s.ID, DeviceID: s.DeviceID, RouteID: st.RouteID})
	e.deadline = c.loop.AfterFunc(c.opts.EndTimeout, func() {
		if c.end == e {
			c.finishEnd(e, &Error{Kind: KindTimeout, Msg: fmt.Sprintf("no ended event after %s", c.opts.EndTimeout)})
		}
	})
	c.log.Info().Str("Method", "EndSession").Str("SessionID", s.ID).Bool("StopReceiverApp", stop).Msg("ending session")
	c.sessions.EndCurrentSession(stop)
}

func (c *Coordinator) onEndEvent(ev castprotocol.Event) {
	e := c.end
	if e == nil {
		return
	}
	if ev.Kind == castprotocol.EventEnded || ev.Kind == castprotocol.EventStartFailed {
		c.finishEnd(e, nil)
	}
}

func (c *Coordinator) finishEnd(e *endRequest, err error) {
	e.deadline.Stop()
	c.end = nil
	c.unsubscribe()

	reason := ReasonDisconnected
	if e.stop {
		reason = ReasonStopped
	}
	st := SessionState{Kind: Ended, SessionID: e.session.ID, DeviceID: e.session.DeviceID, Reason: reason, Err: err}
	c.transition(st)
	c.log.Info().Str("Method", "EndSession").Str("SessionID", e.session.ID).Str("Reason", string(reason)).AnErr("Err", err).Msg("session ended")
	c.listener.OnSessionEnd(e.session, reason)
	for _, w := range e.waiters {
		resolve(w, Result{State: st, Session: e.session, Err: err})
	}
}

func (c *Coordinator) setAppID(appID string) error {
	sel, err := devices.NewSelector(appID)
	if err != nil {
		return &Error{Kind: KindInvalidAppID, Msg: fmt.Sprintf("%q", appID)}
	}
	if sel.AppID == c.AppID() {
		return nil
	}
	if st := c.State(); !st.Kind.AcceptsAppID() {
		return &Error{Kind: KindSessionActive, Msg: "app id can only change without a session"}
	}
	if err := c.store.PutString(AppIDKey, sel.AppID); err != nil {
		return fmt.Errorf("persist app id: %w", err)
	}
	c.appID.Store(sel.AppID)
	c.sessions.SetReceiverApplicationID(sel.AppID)
	c.log.Info().Str("Method", "SetAppID").Str("AppID", sel.AppID).Msg("receiver app id changed")
	return nil
}

func (c *Coordinator) initialize(appID string, res chan<- Result) {
	if err := c.setAppID(appID); err != nil {
		c.log.Warn().Str("Method", "Initialize").Err(err).Str("AppID", c.AppID()).Msg("keeping current app id")
	}

	c.stopAvailability("superseded by a new initialize")
	av := &availabilityScan{result: res}
	c.avail = av
	av.handle = c.scanner.start(ScanRequest{
		Timeout:   c.opts.AvailabilityScan,
		Selector:  c.selector(),
		Filter:    devices.Filter{OwnSessionID: c.ownSessionID()},
		Sink:      func(routes []devices.Route) { c.onAvailability(av, routes) },
		OnTimeout: func() { c.availabilityTimedOut(av) },
	})
	if av.done {
		c.scanner.stop(av.handle)
	}
}

func (c *Coordinator) onAvailability(av *availabilityScan, routes []devices.Route) {
	if av.done || len(routes) == 0 {
		return
	}
	av.done = true
	c.scanner.stop(av.handle)
	if c.avail == av {
		c.avail = nil
	}
	c.log.Debug().Str("Method", "Initialize").Int("Routes", len(routes)).Msg("receivers available")
	c.listener.OnReceiverAvailableUpdate(true)

	if st := c.State(); c.sessions.CurrentSession() != nil && (st.Kind == Idle || st.Kind == Ended) {
		c.requestDefaultJoin(nil)
	}
	resolve(av.result, Result{State: c.State(), Available: true})
}

func (c *Coordinator) availabilityTimedOut(av *availabilityScan) {
	if av.done {
		return
	}
	av.done = true
	if c.avail == av {
		c.avail = nil
	}
	c.log.Debug().Str("Method", "Initialize").Msg("no receivers found")
	c.listener.OnReceiverAvailableUpdate(false)
	resolve(av.result, Result{State: c.State()})
}

func (c *Coordinator) stopAvailability(reason string) {
	av := c.avail
	if av == nil {
		return
	}
	av.done = true
	c.avail = nil
	c.scanner.stop(av.handle)
	resolve(av.result, Result{State: c.State(), Err: newError(KindCanceled, reason)})
}

type nopListener struct{}

func (nopListener) OnReceiverAvailableUpdate(bool)                {}
func (nopListener) OnSessionRejoin(*castprotocol.Session)         {}
func (nopListener) OnSessionEnd(*castprotocol.Session, EndReason) {}

type memoryStore struct {
	mu sync.Mutex
	m  map[string]string
}

func (s *memoryStore) GetString(key, def string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if v, ok := s.m[key]; ok {
		return v
	}
	return def
}

func (s *memoryStore) PutString(key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.m == nil {
		s.m = make(map[string]string)
	}
	s.m[key] = value
	return nil
}
