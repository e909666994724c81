package castprotocol

import (
	"context"
	"io"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"go2tv.app/castlink/devices"
)

// receiverClient is the subset of CastClient a session drives.
type receiverClient interface {
	Connect() error
	Launch(appID string) error
	RunningApp() (RunningApp, error)
	StopApp(sessionID string) error
	Close(stopApp bool) error
}

var errLaunchTimeout = errors.Wrap(context.DeadlineExceeded, "receiver app did not start")

// SessionManager owns at most one receiver session and reports its
// lifecycle to registered listeners. Calls never block on the network;
// the receiver conversation runs on a goroutine per session.
type SessionManager struct {
	Logger      zerolog.Logger
	LogOutput   io.Writer
	initLogOnce sync.Once

	// LaunchPollInterval and LaunchPollAttempts bound the wait for the
	// receiver to report the launched app.
	LaunchPollInterval time.Duration
	LaunchPollAttempts int
	// MonitorInterval is how often a connected session checks the receiver
	// still runs it.
	MonitorInterval time.Duration

	newClient func(r devices.Route) (receiverClient, error)

	mu        sync.Mutex
	appID     string
	listeners []Listener
	gen       uint64
	current   *Session
	client    receiverClient
	cancel    context.CancelFunc
	starting  bool
	wg        sync.WaitGroup
}

// NewSessionManager returns a manager that launches appID on selected routes.
func NewSessionManager(appID string) *SessionManager {
	m := &SessionManager{
		LaunchPollInterval: 500 * time.Millisecond,
		LaunchPollAttempts: 20,
		MonitorInterval:    5 * time.Second,
		appID:              appID,
	}
	m.newClient = func(r devices.Route) (receiverClient, error) {
		c, err := NewCastClient(r.Host, r.Port)
		if err != nil {
			return nil, err
		}
		c.LogOutput = m.LogOutput
		return c, nil
	}
	return m
}

// Log returns the zerolog logger, initializing it lazily if LogOutput is set.
func (m *SessionManager) Log() *zerolog.Logger {
	if m.LogOutput != nil {
		m.initLogOnce.Do(func() {
			m.Logger = zerolog.New(m.LogOutput).With().Timestamp().Logger()
		})
	}
	return &m.Logger
}

// AddSessionListener registers l. Adding the same listener twice is a no-op.
func (m *SessionManager) AddSessionListener(l Listener) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.listeners {
		if existing == l {
			return
		}
	}
	m.listeners = append(m.listeners, l)
}

// RemoveSessionListener unregisters l. Unknown listeners are ignored.
func (m *SessionManager) RemoveSessionListener(l Listener) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, existing := range m.listeners {
		if existing == l {
			m.listeners = append(m.listeners[:i], m.listeners[i+1:]...)
			return
		}
	}
}

// CurrentSession returns the session being started or running, or nil.
func (m *SessionManager) CurrentSession() *Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current
}

// SetReceiverApplicationID changes the app launched by later sessions.
func (m *SessionManager) SetReceiverApplicationID(appID string) {
	m.mu.Lock()
	m.appID = appID
	m.mu.Unlock()
	m.Log().Debug().Str("Method", "SetReceiverApplicationID").Str("AppID", appID).Msg("receiver app id set")
}

// ReceiverApplicationID returns the app id later sessions launch.
func (m *SessionManager) ReceiverApplicationID() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.appID
}

// StartSession begins a session on r. Any session in progress is replaced.
// Progress is reported through listener events.
func (m *SessionManager) StartSession(r devices.Route) error {
	m.mu.Lock()
	appID := m.appID
	if !devices.ValidAppID(appID) {
		m.mu.Unlock()
		return errors.Wrapf(devices.ErrInvalidAppID, "start session %q", appID)
	}

	prev, prevClient, prevActive := m.detachLocked()
	m.gen++
	gen := m.gen
	ctx, cancel := context.WithCancel(context.Background())
	s := &Session{
		DeviceID:   r.ID,
		DeviceName: r.DisplayName,
		AppID:      appID,
		Host:       r.Host,
		Port:       r.Port,
	}
	m.current = s
	m.cancel = cancel
	m.starting = true
	m.wg.Add(1)
	m.mu.Unlock()

	if prevActive {
		m.teardown(prev, prevClient, false, StatusReplaced)
	}

	m.Log().Debug().Str("Method", "StartSession").Str("Route", r.ID).Str("AppID", appID).Msg("starting session")
	m.emit(Event{Kind: EventStarting, Session: s})
	go m.run(ctx, gen, s, r)
	return nil
}

// EndCurrentSession ends the current session. stopCasting also stops the
// receiver application. A session still starting is abandoned and reported
// as ended with StatusCanceled. With no session nothing is reported.
func (m *SessionManager) EndCurrentSession(stopCasting bool) {
	m.mu.Lock()
	s := m.current
	if s == nil {
		m.mu.Unlock()
		return
	}
	if m.starting {
		cancel := m.cancel
		m.mu.Unlock()
		m.emit(Event{Kind: EventEnding, Session: s})
		cancel()
		return
	}
	_, client, _ := m.detachLocked()
	m.gen++
	m.mu.Unlock()

	m.emit(Event{Kind: EventEnding, Session: s})
	m.teardown(s, client, stopCasting, StatusSuccess)
}

// Close ends any session and waits for its goroutines.
func (m *SessionManager) Close() {
	m.EndCurrentSession(false)
	m.wg.Wait()
}

// detachLocked clears the current session and cancels its goroutine.
// active is true when the detached session was connected.
func (m *SessionManager) detachLocked() (s *Session, client receiverClient, active bool) {
	s, client = m.current, m.client
	active = s != nil && !m.starting && client != nil
	if m.cancel != nil {
		m.cancel()
	}
	m.current, m.client, m.cancel, m.starting = nil, nil, nil, false
	return s, client, active
}

// teardown closes an established session off the caller's goroutine and
// reports it ended. A non-success code overrides the close result.
func (m *SessionManager) teardown(s *Session, client receiverClient, stop bool, code StatusCode) {
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		var err error
		if stop && s.ID != "" {
			err = client.StopApp(s.ID)
		}
		if cerr := client.Close(false); err == nil {
			err = cerr
		}
		s.SetConnected(false)
		if code == StatusSuccess {
			code = ClassifyError(err)
		}
		if err != nil {
			m.Log().Debug().Str("Method", "teardown").Err(err).Msg("close")
		}
		m.emit(Event{Kind: EventEnded, Session: s, Code: code})
	}()
}

func (m *SessionManager) run(ctx context.Context, gen uint64, s *Session, r devices.Route) {
	defer m.wg.Done()

	client, err := m.newClient(r)
	if err != nil {
		m.failStart(gen, s, nil, err)
		return
	}
	if err := client.Connect(); err != nil {
		m.failStart(gen, s, nil, err)
		return
	}
	if ctx.Err() != nil {
		m.abandon(gen, s, client)
		return
	}

	kind := EventStarted
	running, err := client.RunningApp()
	if err != nil {
		m.failStart(gen, s, client, err)
		return
	}
	if running.AppID == s.AppID && running.SessionID != "" {
		kind = EventResumed
	} else {
		if err := client.Launch(s.AppID); err != nil {
			m.failStart(gen, s, client, err)
			return
		}
		running, err = m.awaitApp(ctx, client, s.AppID)
		if err != nil && ctx.Err() == nil {
			m.failStart(gen, s, client, err)
			return
		}
	}

	m.mu.Lock()
	if m.gen != gen {
		m.mu.Unlock()
		_ = client.Close(false)
		return
	}
	if ctx.Err() != nil {
		m.mu.Unlock()
		m.abandon(gen, s, client)
		return
	}
	up := s.withID(running.SessionID)
	up.SetConnected(true)
	m.current = up
	m.client = client
	m.starting = false
	m.mu.Unlock()

	m.Log().Debug().Str("Method", "run").Str("SessionID", running.SessionID).Str("Event", kind.String()).Msg("session up")
	m.emit(Event{Kind: kind, Session: up, SessionID: running.SessionID})
	m.monitor(ctx, gen, up, client)
}

func (m *SessionManager) awaitApp(ctx context.Context, client receiverClient, appID string) (RunningApp, error) {
	var lastErr error
	for range m.LaunchPollAttempts {
		running, err := client.RunningApp()
		switch {
		case err != nil:
			lastErr = err
		case running.AppID == appID && running.SessionID != "":
			return running, nil
		}

		t := time.NewTimer(m.LaunchPollInterval)
		select {
		case <-ctx.Done():
			t.Stop()
			return RunningApp{}, ctx.Err()
		case <-t.C:
		}
	}
	if lastErr != nil {
		return RunningApp{}, lastErr
	}
	return RunningApp{}, errLaunchTimeout
}

// monitor watches a connected session until it is ended locally or the
// receiver drops it.
func (m *SessionManager) monitor(ctx context.Context, gen uint64, s *Session, client receiverClient) {
	ticker := time.NewTicker(m.MonitorInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		running, err := client.RunningApp()
		code := StatusSuccess
		switch {
		case err != nil:
			code = ClassifyError(err)
		case running.AppID == "":
			code = StatusApplicationNotRunning
		case running.SessionID != s.ID:
			code = StatusReplaced
		}
		if code == StatusSuccess {
			continue
		}
		if ctx.Err() != nil {
			return
		}

		m.mu.Lock()
		if m.gen != gen {
			m.mu.Unlock()
			return
		}
		m.detachLocked()
		m.gen++
		m.mu.Unlock()

		m.Log().Debug().Str("Method", "monitor").Str("Code", code.String()).Msg("session lost")
		_ = client.Close(false)
		s.SetConnected(false)
		m.emit(Event{Kind: EventEnded, Session: s, Code: code})
		return
	}
}

// failStart reports a start failure unless the attempt was superseded.
func (m *SessionManager) failStart(gen uint64, s *Session, client receiverClient, err error) {
	if client != nil {
		_ = client.Close(false)
	}
	m.mu.Lock()
	if m.gen != gen {
		m.mu.Unlock()
		return
	}
	m.detachLocked()
	m.mu.Unlock()

	code := ClassifyError(err)
	if code == StatusCanceled {
		code = StatusFailed
	}
	m.Log().Debug().Str("Method", "StartSession").Err(err).Str("Code", code.String()).Msg("start failed")
	m.emit(Event{Kind: EventStartFailed, Session: s, Code: code})
}

// abandon reports a start cancelled by EndCurrentSession. Starts replaced by
// a newer StartSession are dropped silently.
func (m *SessionManager) abandon(gen uint64, s *Session, client receiverClient) {
	_ = client.Close(false)
	m.mu.Lock()
	if m.gen != gen {
		m.mu.Unlock()
		return
	}
	m.detachLocked()
	m.mu.Unlock()
	m.emit(Event{Kind: EventEnded, Session: s, Code: StatusCanceled})
}

func (m *SessionManager) emit(ev Event) {
	m.mu.Lock()
	listeners := append([]Listener(nil), m.listeners...)
	m.mu.Unlock()
	for _, l := range listeners {
		l.OnSessionEvent(ev)
	}
}
