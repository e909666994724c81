package main

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"go2tv.app/castlink/castprotocol"
	"go2tv.app/castlink/castsession"
	"go2tv.app/castlink/devices"
)

type stubDiscovery struct {
	routes []devices.Route
}

func (d *stubDiscovery) AddScanCallback(devices.Selector, devices.Callback, bool) {}
func (d *stubDiscovery) RemoveScanCallback(devices.Callback)                      {}
func (d *stubDiscovery) Routes() []devices.Route                                  { return d.routes }
func (d *stubDiscovery) SelectRoute(string) error                                 { return nil }

type stubSessions struct {
	mu      sync.Mutex
	current *castprotocol.Session
}

func (s *stubSessions) AddSessionListener(castprotocol.Listener)    {}
func (s *stubSessions) RemoveSessionListener(castprotocol.Listener) {}
func (s *stubSessions) EndCurrentSession(bool)                      {}
func (s *stubSessions) SetReceiverApplicationID(string)             {}

func (s *stubSessions) CurrentSession() *castprotocol.Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current
}

func newTestCoordinator(t *testing.T, routes []devices.Route, sess *stubSessions) (*castsession.Coordinator, *cliListener) {
	t.Helper()
	events := newCLIListener()
	coord := castsession.New(context.Background(), castsession.StaticProbe(&stubDiscovery{routes: routes}, sess), nil, events,
		castsession.WithPoll(5*time.Millisecond, 200),
		castsession.WithAvailabilityScan(50*time.Millisecond))
	t.Cleanup(coord.Close)
	return coord, events
}

func tv() devices.Route {
	return devices.Route{ID: "tv", DisplayName: "tv", PlaybackType: devices.PlaybackRemote, Host: "192.168.1.20", Port: 8009}
}

func TestRejoinWithoutSession(t *testing.T) {
	coord, events := newTestCoordinator(t, []devices.Route{tv()}, &stubSessions{})

	_, err := rejoin(context.Background(), coord, events)
	require.EqualError(t, err, "no session to rejoin")
}

func TestRejoinWithoutReceivers(t *testing.T) {
	coord, events := newTestCoordinator(t, nil, &stubSessions{})

	_, err := rejoin(context.Background(), coord, events)
	require.EqualError(t, err, "no receivers found")
}

func TestRejoinWaitsForInitializePoll(t *testing.T) {
	s := &castprotocol.Session{ID: "s1", DeviceID: "tv"}
	sess := &stubSessions{current: s}
	coord, events := newTestCoordinator(t, []devices.Route{tv()}, sess)

	go func() {
		time.Sleep(30 * time.Millisecond)
		s.SetConnected(true)
	}()

	st, err := rejoin(context.Background(), coord, events)
	require.NoError(t, err)
	require.Equal(t, castsession.Connected, st.Kind)
	require.Equal(t, "s1", st.SessionID)
}
