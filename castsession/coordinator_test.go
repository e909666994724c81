package castsession

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"go2tv.app/castlink/castprotocol"
	"go2tv.app/castlink/devices"
)

func connect(t *testing.T, h *harness, routeID string) Result {
	t.Helper()
	r := await(t, h.c.SelectRoute(routeID))
	require.NoError(t, r.Err)
	require.Equal(t, Connected, r.State.Kind)
	return r
}

func TestSelectRouteTimesOutWhenRouteNeverAppears(t *testing.T) {
	h := newHarness(t, newFakeDiscovery())

	res := h.c.SelectRoute("r1")
	flush(t, h.c.loop)
	require.Equal(t, Connecting, h.c.State().Kind)
	require.Equal(t, 1, h.disc.registered())
	require.Equal(t, 1, h.sess.listenerCount())

	h.clock.Advance(15 * time.Second)
	r := await(t, res)

	if !errors.Is(r.Err, ErrTimeout) {
		t.Fatalf("SelectRoute() err = %v, want %v", r.Err, ErrTimeout)
	}
	var ce *Error
	require.ErrorAs(t, r.Err, &ce)
	require.Equal(t, KindTimeout, ce.Kind)
	require.Equal(t, "r1", ce.RouteID)
	require.Equal(t, Failed, r.State.Kind)

	require.Equal(t, Idle, h.c.State().Kind)
	require.Equal(t, 0, h.disc.registered())
	require.Equal(t, 0, h.sess.listenerCount())
	require.Equal(t, 0, h.clock.pending())

	// No session existed, so the failure reaches the app through the
	// state observer only.
	require.Empty(t, h.lis.endCalls())
	states := h.lis.transitions()
	require.GreaterOrEqual(t, len(states), 2)
	failed, idle := states[len(states)-2], states[len(states)-1]
	require.Equal(t, Failed, failed.Kind)
	require.ErrorIs(t, failed.Err, ErrTimeout)
	require.Equal(t, Idle, idle.Kind)
	require.ErrorIs(t, idle.Err, ErrTimeout)
}

func TestSelectRouteRetriesTransientFailures(t *testing.T) {
	h := newHarness(t, newFakeDiscovery(remote("r1")))
	h.startOnSelect(castprotocol.StatusNetworkError, castprotocol.StatusTimeout, castprotocol.StatusNetworkError)

	r := connect(t, h, "r1")
	require.Equal(t, 3, r.Attempts)
	require.Equal(t, "s-r1", r.State.SessionID)
	require.Equal(t, "r1", r.State.DeviceID)
	require.Equal(t, "s-r1", r.Session.ID)

	require.Len(t, h.disc.selections(), 4)
	require.Equal(t, 0, h.disc.registered())
	require.Equal(t, 1, h.sess.listenerCount(), "connected session keeps its watch")
	require.Equal(t, 0, h.clock.pending())
}

func TestSelectRouteRetryBackoff(t *testing.T) {
	h := newHarness(t, newFakeDiscovery(remote("r1")), WithRetryPolicy(RetryPolicy{
		MaxStartAttempts:    5,
		MaxEndedBeforeStart: 10,
		BaseBackoff:         time.Second,
		MaxBackoff:          4 * time.Second,
	}))
	h.startOnSelect(castprotocol.StatusNetworkError)

	res := h.c.SelectRoute("r1")
	flush(t, h.c.loop)
	require.Len(t, h.disc.selections(), 1)

	h.clock.Advance(time.Second)
	r := await(t, res)
	require.NoError(t, r.Err)
	require.Equal(t, 1, r.Attempts)
	require.Len(t, h.disc.selections(), 2)
}

func TestSelectRouteTerminalCode(t *testing.T) {
	h := newHarness(t, newFakeDiscovery(remote("r1")))
	h.startOnSelect(castprotocol.StatusApplicationNotFound)

	r := await(t, h.c.SelectRoute("r1"))
	if !errors.Is(r.Err, ErrTerminal) {
		t.Fatalf("SelectRoute() err = %v, want %v", r.Err, ErrTerminal)
	}
	var ce *Error
	require.ErrorAs(t, r.Err, &ce)
	require.Equal(t, castprotocol.StatusApplicationNotFound, ce.Code)
	require.Equal(t, 0, r.Attempts)
	require.Len(t, h.disc.selections(), 1)

	st := h.c.State()
	require.Equal(t, Idle, st.Kind)
	require.ErrorIs(t, st.Err, ErrTerminal)

	ends := h.lis.endCalls()
	require.Len(t, ends, 1)
	require.Equal(t, ReasonError, ends[0].reason)
}

func TestSelectRouteExhaustsTransientBudget(t *testing.T) {
	h := newHarness(t, newFakeDiscovery(remote("r1")), WithRetryPolicy(RetryPolicy{MaxStartAttempts: 2, MaxEndedBeforeStart: 10}))
	h.startOnSelect(castprotocol.StatusNetworkError, castprotocol.StatusNetworkError, castprotocol.StatusNetworkError)

	r := await(t, h.c.SelectRoute("r1"))
	var ce *Error
	require.ErrorAs(t, r.Err, &ce)
	require.Equal(t, KindTerminal, ce.Kind)
	require.Equal(t, castprotocol.StatusNetworkError, ce.Code)
	require.Equal(t, 2, r.Attempts)
	require.Len(t, h.disc.selections(), 3)
}

func TestSelectRouteEndedBeforeStartBudget(t *testing.T) {
	h := newHarness(t, newFakeDiscovery(remote("r1")), WithRetryPolicy(RetryPolicy{MaxStartAttempts: 100, MaxEndedBeforeStart: 2}))
	h.disc.onSelect = func(id string) {
		s := session("s-"+id, id, false)
		h.sess.emit(castprotocol.Event{Kind: castprotocol.EventStarting, Session: s})
		h.sess.emit(castprotocol.Event{Kind: castprotocol.EventEnded, Session: s, Code: castprotocol.StatusServiceDisconnected})
	}

	r := await(t, h.c.SelectRoute("r1"))
	require.ErrorIs(t, r.Err, ErrTerminal)
	require.ErrorContains(t, r.Err, "ended before it started")
	require.Equal(t, 0, r.Attempts)
	require.Len(t, h.disc.selections(), 3)
}

func TestSelectRouteWaitsWhenRouteUnavailable(t *testing.T) {
	h := newHarness(t, newFakeDiscovery(remote("r1")))
	h.startOnSelect()
	var mu sync.Mutex
	calls := 0
	h.disc.selectErr = func(id string) error {
		mu.Lock()
		defer mu.Unlock()
		calls++
		if calls == 1 {
			return errors.Wrapf(devices.ErrRouteUnavailable, "select %s", id)
		}
		return nil
	}

	res := h.c.SelectRoute("r1")
	flush(t, h.c.loop)
	require.Equal(t, Connecting, h.c.State().Kind)
	require.Len(t, res, 0)

	h.disc.setRoutes(remote("r1"))
	r := await(t, res)
	require.NoError(t, r.Err)
	require.Equal(t, Connected, r.State.Kind)
}

func TestSelectRouteWaitsForRouteToAppear(t *testing.T) {
	h := newHarness(t, newFakeDiscovery())
	h.startOnSelect()

	res := h.c.SelectRoute("r2")
	flush(t, h.c.loop)
	h.disc.setRoutes(remote("r1"))
	flush(t, h.c.loop)
	require.Empty(t, h.disc.selections())

	h.disc.setRoutes(remote("r1"), remote("r2"))
	r := await(t, res)
	require.NoError(t, r.Err)
	require.Equal(t, []string{"r2"}, h.disc.selections())
}

func TestSelectRouteRejectedWhileConnected(t *testing.T) {
	h := newHarness(t, newFakeDiscovery(remote("r1"), remote("r2")))
	h.startOnSelect()
	connect(t, h, "r1")

	r := await(t, h.c.SelectRoute("r2"))
	require.ErrorIs(t, r.Err, ErrSessionActive)
	var ce *Error
	require.ErrorAs(t, r.Err, &ce)
	require.Equal(t, "session_error", ce.Kind.String())
	require.Equal(t, Connected, h.c.State().Kind)
	require.Equal(t, []string{"r1"}, h.disc.selections())
}

func TestSelectRouteSupersedesPendingAttempt(t *testing.T) {
	h := newHarness(t, newFakeDiscovery())

	first := h.c.SelectRoute("r1")
	second := h.c.SelectRoute("r2")

	r := await(t, first)
	require.ErrorIs(t, r.Err, ErrCanceled)

	flush(t, h.c.loop)
	st := h.c.State()
	require.Equal(t, Connecting, st.Kind)
	require.Equal(t, "r2", st.RouteID)
	require.Equal(t, 1, h.disc.registered())
	require.Equal(t, 1, h.sess.listenerCount())
	require.Len(t, second, 0)
}

func TestReplacedListenerEventsAreDropped(t *testing.T) {
	h := newHarness(t, newFakeDiscovery(remote("r1"), remote("r2")))

	first := h.c.SelectRoute("r1")
	flush(t, h.c.loop)
	stale := h.sess.listenerAt(0)

	second := h.c.SelectRoute("r2")
	require.ErrorIs(t, await(t, first).Err, ErrCanceled)
	flush(t, h.c.loop)
	require.Equal(t, []string{"r1", "r2"}, h.disc.selections())
	current := h.sess.listenerAt(0)
	require.NotEqual(t, stale, current)

	s := session("s-r2", "r2", true)
	stale.OnSessionEvent(castprotocol.Event{Kind: castprotocol.EventStarted, Session: s, SessionID: s.ID})
	flush(t, h.c.loop)
	require.Equal(t, Connecting, h.c.State().Kind)
	require.Len(t, second, 0)

	current.OnSessionEvent(castprotocol.Event{Kind: castprotocol.EventStarted, Session: s, SessionID: s.ID})
	r := await(t, second)
	require.NoError(t, r.Err)
	require.Equal(t, Connected, r.State.Kind)
	require.Equal(t, "s-r2", r.State.SessionID)
}

func TestOnlyOneAttemptConnectingAtATime(t *testing.T) {
	h := newHarness(t, newFakeDiscovery())

	const n = 20
	results := make([]<-chan Result, n)
	var wg sync.WaitGroup
	for i := range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[i] = h.c.SelectRoute(fmt.Sprintf("r%d", i%4))
		}()
	}
	wg.Wait()
	flush(t, h.c.loop)

	canceled, pending := 0, 0
	for _, ch := range results {
		select {
		case r := <-ch:
			require.ErrorIs(t, r.Err, ErrCanceled)
			canceled++
		default:
			pending++
		}
	}
	require.Equal(t, n-1, canceled)
	require.Equal(t, 1, pending)

	states := h.lis.transitions()
	attempts := map[string]bool{}
	for i, st := range states {
		if st.Kind != Connecting {
			continue
		}
		require.False(t, attempts[st.AttemptID], "attempt entered Connecting twice")
		attempts[st.AttemptID] = true
		if i > 0 {
			require.NotEqual(t, Connecting, states[i-1].Kind, "overlapping Connecting windows")
		}
	}
	require.Len(t, attempts, n)
	require.Equal(t, 1, h.disc.registered())
	require.Equal(t, 1, h.sess.listenerCount())
}

func TestEndSessionStopped(t *testing.T) {
	h := newHarness(t, newFakeDiscovery(remote("r1")))
	h.startOnSelect()
	h.endOnRequest()
	connect(t, h, "r1")

	r := await(t, h.c.EndSession(true))
	require.NoError(t, r.Err)
	require.Equal(t, Ended, r.State.Kind)
	require.Equal(t, ReasonStopped, r.State.Reason)
	require.Equal(t, Ended, h.c.State().Kind)

	ends := h.lis.endCalls()
	require.Len(t, ends, 1)
	require.Equal(t, ReasonStopped, ends[0].reason)
	require.Equal(t, "s-r1", ends[0].session.ID)
	require.Equal(t, []bool{true}, h.sess.endCalls())
	require.Equal(t, 0, h.sess.listenerCount())
}

func TestEndSessionDisconnected(t *testing.T) {
	h := newHarness(t, newFakeDiscovery(remote("r1")))
	h.startOnSelect()
	h.endOnRequest()
	connect(t, h, "r1")

	r := await(t, h.c.EndSession(false))
	require.Equal(t, ReasonDisconnected, r.State.Reason)
	require.Equal(t, []bool{false}, h.sess.endCalls())

	// A new join is allowed once the session ended.
	r = await(t, h.c.SelectRoute("r1"))
	require.NoError(t, r.Err)
}

func TestEndSessionTimesOut(t *testing.T) {
	h := newHarness(t, newFakeDiscovery(remote("r1")))
	h.startOnSelect()
	connect(t, h, "r1")

	res := h.c.EndSession(false)
	flush(t, h.c.loop)
	require.Equal(t, Ending, h.c.State().Kind)

	h.clock.Advance(10 * time.Second)
	r := await(t, res)
	require.ErrorIs(t, r.Err, ErrTimeout)
	require.Equal(t, Ended, r.State.Kind)
	require.Len(t, h.lis.endCalls(), 1)
	require.Equal(t, 0, h.sess.listenerCount())
}

func TestEndSessionWithoutSession(t *testing.T) {
	h := newHarness(t, newFakeDiscovery())

	r := await(t, h.c.EndSession(true))
	require.NoError(t, r.Err)
	require.True(t, r.NoSession)
	require.Equal(t, Idle, r.State.Kind)
	require.Empty(t, h.sess.endCalls())
	require.Empty(t, h.lis.endCalls())
}

func TestEndSessionCancelsPendingJoin(t *testing.T) {
	h := newHarness(t, newFakeDiscovery())

	join := h.c.SelectRoute("r1")
	end := h.c.EndSession(false)

	require.ErrorIs(t, await(t, join).Err, ErrCanceled)
	r := await(t, end)
	require.True(t, r.NoSession)
	require.Equal(t, 0, h.disc.registered())
	require.Equal(t, 0, h.clock.pending())
}

func TestUnsolicitedEndWhileConnected(t *testing.T) {
	h := newHarness(t, newFakeDiscovery(remote("r1")))
	h.startOnSelect()
	r := connect(t, h, "r1")

	h.sess.emit(castprotocol.Event{Kind: castprotocol.EventEnded, Session: r.Session, Code: castprotocol.StatusNetworkError})
	flush(t, h.c.loop)

	st := h.c.State()
	require.Equal(t, Ended, st.Kind)
	require.Equal(t, ReasonDisconnected, st.Reason)
	require.ErrorIs(t, st.Err, ErrTerminal)

	ends := h.lis.endCalls()
	require.Len(t, ends, 1)
	require.Equal(t, ReasonDisconnected, ends[0].reason)
	require.Equal(t, 0, h.sess.listenerCount())
}

func TestRequestDefaultJoinWithoutSession(t *testing.T) {
	h := newHarness(t, newFakeDiscovery())

	r := await(t, h.c.RequestDefaultJoin())
	require.NoError(t, r.Err)
	require.True(t, r.NoSession)

	flush(t, h.c.loop)
	require.Nil(t, h.c.poller.cur)
	require.Equal(t, 0, h.clock.pending())
	require.Equal(t, Idle, h.c.State().Kind)
}

func TestRequestDefaultJoinPollsUntilConnected(t *testing.T) {
	h := newHarness(t, newFakeDiscovery())
	s := session("s1", "r1", false)
	h.sess.setCurrent(s)

	res := h.c.RequestDefaultJoin()
	flush(t, h.c.loop)
	require.Equal(t, Connecting, h.c.State().Kind)

	for range 2 {
		h.clock.Advance(500 * time.Millisecond)
		flush(t, h.c.loop)
	}
	s.SetConnected(true)
	h.clock.Advance(500 * time.Millisecond)

	r := await(t, res)
	require.NoError(t, r.Err)
	require.Equal(t, Connected, r.State.Kind)
	require.Equal(t, "s1", r.State.SessionID)
	require.Equal(t, []*castprotocol.Session{s}, h.lis.rejoins())
	require.Equal(t, 1, h.sess.listenerCount())
}

func TestRequestDefaultJoinTimesOut(t *testing.T) {
	h := newHarness(t, newFakeDiscovery(), WithPoll(500*time.Millisecond, 3))
	h.sess.setCurrent(session("s1", "r1", false))

	res := h.c.RequestDefaultJoin()
	flush(t, h.c.loop)
	for range 3 {
		h.clock.Advance(500 * time.Millisecond)
		flush(t, h.c.loop)
	}

	r := await(t, res)
	require.ErrorIs(t, r.Err, ErrTimeout)
	require.Equal(t, Idle, h.c.State().Kind)
	require.Empty(t, h.lis.rejoins())
}

func TestSetAppID(t *testing.T) {
	h := newHarness(t, newFakeDiscovery())
	require.Equal(t, []string{devices.DefaultAppID}, h.sess.appIDCalls())

	r := await(t, h.c.SetAppID("0F5096E8"))
	require.NoError(t, r.Err)
	require.Equal(t, "0F5096E8", h.store.GetString(AppIDKey, ""))
	require.Equal(t, "0F5096E8", h.c.AppID())
	require.Equal(t, []string{devices.DefaultAppID, "0F5096E8"}, h.sess.appIDCalls())

	r = await(t, h.c.SetAppID("0F5096E8"))
	require.NoError(t, r.Err)
	require.Len(t, h.sess.appIDCalls(), 2, "equal id must not reconfigure")
	require.Equal(t, 1, h.store.puts)

	r = await(t, h.c.SetAppID("not-an-id"))
	require.ErrorIs(t, r.Err, ErrInvalidAppID)
	require.Equal(t, "0F5096E8", h.c.AppID())
	require.Equal(t, 1, h.store.puts)
}

func TestSetAppIDNormalizes(t *testing.T) {
	h := newHarness(t, newFakeDiscovery())

	r := await(t, h.c.SetAppID(" 0f5096e8 "))
	require.NoError(t, r.Err)
	require.Equal(t, "0F5096E8", h.store.GetString(AppIDKey, ""))
}

func TestSetAppIDRejectedWhileConnected(t *testing.T) {
	h := newHarness(t, newFakeDiscovery(remote("r1")))
	h.startOnSelect()
	connect(t, h, "r1")

	r := await(t, h.c.SetAppID("0F5096E8"))
	require.ErrorIs(t, r.Err, ErrSessionActive)
	require.Equal(t, devices.DefaultAppID, h.c.AppID())
	require.Equal(t, 0, h.store.puts)
}

func TestAppIDLoadedFromStore(t *testing.T) {
	store := newMemStore()
	require.NoError(t, store.PutString(AppIDKey, "0F5096E8"))
	sess := &fakeSessions{}

	c := New(context.Background(), StaticProbe(newFakeDiscovery(), sess), store, nil, WithClock(newManualClock()))
	t.Cleanup(c.Close)
	flush(t, c.loop)

	require.Equal(t, "0F5096E8", c.AppID())
	require.Equal(t, []string{"0F5096E8"}, sess.appIDCalls())
}

func TestInitializeReportsAvailability(t *testing.T) {
	h := newHarness(t, newFakeDiscovery(remote("r1")))

	r := await(t, h.c.Initialize("0F5096E8"))
	require.NoError(t, r.Err)
	require.True(t, r.Available)
	require.Equal(t, []bool{true}, h.lis.availability())
	require.Equal(t, "0F5096E8", h.c.AppID())
	require.Equal(t, 0, h.disc.registered())
	require.Empty(t, h.lis.rejoins())
}

func TestInitializeRejoinsExistingSession(t *testing.T) {
	h := newHarness(t, newFakeDiscovery(remote("r1")))
	s := session("s1", "r1", true)
	h.sess.setCurrent(s)

	r := await(t, h.c.Initialize(devices.DefaultAppID))
	require.True(t, r.Available)

	flush(t, h.c.loop)
	require.Equal(t, Connected, h.c.State().Kind)
	require.Equal(t, []*castprotocol.Session{s}, h.lis.rejoins())
}

func TestInitializeWithoutReceivers(t *testing.T) {
	h := newHarness(t, newFakeDiscovery())

	res := h.c.Initialize("garbage")
	flush(t, h.c.loop)
	require.Equal(t, 1, h.disc.registered())

	h.clock.Advance(5 * time.Second)
	r := await(t, res)
	require.NoError(t, r.Err)
	require.False(t, r.Available)
	require.Equal(t, []bool{false}, h.lis.availability())
	require.Equal(t, devices.DefaultAppID, h.c.AppID())
	require.Equal(t, 0, h.disc.registered())
}

func TestPlatformUnavailableIsCached(t *testing.T) {
	calls := 0
	probe := func(context.Context) (*Capability, error) {
		calls++
		return nil, errors.New("mdns unavailable")
	}
	lis := &recordingListener{}
	c := New(context.Background(), probe, nil, lis, WithClock(newManualClock()))
	t.Cleanup(c.Close)

	require.False(t, c.Available())
	for _, ch := range []<-chan Result{
		c.SelectRoute("r1"),
		c.RequestDefaultJoin(),
		c.EndSession(true),
		c.SetAppID("0F5096E8"),
		c.Initialize(devices.DefaultAppID),
	} {
		r := await(t, ch)
		if !errors.Is(r.Err, ErrPlatformUnavailable) {
			t.Fatalf("err = %v, want %v", r.Err, ErrPlatformUnavailable)
		}
	}
	require.Equal(t, 1, calls)
	require.Equal(t, []bool{false}, lis.availability())
	require.True(t, c.StartRouteScan(NoTimeout, func([]devices.Route) {}, nil).IsZero())
}

func TestStartRouteScanReplacesPrevious(t *testing.T) {
	defaultRoute := devices.Route{ID: "default", IsDefault: true, PlaybackType: devices.PlaybackRemote}
	h := newHarness(t, newFakeDiscovery(remote("r1"), defaultRoute))

	var mu sync.Mutex
	var snapshots [][]devices.Route
	sink := func(routes []devices.Route) {
		mu.Lock()
		snapshots = append(snapshots, routes)
		mu.Unlock()
	}
	count := func() int {
		mu.Lock()
		defer mu.Unlock()
		return len(snapshots)
	}

	first := h.c.StartRouteScan(NoTimeout, sink, nil)
	flush(t, h.c.loop)
	require.Equal(t, 1, count())
	mu.Lock()
	require.Len(t, snapshots[0], 1)
	require.Equal(t, "r1", snapshots[0][0].ID)
	mu.Unlock()

	second := h.c.StartRouteScan(NoTimeout, sink, nil)
	flush(t, h.c.loop)
	require.NotEqual(t, first, second)
	require.Equal(t, 1, h.disc.registered())

	h.c.StopRouteScan(second)
	h.c.StopRouteScan(second)
	h.c.StopRouteScan(first)
	h.c.StopRouteScan(ScanHandle{})
	flush(t, h.c.loop)
	require.Equal(t, 0, h.disc.registered())

	before := count()
	h.disc.setRoutes(remote("r1"), remote("r2"))
	flush(t, h.c.loop)
	assert.Equal(t, before, count())
}

func TestCloseCancelsPendingWork(t *testing.T) {
	h := newHarness(t, newFakeDiscovery())

	res := h.c.SelectRoute("r1")
	flush(t, h.c.loop)
	h.c.Close()

	r := await(t, res)
	require.ErrorIs(t, r.Err, ErrCanceled)
	require.Equal(t, 0, h.disc.registered())
	require.Equal(t, 0, h.sess.listenerCount())
	require.Equal(t, 0, h.clock.pending())

	r = await(t, h.c.SelectRoute("r1"))
	require.ErrorIs(t, r.Err, ErrCanceled)
}
