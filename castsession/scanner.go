package castsession

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"go2tv.app/castlink/devices"
)

// NoTimeout keeps a scan running until it is stopped.
const NoTimeout time.Duration = -1

// ScanHandle identifies a scan. The zero handle names no scan.
type ScanHandle struct {
	id uuid.UUID
}

func (h ScanHandle) String() string {
	return h.id.String()
}

// IsZero reports whether h names no scan.
func (h ScanHandle) IsZero() bool {
	return h.id == uuid.Nil
}

// RouteSink receives filtered, deduplicated route snapshots on the loop.
type RouteSink func(routes []devices.Route)

// ScanRequest describes a scan. Timeout 0 delivers one snapshot and
// registers nothing, NoTimeout scans until stopped, and a positive Timeout
// stops the scan at the deadline and calls OnTimeout once.
type ScanRequest struct {
	Timeout   time.Duration
	Selector  devices.Selector
	Filter    devices.Filter
	Sink      RouteSink
	OnTimeout func()
}

// Scanner owns active discovery registrations. Registration with the
// discovery layer only happens on the loop.
type Scanner struct {
	loop *Loop
	disc Discovery
	log  zerolog.Logger

	mu    sync.Mutex
	scans map[ScanHandle]*scanSession
}

type scanSession struct {
	s          *Scanner
	handle     ScanHandle
	req        ScanRequest
	stopped    atomic.Bool
	registered atomic.Bool
	deadline   *Timer
}

// OnRouteEvent is called by the discovery layer from its own goroutine.
func (ss *scanSession) OnRouteEvent(devices.RouteEvent) {
	if ss.stopped.Load() {
		return
	}
	ss.s.loop.Post(func() {
		if ss.stopped.Load() {
			return
		}
		ss.deliver()
	})
}

func (ss *scanSession) deliver() {
	if ss.req.Sink == nil || ss.stopped.Load() {
		return
	}
	ss.req.Sink(ss.req.Filter.Apply(ss.s.disc.Routes()))
}

// NewScanner returns a scanner over disc driven by loop.
func NewScanner(loop *Loop, disc Discovery, log zerolog.Logger) *Scanner {
	return &Scanner{
		loop:  loop,
		disc:  disc,
		log:   log,
		scans: make(map[ScanHandle]*scanSession),
	}
}

// Start returns a handle right away and starts the scan on the loop.
func (s *Scanner) Start(req ScanRequest) ScanHandle {
	ss := s.prepare(req)
	if !s.loop.Post(func() { s.run(ss) }) {
		s.forget(ss)
	}
	return ss.handle
}

// Stop ends a scan. It never blocks, and stopping a stopped, unknown or
// zero handle does nothing. No delivery starts after Stop returns.
func (s *Scanner) Stop(h ScanHandle) {
	ss := s.lookup(h)
	if ss == nil {
		return
	}
	ss.stopped.Store(true)
	s.loop.Post(func() { s.teardown(ss) })
}

// Refresh re-delivers the current snapshot to an active scan.
func (s *Scanner) Refresh(h ScanHandle) {
	s.loop.Post(func() { s.refresh(h) })
}

func (s *Scanner) prepare(req ScanRequest) *scanSession {
	ss := &scanSession{s: s, handle: ScanHandle{id: uuid.New()}, req: req}
	s.mu.Lock()
	s.scans[ss.handle] = ss
	s.mu.Unlock()
	return ss
}

func (s *Scanner) lookup(h ScanHandle) *scanSession {
	if h.IsZero() {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.scans[h]
}

func (s *Scanner) forget(ss *scanSession) {
	s.mu.Lock()
	delete(s.scans, ss.handle)
	s.mu.Unlock()
}

// start prepares and runs a scan in one go. Loop only.
func (s *Scanner) start(req ScanRequest) ScanHandle {
	ss := s.prepare(req)
	s.run(ss)
	return ss.handle
}

// run must be called on the loop.
func (s *Scanner) run(ss *scanSession) {
	if ss.stopped.Load() {
		s.forget(ss)
		return
	}

	if ss.req.Timeout == 0 {
		ss.deliver()
		ss.stopped.Store(true)
		s.forget(ss)
		return
	}

	s.log.Debug().Str("Method", "Scan").Str("Scan", ss.handle.String()).Dur("Timeout", ss.req.Timeout).Msg("scan started")
	s.disc.AddScanCallback(ss.req.Selector, ss, true)
	ss.registered.Store(true)
	ss.deliver()

	if ss.req.Timeout > 0 && !ss.stopped.Load() {
		ss.deadline = s.loop.AfterFunc(ss.req.Timeout, func() {
			if ss.stopped.Load() {
				return
			}
			s.log.Debug().Str("Method", "Scan").Str("Scan", ss.handle.String()).Msg("scan timed out")
			ss.stopped.Store(true)
			s.teardown(ss)
			if ss.req.OnTimeout != nil {
				ss.req.OnTimeout()
			}
		})
	}
}

// stop must be called on the loop.
func (s *Scanner) stop(h ScanHandle) {
	ss := s.lookup(h)
	if ss == nil {
		return
	}
	ss.stopped.Store(true)
	s.teardown(ss)
}

func (s *Scanner) refresh(h ScanHandle) {
	ss := s.lookup(h)
	if ss == nil || !ss.registered.Load() {
		return
	}
	ss.deliver()
}

func (s *Scanner) teardown(ss *scanSession) {
	ss.deadline.Stop()
	if ss.registered.CompareAndSwap(true, false) {
		s.disc.RemoveScanCallback(ss)
		s.log.Debug().Str("Method", "Scan").Str("Scan", ss.handle.String()).Msg("scan stopped")
	}
	s.forget(ss)
}

// stopAll must be called on the loop.
func (s *Scanner) stopAll() {
	s.mu.Lock()
	all := make([]*scanSession, 0, len(s.scans))
	for _, ss := range s.scans {
		all = append(all, ss)
	}
	s.mu.Unlock()

	for _, ss := range all {
		ss.stopped.Store(true)
		s.teardown(ss)
	}
}

// active returns the number of scans registered with discovery.
func (s *Scanner) active() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, ss := range s.scans {
		if ss.registered.Load() {
			n++
		}
	}
	return n
}
