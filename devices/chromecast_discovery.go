package devices

import (
	"context"
	"fmt"
	"io"
	"log"
	"net"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/mdns"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

const (
	// CapabilityVideoOut is the bitmask for video output capability (bit 0)
	CapabilityVideoOut = 1

	googlecastService = "_googlecast._tcp"
	defaultCastPort   = 8009

	// mDNS query timeout per request
	chromecastQueryTimeout = 750 * time.Millisecond
	// Fast polling while a scan is active or nothing is known yet
	chromecastPollIntervalFast = 1 * time.Second
	// Passive polling once devices are known and nobody scans actively
	chromecastPollIntervalSlow = 4 * time.Second
	// Interval between liveness checks of known receivers
	chromecastHealthInterval = 5 * time.Second
	// Lower bound between two query rounds, whatever triggers them
	chromecastMinQueryGap = 500 * time.Millisecond
)

var ErrNoMulticastInterface = errors.New("devices: no multicast capable network interface")

// Test seams.
var (
	mdnsQuery       = mdns.QueryContext
	hostPortIsAlive = HostPortIsAlive
	activeIfaces    = getActiveNetworkInterfaces
)

type registration struct {
	active bool
}

// MDNSDiscovery is a discovery layer for cast receivers backed by mDNS.
// Route events are delivered on discovery goroutines; subscribers hop
// to their own goroutine if they need to.
type MDNSDiscovery struct {
	Logger      zerolog.Logger
	LogOutput   io.Writer
	initLogOnce sync.Once

	mu        sync.Mutex
	routes    map[string]Route
	callbacks map[Callback]registration
	onSelect  func(Route) error
	limiter   *rate.Limiter
	kick      chan struct{}
	cancel    context.CancelFunc
	done      chan struct{}
}

// NewMDNSDiscovery returns a discovery layer that is idle until Start.
func NewMDNSDiscovery() *MDNSDiscovery {
	return &MDNSDiscovery{
		Logger:    zerolog.Nop(),
		routes:    make(map[string]Route),
		callbacks: make(map[Callback]registration),
		limiter:   rate.NewLimiter(rate.Every(chromecastMinQueryGap), 1),
		kick:      make(chan struct{}, 1),
	}
}

// Log returns the zerolog logger, initializing it lazily if LogOutput is set.
func (d *MDNSDiscovery) Log() *zerolog.Logger {
	if d.LogOutput != nil {
		d.initLogOnce.Do(func() {
			d.Logger = zerolog.New(d.LogOutput).With().Timestamp().Logger()
		})
	}
	return &d.Logger
}

// Start launches the browse and health-check loops. It fails when the host
// has no interface mDNS could run on.
func (d *MDNSDiscovery) Start(ctx context.Context) error {
	if len(activeIfaces()) == 0 {
		return ErrNoMulticastInterface
	}

	d.mu.Lock()
	if d.cancel != nil {
		d.mu.Unlock()
		return nil
	}
	loopCtx, cancel := context.WithCancel(ctx)
	d.cancel = cancel
	d.done = make(chan struct{})
	d.mu.Unlock()

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		d.browseLoop(loopCtx)
	}()
	go func() {
		defer wg.Done()
		d.healthLoop(loopCtx)
	}()
	go func() {
		wg.Wait()
		close(d.done)
	}()

	d.Log().Debug().Str("Method", "Start").Msg("chromecast discovery started")
	return nil
}

// Close stops discovery and waits for its goroutines.
func (d *MDNSDiscovery) Close() {
	d.mu.Lock()
	cancel, done := d.cancel, d.done
	d.cancel = nil
	d.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
}

// SetSelectHandler installs the function invoked when a route is selected.
// The session layer uses it to start a session on the receiver.
func (d *MDNSDiscovery) SetSelectHandler(fn func(Route) error) {
	d.mu.Lock()
	d.onSelect = fn
	d.mu.Unlock()
}

// AddScanCallback registers cb. Active callbacks switch browsing to the
// fast interval and trigger an immediate query. sel is only logged: the
// _googlecast TXT record does not list the apps a receiver can run, so
// every callback sees every receiver.
func (d *MDNSDiscovery) AddScanCallback(sel Selector, cb Callback, active bool) {
	d.mu.Lock()
	d.callbacks[cb] = registration{active: active}
	d.mu.Unlock()

	d.Log().Debug().Str("Method", "AddScanCallback").Str("AppID", sel.AppID).Bool("Active", active).Msg("scan callback added")
	if active {
		select {
		case d.kick <- struct{}{}:
		default:
		}
	}
}

// RemoveScanCallback unregisters cb. Unknown callbacks are ignored.
func (d *MDNSDiscovery) RemoveScanCallback(cb Callback) {
	d.mu.Lock()
	delete(d.callbacks, cb)
	d.mu.Unlock()
}

// Routes returns the currently known routes sorted by name.
func (d *MDNSDiscovery) Routes() []Route {
	d.mu.Lock()
	out := make([]Route, 0, len(d.routes))
	for _, r := range d.routes {
		out = append(out, r)
	}
	d.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].DisplayName != out[j].DisplayName {
			return out[i].DisplayName < out[j].DisplayName
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// SelectRoute hands the route to the select handler. A route missing from
// the cache yields ErrRouteUnavailable so callers can wait for the next scan.
func (d *MDNSDiscovery) SelectRoute(id string) error {
	d.mu.Lock()
	r, ok := d.routes[id]
	fn := d.onSelect
	d.mu.Unlock()

	if !ok {
		return errors.Wrapf(ErrRouteUnavailable, "SelectRoute %s", id)
	}
	if fn == nil {
		return fmt.Errorf("SelectRoute %s: no select handler installed", id)
	}
	d.Log().Debug().Str("Method", "SelectRoute").Str("RouteID", id).Str("Addr", r.Addr()).Msg("route selected")
	return fn(r)
}

func (d *MDNSDiscovery) hasActiveScan() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, reg := range d.callbacks {
		if reg.active {
			return true
		}
	}
	return false
}

func (d *MDNSDiscovery) pollInterval() time.Duration {
	if d.hasActiveScan() {
		return chromecastPollIntervalFast
	}
	d.mu.Lock()
	known := len(d.routes) > 0
	d.mu.Unlock()
	if known {
		return chromecastPollIntervalSlow
	}
	return chromecastPollIntervalFast
}

func (d *MDNSDiscovery) browseLoop(ctx context.Context) {
	pollTimer := time.NewTimer(0)
	defer pollTimer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-pollTimer.C:
		case <-d.kick:
			if !pollTimer.Stop() {
				select {
				case <-pollTimer.C:
				default:
				}
			}
		}

		if d.limiter.Allow() {
			entries := d.queryAll(ctx)
			d.merge(entries)
		}

		pollTimer.Reset(d.pollInterval())
	}
}

// queryAll queries every active interface in parallel. Windows hosts with
// VPN or Hyper-V adapters often default to the wrong interface otherwise.
func (d *MDNSDiscovery) queryAll(ctx context.Context) []*mdns.ServiceEntry {
	interfaces := activeIfaces()

	entriesCh := make(chan *mdns.ServiceEntry, 256)
	collected := make(chan []*mdns.ServiceEntry, 1)
	go func() {
		var out []*mdns.ServiceEntry
		for entry := range entriesCh {
			out = append(out, entry)
		}
		collected <- out
	}()

	queryIface := func(ctx context.Context, iface *net.Interface) error {
		params := mdns.DefaultParams(googlecastService)
		params.Entries = entriesCh
		params.Timeout = chromecastQueryTimeout
		params.DisableIPv6 = true
		params.WantUnicastResponse = true
		params.Logger = log.New(io.Discard, "", 0)
		params.Interface = iface
		return mdnsQuery(ctx, params)
	}

	// A failing interface must not cut the others short, so no shared context.
	var g errgroup.Group
	if len(interfaces) == 0 {
		g.Go(func() error { return queryIface(ctx, nil) })
	}
	for _, iface := range interfaces {
		g.Go(func() error { return queryIface(ctx, &iface) })
	}
	if err := g.Wait(); err != nil && ctx.Err() == nil {
		d.Log().Debug().Str("Method", "queryAll").Err(err).Msg("mdns query failed")
	}

	close(entriesCh)
	return <-collected
}

// merge folds one query round into the cache and notifies subscribers of
// added or changed routes. Removal is left to the health check since a
// single missed mDNS answer is common.
func (d *MDNSDiscovery) merge(entries []*mdns.ServiceEntry) {
	var events []RouteEvent
	for _, entry := range entries {
		r, ok := routeFromEntry(entry)
		if !ok {
			continue
		}
		if ev, changed := d.upsert(r); changed {
			events = append(events, ev)
		}
	}
	d.dispatch(events)
}

func (d *MDNSDiscovery) upsert(r Route) (RouteEvent, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()

	prev, ok := d.routes[r.ID]
	d.routes[r.ID] = r
	if !ok {
		return RouteEvent{Kind: RouteAdded, Route: r}, true
	}
	if !sameRoute(prev, r) {
		return RouteEvent{Kind: RouteChanged, Route: r}, true
	}
	return RouteEvent{}, false
}

func (d *MDNSDiscovery) remove(id string) (RouteEvent, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()

	r, ok := d.routes[id]
	if !ok {
		return RouteEvent{}, false
	}
	delete(d.routes, id)
	return RouteEvent{Kind: RouteRemoved, Route: r}, true
}

func (d *MDNSDiscovery) dispatch(events []RouteEvent) {
	if len(events) == 0 {
		return
	}

	d.mu.Lock()
	cbs := make([]Callback, 0, len(d.callbacks))
	for cb := range d.callbacks {
		cbs = append(cbs, cb)
	}
	d.mu.Unlock()

	for _, ev := range events {
		d.Log().Debug().Str("Method", "dispatch").Str("Event", ev.Kind.String()).Str("RouteID", ev.Route.ID).Msg("route event")
		for _, cb := range cbs {
			cb.OnRouteEvent(ev)
		}
	}
}

// healthLoop periodically checks if cached receivers are still alive and
// drops the stale ones.
func (d *MDNSDiscovery) healthLoop(ctx context.Context) {
	ticker := time.NewTicker(chromecastHealthInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.checkHealth()
		}
	}
}

func (d *MDNSDiscovery) checkHealth() {
	d.mu.Lock()
	addrs := make(map[string]string, len(d.routes))
	for id, r := range d.routes {
		addrs[id] = r.Addr()
	}
	d.mu.Unlock()

	var events []RouteEvent
	for id, addr := range addrs {
		if hostPortIsAlive(addr) {
			continue
		}
		if ev, ok := d.remove(id); ok {
			events = append(events, ev)
		}
	}
	d.dispatch(events)
}

func sameRoute(a, b Route) bool {
	if a.DisplayName != b.DisplayName || a.Description != b.Description ||
		a.Host != b.Host || a.Port != b.Port || a.Model != b.Model ||
		a.IsAudioOnly != b.IsAudioOnly || len(a.Extras) != len(b.Extras) {
		return false
	}
	for k, v := range a.Extras {
		if b.Extras[k] != v {
			return false
		}
	}
	return true
}

// routeFromEntry maps a _googlecast answer to a Route. TXT records carry
// id (device uuid), fn (friendly name), md (model), rs (running app status)
// and ca (capability bitmask).
func routeFromEntry(entry *mdns.ServiceEntry) (Route, bool) {
	if entry == nil || entry.AddrV4 == nil {
		return Route{}, false
	}
	if !strings.Contains(entry.Name, "_googlecast") {
		return Route{}, false
	}

	txt := make(map[string]string, len(entry.InfoFields))
	for _, field := range entry.InfoFields {
		k, v, ok := strings.Cut(field, "=")
		if !ok {
			continue
		}
		if _, exists := txt[k]; !exists {
			txt[k] = v
		}
	}

	port := entry.Port
	if port == 0 {
		port = defaultCastPort
	}

	r := Route{
		ID:           txt["id"],
		DisplayName:  txt["fn"],
		Description:  txt["rs"],
		PlaybackType: PlaybackRemote,
		Host:         entry.AddrV4.String(),
		Port:         port,
		Model:        txt["md"],
		IsAudioOnly:  isChromecastAudioOnly(txt["ca"]),
	}
	if r.ID == "" {
		r.ID = r.Addr()
	}
	if r.DisplayName == "" {
		r.DisplayName = entry.Name
		if idx := strings.Index(r.DisplayName, "._googlecast"); idx > 0 {
			r.DisplayName = r.DisplayName[:idx]
		}
	}
	if r.Description == "" {
		r.Description = r.Model
	}
	return r, true
}

// getActiveNetworkInterfaces returns all network interfaces that are up,
// multicast-capable, not loopback, and have an IPv4 address.
func getActiveNetworkInterfaces() []net.Interface {
	interfaces, err := net.Interfaces()
	if err != nil {
		return nil
	}

	var active []net.Interface
	for _, iface := range interfaces {
		if iface.Flags&net.FlagUp == 0 ||
			iface.Flags&net.FlagLoopback != 0 ||
			iface.Flags&net.FlagMulticast == 0 {
			continue
		}

		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}

		for _, addr := range addrs {
			if ipnet, ok := addr.(*net.IPNet); ok && ipnet.IP.To4() != nil && !ipnet.IP.IsLoopback() {
				active = append(active, iface)
				break
			}
		}
	}

	return active
}

// HostPortIsAlive checks if a device at the given address is reachable via TCP connection.
// Returns true if the connection succeeds within 2 seconds.
func HostPortIsAlive(address string) bool {
	conn, err := net.DialTimeout("tcp", address, 2*time.Second)
	if err != nil {
		return false
	}
	conn.Close()
	return true
}

// isChromecastAudioOnly checks if a device is audio-only based on the "ca" capability field.
// If bit 0 (Video Out) is NOT set, the device is considered audio-only.
// Returns false if parsing fails.
func isChromecastAudioOnly(caField string) bool {
	ca, err := strconv.Atoi(caField)
	if err != nil {
		return false
	}
	return (ca & CapabilityVideoOut) == 0
}
