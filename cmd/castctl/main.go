package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"go2tv.app/castlink/castprotocol"
	"go2tv.app/castlink/castsession"
	"go2tv.app/castlink/devices"
	"go2tv.app/castlink/internal/config"
)

var (
	listPtr    = flag.Bool("l", false, "List the Chromecast receivers found on the network.")
	targetPtr  = flag.String("t", "", "Join the receiver with this route id.")
	appIDPtr   = flag.String("a", "", "Receiver application id to launch. Persisted for later runs.")
	joinPtr    = flag.Bool("join", false, "Rejoin a session already running on the network.")
	stopPtr    = flag.Bool("stop", false, "Stop the receiver app when exiting.")
	timeoutPtr = flag.Duration("timeout", 5*time.Second, "How long to scan for receivers.")
	configPtr  = flag.String("config", "", "Path to the settings file.")
	debugPtr   = flag.Bool("debug", false, "Print debug logs.")

	errNoflag = errors.New("no flag used")
)

func main() {
	if err := run(); err != nil {
		if errors.Is(err, errNoflag) {
			flag.Usage()
			os.Exit(0)
		}

		fmt.Fprintf(os.Stderr, "Encountered error(s): %s\n", err)
		os.Exit(1)
	}
}

func run() error {
	exitCTX, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	flag.Parse()

	if err := checkflags(); err != nil {
		return err
	}

	logOut := io.Discard
	if *debugPtr {
		logOut = zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen}
	}
	logger := zerolog.New(logOut).With().Timestamp().Logger()

	store, settings, err := openStore()
	if err != nil {
		return err
	}

	disc := devices.NewMDNSDiscovery()
	disc.LogOutput = logOut
	defer disc.Close()

	mgr := castprotocol.NewSessionManager(store.AppID())
	mgr.LogOutput = logOut
	defer mgr.Close()
	disc.SetSelectHandler(mgr.StartSession)

	probe := func(ctx context.Context) (*castsession.Capability, error) {
		if err := disc.Start(ctx); err != nil {
			return nil, errors.Wrap(err, "start discovery")
		}
		return &castsession.Capability{Discovery: disc, Sessions: mgr}, nil
	}

	events := newCLIListener()
	opts := append(settings.Options(), castsession.WithLogger(logger))
	coord := castsession.New(exitCTX, probe, store, events, opts...)
	defer coord.Close()

	if !coord.Available() {
		return errors.New("cast is unavailable on this host")
	}

	if *appIDPtr != "" {
		if r := <-coord.SetAppID(*appIDPtr); r.Err != nil {
			return errors.Wrapf(r.Err, "set app id %q", *appIDPtr)
		}
	}

	switch {
	case *listPtr:
		return listReceivers(exitCTX, coord, *timeoutPtr)
	case *joinPtr:
		st, err := rejoin(exitCTX, coord, events)
		if err != nil {
			return err
		}
		printSession(castsession.Result{State: st})
	case *targetPtr != "":
		r := <-coord.SelectRoute(*targetPtr)
		if r.Err != nil {
			return errors.Wrapf(r.Err, "join %s", *targetPtr)
		}
		printSession(r)
	default:
		return nil
	}

	select {
	case <-exitCTX.Done():
	case reason := <-events.ended:
		fmt.Printf("Session ended: %s\n", reason)
		return nil
	}

	r := <-coord.EndSession(*stopPtr)
	if r.Err != nil && !errors.Is(r.Err, castsession.ErrNoSession) {
		return errors.Wrap(r.Err, "end session")
	}
	return nil
}

func openStore() (*config.Store, config.Settings, error) {
	path := *configPtr
	if path == "" {
		var err error
		path, err = config.DefaultPath()
		if err != nil {
			return nil, config.Settings{}, err
		}
	}

	store, err := config.Open(path)
	if err != nil {
		return nil, config.Settings{}, errors.Wrap(err, "open settings")
	}

	settings, err := store.Settings()
	if err != nil {
		return nil, config.Settings{}, errors.Wrap(err, "read settings")
	}

	return store, settings, nil
}

// rejoin reports receiver availability and attaches to the session the SDK
// already holds.
func rejoin(ctx context.Context, coord *castsession.Coordinator, events *cliListener) (castsession.SessionState, error) {
	r := <-coord.Initialize(coord.AppID())
	if r.Err != nil {
		return r.State, errors.Wrap(r.Err, "initialize")
	}
	if !r.Available {
		return r.State, errors.New("no receivers found")
	}

	st, err := waitRejoin(ctx, coord, events)
	if err != nil {
		return st, err
	}
	if st.Kind == castsession.Connected {
		return st, nil
	}

	r = <-coord.RequestDefaultJoin()
	if r.Err != nil {
		return r.State, errors.Wrap(r.Err, "rejoin")
	}
	if r.NoSession {
		return r.State, errors.New("no session to rejoin")
	}
	return r.State, nil
}

// waitRejoin lets a rejoin started by Initialize settle instead of
// restarting it.
func waitRejoin(ctx context.Context, coord *castsession.Coordinator, events *cliListener) (castsession.SessionState, error) {
	for {
		st := coord.State()
		if st.Kind != castsession.Connecting {
			return st, nil
		}
		select {
		case <-events.changed:
		case <-ctx.Done():
			return st, ctx.Err()
		}
	}
}

func printSession(r castsession.Result) {
	fmt.Printf("Connected to %s (session %s)\n", r.State.DeviceID, r.State.SessionID)
	if r.Attempts > 0 {
		fmt.Printf("Retried %d time(s)\n", r.Attempts)
	}
	fmt.Println("Press Ctrl+C to leave.")
}

type cliListener struct {
	ended   chan castsession.EndReason
	changed chan struct{}
}

func newCLIListener() *cliListener {
	return &cliListener{
		ended:   make(chan castsession.EndReason, 1),
		changed: make(chan struct{}, 1),
	}
}

func (l *cliListener) OnStateChange(castsession.SessionState) {
	select {
	case l.changed <- struct{}{}:
	default:
	}
}

func (l *cliListener) OnReceiverAvailableUpdate(available bool) {
	if !available {
		fmt.Println("No receivers available")
	}
}

func (l *cliListener) OnSessionRejoin(s *castprotocol.Session) {
	fmt.Printf("Rejoined %s\n", s)
}

func (l *cliListener) OnSessionEnd(_ *castprotocol.Session, reason castsession.EndReason) {
	select {
	case l.ended <- reason:
	default:
	}
}
