package castprotocol

import (
	"io"
	"sync"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/vishen/go-chromecast/application"
	"github.com/vishen/go-chromecast/cast"
)

// DefaultPort is the Chromecast control channel port.
const DefaultPort = 8009

// RunningApp is what the receiver reports about its foreground application.
type RunningApp struct {
	AppID       string
	SessionID   string
	DisplayName string
	StatusText  string
}

// CastClient wraps go-chromecast Application for the receiver-level calls
// a session needs.
type CastClient struct {
	app         *application.Application
	conn        cast.Conn // kept for raw receiver commands
	mu          sync.RWMutex
	host        string
	port        int
	connected   bool
	Logger      zerolog.Logger
	LogOutput   io.Writer
	initLogOnce sync.Once
}

// Log returns the zerolog logger, initializing it lazily if LogOutput is set.
func (c *CastClient) Log() *zerolog.Logger {
	if c.LogOutput != nil {
		c.initLogOnce.Do(func() {
			c.Logger = zerolog.New(c.LogOutput).With().Timestamp().Logger()
		})
	}
	return &c.Logger
}

// NewCastClient prepares a client for the receiver at host:port. Nothing is
// dialed until Connect.
func NewCastClient(host string, port int) (*CastClient, error) {
	if host == "" {
		return nil, errors.New("new cast client: empty host")
	}
	if port == 0 {
		port = DefaultPort
	}

	conn := cast.NewConnection()

	// Slow TVs need a few tries to wake up.
	app := application.NewApplication(
		application.WithConnection(conn),
		application.WithConnectionRetries(5),
	)

	return &CastClient{
		app:  app,
		conn: conn,
		host: host,
		port: port,
	}, nil
}

// Connect establishes connection to the Chromecast device.
func (c *CastClient) Connect() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.app == nil {
		return errors.New("chromecast connect: app is nil")
	}

	c.Log().Debug().Str("Method", "Connect").Str("Host", c.host).Int("Port", c.port).Msg("connecting")
	if err := c.app.Start(c.host, c.port); err != nil {
		c.Log().Error().Str("Method", "Connect").Err(err).Msg("connection failed")
		return errors.Wrap(err, "chromecast connect")
	}
	c.connected = true
	c.Log().Debug().Str("Method", "Connect").Msg("connected successfully")
	return nil
}

// Launch asks the receiver to start appID.
func (c *CastClient) Launch(appID string) error {
	if !c.IsConnected() {
		return errors.New("launch: not connected")
	}
	c.Log().Debug().Str("Method", "Launch").Str("AppID", appID).Msg("launching receiver app")
	if err := LaunchReceiver(c.conn, appID); err != nil {
		c.Log().Error().Str("Method", "Launch").Err(err).Msg("failed")
		return err
	}
	return nil
}

// RunningApp refreshes receiver status and returns the foreground app.
// An idle receiver yields a zero RunningApp and no error.
func (c *CastClient) RunningApp() (RunningApp, error) {
	if !c.IsConnected() {
		return RunningApp{}, errors.New("running app: not connected")
	}
	if err := c.app.Update(); err != nil {
		c.Log().Debug().Str("Method", "RunningApp").Err(err).Msg("app.Update failed")
		return RunningApp{}, errors.Wrap(err, "update receiver status")
	}
	app := c.app.App()
	if app == nil {
		return RunningApp{}, nil
	}
	return RunningApp{
		AppID:       app.AppId,
		SessionID:   app.SessionId,
		DisplayName: app.DisplayName,
		StatusText:  app.StatusText,
	}, nil
}

// StopApp stops the receiver application session sessionID.
func (c *CastClient) StopApp(sessionID string) error {
	if !c.IsConnected() {
		return errors.New("stop app: not connected")
	}
	c.Log().Debug().Str("Method", "StopApp").Str("SessionID", sessionID).Msg("stopping receiver app")
	if err := StopReceiver(c.conn, sessionID); err != nil {
		c.Log().Error().Str("Method", "StopApp").Err(err).Msg("failed")
		return err
	}
	return nil
}

// Close disconnects from the Chromecast device. stopApp also stops the
// receiver application.
func (c *CastClient) Close(stopApp bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.Log().Debug().Str("Method", "Close").Bool("StopApp", stopApp).Msg("closing connection")
	c.connected = false
	err := c.app.Close(stopApp)
	if err != nil {
		c.Log().Error().Str("Method", "Close").Err(err).Msg("failed")
	}
	return err
}

// IsConnected returns whether client is connected.
func (c *CastClient) IsConnected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.connected
}

// Host returns the hostname of the Chromecast device.
func (c *CastClient) Host() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.host
}
