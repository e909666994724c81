package devices

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/pkg/errors"
)

// PlaybackType tells whether a route renders locally or on a remote receiver.
type PlaybackType int

const (
	PlaybackLocal PlaybackType = iota
	PlaybackRemote
)

func (p PlaybackType) String() string {
	switch p {
	case PlaybackLocal:
		return "local"
	case PlaybackRemote:
		return "remote"
	default:
		return fmt.Sprintf("unknown(%d)", int(p))
	}
}

const (
	// ExtraSessionID is the route extra carrying the id of a session
	// already running on the receiver.
	ExtraSessionID = "session_id"

	// MultizoneMemberDescription marks routes that are members of a
	// speaker group and only duplicate the group route.
	MultizoneMemberDescription = "Google Cast Multizone Member"

	// DefaultAppID is the Default Media Receiver.
	DefaultAppID = "CC1AD845"

	castCategoryPrefix = "com.google.android.gms.cast.CATEGORY_CAST/"
)

var (
	ErrRouteUnavailable = errors.New("devices: route is not available")
	ErrInvalidAppID     = errors.New("devices: invalid receiver application id")

	appIDPattern = regexp.MustCompile(`^[0-9A-F]{8}$`)
)

// Route is a discovered receiver endpoint. Routes are value data and only
// live as long as discovery keeps reporting them.
type Route struct {
	ID           string
	DisplayName  string
	Description  string
	IsDefault    bool
	PlaybackType PlaybackType
	Extras       map[string]string

	Host        string
	Port        int
	Model       string
	IsAudioOnly bool
}

// SessionID returns the active-session-id extra, if any.
func (r Route) SessionID() (string, bool) {
	if r.Extras == nil {
		return "", false
	}
	id, ok := r.Extras[ExtraSessionID]
	if !ok || id == "" {
		return "", false
	}
	return id, true
}

// Addr returns the host:port of the receiver control channel.
func (r Route) Addr() string {
	return fmt.Sprintf("%s:%d", r.Host, r.Port)
}

// EventKind is the type of change discovery reports for a route.
type EventKind int

const (
	RouteAdded EventKind = iota
	RouteChanged
	RouteRemoved
)

func (k EventKind) String() string {
	switch k {
	case RouteAdded:
		return "added"
	case RouteChanged:
		return "changed"
	case RouteRemoved:
		return "removed"
	default:
		return fmt.Sprintf("unknown(%d)", int(k))
	}
}

// RouteEvent is a single add/change/remove notification.
type RouteEvent struct {
	Kind  EventKind
	Route Route
}

// Callback receives route events from a discovery layer. Implementations
// must be comparable since they double as the registration key.
type Callback interface {
	OnRouteEvent(ev RouteEvent)
}

// Selector narrows discovery to receivers able to run one application.
type Selector struct {
	AppID string
}

// NewSelector validates appID and returns the matching selector.
func NewSelector(appID string) (Selector, error) {
	normalized := strings.ToUpper(strings.TrimSpace(appID))
	if !appIDPattern.MatchString(normalized) {
		return Selector{}, errors.Wrapf(ErrInvalidAppID, "NewSelector %q", appID)
	}
	return Selector{AppID: normalized}, nil
}

// Category is the control category string used by cast route selectors.
func (s Selector) Category() string {
	return castCategoryPrefix + s.AppID
}

// ValidAppID reports whether appID can be used as a receiver application id.
func ValidAppID(appID string) bool {
	_, err := NewSelector(appID)
	return err == nil
}
