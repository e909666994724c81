package devices

// Filter decides which discovered routes are real, selectable receivers.
// OwnSessionID is the id of the session this app currently holds, so the
// receiver carrying it is not hidden from us.
type Filter struct {
	OwnSessionID string
}

// Keep is a pure predicate and safe to call from any goroutine.
func (f Filter) Keep(r Route) bool {
	if r.IsDefault {
		return false
	}
	// Group members show up next to the group itself.
	if r.Description == MultizoneMemberDescription {
		return false
	}
	if r.PlaybackType != PlaybackRemote {
		return false
	}
	if sid, ok := r.SessionID(); ok && sid != f.OwnSessionID {
		return false
	}
	return true
}

// Apply returns the kept routes in input order with duplicate ids removed.
func (f Filter) Apply(routes []Route) []Route {
	out := make([]Route, 0, len(routes))
	seen := make(map[string]struct{}, len(routes))
	for _, r := range routes {
		if !f.Keep(r) {
			continue
		}
		if _, dup := seen[r.ID]; dup {
			continue
		}
		seen[r.ID] = struct{}{}
		out = append(out, r)
	}
	return out
}
