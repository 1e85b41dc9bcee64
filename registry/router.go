package registry

// Router delivers text frames to registered members. Delivery to each
// recipient is independent: a full or closed outbox drops that recipient's
// copy only.
type Router struct {
	reg *Registry
}

// NewRouter returns a Router over reg.
func NewRouter(reg *Registry) *Router {
	return &Router{reg: reg}
}

// Broadcast sends line to every registered member.
func (rt *Router) Broadcast(line string) {
	deliverAll(rt.reg.snap.Load(), "", line)
}

// BroadcastExcept sends line to every registered member other than name.
func (rt *Router) BroadcastExcept(name string, line string) {
	deliverAll(rt.reg.snap.Load(), name, line)
}

// Unicast sends line to name if it is registered.
//
// Returns:
//   - true if name was registered and the line was queued
func (rt *Router) Unicast(name string, line string) bool {
	m, ok := rt.reg.Lookup(name)
	if !ok {
		return false
	}

	return m.SendLine(line)
}
