// Package registry keeps the directory of connected, named clients and
// delivers text frames to them.
//
// Every add and remove runs under one mutex together with its side effects
// (role assignment, departure notice, roster broadcast), so the roster a
// client sees always matches a state the registry actually passed through.
// Readers such as Router work from an immutable snapshot that is swapped
// atomically after each mutation and never take that mutex, which lets the
// side effects broadcast without re-entering the lock.
package registry

import (
	"errors"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/cyberinferno/duelchat/frame"
	"github.com/cyberinferno/duelchat/logger"
	"github.com/cyberinferno/duelchat/protocol"
)

// ErrUndelivered is matched by Transfer errors that mean the receiver did
// not get the file while the payload was still consumed in full.
var ErrUndelivered = errors.New("registry: transfer not delivered")

// Member is the outbound side of a registered connection. Implementations
// must not block: SendLine queues the line and reports false if it was
// dropped.
type Member interface {
	// SendLine queues one text frame for delivery.
	SendLine(line string) bool

	// Transfer delivers header followed by exactly size raw bytes read from
	// payload, with no other frame in between. It blocks until the payload
	// has been consumed. Exactly size bytes are consumed from payload unless
	// reading it fails; errors matching ErrUndelivered leave payload
	// positioned at the next line, any other error is a payload read
	// failure.
	Transfer(header string, payload *frame.Reader, size int64) error
}

// Hooks receives membership changes while the registry lock is held.
// Implementations may deliver frames through a Router but must not call
// TryAdd or Remove.
type Hooks interface {
	// Joined runs after name is visible to lookups, before the roster
	// broadcast.
	Joined(name string)

	// Listed runs after the roster that includes name has been broadcast.
	Listed(name string)

	// Left runs after name has been removed, the departure announced and
	// the new roster broadcast.
	Left(name string)
}

// AddResult is the outcome of TryAdd.
type AddResult int

const (
	Accepted AddResult = iota
	RejectedDuplicate
	RejectedFull
	RejectedInvalid
)

// String returns a human-readable name for the result.
func (r AddResult) String() string {
	switch r {
	case Accepted:
		return "Accepted"
	case RejectedDuplicate:
		return "RejectedDuplicate"
	case RejectedFull:
		return "RejectedFull"
	case RejectedInvalid:
		return "RejectedInvalid"
	default:
		return "Unknown"
	}
}

type snapshot struct {
	names   []string
	members map[string]Member
}

// Registry maps unique display names to their connections, up to a fixed
// capacity.
type Registry struct {
	log      logger.Logger
	capacity int

	mu      sync.Mutex
	names   []string
	members map[string]Member
	hooks   Hooks

	snap atomic.Pointer[snapshot]
}

// New returns an empty Registry holding at most capacity members.
//
// Parameters:
//   - capacity: Maximum number of registered names
//   - log: Logger for membership changes
//
// Returns:
//   - A new Registry with no hooks installed
func New(capacity int, log logger.Logger) *Registry {
	r := &Registry{
		log:      log.With(logger.Field{Key: "component", Value: "registry"}),
		capacity: capacity,
		members:  make(map[string]Member),
	}
	r.snap.Store(&snapshot{members: map[string]Member{}})
	return r
}

// SetHooks installs the membership callbacks. Call it before the first
// TryAdd.
func (r *Registry) SetHooks(h Hooks) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.hooks = h
}

// Capacity returns the maximum number of members.
func (r *Registry) Capacity() int {
	return r.capacity
}

// TryAdd registers m under name. On acceptance the Joined hook runs, the
// new roster is broadcast to every member and the Listed hook runs, all
// before TryAdd returns.
//
// Parameters:
//   - name: Display name, case-sensitive, non-empty
//   - m: The connection to register
//
// Returns:
//   - Accepted, RejectedDuplicate, RejectedFull or RejectedInvalid
func (r *Registry) TryAdd(name string, m Member) AddResult {
	r.mu.Lock()
	defer r.mu.Unlock()

	if name == "" || m == nil {
		return RejectedInvalid
	}

	if _, taken := r.members[name]; taken {
		r.log.Info("name rejected: already in use", logger.Field{Key: "user", Value: name})
		return RejectedDuplicate
	}

	if len(r.members) >= r.capacity {
		r.log.Info("name rejected: registry full", logger.Field{Key: "user", Value: name})
		return RejectedFull
	}

	r.members[name] = m
	r.names = append(r.names, name)
	r.publishLocked()
	r.log.Info("client registered", logger.Field{Key: "user", Value: name}, logger.Field{Key: "members", Value: len(r.names)})

	if r.hooks != nil {
		r.hooks.Joined(name)
	}

	r.broadcastRosterLocked()

	if r.hooks != nil {
		r.hooks.Listed(name)
	}

	return Accepted
}

// Remove unregisters name, announces the departure, broadcasts the new
// roster and runs the Left hook. Removing an absent name does nothing.
func (r *Registry) Remove(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.members[name]; !ok {
		return
	}

	delete(r.members, name)
	if i := slices.Index(r.names, name); i >= 0 {
		r.names = slices.Delete(r.names, i, i+1)
	}

	r.publishLocked()
	r.log.Info("client removed", logger.Field{Key: "user", Value: name}, logger.Field{Key: "members", Value: len(r.names)})

	deliverAll(r.snap.Load(), "", protocol.Server(name+" has left the chat."))
	r.broadcastRosterLocked()

	if r.hooks != nil {
		r.hooks.Left(name)
	}
}

// Lookup returns the member registered under name.
func (r *Registry) Lookup(name string) (Member, bool) {
	m, ok := r.snap.Load().members[name]
	return m, ok
}

// Names returns the registered names in registration order.
func (r *Registry) Names() []string {
	names := r.snap.Load().names
	out := make([]string, len(names))
	copy(out, names)
	return out
}

// Len returns the number of registered names.
func (r *Registry) Len() int {
	return len(r.snap.Load().names)
}

// publishLocked swaps in a fresh snapshot; r.mu must be held.
func (r *Registry) publishLocked() {
	names := make([]string, len(r.names))
	copy(names, r.names)

	members := make(map[string]Member, len(r.members))
	for name, m := range r.members {
		members[name] = m
	}

	r.snap.Store(&snapshot{names: names, members: members})
}

func (r *Registry) broadcastRosterLocked() {
	s := r.snap.Load()
	deliverAll(s, "", protocol.Users(s.names))
}

// deliverAll sends line to every member of s except the one named skip.
func deliverAll(s *snapshot, skip string, line string) {
	for _, name := range s.names {
		if name == skip {
			continue
		}

		s.members[name].SendLine(line)
	}
}
