// Package room maps conversations to the sessions currently joined to them
// and fans events out to those sessions.
package room

import (
	"strconv"
	"sync"

	"github.com/rs/zerolog"

	"validchat/internal/model"
)

// Member is a connected session that can be placed in rooms.
// Members are used as map keys, so implementations must be comparable (pointers).
type Member interface {
	Namespace() model.Kind
	Emit(event string, data any) error
}

// Key returns the room name for a conversation.
func Key(conversationID int64) string {
	return "c_" + strconv.FormatInt(conversationID, 10)
}

// Registry tracks room membership. A room that has no members has no entry.
type Registry struct {
	mu     sync.RWMutex
	rooms  map[int64]map[Member]struct{}
	joined map[Member]map[int64]struct{}
	logger zerolog.Logger
}

// NewRegistry creates an empty registry.
func NewRegistry(logger zerolog.Logger) *Registry {
	return &Registry{
		rooms:  make(map[int64]map[Member]struct{}),
		joined: make(map[Member]map[int64]struct{}),
		logger: logger.With().Str("component", "rooms").Logger(),
	}
}

// Join adds m to the conversation's room. It reports false if m was already a member.
func (r *Registry) Join(m Member, conversationID int64) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	members, ok := r.rooms[conversationID]
	if !ok {
		members = make(map[Member]struct{})
		r.rooms[conversationID] = members
	}
	if _, ok := members[m]; ok {
		return false
	}
	members[m] = struct{}{}

	rooms, ok := r.joined[m]
	if !ok {
		rooms = make(map[int64]struct{})
		r.joined[m] = rooms
	}
	rooms[conversationID] = struct{}{}
	return true
}

// Leave removes m from the conversation's room. It reports false if m was not a member.
func (r *Registry) Leave(m Member, conversationID int64) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.leaveLocked(m, conversationID)
}

// LeaveAll removes m from every room and returns the conversations it left.
func (r *Registry) LeaveAll(m Member) []int64 {
	r.mu.Lock()
	defer r.mu.Unlock()

	left := make([]int64, 0, len(r.joined[m]))
	for conversationID := range r.joined[m] {
		left = append(left, conversationID)
	}
	for _, conversationID := range left {
		r.leaveLocked(m, conversationID)
	}
	return left
}

func (r *Registry) leaveLocked(m Member, conversationID int64) bool {
	members, ok := r.rooms[conversationID]
	if !ok {
		return false
	}
	if _, ok := members[m]; !ok {
		return false
	}

	delete(members, m)
	if len(members) == 0 {
		delete(r.rooms, conversationID)
	}

	rooms := r.joined[m]
	delete(rooms, conversationID)
	if len(rooms) == 0 {
		delete(r.joined, m)
	}
	return true
}

// IsMember reports whether m is in the conversation's room.
func (r *Registry) IsMember(m Member, conversationID int64) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	_, ok := r.rooms[conversationID][m]
	return ok
}

// Rooms returns the number of rooms m is in.
func (r *Registry) Rooms(m Member) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.joined[m])
}

// Count returns the number of members of namespace ns in the conversation's room.
func (r *Registry) Count(conversationID int64, ns model.Kind) int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	n := 0
	for m := range r.rooms[conversationID] {
		if m.Namespace() == ns {
			n++
		}
	}
	return n
}

// Broadcast emits event to every member of namespace ns in the conversation's
// room and returns how many members it was delivered to. An empty room is a no-op.
// Members are snapshotted under the lock and written to after it is released,
// so a slow connection never blocks joins or leaves.
func (r *Registry) Broadcast(conversationID int64, ns model.Kind, event string, data any) int {
	r.mu.RLock()
	targets := make([]Member, 0, len(r.rooms[conversationID]))
	for m := range r.rooms[conversationID] {
		if m.Namespace() == ns {
			targets = append(targets, m)
		}
	}
	r.mu.RUnlock()

	delivered := 0
	for _, m := range targets {
		if err := m.Emit(event, data); err != nil {
			r.logger.Debug().
				Err(err).
				Str("room", Key(conversationID)).
				Str("namespace", string(ns)).
				Msg("dropped event for unreachable member")
			continue
		}
		delivered++
	}
	return delivered
}
