// Package rooms tracks which connections belong to which named room and
// enforces the per-room capacity bound.
package rooms

import (
	"errors"
	"sync"
)

// DefaultCapacity is the number of peers a signaling room can hold. Two is
// enough for a plain offer/answer exchange between a caller and a callee.
const DefaultCapacity = 2

// ErrRoomFull is returned by Join when the room already holds its maximum
// number of members.
var ErrRoomFull = errors.New("room is full")

// Registry maps room identifiers to their current members.
//
// Rooms are created implicitly by the first Join and deleted implicitly when
// the last member leaves; an empty room never has an entry. Members returns
// membership in join order.
type Registry[M comparable] interface {
	// Join adds member to the room, creating it if absent. It fails with
	// ErrRoomFull when the room is already at capacity. Callers must ensure a
	// member joins at most once.
	Join(room string, member M) error

	// Leave removes member from the room if present and deletes the room when
	// it becomes empty. Leaving a room the member is not in is a no-op, so the
	// teardown path may call it more than once.
	Leave(room string, member M)

	// Members returns a snapshot of the room's membership in join order, or an
	// empty slice if the room does not exist.
	Members(room string) []M

	// Occupancy returns the room's current member count, 0 if absent.
	Occupancy(room string) int
}

// registry is the in-memory Registry implementation.
//
// Connection handlers run on per-connection goroutines, so unlike a
// single-threaded event loop the registry must serialize its own mutations;
// the mutex here is the only synchronization point for room state.
type registry[M comparable] struct {
	mu       sync.Mutex
	capacity int
	rooms    map[string][]M
}

// NewRegistry returns an empty in-memory registry. A capacity of 0 or less
// falls back to DefaultCapacity.
func NewRegistry[M comparable](capacity int) Registry[M] {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &registry[M]{
		capacity: capacity,
		rooms:    make(map[string][]M),
	}
}

func (r *registry[M]) Join(room string, member M) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	members := r.rooms[room]
	if len(members) >= r.capacity {
		return ErrRoomFull
	}
	r.rooms[room] = append(members, member)
	return nil
}

func (r *registry[M]) Leave(room string, member M) {
	r.mu.Lock()
	defer r.mu.Unlock()

	members, ok := r.rooms[room]
	if !ok {
		return
	}
	for i, m := range members {
		if m == member {
			members = append(members[:i], members[i+1:]...)
			break
		}
	}
	if len(members) == 0 {
		delete(r.rooms, room)
		return
	}
	r.rooms[room] = members
}

func (r *registry[M]) Members(room string) []M {
	r.mu.Lock()
	defer r.mu.Unlock()

	members := r.rooms[room]
	out := make([]M, len(members))
	copy(out, members)
	return out
}

func (r *registry[M]) Occupancy(room string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.rooms[room])
}
