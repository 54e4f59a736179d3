package gateway

import (
	"sync"
	"sync/atomic"
)

// RoomIndex maps room name to a copy-on-write member slice. Reads are
// lock-free (atomic snapshot load) because broadcast is the hot path;
// membership changes take the writer lock and republish the slice.
type RoomIndex struct {
	mu    sync.RWMutex
	rooms map[string]*atomic.Value // holds []*Client
}

func NewRoomIndex() *RoomIndex {
	return &RoomIndex{rooms: make(map[string]*atomic.Value)}
}

// Get returns the current member snapshot, nil for an unknown room.
func (ri *RoomIndex) Get(room string) []*Client {
	ri.mu.RLock()
	v := ri.rooms[room]
	ri.mu.RUnlock()
	if v == nil {
		return nil
	}
	members, _ := v.Load().([]*Client)
	return members
}

// Add appends a client to the room, creating it on first join.
func (ri *RoomIndex) Add(room string, c *Client) {
	ri.mu.Lock()
	defer ri.mu.Unlock()

	v := ri.rooms[room]
	if v == nil {
		v = &atomic.Value{}
		v.Store([]*Client{})
		ri.rooms[room] = v
	}

	old, _ := v.Load().([]*Client)
	for _, existing := range old {
		if existing == c {
			return
		}
	}
	next := make([]*Client, len(old)+1)
	copy(next, old)
	next[len(old)] = c
	v.Store(next)
}

// Remove drops a client from the room, deleting the room when it empties.
func (ri *RoomIndex) Remove(room string, c *Client) {
	ri.mu.Lock()
	defer ri.mu.Unlock()

	v := ri.rooms[room]
	if v == nil {
		return
	}

	old, _ := v.Load().([]*Client)
	next := make([]*Client, 0, len(old))
	for _, existing := range old {
		if existing != c {
			next = append(next, existing)
		}
	}
	if len(next) == len(old) {
		return
	}
	if len(next) == 0 {
		delete(ri.rooms, room)
		return
	}
	v.Store(next)
}

// Count returns the number of non-empty rooms.
func (ri *RoomIndex) Count() int {
	ri.mu.RLock()
	defer ri.mu.RUnlock()
	return len(ri.rooms)
}
