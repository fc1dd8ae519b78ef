package relay

import (
	"crypto/rand"
	"errors"
	"log"
	"math/big"
	"strings"
	"sync"
	"time"
)

// Room id codes are short enough to read over the phone. Lookups are
// case-insensitive; generated codes are uppercase.
const (
	roomIDAlphabet = "0123456789ABCDEFGHIJKLMNOPQRSTUVWXYZ"
	roomIDLength   = 5

	// maxIDAttempts bounds collision retries during generation. The code
	// space holds 36^5 ids, so hitting this bound is a theoretical
	// condition, not an expected one.
	maxIDAttempts = 64
)

var (
	ErrRoomNotFound       = errors.New("room not found")
	ErrRoomSpaceExhausted = errors.New("room id space exhausted")
)

// Participant is a plain-data room member record. The registry owns all
// Participant values; snapshots returned to callers are copies.
type Participant struct {
	ID          string
	DisplayName string
	JoinedAt    time.Time
}

// Room holds one room's participant list. Mutations on a single room are
// serialized by the room's own mutex, so operations on different rooms
// proceed in parallel.
type Room struct {
	ID        string
	CreatedAt time.Time

	mu           sync.Mutex
	closed       bool
	participants []Participant
}

// Registry is the server-side authority over live rooms. The top-level
// mutex guards only the two maps; participant-list mutations happen under
// the per-room lock.
type Registry struct {
	mu     sync.RWMutex
	rooms  map[string]*Room
	byConn map[string]string // connection id -> room key
}

func NewRegistry() *Registry {
	return &Registry{
		rooms:  make(map[string]*Room),
		byConn: make(map[string]string),
	}
}

// CreateRoom allocates a fresh room containing exactly the caller as its
// first participant and returns the room id. A connection occupies at
// most one room: a caller still inside another room is removed from it
// first, and that departure is returned so the hub can notify the room
// left behind.
func (r *Registry) CreateRoom(connID, displayName string) (string, *LeaveResult, error) {
	moved := r.leaveCurrent(connID)

	r.mu.Lock()
	defer r.mu.Unlock()

	id, err := r.generateRoomID()
	if err != nil {
		return "", moved, err
	}

	now := time.Now()
	r.rooms[id] = &Room{
		ID:        id,
		CreatedAt: now,
		participants: []Participant{
			{ID: connID, DisplayName: displayName, JoinedAt: now},
		},
	}
	r.byConn[connID] = id
	return id, moved, nil
}

// JoinRoom appends the caller to the room and returns a snapshot of the
// other participants in join order. Joining with a connection id that is
// already present is treated as a reconnection: no duplicate entry, same
// snapshot semantics. Joining from inside a different room removes the
// caller from it first; the departure is returned alongside the snapshot.
func (r *Registry) JoinRoom(roomID, connID, displayName string) ([]Participant, *LeaveResult, error) {
	key := canonicalRoomID(roomID)

	r.mu.RLock()
	room := r.rooms[key]
	prior, inRoom := r.byConn[connID]
	r.mu.RUnlock()
	if room == nil {
		// A bad join code must not evict the caller from its room.
		return nil, nil, ErrRoomNotFound
	}

	var moved *LeaveResult
	if inRoom && prior != key {
		moved = r.leaveCurrent(connID)
	}

	room.mu.Lock()
	if room.closed {
		// Last participant left between our lookup and this lock.
		room.mu.Unlock()
		return nil, moved, ErrRoomNotFound
	}

	present := false
	for _, p := range room.participants {
		if p.ID == connID {
			present = true
			break
		}
	}
	if !present {
		room.participants = append(room.participants, Participant{
			ID:          connID,
			DisplayName: displayName,
			JoinedAt:    time.Now(),
		})
	}
	others := make([]Participant, 0, len(room.participants)-1)
	for _, p := range room.participants {
		if p.ID != connID {
			others = append(others, p)
		}
	}
	room.mu.Unlock()

	r.mu.Lock()
	r.byConn[connID] = key
	r.mu.Unlock()

	return others, moved, nil
}

// leaveCurrent removes the connection from whichever room holds it, if
// any, and reports the departure.
func (r *Registry) leaveCurrent(connID string) *LeaveResult {
	res, ok := r.Leave(connID)
	if !ok {
		return nil
	}
	return &res
}

// LeaveResult describes a completed departure.
type LeaveResult struct {
	RoomID    string
	Left      Participant
	Remaining []Participant
}

// Leave removes the connection from whichever room contains it and deletes
// the room if it is now empty. Calling it for an absent connection is a
// no-op, which tolerates duplicate disconnect signals.
func (r *Registry) Leave(connID string) (LeaveResult, bool) {
	r.mu.Lock()
	key, ok := r.byConn[connID]
	if !ok {
		r.mu.Unlock()
		return LeaveResult{}, false
	}
	delete(r.byConn, connID)
	room := r.rooms[key]
	r.mu.Unlock()

	if room == nil {
		return LeaveResult{}, false
	}

	room.mu.Lock()
	var left Participant
	found := false
	for i, p := range room.participants {
		if p.ID == connID {
			left = p
			room.participants = append(room.participants[:i], room.participants[i+1:]...)
			found = true
			break
		}
	}
	empty := len(room.participants) == 0
	if empty {
		room.closed = true
	}
	remaining := make([]Participant, len(room.participants))
	copy(remaining, room.participants)
	room.mu.Unlock()

	if !found {
		return LeaveResult{}, false
	}
	if empty {
		r.mu.Lock()
		delete(r.rooms, key)
		r.mu.Unlock()
	}
	return LeaveResult{RoomID: room.ID, Left: left, Remaining: remaining}, true
}

// Participants returns a snapshot of a room's member list in join order.
func (r *Registry) Participants(roomID string) ([]Participant, bool) {
	r.mu.RLock()
	room := r.rooms[canonicalRoomID(roomID)]
	r.mu.RUnlock()
	if room == nil {
		return nil, false
	}
	room.mu.Lock()
	defer room.mu.Unlock()
	out := make([]Participant, len(room.participants))
	copy(out, room.participants)
	return out, true
}

// RoomCount reports the number of live rooms.
func (r *Registry) RoomCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.rooms)
}

func canonicalRoomID(id string) string {
	return strings.ToUpper(strings.TrimSpace(id))
}

// generateRoomID picks random codes until one is free. Caller holds r.mu.
func (r *Registry) generateRoomID() (string, error) {
	buf := make([]byte, roomIDLength)
	for attempt := 0; attempt < maxIDAttempts; attempt++ {
		for i := range buf {
			buf[i] = roomIDAlphabet[randomIndex(len(roomIDAlphabet))]
		}
		id := string(buf)
		if _, taken := r.rooms[id]; !taken {
			return id, nil
		}
	}
	return "", ErrRoomSpaceExhausted
}

// randomIndex returns a cryptographically secure random index below max.
func randomIndex(max int) int {
	n, err := rand.Int(rand.Reader, big.NewInt(int64(max)))
	if err != nil {
		log.Panic("Failed to generate random index:", err)
	}
	return int(n.Int64())
}
