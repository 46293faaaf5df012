// Package rooms tracks which connections are in which room and fans
// membership events out to the remaining participants.
package rooms

import (
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/voxhall/sfu-signaling/internal/metrics"
	"github.com/voxhall/sfu-signaling/internal/protocol"
)

var ErrNotInRoom = errors.New("connection is not in a room")

// Sender delivers a server-initiated event to a single connection. The
// signaling layer implements it on top of the websocket session.
type Sender interface {
	// SendEvent must not block on slow peers; implementations queue or
	// drop. Errors are logged by the registry, not propagated.
	SendEvent(msgType protocol.MessageType, payload any) error
}

// Clock abstracts time for stale-connection sweeping.
type Clock interface {
	Now() time.Time
}

type RealClock struct{}

func (RealClock) Now() time.Time { return time.Now() }

type member struct {
	userID        string
	sender        Sender
	lastHeartbeat time.Time
}

type room struct {
	id      string
	members map[string]*member // keyed by connection id
}

// Registry is the authoritative room membership map. All methods are
// safe for concurrent use.
type Registry struct {
	log     *slog.Logger
	clock   Clock
	metrics *metrics.Metrics

	mu     sync.Mutex
	rooms  map[string]*room
	byConn map[string]string // connection id -> room id
}

func NewRegistry(log *slog.Logger, clock Clock, m *metrics.Metrics) *Registry {
	if clock == nil {
		clock = RealClock{}
	}
	return &Registry{
		log:     log,
		clock:   clock,
		metrics: m,
		rooms:   make(map[string]*room),
		byConn:  make(map[string]string),
	}
}

// Join adds a connection to a room, creating the room on first join. A
// connection already in another room is moved: it leaves the old room
// (with the usual participant-left broadcast) before joining the new
// one. Re-joining the current room is a no-op. Returns the current
// participant list excluding the joiner.
func (r *Registry) Join(roomID, connID, userID string, sender Sender) ([]protocol.Participant, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if prev, ok := r.byConn[connID]; ok {
		if prev == roomID {
			// Already a member; hand back the roster without rebroadcasting.
			return r.rosterLocked(r.rooms[roomID], connID), nil
		}
		r.leaveLocked(prev, connID)
	}

	rm, ok := r.rooms[roomID]
	if !ok {
		rm = &room{id: roomID, members: make(map[string]*member)}
		r.rooms[roomID] = rm
		r.metrics.Inc(metrics.RoomCreated)
		r.log.Info("room created", "room_id", roomID)
	}

	participants := r.rosterLocked(rm, connID)

	rm.members[connID] = &member{
		userID:        userID,
		sender:        sender,
		lastHeartbeat: r.clock.Now(),
	}
	r.byConn[connID] = roomID
	r.metrics.Inc(metrics.ParticipantJoined)

	r.broadcastLocked(rm, connID, protocol.TypeParticipantJoined, protocol.ParticipantJoinedData{
		RoomID:      roomID,
		Participant: protocol.Participant{ConnectionID: connID, UserID: userID},
	})

	r.log.Info("participant joined",
		"room_id", roomID,
		"connection_id", connID,
		"user_id", userID,
		"participants", len(rm.members))
	return participants, nil
}

// rosterLocked lists the members of rm, excluding one connection.
func (r *Registry) rosterLocked(rm *room, exceptConnID string) []protocol.Participant {
	if rm == nil {
		return nil
	}
	participants := make([]protocol.Participant, 0, len(rm.members))
	for id, m := range rm.members {
		if id == exceptConnID {
			continue
		}
		participants = append(participants, protocol.Participant{
			ConnectionID: id,
			UserID:       m.userID,
		})
	}
	return participants
}

// Leave removes a connection from its room, deleting the room when it
// empties, and notifies the remaining participants.
func (r *Registry) Leave(connID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	roomID, ok := r.byConn[connID]
	if !ok {
		return ErrNotInRoom
	}
	r.leaveLocked(roomID, connID)
	return nil
}

func (r *Registry) leaveLocked(roomID, connID string) {
	rm, ok := r.rooms[roomID]
	if !ok {
		delete(r.byConn, connID)
		return
	}
	m, ok := rm.members[connID]
	if !ok {
		delete(r.byConn, connID)
		return
	}

	delete(rm.members, connID)
	delete(r.byConn, connID)
	r.metrics.Inc(metrics.ParticipantLeft)

	if len(rm.members) == 0 {
		delete(r.rooms, roomID)
		r.metrics.Inc(metrics.RoomDeleted)
		r.log.Info("room deleted", "room_id", roomID)
	} else {
		r.broadcastLocked(rm, connID, protocol.TypeParticipantLeft, protocol.ParticipantLeftData{
			RoomID:      roomID,
			Participant: protocol.Participant{ConnectionID: connID, UserID: m.userID},
		})
	}

	r.log.Info("participant left",
		"room_id", roomID,
		"connection_id", connID,
		"user_id", m.userID)
}

// RoomOf reports the room a connection is currently in.
func (r *Registry) RoomOf(connID string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	roomID, ok := r.byConn[connID]
	return roomID, ok
}

// MarkHeartbeat refreshes the liveness timestamp for a connection. A
// connection not in any room is a no-op; heartbeats are only tracked
// for room members.
func (r *Registry) MarkHeartbeat(connID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	roomID, ok := r.byConn[connID]
	if !ok {
		return
	}
	rm, ok := r.rooms[roomID]
	if !ok {
		return
	}
	if m, ok := rm.members[connID]; ok {
		m.lastHeartbeat = r.clock.Now()
	}
}

// SweepStale removes every member whose last heartbeat is older than
// maxAge and returns the ids of swept connections so the caller can
// terminate their sockets.
func (r *Registry) SweepStale(maxAge time.Duration) []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	cutoff := r.clock.Now().Add(-maxAge)
	var swept []string
	for roomID, rm := range r.rooms {
		for connID, m := range rm.members {
			if m.lastHeartbeat.Before(cutoff) {
				swept = append(swept, connID)
				r.log.Warn("sweeping stale connection",
					"room_id", roomID,
					"connection_id", connID,
					"user_id", m.userID,
					"last_heartbeat", m.lastHeartbeat)
			}
		}
	}
	for _, connID := range swept {
		if roomID, ok := r.byConn[connID]; ok {
			r.leaveLocked(roomID, connID)
			r.metrics.Inc(metrics.StaleConnectionTerminated)
		}
	}
	return swept
}

// RoomCount reports the number of live rooms.
func (r *Registry) RoomCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.rooms)
}

func (r *Registry) broadcastLocked(rm *room, exceptConnID string, msgType protocol.MessageType, payload any) {
	for connID, m := range rm.members {
		if connID == exceptConnID {
			continue
		}
		if err := m.sender.SendEvent(msgType, payload); err != nil {
			r.log.Warn("event delivery failed",
				"room_id", rm.id,
				"connection_id", connID,
				"type", msgType,
				"err", err)
		}
	}
}
