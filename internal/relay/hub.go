// Package relay implements the signaling relay core: the room registry,
// the per-connection message router, and the hub that ties a websocket
// connection's inbound messages to both.
package relay

import (
	"errors"
	"log/slog"

	"github.com/confmesh/confmesh/internal/protocol"
)

// Hub dispatches every message arriving on a connection. Room mutations go
// to the registry, negotiation messages to the router. The hub itself
// holds no state of its own, so connections are handled concurrently; the
// registry's per-room locks provide the only serialization that matters.
type Hub struct {
	log      *slog.Logger
	registry *Registry
	router   *Router
}

func NewHub(log *slog.Logger) *Hub {
	return &Hub{
		log:      log,
		registry: NewRegistry(),
		router:   NewRouter(log),
	}
}

// Registry exposes the room registry for inspection.
func (h *Hub) Registry() *Registry { return h.registry }

// HandleConnect registers the endpoint for routing and delivers its
// assigned connection id. Welcome is the first frame on every connection;
// clients need their own id before they can address or compare peers.
func (h *Hub) HandleConnect(ep Endpoint) {
	h.router.Register(ep)
	h.sendTo(ep, protocol.KindWelcome, protocol.WelcomePayload{ID: ep.ID()})
	h.log.Info("client connected", "conn", ep.ID())
}

// HandleMessage processes one inbound envelope. Validation failures on one
// connection never escalate past that connection: the sender gets a
// room-error and everyone else is untouched.
func (h *Hub) HandleMessage(ep Endpoint, env *protocol.Envelope) {
	switch env.Type {
	case protocol.KindCreateRoom:
		h.handleCreateRoom(ep, env)

	case protocol.KindJoinRoom:
		h.handleJoinRoom(ep, env)

	case protocol.KindOffer, protocol.KindAnswer, protocol.KindICECandidate:
		h.router.Route(ep.ID(), env)

	default:
		h.log.Warn("unknown message type", "kind", env.Type, "conn", ep.ID())
	}
}

// HandleDisconnect removes the connection from routing and from whatever
// room held it, notifying the remaining participants. Duplicate
// disconnect signals are tolerated: Leave is a no-op the second time.
func (h *Hub) HandleDisconnect(ep Endpoint) {
	h.router.Unregister(ep.ID())

	res, ok := h.registry.Leave(ep.ID())
	if !ok {
		h.log.Info("client disconnected", "conn", ep.ID())
		return
	}

	h.log.Info("client left room", "conn", ep.ID(), "room", res.RoomID, "remaining", len(res.Remaining))
	h.notifyDeparture(&res)
}

// notifyDeparture tells a room's remaining participants that someone is
// gone, whether by disconnect or by moving to another room.
func (h *Hub) notifyDeparture(res *LeaveResult) {
	if res == nil {
		return
	}
	h.broadcast(res.Remaining, protocol.KindUserLeft, protocol.UserLeftPayload{
		ID:          res.Left.ID,
		DisplayName: res.Left.DisplayName,
	})
}

func (h *Hub) handleCreateRoom(ep Endpoint, env *protocol.Envelope) {
	var req protocol.CreateRoomPayload
	if err := env.Decode(&req); err != nil {
		h.roomError(ep, "Malformed create-room request")
		return
	}

	roomID, moved, err := h.registry.CreateRoom(ep.ID(), req.DisplayName)
	h.notifyDeparture(moved)
	if err != nil {
		h.log.Error("create room failed", "conn", ep.ID(), "err", err)
		h.roomError(ep, "Could not allocate a room")
		return
	}

	h.log.Info("room created", "room", roomID, "conn", ep.ID(), "name", req.DisplayName)
	h.sendTo(ep, protocol.KindRoomCreated, protocol.RoomCreatedPayload{
		RoomID:      roomID,
		DisplayName: req.DisplayName,
	})
}

func (h *Hub) handleJoinRoom(ep Endpoint, env *protocol.Envelope) {
	var req protocol.JoinRoomPayload
	if err := env.Decode(&req); err != nil {
		h.roomError(ep, "Malformed join-room request")
		return
	}

	others, moved, err := h.registry.JoinRoom(req.RoomID, ep.ID(), req.DisplayName)
	h.notifyDeparture(moved)
	if err != nil {
		if errors.Is(err, ErrRoomNotFound) {
			h.log.Info("join failed, room not found", "room", req.RoomID, "conn", ep.ID())
			h.roomError(ep, "Room not found")
			return
		}
		h.log.Error("join failed", "room", req.RoomID, "conn", ep.ID(), "err", err)
		h.roomError(ep, "Could not join room")
		return
	}

	infos := make([]protocol.ParticipantInfo, len(others))
	for i, p := range others {
		infos[i] = protocol.ParticipantInfo{ID: p.ID, DisplayName: p.DisplayName}
	}

	h.log.Info("client joined room", "room", req.RoomID, "conn", ep.ID(), "name", req.DisplayName, "peers", len(others))
	h.sendTo(ep, protocol.KindRoomJoined, protocol.RoomJoinedPayload{
		RoomID:       canonicalRoomID(req.RoomID),
		Participants: infos,
	})

	h.broadcast(others, protocol.KindUserJoined, protocol.UserJoinedPayload{
		ID:          ep.ID(),
		DisplayName: req.DisplayName,
	})
}

func (h *Hub) roomError(ep Endpoint, msg string) {
	h.sendTo(ep, protocol.KindRoomError, protocol.RoomErrorPayload{Message: msg})
}

func (h *Hub) sendTo(ep Endpoint, kind string, payload any) {
	env, err := protocol.NewEnvelope(kind, payload)
	if err != nil {
		h.log.Error("encode failed", "kind", kind, "err", err)
		return
	}
	if !ep.Enqueue(env) {
		h.log.Warn("dropped outbound message", "kind", kind, "conn", ep.ID())
	}
}

// broadcast fans a message out to each listed participant that still has a
// live endpoint. Departed participants are skipped silently.
func (h *Hub) broadcast(to []Participant, kind string, payload any) {
	env, err := protocol.NewEnvelope(kind, payload)
	if err != nil {
		h.log.Error("encode failed", "kind", kind, "err", err)
		return
	}
	for _, p := range to {
		if ep, ok := h.router.Lookup(p.ID); ok {
			ep.Enqueue(env)
		}
	}
}
