// Package protocol defines the wire schema shared by the relay and its
// clients. Every websocket frame is an Envelope: a type tag plus a raw
// payload that only the two endpoints interpret.
package protocol

import "encoding/json"

// Message kinds, client -> relay.
const (
	KindCreateRoom = "create-room"
	KindJoinRoom   = "join-room"
)

// Message kinds, relay -> client.
const (
	KindWelcome     = "welcome"
	KindRoomCreated = "room-created"
	KindRoomJoined  = "room-joined"
	KindRoomError   = "room-error"
	KindUserJoined  = "user-joined"
	KindUserLeft    = "user-left"
)

// Message kinds relayed peer to peer. The relay validates the kind tag and
// the target address but never looks inside the SDP or candidate content.
const (
	KindOffer        = "offer"
	KindAnswer       = "answer"
	KindICECandidate = "ice-candidate"
)

// Envelope is the frame format for every message in both directions.
type Envelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// NewEnvelope marshals payload and wraps it with the given kind.
func NewEnvelope(kind string, payload any) (*Envelope, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return &Envelope{Type: kind, Payload: raw}, nil
}

// Decode unmarshals the envelope payload into out.
func (e *Envelope) Decode(out any) error {
	if len(e.Payload) == 0 {
		return nil
	}
	return json.Unmarshal(e.Payload, out)
}

// Signal reports whether kind is one of the three peer-to-peer message
// kinds the relay is willing to route.
func Signal(kind string) bool {
	return kind == KindOffer || kind == KindAnswer || kind == KindICECandidate
}

// ParticipantInfo is the public view of a room participant.
type ParticipantInfo struct {
	ID          string `json:"id"`
	DisplayName string `json:"displayName"`
}

// WelcomePayload delivers the connection id the relay assigned to this
// channel. Sent once, immediately after the websocket is established.
type WelcomePayload struct {
	ID string `json:"id"`
}

// CreateRoomPayload asks the relay to allocate a fresh room with the caller
// as its first participant.
type CreateRoomPayload struct {
	DisplayName string `json:"displayName"`
}

// RoomCreatedPayload confirms room creation to the caller.
type RoomCreatedPayload struct {
	RoomID      string `json:"roomId"`
	DisplayName string `json:"displayName"`
}

// JoinRoomPayload asks the relay to add the caller to an existing room.
type JoinRoomPayload struct {
	RoomID      string `json:"roomId"`
	DisplayName string `json:"displayName"`
}

// RoomJoinedPayload confirms a join and lists the other participants in
// join order, excluding the caller.
type RoomJoinedPayload struct {
	RoomID       string            `json:"roomId"`
	Participants []ParticipantInfo `json:"participants"`
}

// RoomErrorPayload reports a room operation failure.
type RoomErrorPayload struct {
	Message string `json:"message"`
}

// UserJoinedPayload is broadcast to a room's pre-existing participants when
// someone joins.
type UserJoinedPayload struct {
	ID          string `json:"id"`
	DisplayName string `json:"displayName"`
}

// UserLeftPayload is broadcast to a room's remaining participants when
// someone leaves or disconnects.
type UserLeftPayload struct {
	ID          string `json:"id"`
	DisplayName string `json:"displayName"`
}

// SessionDescription mirrors the SDP half of a negotiation exchange. Kept
// structurally identical to the RTC engine's own description type so both
// browser and Go endpoints can round-trip it unchanged.
type SessionDescription struct {
	Type string `json:"type"`
	SDP  string `json:"sdp"`
}

// ICECandidateInit mirrors the engine's candidate initializer.
type ICECandidateInit struct {
	Candidate        string  `json:"candidate"`
	SDPMid           *string `json:"sdpMid,omitempty"`
	SDPMLineIndex    *uint16 `json:"sdpMLineIndex,omitempty"`
	UsernameFragment *string `json:"usernameFragment,omitempty"`
}

// OfferPayload carries an SDP offer from sender to target.
type OfferPayload struct {
	Target string             `json:"target"`
	Sender string             `json:"sender"`
	Offer  SessionDescription `json:"offer"`
}

// AnswerPayload carries an SDP answer from sender to target.
type AnswerPayload struct {
	Target string             `json:"target"`
	Sender string             `json:"sender"`
	Answer SessionDescription `json:"answer"`
}

// ICECandidatePayload carries one gathered candidate from sender to target.
type ICECandidatePayload struct {
	Target    string           `json:"target"`
	Sender    string           `json:"sender"`
	Candidate ICECandidateInit `json:"candidate"`
}

// SignalAddress extracts the sender and target ids from a routable
// envelope without decoding the rest of the payload.
func (e *Envelope) SignalAddress() (sender, target string, err error) {
	var addr struct {
		Target string `json:"target"`
		Sender string `json:"sender"`
	}
	if err := e.Decode(&addr); err != nil {
		return "", "", err
	}
	return addr.Sender, addr.Target, nil
}
