package session

import (
	"github.com/pion/webrtc/v4"

	"github.com/confmesh/confmesh/internal/protocol"
)

// Engine is the narrow command surface the session drives on the
// underlying RTC implementation. Each method bundles the primitive calls
// that always travel together: CreateOffer also sets the local
// description, CreateAnswer applies the remote offer first.
type Engine interface {
	// CreateOffer produces a local offer describing the current tracks
	// and installs it as the local description. iceRestart forces a
	// fresh candidate generation.
	CreateOffer(iceRestart bool) (protocol.SessionDescription, error)

	// CreateAnswer applies the remote offer, produces an answer and
	// installs it as the local description. It must succeed even while a
	// local offer is pending: the caller has already yielded, so
	// implementations discard the pending offer first.
	CreateAnswer(offer protocol.SessionDescription) (protocol.SessionDescription, error)

	// SetRemoteAnswer applies the remote answer to a pending local offer.
	SetRemoteAnswer(answer protocol.SessionDescription) error

	// AddICECandidate feeds one remote candidate to the transport.
	AddICECandidate(cand protocol.ICECandidateInit) error

	// AddTrack attaches a local media track to the connection.
	AddTrack(track webrtc.TrackLocal) error

	// Close releases the underlying connection. Idempotent.
	Close() error
}

// Connectivity is the coarse transport state the session reacts to.
type Connectivity int

const (
	ConnectivityNew Connectivity = iota
	ConnectivityChecking
	ConnectivityConnected
	ConnectivityDisconnected
	ConnectivityFailed
	ConnectivityClosed
)

func (c Connectivity) String() string {
	switch c {
	case ConnectivityNew:
		return "new"
	case ConnectivityChecking:
		return "checking"
	case ConnectivityConnected:
		return "connected"
	case ConnectivityDisconnected:
		return "disconnected"
	case ConnectivityFailed:
		return "failed"
	case ConnectivityClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// RemoteTrack describes a media track that arrived from the remote peer.
type RemoteTrack struct {
	ID       string
	Kind     string
	StreamID string
}

// Events carries the engine's change notifications back into the session
// and up to the orchestrator. All funcs are optional.
type Events struct {
	// OnLocalCandidate fires for every gathered local ICE candidate.
	OnLocalCandidate func(cand protocol.ICECandidateInit)

	// OnRemoteTrack fires when a remote media track arrives.
	OnRemoteTrack func(track RemoteTrack)

	// OnConnectivityChange fires on transport state transitions.
	OnConnectivityChange func(state Connectivity)

	// OnNegotiationNeeded fires when a local track change requires a new
	// offer/answer round.
	OnNegotiationNeeded func()
}
