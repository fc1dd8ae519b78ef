package session

import (
	"github.com/pion/webrtc/v4"

	"github.com/confmesh/confmesh/internal/protocol"
)

// PionEngine drives a pion PeerConnection behind the Engine interface.
type PionEngine struct {
	pc *webrtc.PeerConnection
}

// NewPionEngine builds a peer connection against the given ICE servers
// and wires its change notifications into ev.
func NewPionEngine(iceServers []webrtc.ICEServer, ev Events) (*PionEngine, error) {
	pc, err := webrtc.NewPeerConnection(webrtc.Configuration{
		ICEServers: iceServers,
	})
	if err != nil {
		return nil, err
	}

	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		// nil marks the end of gathering.
		if c == nil || ev.OnLocalCandidate == nil {
			return
		}
		ev.OnLocalCandidate(fromPionCandidate(c.ToJSON()))
	})

	pc.OnTrack(func(tr *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		if ev.OnRemoteTrack == nil {
			return
		}
		ev.OnRemoteTrack(RemoteTrack{
			ID:       tr.ID(),
			Kind:     tr.Kind().String(),
			StreamID: tr.StreamID(),
		})
	})

	pc.OnICEConnectionStateChange(func(state webrtc.ICEConnectionState) {
		if ev.OnConnectivityChange == nil {
			return
		}
		ev.OnConnectivityChange(fromPionICEState(state))
	})

	pc.OnNegotiationNeeded(func() {
		if ev.OnNegotiationNeeded != nil {
			ev.OnNegotiationNeeded()
		}
	})

	return &PionEngine{pc: pc}, nil
}

func (e *PionEngine) CreateOffer(iceRestart bool) (protocol.SessionDescription, error) {
	var opts *webrtc.OfferOptions
	if iceRestart {
		opts = &webrtc.OfferOptions{ICERestart: true}
	}

	offer, err := e.pc.CreateOffer(opts)
	if err != nil {
		return protocol.SessionDescription{}, err
	}
	if err := e.pc.SetLocalDescription(offer); err != nil {
		return protocol.SessionDescription{}, err
	}
	return fromPionDescription(*e.pc.LocalDescription()), nil
}

func (e *PionEngine) CreateAnswer(offer protocol.SessionDescription) (protocol.SessionDescription, error) {
	// An outstanding local offer blocks the remote one: pion rejects
	// have-local-offer -> SetRemote(offer). By the time the state machine
	// asks for an answer it has already yielded, so roll ours back first.
	if e.pc.SignalingState() == webrtc.SignalingStateHaveLocalOffer {
		rollback := webrtc.SessionDescription{Type: webrtc.SDPTypeRollback}
		if err := e.pc.SetLocalDescription(rollback); err != nil {
			return protocol.SessionDescription{}, err
		}
	}

	if err := e.pc.SetRemoteDescription(toPionDescription(offer)); err != nil {
		return protocol.SessionDescription{}, err
	}

	answer, err := e.pc.CreateAnswer(nil)
	if err != nil {
		return protocol.SessionDescription{}, err
	}
	if err := e.pc.SetLocalDescription(answer); err != nil {
		return protocol.SessionDescription{}, err
	}
	return fromPionDescription(*e.pc.LocalDescription()), nil
}

func (e *PionEngine) SetRemoteAnswer(answer protocol.SessionDescription) error {
	return e.pc.SetRemoteDescription(toPionDescription(answer))
}

func (e *PionEngine) AddICECandidate(cand protocol.ICECandidateInit) error {
	return e.pc.AddICECandidate(toPionCandidate(cand))
}

func (e *PionEngine) AddTrack(track webrtc.TrackLocal) error {
	_, err := e.pc.AddTrack(track)
	return err
}

func (e *PionEngine) Close() error {
	return e.pc.Close()
}

func toPionDescription(d protocol.SessionDescription) webrtc.SessionDescription {
	return webrtc.SessionDescription{
		Type: webrtc.NewSDPType(d.Type),
		SDP:  d.SDP,
	}
}

func fromPionDescription(d webrtc.SessionDescription) protocol.SessionDescription {
	return protocol.SessionDescription{
		Type: d.Type.String(),
		SDP:  d.SDP,
	}
}

func toPionCandidate(c protocol.ICECandidateInit) webrtc.ICECandidateInit {
	return webrtc.ICECandidateInit{
		Candidate:        c.Candidate,
		SDPMid:           c.SDPMid,
		SDPMLineIndex:    c.SDPMLineIndex,
		UsernameFragment: c.UsernameFragment,
	}
}

func fromPionCandidate(c webrtc.ICECandidateInit) protocol.ICECandidateInit {
	return protocol.ICECandidateInit{
		Candidate:        c.Candidate,
		SDPMid:           c.SDPMid,
		SDPMLineIndex:    c.SDPMLineIndex,
		UsernameFragment: c.UsernameFragment,
	}
}

func fromPionICEState(s webrtc.ICEConnectionState) Connectivity {
	switch s {
	case webrtc.ICEConnectionStateChecking:
		return ConnectivityChecking
	case webrtc.ICEConnectionStateConnected, webrtc.ICEConnectionStateCompleted:
		return ConnectivityConnected
	case webrtc.ICEConnectionStateDisconnected:
		return ConnectivityDisconnected
	case webrtc.ICEConnectionStateFailed:
		return ConnectivityFailed
	case webrtc.ICEConnectionStateClosed:
		return ConnectivityClosed
	default:
		return ConnectivityNew
	}
}
