// Package call coordinates the client side of a room: one negotiation
// session per remote participant, driven by room membership changes and
// incoming signal messages.
package call

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/confmesh/confmesh/internal/channel"
	"github.com/confmesh/confmesh/internal/protocol"
	"github.com/confmesh/confmesh/internal/session"
)

// ErrClosed is returned by operations on a torn-down orchestrator.
var ErrClosed = errors.New("orchestrator closed")

// EngineFactory builds one RTC engine per remote peer, with the given
// event wiring already attached.
type EngineFactory func(remoteID string, ev session.Events) (session.Engine, error)

// Notifier receives user-facing call events. Implementations must not
// block; they are invoked from the orchestrator's event loop and from
// engine callbacks.
type Notifier interface {
	PeerJoined(id, displayName string)
	PeerLeft(id, displayName string)
	RemoteTrack(peerID string, track session.RemoteTrack)
	PeerUnreachable(peerID string, reason error)
}

// NopNotifier discards all events.
type NopNotifier struct{}

func (NopNotifier) PeerJoined(string, string)               {}
func (NopNotifier) PeerLeft(string, string)                 {}
func (NopNotifier) RemoteTrack(string, session.RemoteTrack) {}
func (NopNotifier) PeerUnreachable(string, error)           {}

// Config parameterizes the orchestrator.
type Config struct {
	// LocalID is this client's connection id, as delivered by the relay.
	LocalID string

	// OfferTimeout and RestartLimit are passed through to each session.
	OfferTimeout time.Duration
	RestartLimit int
}

// Orchestrator owns the remoteParticipantId -> session mapping and the
// call policy: the side already in the room calls out to each newcomer,
// while a new joiner waits to be called. That asymmetry avoids duplicate
// simultaneous offers on a fresh join.
type Orchestrator struct {
	cfg       Config
	sender    session.Sender
	newEngine EngineFactory
	source    Source
	notify    Notifier
	log       *slog.Logger

	mu       sync.Mutex
	closed   bool
	sessions map[string]*session.Session
	tracks   []*Track
}

func New(cfg Config, sender session.Sender, factory EngineFactory, source Source, notify Notifier, log *slog.Logger) *Orchestrator {
	if notify == nil {
		notify = NopNotifier{}
	}
	if log == nil {
		log = slog.Default()
	}
	return &Orchestrator{
		cfg:       cfg,
		sender:    sender,
		newEngine: factory,
		source:    source,
		notify:    notify,
		log:       log,
		sessions:  make(map[string]*session.Session),
	}
}

// AcquireMedia captures local tracks before any session exists. Capture
// failure never blocks room participation: full constraints fall back to
// audio-only, and if that fails too the client continues signaling-only.
// The returned error is informational, for surfacing as a warning.
func (o *Orchestrator) AcquireMedia(ctx context.Context, c Constraints) error {
	tracks, err := o.source.Acquire(ctx, c)
	if err != nil && c.Video {
		o.log.Warn("media capture failed, retrying audio-only", "err", err)
		tracks, err = o.source.Acquire(ctx, Constraints{Audio: c.Audio})
	}
	if err != nil {
		o.log.Warn("media capture failed, continuing signaling-only", "err", err)
		return errors.Join(ErrMediaAccess, err)
	}

	o.mu.Lock()
	o.tracks = tracks
	o.mu.Unlock()
	return nil
}

// Tracks returns the local tracks currently held.
func (o *Orchestrator) Tracks() []*Track {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]*Track, len(o.tracks))
	copy(out, o.tracks)
	return out
}

// Run consumes handler events until the context is canceled or the
// signaling channel closes. Teardown is synchronous: by the time Run
// returns, every session is closed and media capture is stopped.
func (o *Orchestrator) Run(ctx context.Context, h *channel.Handler) error {
	defer o.Close()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case <-h.Done:
			return channel.ErrChannelClosed

		case p := <-h.UserJoined:
			o.HandleUserJoined(p)

		case p := <-h.UserLeft:
			o.HandleUserLeft(p)

		case ev := <-h.Signal:
			o.HandleSignal(ev)

		case msg := <-h.RoomError:
			o.log.Warn("room error", "message", msg)
		}
	}
}

// HandleUserJoined reacts to a newcomer: we are the established side, so
// we place the call.
func (o *Orchestrator) HandleUserJoined(p protocol.UserJoinedPayload) {
	o.notify.PeerJoined(p.ID, p.DisplayName)

	s, err := o.ensureSession(p.ID)
	if err != nil {
		o.log.Error("session setup failed", "peer", p.ID, "err", err)
		return
	}
	if err := s.CreateOffer(); err != nil {
		// A collision here means negotiation-needed already fired; the
		// exchange in flight covers the newcomer's tracks.
		if !errors.Is(err, session.ErrRenegotiationCollision) {
			o.log.Warn("call initiation failed", "peer", p.ID, "err", err)
		}
	}
}

// HandleUserLeft closes and discards the departed participant's session.
func (o *Orchestrator) HandleUserLeft(p protocol.UserLeftPayload) {
	o.mu.Lock()
	s := o.sessions[p.ID]
	delete(o.sessions, p.ID)
	o.mu.Unlock()

	if s != nil {
		s.Close(nil)
	}
	o.notify.PeerLeft(p.ID, p.DisplayName)
}

// HandleSignal feeds one peer-addressed message into the matching
// session. Events for the same peer arrive here in wire order, which is
// what keeps the state machine's transitions consistent.
func (o *Orchestrator) HandleSignal(ev channel.SignalEvent) {
	switch ev.Kind {
	case protocol.KindOffer:
		// An offer from an unknown remote creates its session on demand.
		s, err := o.ensureSession(ev.Sender)
		if err != nil {
			o.log.Error("session setup failed", "peer", ev.Sender, "err", err)
			return
		}
		if err := s.AcceptOffer(ev.Offer); err != nil {
			if errors.Is(err, session.ErrRenegotiationCollision) {
				o.log.Debug("glare: ignored remote offer", "peer", ev.Sender)
			} else {
				o.log.Warn("offer rejected", "peer", ev.Sender, "err", err)
			}
		}

	case protocol.KindAnswer:
		s, ok := o.session(ev.Sender)
		if !ok {
			o.log.Debug("answer for unknown peer discarded", "peer", ev.Sender)
			return
		}
		if err := s.AcceptAnswer(ev.Answer); err != nil {
			if errors.Is(err, session.ErrStaleAnswer) {
				o.log.Debug("stale answer discarded", "peer", ev.Sender)
			} else {
				o.log.Warn("answer rejected", "peer", ev.Sender, "err", err)
			}
		}

	case protocol.KindICECandidate:
		s, err := o.ensureSession(ev.Sender)
		if err != nil {
			o.log.Error("session setup failed", "peer", ev.Sender, "err", err)
			return
		}
		if err := s.AddRemoteCandidate(ev.Candidate); err != nil {
			// Recoverable either way: a bad candidate is dropped.
			o.log.Warn("candidate dropped", "peer", ev.Sender, "err", err)
		}
	}
}

// Call explicitly initiates negotiation with a remote participant.
func (o *Orchestrator) Call(remoteID string) error {
	s, err := o.ensureSession(remoteID)
	if err != nil {
		return err
	}
	return s.CreateOffer()
}

// ToggleAudio flips the mute flag on every local audio track, across all
// sessions at once.
func (o *Orchestrator) ToggleAudio(enabled bool) { o.toggleKind("audio", enabled) }

// ToggleVideo flips the mute flag on every local video track.
func (o *Orchestrator) ToggleVideo(enabled bool) { o.toggleKind("video", enabled) }

func (o *Orchestrator) toggleKind(kind string, enabled bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	for _, t := range o.tracks {
		if t.Kind() == kind {
			t.SetEnabled(enabled)
		}
	}
}

// PeerStatus is a diagnostic view of one session.
type PeerStatus struct {
	RemoteID          string
	State             string
	Polite            bool
	PendingCandidates int
}

// Snapshot dumps every session's negotiation state, sorted by peer id.
func (o *Orchestrator) Snapshot() []PeerStatus {
	o.mu.Lock()
	sessions := make([]*session.Session, 0, len(o.sessions))
	for _, s := range o.sessions {
		sessions = append(sessions, s)
	}
	o.mu.Unlock()

	out := make([]PeerStatus, 0, len(sessions))
	for _, s := range sessions {
		out = append(out, PeerStatus{
			RemoteID:          s.RemoteID(),
			State:             s.State().String(),
			Polite:            s.Polite(),
			PendingCandidates: s.PendingCandidates(),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RemoteID < out[j].RemoteID })
	return out
}

// SessionCount reports the number of live sessions.
func (o *Orchestrator) SessionCount() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.sessions)
}

// Close tears everything down: every session is closed and local capture
// stops before Close returns. Idempotent.
func (o *Orchestrator) Close() {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return
	}
	o.closed = true
	sessions := o.sessions
	o.sessions = make(map[string]*session.Session)
	o.tracks = nil
	o.mu.Unlock()

	for _, s := range sessions {
		s.Close(nil)
	}
	o.source.Stop()
}

func (o *Orchestrator) session(remoteID string) (*session.Session, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	s, ok := o.sessions[remoteID]
	return s, ok
}

// ensureSession returns the existing session for remoteID or creates one
// lazily, wiring engine events back into it and attaching local tracks.
func (o *Orchestrator) ensureSession(remoteID string) (*session.Session, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.closed {
		return nil, ErrClosed
	}
	if s, ok := o.sessions[remoteID]; ok {
		return s, nil
	}

	// Engine callbacks can fire before New returns the session, so they
	// go through an atomic holder instead of capturing it directly.
	var holder atomic.Pointer[session.Session]

	eng, err := o.newEngine(remoteID, session.Events{
		OnLocalCandidate: func(cand protocol.ICECandidateInit) {
			s := holder.Load()
			if s == nil {
				return
			}
			if err := s.HandleLocalCandidate(cand); err != nil && !errors.Is(err, session.ErrSessionClosed) {
				o.log.Warn("candidate forwarding failed", "peer", remoteID, "err", err)
			}
		},
		OnRemoteTrack: func(tr session.RemoteTrack) {
			o.notify.RemoteTrack(remoteID, tr)
		},
		OnConnectivityChange: func(st session.Connectivity) {
			if s := holder.Load(); s != nil {
				s.HandleConnectivity(st)
			}
		},
		OnNegotiationNeeded: func() {
			s := holder.Load()
			if s == nil {
				return
			}
			err := s.CreateOffer()
			if err != nil && !errors.Is(err, session.ErrRenegotiationCollision) && !errors.Is(err, session.ErrSessionClosed) {
				o.log.Warn("renegotiation failed", "peer", remoteID, "err", err)
			}
		},
	})
	if err != nil {
		return nil, err
	}

	s := session.New(session.Config{
		LocalID:      o.cfg.LocalID,
		RemoteID:     remoteID,
		OfferTimeout: o.cfg.OfferTimeout,
		RestartLimit: o.cfg.RestartLimit,
	}, eng, o.sender, o.log, o.sessionClosed)
	holder.Store(s)

	for _, t := range o.tracks {
		if err := eng.AddTrack(t.Local()); err != nil {
			o.log.Warn("track attach failed", "peer", remoteID, "kind", t.Kind(), "err", err)
		}
	}

	o.sessions[remoteID] = s
	return s, nil
}

// sessionClosed runs whenever a session tears itself down (timeout,
// restart budget exhausted). It prunes the map and reports unreachable
// peers upward.
func (o *Orchestrator) sessionClosed(remoteID string, reason error) {
	o.mu.Lock()
	delete(o.sessions, remoteID)
	o.mu.Unlock()

	if errors.Is(reason, session.ErrPeerUnreachable) || errors.Is(reason, session.ErrOfferTimeout) {
		o.notify.PeerUnreachable(remoteID, reason)
	}
}
