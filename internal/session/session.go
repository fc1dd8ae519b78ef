// Package session implements the per-peer negotiation state machine: one
// Session per remote participant, driving offer/answer/ICE exchange over a
// signaling channel and an RTC engine.
package session

import (
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/confmesh/confmesh/internal/protocol"
)

// State is the negotiation state. Only the transitions performed by the
// exported methods are legal; everything else is rejected with a typed
// error instead of being applied.
type State int

const (
	StateIdle State = iota
	StateHaveLocalOffer
	StateHaveRemoteOffer
	StateStable
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateHaveLocalOffer:
		return "have-local-offer"
	case StateHaveRemoteOffer:
		return "have-remote-offer"
	case StateStable:
		return "stable"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Sender delivers envelopes to the remote peer through the signaling
// channel.
type Sender interface {
	Send(env *protocol.Envelope) error
}

const (
	// DefaultOfferTimeout bounds how long an offer may wait for its
	// answer before the call attempt is abandoned.
	DefaultOfferTimeout = 30 * time.Second

	// DefaultRestartLimit bounds consecutive ICE restarts before the
	// peer is declared unreachable.
	DefaultRestartLimit = 3
)

// Config parameterizes a session.
type Config struct {
	LocalID      string
	RemoteID     string
	OfferTimeout time.Duration // 0 means DefaultOfferTimeout
	RestartLimit int           // 0 means DefaultRestartLimit
}

// Session owns one peer connection's negotiation state. All mutation
// flows through the exported methods, each of which takes the session
// lock, so transitions are applied strictly in call order.
type Session struct {
	localID  string
	remoteID string
	polite   bool

	engine Engine
	sender Sender
	log    *slog.Logger

	offerTimeout time.Duration
	restartLimit int

	// onClosed fires exactly once, after the session reaches
	// StateClosed, with the reason teardown was triggered.
	onClosed func(remoteID string, reason error)

	mu              sync.Mutex
	state           State
	remoteDescSet   bool
	pending         []protocol.ICECandidateInit
	restartAttempts int
	offerTimer      *time.Timer
	closeReason     error
}

// New builds a session for the given remote peer. Politeness is derived
// symmetrically from the two connection ids: the side with the lexically
// greater id is the polite peer, so both ends agree without coordination.
func New(cfg Config, engine Engine, sender Sender, log *slog.Logger, onClosed func(remoteID string, reason error)) *Session {
	if cfg.OfferTimeout <= 0 {
		cfg.OfferTimeout = DefaultOfferTimeout
	}
	if cfg.RestartLimit <= 0 {
		cfg.RestartLimit = DefaultRestartLimit
	}
	if log == nil {
		log = slog.Default()
	}
	return &Session{
		localID:      cfg.LocalID,
		remoteID:     cfg.RemoteID,
		polite:       cfg.LocalID > cfg.RemoteID,
		engine:       engine,
		sender:       sender,
		log:          log.With("peer", cfg.RemoteID),
		offerTimeout: cfg.OfferTimeout,
		restartLimit: cfg.RestartLimit,
		onClosed:     onClosed,
		state:        StateIdle,
	}
}

// RemoteID returns the remote participant's connection id.
func (s *Session) RemoteID() string { return s.remoteID }

// Polite reports which side of the glare tie-break this session is on.
func (s *Session) Polite() bool { return s.polite }

// State returns the current negotiation state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// PendingCandidates reports how many remote candidates are queued waiting
// for a remote description.
func (s *Session) PendingCandidates() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

// CreateOffer generates an offer for the current local tracks, sends it
// to the remote peer and transitions to have-local-offer. Legal only from
// idle or stable; an overlapping negotiation fails with
// ErrRenegotiationCollision and must be resolved by the glare rule.
func (s *Session) CreateOffer() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.createOfferLocked(false)
}

func (s *Session) createOfferLocked(iceRestart bool) error {
	switch s.state {
	case StateClosed:
		return newError("create offer", s.remoteID, ErrSessionClosed)
	case StateHaveLocalOffer, StateHaveRemoteOffer:
		return newError("create offer", s.remoteID, ErrRenegotiationCollision)
	}

	offer, err := s.engine.CreateOffer(iceRestart)
	if err != nil {
		return newError("create offer", s.remoteID, err)
	}

	s.state = StateHaveLocalOffer
	s.armOfferTimerLocked()

	if err := s.sendLocked(protocol.KindOffer, protocol.OfferPayload{
		Target: s.remoteID,
		Sender: s.localID,
		Offer:  offer,
	}); err != nil {
		return newError("send offer", s.remoteID, err)
	}
	s.log.Debug("offer sent", "iceRestart", iceRestart, "state", s.state.String())
	return nil
}

// AcceptOffer applies a remote offer, produces and sends the answer, and
// transitions to stable. During glare the polite peer discards its own
// pending offer and accepts; the impolite peer rejects the incoming offer
// with ErrRenegotiationCollision and lets its own offer win.
func (s *Session) AcceptOffer(offer protocol.SessionDescription) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch s.state {
	case StateClosed:
		return newError("accept offer", s.remoteID, ErrSessionClosed)
	case StateHaveLocalOffer:
		if !s.polite {
			s.log.Debug("glare: impolite side ignoring remote offer")
			return newError("accept offer", s.remoteID, ErrRenegotiationCollision)
		}
		// Polite side: abandon our outstanding offer and take theirs.
		s.log.Debug("glare: polite side yielding to remote offer")
		s.stopOfferTimerLocked()
	}

	prev := s.state
	s.state = StateHaveRemoteOffer

	answer, err := s.engine.CreateAnswer(offer)
	if err != nil {
		s.state = prev
		if prev == StateHaveLocalOffer {
			// The yield failed; our own offer is outstanding again and
			// still needs its timeout.
			s.armOfferTimerLocked()
		}
		return newError("accept offer", s.remoteID, err)
	}

	s.remoteDescSet = true
	s.flushPendingLocked()
	s.state = StateStable
	s.restartAttempts = 0

	if err := s.sendLocked(protocol.KindAnswer, protocol.AnswerPayload{
		Target: s.remoteID,
		Sender: s.localID,
		Answer: answer,
	}); err != nil {
		return newError("send answer", s.remoteID, err)
	}
	s.log.Debug("answer sent", "state", s.state.String())
	return nil
}

// AcceptAnswer applies the remote answer to the outstanding local offer
// and transitions to stable. An answer arriving in any other state is
// stale: reported as ErrStaleAnswer for the caller to log and discard.
func (s *Session) AcceptAnswer(answer protocol.SessionDescription) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != StateHaveLocalOffer {
		return newError("accept answer", s.remoteID, ErrStaleAnswer)
	}

	if err := s.engine.SetRemoteAnswer(answer); err != nil {
		return newError("accept answer", s.remoteID, err)
	}

	s.stopOfferTimerLocked()
	s.remoteDescSet = true
	s.flushPendingLocked()
	s.state = StateStable
	s.restartAttempts = 0
	s.log.Debug("answer applied", "state", s.state.String())
	return nil
}

// AddRemoteCandidate applies a remote ICE candidate, or queues it when no
// remote description exists yet. Queued candidates are flushed in receipt
// order the moment a remote description is applied. A candidate the
// engine rejects yields ErrCandidateRejected and leaves the session open.
func (s *Session) AddRemoteCandidate(cand protocol.ICECandidateInit) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state == StateClosed {
		return newError("add candidate", s.remoteID, ErrSessionClosed)
	}

	if !s.remoteDescSet {
		s.pending = append(s.pending, cand)
		return nil
	}

	if err := s.engine.AddICECandidate(cand); err != nil {
		return newError("add candidate", s.remoteID, errors.Join(ErrCandidateRejected, err))
	}
	return nil
}

func (s *Session) flushPendingLocked() {
	for _, cand := range s.pending {
		if err := s.engine.AddICECandidate(cand); err != nil {
			// Recoverable: drop this one, keep going.
			s.log.Warn("queued candidate rejected", "err", err)
		}
	}
	s.pending = nil
}

// RestartIce issues a fresh offer flagged for ICE restart. Each call
// consumes one attempt from the restart budget; once the budget is spent
// the session closes with ErrPeerUnreachable.
func (s *Session) RestartIce() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state == StateClosed {
		return newError("restart ice", s.remoteID, ErrSessionClosed)
	}
	if s.restartAttempts >= s.restartLimit {
		s.log.Warn("restart budget exhausted, closing", "attempts", s.restartAttempts)
		s.closeLocked(ErrPeerUnreachable)
		return newError("restart ice", s.remoteID, ErrPeerUnreachable)
	}
	s.restartAttempts++

	// A restart offer supersedes whatever negotiation was in flight.
	if s.state == StateHaveLocalOffer || s.state == StateHaveRemoteOffer {
		s.stopOfferTimerLocked()
		s.state = StateStable
	}
	s.log.Info("restarting ice", "attempt", s.restartAttempts)
	return s.createOfferLocked(true)
}

// HandleConnectivity reacts to transport state changes. Prolonged loss
// (disconnected or failed) triggers an ICE restart.
func (s *Session) HandleConnectivity(state Connectivity) {
	switch state {
	case ConnectivityDisconnected, ConnectivityFailed:
		s.log.Info("connectivity lost", "state", state.String())
		if err := s.RestartIce(); err != nil && !errors.Is(err, ErrSessionClosed) {
			s.log.Warn("ice restart failed", "err", err)
		}
	case ConnectivityConnected:
		s.mu.Lock()
		s.restartAttempts = 0
		s.mu.Unlock()
	}
}

// HandleLocalCandidate forwards one gathered local candidate to the
// remote peer. Channel failure is reported, not swallowed.
func (s *Session) HandleLocalCandidate(cand protocol.ICECandidateInit) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state == StateClosed {
		return newError("send candidate", s.remoteID, ErrSessionClosed)
	}
	if err := s.sendLocked(protocol.KindICECandidate, protocol.ICECandidatePayload{
		Target:    s.remoteID,
		Sender:    s.localID,
		Candidate: cand,
	}); err != nil {
		return newError("send candidate", s.remoteID, err)
	}
	return nil
}

// Close releases the engine and transitions to closed from any state.
// Idempotent; the onClosed callback fires at most once.
func (s *Session) Close(reason error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closeLocked(reason)
}

func (s *Session) closeLocked(reason error) {
	if s.state == StateClosed {
		return
	}
	s.stopOfferTimerLocked()
	s.state = StateClosed
	s.closeReason = reason
	s.pending = nil
	if err := s.engine.Close(); err != nil {
		s.log.Warn("engine close failed", "err", err)
	}
	s.log.Debug("session closed", "reason", reason)
	if s.onClosed != nil {
		cb := s.onClosed
		s.onClosed = nil
		// Run outside the lock: the callback usually re-enters the
		// orchestrator's session map.
		go cb(s.remoteID, reason)
	}
}

func (s *Session) armOfferTimerLocked() {
	s.stopOfferTimerLocked()
	s.offerTimer = time.AfterFunc(s.offerTimeout, s.expireOffer)
}

func (s *Session) stopOfferTimerLocked() {
	if s.offerTimer != nil {
		s.offerTimer.Stop()
		s.offerTimer = nil
	}
}

// expireOffer fires when an offer has waited its full window with no
// answer. The call attempt failed; holding the session open would leak it.
func (s *Session) expireOffer() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateHaveLocalOffer {
		return
	}
	s.log.Warn("offer went unanswered, closing")
	s.closeLocked(ErrOfferTimeout)
}

func (s *Session) sendLocked(kind string, payload any) error {
	env, err := protocol.NewEnvelope(kind, payload)
	if err != nil {
		return err
	}
	return s.sender.Send(env)
}
