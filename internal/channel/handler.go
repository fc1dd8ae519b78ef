package channel

import (
	"log/slog"

	"github.com/confmesh/confmesh/internal/protocol"
)

// SignalEvent is one peer-addressed negotiation message. All three signal
// kinds flow through a single stream so that messages from the same peer
// keep their wire order relative to each other.
type SignalEvent struct {
	Kind      string
	Sender    string
	Offer     protocol.SessionDescription
	Answer    protocol.SessionDescription
	Candidate protocol.ICECandidateInit
}

// Handler splits the channel's incoming stream into typed events.
type Handler struct {
	ch  *Channel
	log *slog.Logger

	Welcome     chan string
	RoomCreated chan protocol.RoomCreatedPayload
	RoomJoined  chan protocol.RoomJoinedPayload
	RoomError   chan string
	UserJoined  chan protocol.UserJoinedPayload
	UserLeft    chan protocol.UserLeftPayload
	Signal      chan SignalEvent

	// Done is closed when the incoming stream ends.
	Done chan struct{}
}

// NewHandler creates a handler over the channel's incoming stream.
func NewHandler(ch *Channel, log *slog.Logger) *Handler {
	if log == nil {
		log = slog.Default()
	}
	return &Handler{
		ch:          ch,
		log:         log,
		Welcome:     make(chan string, 1),
		RoomCreated: make(chan protocol.RoomCreatedPayload, 1),
		RoomJoined:  make(chan protocol.RoomJoinedPayload, 1),
		RoomError:   make(chan string, 1),
		UserJoined:  make(chan protocol.UserJoinedPayload, 8),
		UserLeft:    make(chan protocol.UserLeftPayload, 8),
		Signal:      make(chan SignalEvent, 32),
		Done:        make(chan struct{}),
	}
}

// Start consumes incoming envelopes until the channel closes. Malformed
// payloads are dropped with a log line; one bad message never kills the
// stream.
func (h *Handler) Start() {
	defer close(h.Done)

	for env := range h.ch.Incoming() {
		switch env.Type {
		case protocol.KindWelcome:
			var p protocol.WelcomePayload
			if h.decode(env, &p) {
				h.Welcome <- p.ID
			}

		case protocol.KindRoomCreated:
			var p protocol.RoomCreatedPayload
			if h.decode(env, &p) {
				h.RoomCreated <- p
			}

		case protocol.KindRoomJoined:
			var p protocol.RoomJoinedPayload
			if h.decode(env, &p) {
				h.RoomJoined <- p
			}

		case protocol.KindRoomError:
			var p protocol.RoomErrorPayload
			if h.decode(env, &p) {
				h.RoomError <- p.Message
			}

		case protocol.KindUserJoined:
			var p protocol.UserJoinedPayload
			if h.decode(env, &p) {
				h.UserJoined <- p
			}

		case protocol.KindUserLeft:
			var p protocol.UserLeftPayload
			if h.decode(env, &p) {
				h.UserLeft <- p
			}

		case protocol.KindOffer:
			var p protocol.OfferPayload
			if h.decode(env, &p) {
				h.Signal <- SignalEvent{Kind: env.Type, Sender: p.Sender, Offer: p.Offer}
			}

		case protocol.KindAnswer:
			var p protocol.AnswerPayload
			if h.decode(env, &p) {
				h.Signal <- SignalEvent{Kind: env.Type, Sender: p.Sender, Answer: p.Answer}
			}

		case protocol.KindICECandidate:
			var p protocol.ICECandidatePayload
			if h.decode(env, &p) {
				h.Signal <- SignalEvent{Kind: env.Type, Sender: p.Sender, Candidate: p.Candidate}
			}

		default:
			h.log.Debug("ignoring unknown message", "kind", env.Type)
		}
	}
}

func (h *Handler) decode(env *protocol.Envelope, out any) bool {
	if err := env.Decode(out); err != nil {
		h.log.Warn("malformed payload", "kind", env.Type, "err", err)
		return false
	}
	return true
}
