package channel

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/confmesh/confmesh/internal/protocol"
)

var testUpgrader = websocket.Upgrader{
	CheckOrigin: func(*http.Request) bool { return true },
}

// newTestRelay runs serve against every websocket that connects and returns
// a ws:// URL pointing at it.
func newTestRelay(t *testing.T, serve func(conn *websocket.Conn)) string {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := testUpgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade: %v", err)
			return
		}
		defer conn.Close()
		serve(conn)
	}))
	t.Cleanup(srv.Close)
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func recvTimeout(t *testing.T, ch <-chan *protocol.Envelope) *protocol.Envelope {
	t.Helper()
	select {
	case env, ok := <-ch:
		if !ok {
			t.Fatalf("incoming stream closed early")
		}
		return env
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for message")
	}
	return nil
}

func TestChannel_ConnectInvalidURL(t *testing.T) {
	c := New("://not-a-url")
	if err := c.Connect(context.Background()); err == nil {
		t.Fatalf("expected parse error")
	}
}

func TestChannel_SendAndReceivePreserveOrder(t *testing.T) {
	received := make(chan protocol.Envelope, 8)
	url := newTestRelay(t, func(conn *websocket.Conn) {
		// Greet, then echo back everything the client sends.
		env, _ := protocol.NewEnvelope(protocol.KindWelcome, protocol.WelcomePayload{ID: "c-1"})
		if err := conn.WriteJSON(env); err != nil {
			return
		}
		for {
			var in protocol.Envelope
			if err := conn.ReadJSON(&in); err != nil {
				return
			}
			received <- in
			if err := conn.WriteJSON(&in); err != nil {
				return
			}
		}
	})

	c := New(url)
	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer c.Close()

	if env := recvTimeout(t, c.Incoming()); env.Type != protocol.KindWelcome {
		t.Fatalf("first frame = %s, want welcome", env.Type)
	}

	kinds := []string{protocol.KindCreateRoom, protocol.KindOffer, protocol.KindICECandidate}
	for _, kind := range kinds {
		env, err := protocol.NewEnvelope(kind, protocol.OfferPayload{Target: "b", Sender: "c-1"})
		if err != nil {
			t.Fatalf("NewEnvelope: %v", err)
		}
		if err := c.Send(env); err != nil {
			t.Fatalf("Send(%s): %v", kind, err)
		}
	}

	// Echoes come back in the same order they were queued.
	for _, want := range kinds {
		if env := recvTimeout(t, c.Incoming()); env.Type != want {
			t.Fatalf("echo = %s, want %s", env.Type, want)
		}
	}
	for i, want := range kinds {
		got := <-received
		if got.Type != want {
			t.Fatalf("server saw %s at %d, want %s", got.Type, i, want)
		}
	}
}

func TestChannel_SendAfterCloseFails(t *testing.T) {
	url := newTestRelay(t, func(conn *websocket.Conn) {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	})

	c := New(url)
	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	c.Close()
	c.Close()

	env, _ := protocol.NewEnvelope(protocol.KindCreateRoom, protocol.CreateRoomPayload{DisplayName: "x"})
	if err := c.Send(env); !errors.Is(err, ErrChannelClosed) {
		t.Fatalf("Send after close = %v, want ErrChannelClosed", err)
	}
}

func TestChannel_IncomingClosesWhenServerDrops(t *testing.T) {
	url := newTestRelay(t, func(conn *websocket.Conn) {
		env, _ := protocol.NewEnvelope(protocol.KindWelcome, protocol.WelcomePayload{ID: "c-1"})
		conn.WriteJSON(env)
	})

	c := New(url)
	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer c.Close()

	recvTimeout(t, c.Incoming())

	select {
	case _, ok := <-c.Incoming():
		if ok {
			t.Fatalf("unexpected extra message")
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("incoming stream not closed after server drop")
	}
}

func TestHandler_DispatchesByKind(t *testing.T) {
	mid := "0"
	frames := []any{}
	add := func(kind string, payload any) {
		env, err := protocol.NewEnvelope(kind, payload)
		if err != nil {
			t.Fatalf("NewEnvelope(%s): %v", kind, err)
		}
		frames = append(frames, env)
	}
	add(protocol.KindWelcome, protocol.WelcomePayload{ID: "c-1"})
	add(protocol.KindRoomJoined, protocol.RoomJoinedPayload{
		RoomID:       "AB12C",
		Participants: []protocol.ParticipantInfo{{ID: "c-2", DisplayName: "Bob"}},
	})
	add(protocol.KindUserJoined, protocol.UserJoinedPayload{ID: "c-3", DisplayName: "Eve"})
	add(protocol.KindOffer, protocol.OfferPayload{
		Target: "c-1", Sender: "c-2",
		Offer: protocol.SessionDescription{Type: "offer", SDP: "o"},
	})
	add(protocol.KindICECandidate, protocol.ICECandidatePayload{
		Target: "c-1", Sender: "c-2",
		Candidate: protocol.ICECandidateInit{Candidate: "candidate:1", SDPMid: &mid},
	})
	add(protocol.KindAnswer, protocol.AnswerPayload{
		Target: "c-1", Sender: "c-3",
		Answer: protocol.SessionDescription{Type: "answer", SDP: "a"},
	})
	add(protocol.KindUserLeft, protocol.UserLeftPayload{ID: "c-2", DisplayName: "Bob"})

	url := newTestRelay(t, func(conn *websocket.Conn) {
		for _, f := range frames {
			if err := conn.WriteJSON(f); err != nil {
				return
			}
		}
		// Hold the socket open until the client hangs up.
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	})

	c := New(url)
	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer c.Close()

	h := NewHandler(c, nil)
	go h.Start()

	select {
	case id := <-h.Welcome:
		if id != "c-1" {
			t.Fatalf("welcome id = %s", id)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for welcome")
	}
	select {
	case p := <-h.RoomJoined:
		if p.RoomID != "AB12C" || len(p.Participants) != 1 {
			t.Fatalf("room-joined payload = %+v", p)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for room-joined")
	}
	select {
	case p := <-h.UserJoined:
		if p.ID != "c-3" {
			t.Fatalf("user-joined id = %s", p.ID)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for user-joined")
	}

	// The three signal kinds share one stream and keep wire order.
	wantSignals := []struct {
		kind   string
		sender string
	}{
		{protocol.KindOffer, "c-2"},
		{protocol.KindICECandidate, "c-2"},
		{protocol.KindAnswer, "c-3"},
	}
	for _, want := range wantSignals {
		select {
		case ev := <-h.Signal:
			if ev.Kind != want.kind || ev.Sender != want.sender {
				t.Fatalf("signal = %s from %s, want %s from %s", ev.Kind, ev.Sender, want.kind, want.sender)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for %s", want.kind)
		}
	}

	select {
	case p := <-h.UserLeft:
		if p.ID != "c-2" {
			t.Fatalf("user-left id = %s", p.ID)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for user-left")
	}
}

func TestHandler_MalformedPayloadDoesNotKillStream(t *testing.T) {
	url := newTestRelay(t, func(conn *websocket.Conn) {
		bad := []byte(`{"type":"user-joined","payload":"not-an-object"}`)
		if err := conn.WriteMessage(websocket.TextMessage, bad); err != nil {
			return
		}
		env, _ := protocol.NewEnvelope(protocol.KindUserJoined, protocol.UserJoinedPayload{ID: "c-2"})
		if err := conn.WriteJSON(env); err != nil {
			return
		}
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	})

	c := New(url)
	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer c.Close()

	h := NewHandler(c, nil)
	go h.Start()

	select {
	case p := <-h.UserJoined:
		if p.ID != "c-2" {
			t.Fatalf("user-joined id = %s", p.ID)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("good message after a bad one never arrived")
	}
}
