package server

import (
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/confmesh/confmesh/internal/protocol"
	"github.com/confmesh/confmesh/internal/relay"
)

func newTestServer(t *testing.T) (*httptest.Server, *relay.Hub) {
	t.Helper()
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	hub := relay.NewHub(log)
	srv := httptest.NewServer(NewRouter(hub, log))
	t.Cleanup(srv.Close)
	return srv, hub
}

// wsClient is a raw websocket participant for exercising the relay the way
// a browser would.
type wsClient struct {
	t    *testing.T
	conn *websocket.Conn
	id   string
}

func dialClient(t *testing.T, srv *httptest.Server) *wsClient {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })

	c := &wsClient{t: t, conn: conn}

	// The relay's first frame carries the assigned connection id.
	env := c.read()
	if env.Type != protocol.KindWelcome {
		t.Fatalf("first frame = %s, want welcome", env.Type)
	}
	var w protocol.WelcomePayload
	if err := env.Decode(&w); err != nil || w.ID == "" {
		t.Fatalf("welcome payload = %+v, err %v", w, err)
	}
	c.id = w.ID
	return c
}

func (c *wsClient) send(kind string, payload any) {
	c.t.Helper()
	env, err := protocol.NewEnvelope(kind, payload)
	if err != nil {
		c.t.Fatalf("NewEnvelope(%s): %v", kind, err)
	}
	if err := c.conn.WriteJSON(env); err != nil {
		c.t.Fatalf("write %s: %v", kind, err)
	}
}

func (c *wsClient) read() *protocol.Envelope {
	c.t.Helper()
	c.conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var env protocol.Envelope
	if err := c.conn.ReadJSON(&env); err != nil {
		c.t.Fatalf("read: %v", err)
	}
	return &env
}

func (c *wsClient) readKind(kind string) *protocol.Envelope {
	c.t.Helper()
	env := c.read()
	if env.Type != kind {
		c.t.Fatalf("got %s, want %s", env.Type, kind)
	}
	return env
}

func (c *wsClient) createRoom(name string) string {
	c.t.Helper()
	c.send(protocol.KindCreateRoom, protocol.CreateRoomPayload{DisplayName: name})
	var p protocol.RoomCreatedPayload
	if err := c.readKind(protocol.KindRoomCreated).Decode(&p); err != nil {
		c.t.Fatalf("decode room-created: %v", err)
	}
	return p.RoomID
}

func TestHealthz(t *testing.T) {
	srv, _ := newTestServer(t)

	resp, err := http.Get(srv.URL + "/healthz")
	if err != nil {
		t.Fatalf("GET /healthz: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	body, _ := io.ReadAll(resp.Body)
	if string(body) != "Signaling relay is healthy." {
		t.Fatalf("body = %q", body)
	}
}

func TestCallSetupOverWebsocket(t *testing.T) {
	srv, hub := newTestServer(t)

	alice := dialClient(t, srv)
	bob := dialClient(t, srv)
	if alice.id == bob.id {
		t.Fatalf("connection ids collide")
	}

	roomID := alice.createRoom("Alice")
	if len(roomID) != 5 {
		t.Fatalf("room id = %q", roomID)
	}

	// Join codes are case-insensitive on the wire.
	bob.send(protocol.KindJoinRoom, protocol.JoinRoomPayload{
		RoomID:      strings.ToLower(roomID),
		DisplayName: "Bob",
	})

	var joined protocol.RoomJoinedPayload
	if err := bob.readKind(protocol.KindRoomJoined).Decode(&joined); err != nil {
		t.Fatalf("decode room-joined: %v", err)
	}
	if joined.RoomID != roomID {
		t.Fatalf("joined room = %s, want %s", joined.RoomID, roomID)
	}
	if len(joined.Participants) != 1 || joined.Participants[0].ID != alice.id {
		t.Fatalf("participants = %+v", joined.Participants)
	}

	var newcomer protocol.UserJoinedPayload
	if err := alice.readKind(protocol.KindUserJoined).Decode(&newcomer); err != nil {
		t.Fatalf("decode user-joined: %v", err)
	}
	if newcomer.ID != bob.id || newcomer.DisplayName != "Bob" {
		t.Fatalf("user-joined payload = %+v", newcomer)
	}

	// Alice, already in the room, calls the newcomer.
	alice.send(protocol.KindOffer, protocol.OfferPayload{
		Target: bob.id,
		Sender: alice.id,
		Offer:  protocol.SessionDescription{Type: "offer", SDP: "v=0 alice"},
	})
	var offer protocol.OfferPayload
	if err := bob.readKind(protocol.KindOffer).Decode(&offer); err != nil {
		t.Fatalf("decode offer: %v", err)
	}
	if offer.Sender != alice.id || offer.Offer.SDP != "v=0 alice" {
		t.Fatalf("relayed offer = %+v", offer)
	}

	bob.send(protocol.KindAnswer, protocol.AnswerPayload{
		Target: alice.id,
		Sender: bob.id,
		Answer: protocol.SessionDescription{Type: "answer", SDP: "v=0 bob"},
	})
	var answer protocol.AnswerPayload
	if err := alice.readKind(protocol.KindAnswer).Decode(&answer); err != nil {
		t.Fatalf("decode answer: %v", err)
	}
	if answer.Sender != bob.id || answer.Answer.SDP != "v=0 bob" {
		t.Fatalf("relayed answer = %+v", answer)
	}

	// Bob hangs up; Alice hears about it and the empty-after-reap invariant
	// holds once she leaves too.
	bob.conn.Close()
	var left protocol.UserLeftPayload
	if err := alice.readKind(protocol.KindUserLeft).Decode(&left); err != nil {
		t.Fatalf("decode user-left: %v", err)
	}
	if left.ID != bob.id {
		t.Fatalf("user-left id = %s, want %s", left.ID, bob.id)
	}

	alice.conn.Close()
	waitFor(t, func() bool { return hub.Registry().RoomCount() == 0 })
}

func TestJoinUnknownRoomOverWebsocket(t *testing.T) {
	srv, _ := newTestServer(t)

	c := dialClient(t, srv)
	c.send(protocol.KindJoinRoom, protocol.JoinRoomPayload{RoomID: "ZZZZZ", DisplayName: "Eve"})

	var p protocol.RoomErrorPayload
	if err := c.readKind(protocol.KindRoomError).Decode(&p); err != nil {
		t.Fatalf("decode room-error: %v", err)
	}
	if p.Message != "Room not found" {
		t.Fatalf("message = %q", p.Message)
	}
}

func TestSpoofedSignalIsNotRelayed(t *testing.T) {
	srv, _ := newTestServer(t)

	alice := dialClient(t, srv)
	bob := dialClient(t, srv)
	mallory := dialClient(t, srv)

	roomID := alice.createRoom("Alice")
	bob.send(protocol.KindJoinRoom, protocol.JoinRoomPayload{RoomID: roomID, DisplayName: "Bob"})
	bob.readKind(protocol.KindRoomJoined)
	alice.readKind(protocol.KindUserJoined)

	// Mallory claims to be Alice. The relay drops the frame.
	mallory.send(protocol.KindOffer, protocol.OfferPayload{
		Target: bob.id,
		Sender: alice.id,
		Offer:  protocol.SessionDescription{Type: "offer", SDP: "forged"},
	})
	alice.send(protocol.KindOffer, protocol.OfferPayload{
		Target: bob.id,
		Sender: alice.id,
		Offer:  protocol.SessionDescription{Type: "offer", SDP: "genuine"},
	})

	var offer protocol.OfferPayload
	if err := bob.readKind(protocol.KindOffer).Decode(&offer); err != nil {
		t.Fatalf("decode offer: %v", err)
	}
	if offer.Offer.SDP != "genuine" {
		t.Fatalf("forged frame got through: %+v", offer)
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition never became true")
}
