package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/confmesh/confmesh/internal/call"
	"github.com/confmesh/confmesh/internal/channel"
	"github.com/confmesh/confmesh/internal/config"
	"github.com/confmesh/confmesh/internal/protocol"
	"github.com/confmesh/confmesh/internal/session"
)

const roomReplyTimeout = 10 * time.Second

func loadConfig() (*config.Client, error) {
	return config.LoadClient(config.Options{
		ServerURL:   flagServer,
		DisplayName: flagName,
		STUNServer:  flagSTUN,
		TURNServer:  flagTURN,
		TURNUser:    flagTURNUser,
		TURNPass:    flagTURNPass,
	})
}

// runCall connects to the relay, creates or joins a room, and drives the
// call until interrupted. An empty roomID means create a fresh room.
func runCall(roomID string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	log := slog.Default()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	ch := channel.New(cfg.ServerURL)
	if err := ch.Connect(ctx); err != nil {
		return err
	}
	defer ch.Close()

	h := channel.NewHandler(ch, log)
	go h.Start()

	localID, err := awaitWelcome(ctx, h)
	if err != nil {
		return err
	}

	if roomID == "" {
		roomID, err = createRoom(ctx, ch, h, cfg.DisplayName)
	} else {
		roomID, err = joinRoom(ctx, ch, h, roomID, cfg.DisplayName)
	}
	if err != nil {
		return err
	}

	orch := call.New(
		call.Config{LocalID: localID},
		ch,
		pionEngineFactory(cfg),
		&call.StaticSource{StreamID: localID},
		consoleNotifier{},
		log,
	)

	if !flagNoMedia {
		if err := orch.AcquireMedia(ctx, call.Constraints{Audio: true, Video: !flagNoVideo}); err != nil {
			fmt.Println("warning: media unavailable, joining receive-only")
		}
	}

	fmt.Printf("In room %s as %q (connection %s). Ctrl-C to leave.\n", roomID, cfg.DisplayName, localID)

	// SIGQUIT dumps per-peer negotiation state without leaving the room.
	dump := make(chan os.Signal, 1)
	signal.Notify(dump, syscall.SIGQUIT)
	defer signal.Stop(dump)
	go func() {
		for range dump {
			for _, st := range orch.Snapshot() {
				fmt.Printf("   peer %s: %s (polite=%v, queued candidates %d)\n",
					st.RemoteID, st.State, st.Polite, st.PendingCandidates)
			}
		}
	}()

	err = orch.Run(ctx, h)
	if errors.Is(err, context.Canceled) {
		fmt.Println("\nLeft the room.")
		return nil
	}
	return err
}

func awaitWelcome(ctx context.Context, h *channel.Handler) (string, error) {
	select {
	case id := <-h.Welcome:
		return id, nil
	case <-h.Done:
		return "", channel.ErrChannelClosed
	case <-ctx.Done():
		return "", ctx.Err()
	case <-time.After(roomReplyTimeout):
		return "", errors.New("timed out waiting for the relay")
	}
}

func createRoom(ctx context.Context, ch *channel.Channel, h *channel.Handler, name string) (string, error) {
	env, err := protocol.NewEnvelope(protocol.KindCreateRoom, protocol.CreateRoomPayload{DisplayName: name})
	if err != nil {
		return "", err
	}
	if err := ch.Send(env); err != nil {
		return "", err
	}

	select {
	case created := <-h.RoomCreated:
		fmt.Printf("Room created: %s\n", created.RoomID)
		return created.RoomID, nil
	case msg := <-h.RoomError:
		return "", fmt.Errorf("create room: %s", msg)
	case <-h.Done:
		return "", channel.ErrChannelClosed
	case <-ctx.Done():
		return "", ctx.Err()
	case <-time.After(roomReplyTimeout):
		return "", errors.New("timed out creating room")
	}
}

func joinRoom(ctx context.Context, ch *channel.Channel, h *channel.Handler, roomID, name string) (string, error) {
	env, err := protocol.NewEnvelope(protocol.KindJoinRoom, protocol.JoinRoomPayload{RoomID: roomID, DisplayName: name})
	if err != nil {
		return "", err
	}
	if err := ch.Send(env); err != nil {
		return "", err
	}

	select {
	case joined := <-h.RoomJoined:
		for _, p := range joined.Participants {
			fmt.Printf("Already here: %s (%s)\n", p.DisplayName, p.ID)
		}
		return joined.RoomID, nil
	case msg := <-h.RoomError:
		return "", fmt.Errorf("join room: %s", msg)
	case <-h.Done:
		return "", channel.ErrChannelClosed
	case <-ctx.Done():
		return "", ctx.Err()
	case <-time.After(roomReplyTimeout):
		return "", errors.New("timed out joining room")
	}
}

func pionEngineFactory(cfg *config.Client) call.EngineFactory {
	return func(_ string, ev session.Events) (session.Engine, error) {
		return session.NewPionEngine(cfg.ICEServers(), ev)
	}
}

// consoleNotifier prints call events for the terminal user.
type consoleNotifier struct{}

func (consoleNotifier) PeerJoined(id, name string) {
	fmt.Printf("-> %s joined (%s)\n", name, id)
}

func (consoleNotifier) PeerLeft(id, name string) {
	fmt.Printf("<- %s left (%s)\n", name, id)
}

func (consoleNotifier) RemoteTrack(peerID string, tr session.RemoteTrack) {
	fmt.Printf("   receiving %s from %s\n", tr.Kind, peerID)
}

func (consoleNotifier) PeerUnreachable(peerID string, reason error) {
	fmt.Printf("   peer %s unreachable: %v\n", peerID, reason)
}
