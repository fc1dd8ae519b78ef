// Package server exposes the relay over HTTP: a health endpoint and the
// websocket upgrade path every signaling channel starts from.
package server

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/confmesh/confmesh/internal/relay"
)

// NewRouter builds the relay's HTTP handler around the hub.
func NewRouter(hub *relay.Hub, log *slog.Logger) http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("Signaling relay is healthy."))
	})

	r.Get("/ws", ServeWs(hub, log))

	return r
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  64 * 1024,
	WriteBufferSize: 64 * 1024,

	// Browsers enforce same-origin for everything except websockets, so
	// production deployments should check r.Header.Get("Origin") against
	// the frontend's domain. Signaling content is peer-addressed and
	// opaque, so an open origin is acceptable for development.
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// ServeWs returns an http.HandlerFunc that upgrades the request and hands
// the connection to the hub under a freshly assigned connection id.
func ServeWs(hub *relay.Hub, log *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			log.Warn("websocket upgrade failed", "err", err)
			return
		}

		client := relay.NewClient(hub, conn, uuid.NewString(), log)
		hub.HandleConnect(client)

		go client.WritePump()
		go client.ReadPump()
	}
}
