package wsbridge

import (
	"context"
	"net/http"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/wudi/netstub/internal/logging"
	"github.com/wudi/netstub/internal/netstub"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// Drivers connect from the test runner, not from pages
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Handler upgrades requests to a bridge and registers it with broker for
// the lifetime of the connection. The subscriber id comes from the "id"
// query parameter or is generated.
func Handler(ctx context.Context, state *netstub.State, broker *netstub.Broker) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.URL.Query().Get("id")
		if id == "" {
			id = "ws-" + uuid.NewString()
		}
		for _, s := range broker.Subscribers() {
			if s.ID() == id {
				http.Error(w, "subscriber "+id+" already connected", http.StatusConflict)
				return
			}
		}

		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			logging.Error("websocket upgrade failed", zap.Error(err))
			return
		}

		b := New(id, conn, state)
		if err := broker.Register(b); err != nil {
			logging.Warn("rejecting driver connection", zap.String("subscriber", id), zap.Error(err))
			b.Close()
			return
		}
		logging.Info("driver connected", zap.String("subscriber", id))

		go func() {
			defer broker.Unregister(id)
			if err := b.Serve(ctx); err != nil {
				logging.Warn("driver connection failed", zap.String("subscriber", id), zap.Error(err))
			}
			logging.Info("driver disconnected", zap.String("subscriber", id))
		}()
	})
}
