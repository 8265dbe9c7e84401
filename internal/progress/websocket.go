package progress

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

const writeWait = 10 * time.Second

// WSHandler streams the progress events of one user's exports to a
// WebSocket connection.
type WSHandler struct {
	broker   Broker
	topic    string
	logger   *slog.Logger
	upgrader websocket.Upgrader
}

// NewWSHandler creates a WSHandler listening on topic. An empty topic uses
// Topic.
func NewWSHandler(broker Broker, topic string, logger *slog.Logger) *WSHandler {
	if topic == "" {
		topic = Topic
	}
	return &WSHandler{
		broker: broker,
		topic:  topic,
		logger: logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}
}

// Serve upgrades the request and forwards the events of exports owned by
// user as JSON text frames until the client disconnects or the request
// context ends. It blocks for the lifetime of the connection.
func (h *WSHandler) Serve(w http.ResponseWriter, r *http.Request, user string) error {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return err
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	logger := h.logger.With(slog.String("user", user), slog.String("remote", r.RemoteAddr))
	logger.Info("Progress listener connected")

	// Client frames are ignored; a read error means the peer went away.
	go func() {
		defer cancel()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	listener := &Listener{
		Topic:     h.topic,
		Predicate: OwnedBy(user),
		Logger:    logger,
		Sink: func(_ context.Context, rec Record) error {
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			return conn.WriteJSON(rec)
		},
	}
	err = listener.Run(ctx, h.broker)

	conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))

	logger.Info("Progress listener disconnected")
	return err
}
