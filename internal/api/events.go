package api

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nugget/parley/internal/events"
)

const (
	wsWriteWait      = 10 * time.Second
	wsPongWait       = 60 * time.Second
	wsPingInterval   = (wsPongWait * 9) / 10
	wsMaxPayloadSize = 4096
	wsSubscriberBuf  = 64
)

// eventStream serves GET /v1/events: each connection receives every bus
// event as one JSON text frame. Clients only send pongs and close
// frames; anything else is read and discarded.
type eventStream struct {
	bus      *events.Bus
	logger   *slog.Logger
	upgrader websocket.Upgrader
}

func newEventStream(bus *events.Bus, logger *slog.Logger) *eventStream {
	return &eventStream{
		bus:    bus,
		logger: logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 8192,
			CheckOrigin: func(*http.Request) bool {
				return true
			},
		},
	}
}

func (es *eventStream) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if es.bus == nil {
		http.Error(w, "event bus not configured", http.StatusServiceUnavailable)
		return
	}
	conn, err := es.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written the HTTP error.
		es.logger.Debug("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	sub := es.bus.Subscribe(wsSubscriberBuf)
	defer es.bus.Unsubscribe(sub)

	log := es.logger.With("remote", r.RemoteAddr)
	log.Info("event stream connected")
	defer log.Info("event stream disconnected")

	done := make(chan struct{})
	go es.readLoop(conn, done)

	ping := time.NewTicker(wsPingInterval)
	defer ping.Stop()

	for {
		select {
		case <-done:
			return
		case <-r.Context().Done():
			return
		case <-ping.C:
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait)) //nolint:errcheck
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case ev, ok := <-sub:
			if !ok {
				return
			}
			msg, err := json.Marshal(ev)
			if err != nil {
				log.Debug("failed to marshal event", "kind", ev.Kind, "error", err)
				continue
			}
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait)) //nolint:errcheck
			if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				log.Debug("event write failed", "error", err)
				return
			}
		}
	}
}

// readLoop keeps the read deadline fresh on pong and closes done when
// the peer goes away.
func (es *eventStream) readLoop(conn *websocket.Conn, done chan<- struct{}) {
	defer close(done)
	conn.SetReadLimit(wsMaxPayloadSize)
	_ = conn.SetReadDeadline(time.Now().Add(wsPongWait)) //nolint:errcheck
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}
