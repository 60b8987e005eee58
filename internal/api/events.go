package api

import (
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/eddiefleurent/mt5-bridge/internal/engine"
)

const (
	wsReadBuffer   = 1024
	wsWriteBuffer  = 1024
	wsPingInterval = 30 * time.Second
	wsWriteTimeout = 5 * time.Second
	// wsEventBuffer absorbs bursts so a briefly slow client does not stall
	// the engine worker publishing on the feed.
	wsEventBuffer = 16
)

// handleEvents upgrades the connection to WebSocket and streams trade events
// as JSON frames until the client hangs up.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	upgrader := websocket.Upgrader{
		ReadBufferSize:  wsReadBuffer,
		WriteBufferSize: wsWriteBuffer,
		CheckOrigin:     originValidator(s.origins),
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.WithError(err).Debug("WebSocket upgrade failed")
		return
	}
	defer conn.Close()

	events := make(chan engine.TradeEvent, wsEventBuffer)
	sub := s.engine.SubscribeTrades(events)
	defer sub.Unsubscribe()

	// Ack the subscription so clients know the stream is live before any
	// trade closes.
	_ = conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	if err := conn.WriteJSON(map[string]string{"type": "connected"}); err != nil {
		s.logger.WithError(err).Debug("Event stream handshake write failed")
		return
	}

	s.logger.WithField("remote", r.RemoteAddr).Info("Event stream connected")

	// The client never sends application data, but reading is what surfaces
	// close frames.
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(wsPingInterval)
	defer ping.Stop()

	for {
		select {
		case ev := <-events:
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if err := conn.WriteJSON(ev); err != nil {
				s.logger.WithError(err).Debug("Event stream write failed")
				return
			}
		case <-ping.C:
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case err := <-sub.Err():
			if err != nil {
				s.logger.WithError(err).Warn("Trade event subscription failed")
			}
			return
		case <-closed:
			s.logger.WithField("remote", r.RemoteAddr).Info("Event stream disconnected")
			return
		}
	}
}

// originValidator builds the WebSocket handshake origin check. "*" in the
// allowlist accepts every origin, and requests without an Origin header
// (non-browser clients) always pass since the check only guards against
// cross-site browser requests.
func originValidator(allowed []string) func(*http.Request) bool {
	allowAll := false
	origins := make(map[string]struct{}, len(allowed))
	for _, origin := range allowed {
		if origin == "*" {
			allowAll = true
		}
		if origin != "" {
			origins[strings.ToLower(origin)] = struct{}{}
		}
	}

	return func(r *http.Request) bool {
		if _, ok := r.Header["Origin"]; !ok {
			return true
		}
		if allowAll {
			return true
		}
		_, ok := origins[strings.ToLower(r.Header.Get("Origin"))]
		return ok
	}
}
