package httpapi

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	apperrors "github.com/R3E-Network/collateral_vault/internal/errors"
	"github.com/R3E-Network/collateral_vault/internal/events"
	"github.com/R3E-Network/collateral_vault/internal/httputil"
	"github.com/R3E-Network/collateral_vault/internal/vault"
)

const (
	streamBuffer = 64
	writeWait    = 10 * time.Second
	pongWait     = 60 * time.Second
	pingPeriod   = pongWait * 9 / 10
)

// handleStream upgrades to a websocket and pushes audit events as they are
// emitted. ?owner= restricts the stream to one vault. Slow clients lose
// events rather than stall emission.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Emitter == nil {
		httputil.WriteServiceError(w, r, apperrors.Internal("event stream not configured", nil))
		return
	}
	var filter events.Filter
	if owner := r.URL.Query().Get("owner"); owner != "" {
		d, err := s.cfg.Deriver.Vault(owner)
		if err != nil {
			httputil.WriteServiceError(w, r, err)
			return
		}
		filter = events.ForVault(d.Address)
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.WithContext(r.Context()).WithError(err).Warn("websocket upgrade failed")
		return
	}
	defer conn.Close()

	ch := make(chan vault.Event, streamBuffer)
	unsubscribe := s.cfg.Emitter.SubscribeFiltered(filter, func(e vault.Event) {
		select {
		case ch <- e:
		default:
		}
	})
	defer unsubscribe()

	// The reader only exists to notice the client going away and to
	// process pongs.
	done := make(chan struct{})
	conn.SetReadLimit(512)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-r.Context().Done():
			return
		case e := <-ch:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteJSON(e); err != nil {
				return
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
