package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"nhooyr.io/websocket"
)

const streamWriteTimeout = 10 * time.Second

// handleAuditStream upgrades to a websocket and sends each audit record as
// a JSON text message once it has been written. Client messages are ignored.
func (s *Server) handleAuditStream(w http.ResponseWriter, r *http.Request) {
	records, unsubscribe := s.svc.Audit().Subscribe(64)
	defer unsubscribe()

	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		s.log.Warn().Err(err).Msg("audit stream upgrade failed")
		return
	}
	defer conn.CloseNow()
	ctx := conn.CloseRead(r.Context())

	for {
		select {
		case <-ctx.Done():
			return
		case rec, ok := <-records:
			if !ok {
				_ = conn.Close(websocket.StatusGoingAway, "audit sink closed")
				return
			}
			data, err := json.Marshal(rec)
			if err != nil {
				continue
			}
			writeCtx, cancel := context.WithTimeout(ctx, streamWriteTimeout)
			err = conn.Write(writeCtx, websocket.MessageText, data)
			cancel()
			if err != nil {
				s.log.Debug().Err(err).Msg("audit stream closed")
				return
			}
		}
	}
}
