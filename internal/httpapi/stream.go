package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
	"nhooyr.io/websocket"

	"github.com/agentworkforce/relaysync/internal/relaysync"
)

const (
	streamBuffer       = 64
	streamWriteTimeout = 5 * time.Second
)

// handleEventStream upgrades to a websocket and forwards live bus events as JSON text
// frames. Slow clients lose events rather than stall the bus; dropped counts are logged
// when the stream ends.
func (s *Server) handleEventStream(w http.ResponseWriter, r *http.Request, correlationID string) {
	var filter relaysync.BusEventType
	if raw := strings.TrimSpace(r.URL.Query().Get("type")); raw != "" {
		filter = relaysync.BusEventType(raw)
		if !filter.Valid() {
			writeError(w, http.StatusBadRequest, "bad_request", "unknown event type "+raw, correlationID)
			return
		}
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: s.cfg.OriginPatterns})
	if err != nil {
		s.logger.WithError(err).Warn("websocket upgrade failed")
		return
	}
	defer conn.CloseNow()

	events := make(chan relaysync.BusEvent, streamBuffer)
	var dropped atomic.Int64
	listener := func(event relaysync.BusEvent) {
		select {
		case events <- event:
		default:
			dropped.Add(1)
		}
	}
	var unsubscribe func()
	if filter != "" {
		unsubscribe = s.bus.Subscribe(filter, listener)
	} else {
		unsubscribe = s.bus.SubscribeAll(listener)
	}

	logger := s.logger.WithFields(logrus.Fields{"correlation_id": correlationID, "filter": string(filter)})
	logger.Debug("event stream opened")
	defer func() {
		unsubscribe()
		logger.WithField("dropped", dropped.Load()).Debug("event stream closed")
	}()

	ctx := conn.CloseRead(r.Context())
	for {
		select {
		case <-ctx.Done():
			_ = conn.Close(websocket.StatusNormalClosure, "")
			return
		case event := <-events:
			data, err := json.Marshal(event)
			if err != nil {
				logger.WithError(err).Warn("failed to encode bus event")
				continue
			}
			writeCtx, cancel := context.WithTimeout(ctx, streamWriteTimeout)
			err = conn.Write(writeCtx, websocket.MessageText, data)
			cancel()
			if err != nil {
				return
			}
		}
	}
}
