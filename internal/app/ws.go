package app

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"montage/api/internal/broker"
	"montage/api/internal/domain"
	"montage/api/internal/presence"
)

const maxFrameBytes = 1 << 20

func (s *HTTPServer) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	opts := &websocket.AcceptOptions{}
	if s.corsOrigin == "*" || s.corsOrigin == "" {
		opts.InsecureSkipVerify = true
	} else {
		opts.OriginPatterns = []string{originHost(s.corsOrigin)}
	}
	ws, err := websocket.Accept(w, r, opts)
	if err != nil {
		s.logger.WarnContext(r.Context(), "websocket accept failed", "error", err)
		return
	}
	ws.SetReadLimit(maxFrameBytes)
	s.service.ServeSocket(r.Context(), ws)
}

// ServeSocket runs one client connection until the peer goes away or the
// registry tears the connection down.
func (s *Service) ServeSocket(ctx context.Context, ws *websocket.Conn) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	defer ws.Close(websocket.StatusInternalError, "")

	client := &Client{}
	defer func() {
		if client.conn != nil {
			s.presence.Disconnect(context.WithoutCancel(ctx), client.conn.ID)
		}
	}()

	for {
		_, data, err := ws.Read(ctx)
		if err != nil {
			s.logClose(ctx, client, err)
			return
		}
		msg, requestID, err := DecodeInbound(data)
		var result any
		if err == nil {
			joined := client.conn != nil
			result, err = s.Handle(ctx, client, msg)
			if !joined && client.conn != nil {
				go s.writeLoop(ctx, cancel, ws, client.conn)
				go s.pingLoop(ctx, cancel, ws, client.conn.ID)
			}
		}

		var reply *broker.Event
		switch {
		case err != nil:
			frame := errorFrame(requestID, err)
			reply = &frame
		case result != nil:
			frame := ackFrame(requestID, msg.messageType(), result)
			reply = &frame
		}
		if reply == nil {
			continue
		}
		if client.conn == nil {
			// Before user_join there is no outbox; reply inline.
			reply.Timestamp = time.Now().UTC()
			if err := s.write(ctx, ws, *reply); err != nil {
				return
			}
			continue
		}
		s.presence.Send(client.conn.ID, *reply)
	}
}

// writeLoop drains the connection's outbox onto the socket. An outbox closed
// by the registry means the connection was reaped.
func (s *Service) writeLoop(ctx context.Context, cancel context.CancelFunc, ws *websocket.Conn, conn *presence.Connection) {
	defer cancel()
	for {
		ev, err := conn.Outbox.Next(ctx)
		if errors.Is(err, broker.ErrOutboxClosed) {
			ws.Close(websocket.StatusGoingAway, "connection expired")
			return
		}
		if err != nil {
			return
		}
		if err := s.write(ctx, ws, ev); err != nil {
			s.logger.WarnContext(ctx, "event delivery failed",
				"connection_id", conn.ID,
				"error", domain.Delivery(conn.ID, err),
			)
			return
		}
	}
}

// pingLoop keeps the connection alive in the registry for as long as the
// peer answers pings.
func (s *Service) pingLoop(ctx context.Context, cancel context.CancelFunc, ws *websocket.Conn, connID string) {
	ticker := time.NewTicker(s.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pingCtx, done := context.WithTimeout(ctx, pingTimeout)
			err := ws.Ping(pingCtx)
			done()
			if err != nil {
				s.logger.InfoContext(ctx, "websocket ping failed", "connection_id", connID, "error", err)
				cancel()
				return
			}
			_ = s.presence.Heartbeat(ctx, connID, false)
		}
	}
}

func (s *Service) write(ctx context.Context, ws *websocket.Conn, ev broker.Event) error {
	writeCtx, done := context.WithTimeout(ctx, writeTimeout)
	defer done()
	return wsjson.Write(writeCtx, ws, ev)
}

func (s *Service) logClose(ctx context.Context, client *Client, err error) {
	attrs := []any{"close_status", int(websocket.CloseStatus(err))}
	if client.conn != nil {
		attrs = append(attrs, "connection_id", client.conn.ID)
	}
	switch websocket.CloseStatus(err) {
	case websocket.StatusNormalClosure, websocket.StatusGoingAway:
		s.logger.DebugContext(ctx, "websocket closed", attrs...)
	default:
		s.logger.Log(ctx, slog.LevelInfo, "websocket read ended", append(attrs, "error", err)...)
	}
}

func originHost(origin string) string {
	parsed, err := url.Parse(origin)
	if err != nil || parsed.Host == "" {
		return strings.TrimSuffix(origin, "/")
	}
	return parsed.Host
}
