package httpapi

import (
	"context"
	"net/http"
	"time"

	"nhooyr.io/websocket"

	"github.com/agentworkforce/relaychat/internal/logx"
	"github.com/agentworkforce/relaychat/internal/relaychat"
)

const websocketWriteTimeout = 10 * time.Second

type frameSink func(frame []byte) error

// handleEventStream serves the delivery channel as a chunked text stream of
// "|endmessage|" terminated frames.
func (s *Server) handleEventStream(w http.ResponseWriter, r *http.Request, user relaychat.UserID) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "internal_error", "streaming unsupported", getCorrelationID(r))
		return
	}
	conn, replay := s.hub.OpenChannel(user)

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	s.pump(r.Context(), user, conn, replay, func(frame []byte) error {
		if _, err := w.Write(frame); err != nil {
			return err
		}
		flusher.Flush()
		return nil
	})
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request, user relaychat.UserID) {
	ws, err := websocket.Accept(w, r, nil)
	if err != nil {
		s.log.Debug("websocket accept failed", logx.String("user", string(user)), logx.Err(err))
		return
	}
	defer ws.Close(websocket.StatusNormalClosure, "")

	// Inbound frames are not part of the protocol; CloseRead handles control
	// frames and cancels ctx when the peer goes away.
	ctx := ws.CloseRead(r.Context())
	conn, replay := s.hub.OpenChannel(user)
	s.pump(ctx, user, conn, replay, func(frame []byte) error {
		writeCtx, cancel := context.WithTimeout(ctx, websocketWriteTimeout)
		defer cancel()
		return ws.Write(writeCtx, websocket.MessageText, frame)
	})
}

// pump writes the replay, then live events and heartbeats, until the client
// leaves, the channel is closed by fanout, or a write fails. Events that were
// not written are requeued: the failed one and the replay tail here, anything
// left in the channel buffer by CloseChannel.
func (s *Server) pump(ctx context.Context, user relaychat.UserID, conn *relaychat.Conn, replay []relaychat.Sendable, write frameSink) {
	defer s.hub.CloseChannel(user, conn)

	for i, ev := range replay {
		if err := s.writeEvent(write, ev); err != nil {
			s.hub.Requeue(user, replay[i:])
			s.log.Debug("replay interrupted", logx.String("user", string(user)), logx.Err(err))
			return
		}
	}

	heartbeat := time.NewTimer(s.cfg.Heartbeat)
	defer heartbeat.Stop()
	for {
		var err error
		select {
		case <-ctx.Done():
			return
		case <-conn.Done():
			return
		case ev := <-conn.Events():
			if err = s.writeEvent(write, ev); err != nil {
				s.hub.Requeue(user, []relaychat.Sendable{ev})
			}
		case <-heartbeat.C:
			err = write(relaychat.HeartbeatFrame())
		}
		if err != nil {
			s.log.Debug("channel write failed", logx.String("user", string(user)), logx.String("channel", conn.ID()), logx.Err(err))
			return
		}
		heartbeat.Reset(s.cfg.Heartbeat)
	}
}

func (s *Server) writeEvent(write frameSink, ev relaychat.Sendable) error {
	frame, err := relaychat.Frame(ev)
	if err != nil {
		s.log.Warn("dropping unencodable event", logx.String("kind", string(ev.Kind())), logx.Err(err))
		return nil
	}
	return write(frame)
}
