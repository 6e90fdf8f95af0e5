package delivery

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/loykin/warden/internal/bus"
	api "github.com/loykin/warden/pkg/client"
)

const (
	// Time allowed to write a message to the peer
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer
	pongWait = 60 * time.Second

	// Send pings to peer with this period (must be less than pongWait)
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer
	maxMessageSize = 64 * 1024

	controlQueue = 64
)

// session is one websocket consumer attached to a bus subscription.
type session struct {
	conn   *websocket.Conn
	sub    *bus.Subscription
	ctrl   Controller
	send   chan api.Frame
	closed chan struct{}
	log    *slog.Logger
}

func (r *Router) handleStream(c *gin.Context) {
	subscriber := c.Query("subscriber")
	anonymous := subscriber == ""
	if anonymous {
		subscriber = uuid.NewString()
	}
	id := subscriber
	if anonymous {
		// anonymous consumers never hold back removal of critical records
		id = ""
	}
	sub, err := r.src.Subscribe(c.Request.Context(), id, c.Query("since"))
	if err != nil {
		r.writeErr(c, "subscribe", err)
		return
	}
	conn, err := r.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		sub.Close()
		r.log.Warn("Failed to upgrade connection", "error", err)
		return
	}
	s := &session{
		conn:   conn,
		sub:    sub,
		ctrl:   r.ctrl,
		send:   make(chan api.Frame, controlQueue),
		closed: make(chan struct{}),
		log:    r.log.With("subscriber", subscriber, "remote_addr", c.Request.RemoteAddr),
	}
	s.log.Debug("WebSocket connection established")
	hello := api.Frame{Type: api.FrameHello, Subscriber: subscriber, Status: r.ctrl.Info().State, Time: time.Now().UTC()}

	go s.writePump(hello)
	s.readPump(context.WithoutCancel(c.Request.Context()))
}

// readPump handles heartbeats and acks from the consumer until the
// connection fails.
func (s *session) readPump(ctx context.Context) {
	defer func() {
		close(s.closed)
		s.sub.Close()
		_ = s.conn.Close()
	}()

	s.conn.SetReadLimit(maxMessageSize)
	_ = s.conn.SetReadDeadline(time.Now().Add(pongWait))
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				s.log.Warn("WebSocket read error", "error", err)
			}
			return
		}
		_ = s.conn.SetReadDeadline(time.Now().Add(pongWait))

		var f api.Frame
		if err := json.Unmarshal(data, &f); err != nil {
			s.queue(api.Frame{Type: api.FrameError, Error: "invalid frame: " + err.Error()})
			continue
		}
		s.handleFrame(ctx, f)
	}
}

func (s *session) handleFrame(ctx context.Context, f api.Frame) {
	switch f.Type {
	case api.FrameHeartbeat:
		s.queue(api.Frame{Type: api.FramePong, ID: f.ID, Status: s.ctrl.Info().State, Time: time.Now().UTC()})
	case api.FrameAck:
		removed, err := s.sub.Ack(ctx, f.IDs)
		if err != nil {
			s.queue(api.Frame{Type: api.FrameError, ID: f.ID, Error: err.Error()})
			return
		}
		s.queue(api.Frame{Type: api.FrameAcked, ID: f.ID, IDs: removed})
	default:
		s.queue(api.Frame{Type: api.FrameError, ID: f.ID, Error: "unknown frame type " + f.Type})
	}
}

func (s *session) queue(f api.Frame) {
	select {
	case s.send <- f:
	default:
		s.log.Warn("Client send buffer full", "frame", f.Type)
	}
}

// writePump sends hello ahead of any replayed event, then forwards events
// and control frames and keeps the connection alive with pings.
func (s *session) writePump(hello api.Frame) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = s.conn.Close()
	}()

	if err := s.write(hello); err != nil {
		return
	}

	evs := s.sub.Events()
	for {
		select {
		case f := <-s.send:
			if err := s.write(f); err != nil {
				return
			}
		case ev, ok := <-evs:
			if !ok {
				s.closeWith(s.sub.Err())
				return
			}
			if err := s.write(api.Frame{Type: api.FrameEvent, Event: &ev}); err != nil {
				return
			}
		case <-ticker.C:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-s.closed:
			return
		}
	}
}

func (s *session) write(f api.Frame) error {
	_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := s.conn.WriteJSON(f); err != nil {
		s.log.Debug("WebSocket write failed", "error", err)
		return err
	}
	return nil
}

// closeWith tells the consumer why its subscription ended.
func (s *session) closeWith(cause error) {
	code, text := websocket.CloseNormalClosure, "subscription closed"
	switch {
	case errors.Is(cause, bus.ErrSlowSubscriber):
		code, text = websocket.CloseTryAgainLater, cause.Error()
	case errors.Is(cause, bus.ErrClosed):
		code, text = websocket.CloseGoingAway, cause.Error()
	}
	msg := websocket.FormatCloseMessage(code, text)
	_ = s.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
}
