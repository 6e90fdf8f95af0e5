package client

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/loykin/warden/internal/events"
	"github.com/loykin/warden/internal/heartbeat"
)

const (
	writeWait = 10 * time.Second
	// the daemon pings every 54s
	readWait = 75 * time.Second

	streamQueue = 64
)

var _ heartbeat.Transport = (*Client)(nil)

// Stream is a websocket subscription to the daemon's event stream.
type Stream struct {
	conn  *websocket.Conn
	hello Frame
	ch    chan events.Event
	done  chan struct{}
	once  sync.Once
	wg    sync.WaitGroup
	log   *slog.Logger

	mu  sync.Mutex
	err error
}

// Subscribe opens the event stream. Unacknowledged critical events and,
// when since is found, the buffered events after it arrive before live
// ones. ctx bounds the handshake only.
func (c *Client) Subscribe(ctx context.Context, since string) (heartbeat.Stream, error) {
	return c.Stream(ctx, since)
}

// Stream is Subscribe with the concrete type.
func (c *Client) Stream(ctx context.Context, since string) (*Stream, error) {
	u, err := c.streamURL(since)
	if err != nil {
		return nil, err
	}
	dialer := websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: c.timeout,
	}
	conn, resp, err := dialer.DialContext(ctx, u, nil)
	if err != nil {
		if resp != nil {
			_ = resp.Body.Close()
			return nil, fmt.Errorf("open event stream: %w (HTTP %d)", err, resp.StatusCode)
		}
		return nil, fmt.Errorf("open event stream: %w", err)
	}

	_ = conn.SetReadDeadline(time.Now().Add(c.timeout))
	var hello Frame
	if err := conn.ReadJSON(&hello); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("read hello: %w", err)
	}
	if hello.Type != FrameHello {
		_ = conn.Close()
		return nil, fmt.Errorf("unexpected first frame %q", hello.Type)
	}

	s := &Stream{
		conn:  conn,
		hello: hello,
		ch:    make(chan events.Event, streamQueue),
		done:  make(chan struct{}),
		log:   c.logger.With("subscriber", hello.Subscriber),
	}
	_ = conn.SetReadDeadline(time.Now().Add(readWait))
	conn.SetPingHandler(func(data string) error {
		_ = conn.SetReadDeadline(time.Now().Add(readWait))
		err := conn.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(writeWait))
		if errors.Is(err, websocket.ErrCloseSent) {
			return nil
		}
		return err
	})
	s.wg.Add(1)
	go s.readLoop()
	return s, nil
}

func (c *Client) streamURL(since string) (string, error) {
	u, err := url.Parse(c.baseURL)
	if err != nil {
		return "", fmt.Errorf("parse base URL: %w", err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/stream"
	q := url.Values{}
	if c.subscriber != "" {
		q.Set("subscriber", c.subscriber)
	}
	if since != "" {
		q.Set("since", since)
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// Subscriber is the name the daemon assigned to this stream.
func (s *Stream) Subscriber() string { return s.hello.Subscriber }

// InitialStatus is the backend status when the stream was opened.
func (s *Stream) InitialStatus() string { return s.hello.Status }

// Events is closed when the stream ends.
func (s *Stream) Events() <-chan events.Event { return s.ch }

// Err reports why the stream ended. It is nil after Close.
func (s *Stream) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *Stream) Close() error {
	var err error
	s.once.Do(func() {
		close(s.done)
		_ = s.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
		err = s.conn.Close()
	})
	s.wg.Wait()
	return err
}

func (s *Stream) readLoop() {
	defer s.wg.Done()
	defer close(s.ch)
	for {
		var f Frame
		if err := s.conn.ReadJSON(&f); err != nil {
			select {
			case <-s.done:
			default:
				s.mu.Lock()
				s.err = err
				s.mu.Unlock()
				s.log.Debug("Event stream ended", "error", err)
			}
			return
		}
		_ = s.conn.SetReadDeadline(time.Now().Add(readWait))
		switch f.Type {
		case FrameEvent:
			if f.Event == nil {
				continue
			}
			select {
			case s.ch <- *f.Event:
			case <-s.done:
				return
			}
		case FrameError:
			s.log.Debug("Event stream error frame", "id", f.ID, "error", f.Error)
		}
	}
}
