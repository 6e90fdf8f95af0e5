package delivery

import (
	"context"
	"errors"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/loykin/warden/internal/bus"
	"github.com/loykin/warden/internal/events"
	api "github.com/loykin/warden/pkg/client"
)

func startStream(t *testing.T) (*httptest.Server, *bus.Bus) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	b := newBus(t)
	r := NewRouter(&fakeCtrl{}, b, Config{BasePath: "/api"}, nil)
	srv := httptest.NewServer(r.Handler())
	t.Cleanup(srv.Close)
	return srv, b
}

func dial(t *testing.T, srv *httptest.Server, query string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/stream" + query
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func readFrame(t *testing.T, conn *websocket.Conn) api.Frame {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	var f api.Frame
	if err := conn.ReadJSON(&f); err != nil {
		t.Fatalf("read frame: %v", err)
	}
	return f
}

func TestStreamReplaysCriticalBeforeLive(t *testing.T) {
	srv, b := startStream(t)
	ctx := context.Background()
	missed := events.New(events.SeverityCritical, events.StatusChanged{From: "running", To: "stopped"})
	if err := b.Emit(ctx, missed); err != nil {
		t.Fatalf("emit: %v", err)
	}

	conn := dial(t, srv, "?subscriber=ui")
	hello := readFrame(t, conn)
	if hello.Type != api.FrameHello || hello.Subscriber != "ui" || hello.Status != "running" {
		t.Fatalf("hello = %+v", hello)
	}
	f := readFrame(t, conn)
	if f.Type != api.FrameEvent || f.Event == nil || f.Event.ID != missed.ID {
		t.Fatalf("expected replayed critical event, got %+v", f)
	}

	live := events.New(events.SeverityInfo, events.Activity{Source: "stdout", Message: "ready"})
	if err := b.Emit(ctx, live); err != nil {
		t.Fatalf("emit: %v", err)
	}
	f = readFrame(t, conn)
	if f.Event == nil || f.Event.ID != live.ID {
		t.Fatalf("expected live event, got %+v", f)
	}
}

func TestStreamHeartbeatAndAck(t *testing.T) {
	srv, b := startStream(t)
	ev := events.New(events.SeverityCritical, events.Error{Class: events.ClassCrash, Message: "gave up"})
	if err := b.Emit(context.Background(), ev); err != nil {
		t.Fatalf("emit: %v", err)
	}

	conn := dial(t, srv, "?subscriber=ui")
	readFrame(t, conn) // hello
	readFrame(t, conn) // replayed critical event

	if err := conn.WriteJSON(api.Frame{Type: api.FrameHeartbeat, ID: "hb-1"}); err != nil {
		t.Fatalf("write: %v", err)
	}
	pong := readFrame(t, conn)
	if pong.Type != api.FramePong || pong.ID != "hb-1" || pong.Status != "running" {
		t.Fatalf("pong = %+v", pong)
	}

	if err := conn.WriteJSON(api.Frame{Type: api.FrameAck, ID: "a-1", IDs: []string{ev.ID}}); err != nil {
		t.Fatalf("write: %v", err)
	}
	acked := readFrame(t, conn)
	if acked.Type != api.FrameAcked || acked.ID != "a-1" || len(acked.IDs) != 1 || acked.IDs[0] != ev.ID {
		t.Fatalf("acked = %+v", acked)
	}
	if left := b.CriticalEvents(); len(left) != 0 {
		t.Fatalf("critical event should be removed after ack, still have %d", len(left))
	}

	if err := conn.WriteJSON(api.Frame{Type: "bogus"}); err != nil {
		t.Fatalf("write: %v", err)
	}
	if f := readFrame(t, conn); f.Type != api.FrameError {
		t.Fatalf("expected error frame, got %+v", f)
	}
}

func TestStreamClosedWhenBusCloses(t *testing.T) {
	srv, b := startStream(t)
	conn := dial(t, srv, "")
	hello := readFrame(t, conn)
	if hello.Subscriber == "" {
		t.Fatalf("anonymous consumer should get a generated name")
	}

	b.Close()
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, _, err := conn.ReadMessage()
	var ce *websocket.CloseError
	if !errors.As(err, &ce) || ce.Code != websocket.CloseGoingAway {
		t.Fatalf("expected going-away close, got %v", err)
	}
}
