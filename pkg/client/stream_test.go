package client_test

import (
	"context"
	"errors"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loykin/warden/internal/buffer"
	"github.com/loykin/warden/internal/bus"
	"github.com/loykin/warden/internal/delivery"
	"github.com/loykin/warden/internal/events"
	"github.com/loykin/warden/internal/heartbeat"
	"github.com/loykin/warden/internal/metrics"
	"github.com/loykin/warden/internal/process"
	"github.com/loykin/warden/internal/supervisor"
	"github.com/loykin/warden/pkg/client"
)

type stoppedBackend struct{}

func (stoppedBackend) Start(context.Context, *process.Spec) error    { return nil }
func (stoppedBackend) Stop(context.Context) error                    { return nil }
func (stoppedBackend) Restart(context.Context) error                 { return nil }
func (stoppedBackend) Configure(context.Context, process.Spec) error { return nil }
func (stoppedBackend) Version(context.Context) (string, error)       { return "backend 1.0", nil }
func (stoppedBackend) Collector() *metrics.ProcessMetricsCollector   { return nil }
func (stoppedBackend) Info() supervisor.Info {
	return supervisor.Info{Status: supervisor.StatusStopped, State: "stopped", Name: "backend"}
}
func (stoppedBackend) ProcessMetrics() (metrics.ProcessMetrics, error) {
	return metrics.ProcessMetrics{}, errors.New("backend not running")
}

func newDaemon(t *testing.T) (*client.Client, *bus.Bus) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	buf, err := buffer.New(context.Background(), nil, buffer.Options{})
	require.NoError(t, err)
	b := bus.New(buf, bus.Options{})
	r := delivery.NewRouter(stoppedBackend{}, b, delivery.Config{BasePath: "/api"}, nil)
	srv := httptest.NewServer(r.Handler())
	t.Cleanup(func() {
		b.Close()
		srv.Close()
	})
	return client.New(client.Config{BaseURL: srv.URL + "/api", Timeout: time.Second, Subscriber: "desktop"}), b
}

func TestStreamAgainstDaemon(t *testing.T) {
	c, b := newDaemon(t)
	ctx := context.Background()

	crit := events.New(events.SeverityCritical, events.StatusChanged{From: "stopping", To: "stopped"})
	require.NoError(t, b.Emit(ctx, crit))

	st, err := c.Stream(ctx, "")
	require.NoError(t, err)
	defer func() { _ = st.Close() }()
	assert.Equal(t, "desktop", st.Subscriber())
	assert.Equal(t, "stopped", st.InitialStatus())

	select {
	case ev := <-st.Events():
		assert.Equal(t, crit.ID, ev.ID)
		assert.Equal(t, events.KindStatusChanged, ev.Kind)
	case <-time.After(5 * time.Second):
		t.Fatal("replayed critical event not received")
	}

	removed, err := c.AckEvents(ctx, []string{crit.ID})
	require.NoError(t, err)
	assert.Equal(t, []string{crit.ID}, removed)

	pending, err := c.CriticalEvents(ctx)
	require.NoError(t, err)
	assert.Empty(t, pending)

	require.NoError(t, st.Close())
	_, open := <-st.Events()
	assert.False(t, open)
	assert.NoError(t, st.Err())
}

func TestStreamEndsWhenDaemonCloses(t *testing.T) {
	c, b := newDaemon(t)
	st, err := c.Stream(context.Background(), "")
	require.NoError(t, err)
	defer func() { _ = st.Close() }()

	b.Close()
	select {
	case _, open := <-st.Events():
		assert.False(t, open)
	case <-time.After(5 * time.Second):
		t.Fatal("stream did not end")
	}
	assert.Error(t, st.Err())
}

type collected struct {
	mu  sync.Mutex
	ids []string
}

func (c *collected) Event(ev events.Event) {
	c.mu.Lock()
	c.ids = append(c.ids, ev.ID)
	c.mu.Unlock()
}
func (c *collected) Status(string)                    {}
func (c *collected) ModeChanged(heartbeat.Mode)       {}
func (c *collected) Degraded(*heartbeat.ChannelError) {}
func (c *collected) Recovered()                       {}

func (c *collected) snapshot() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.ids...)
}

func TestMonitorOverClient(t *testing.T) {
	c, b := newDaemon(t)
	h := &collected{}
	m := heartbeat.New(c, h, heartbeat.Config{Interval: 50 * time.Millisecond, Timeout: time.Second}, nil)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- m.Run(ctx) }()
	defer func() {
		cancel()
		<-done
	}()

	require.Eventually(t, func() bool { return b.Subscribers() == 1 }, 5*time.Second, 10*time.Millisecond)
	ev := events.New(events.SeverityCritical, events.Error{Class: events.ClassCrash, Message: "gave up"})
	require.NoError(t, b.Emit(context.Background(), ev))

	require.Eventually(t, func() bool { return len(h.snapshot()) == 1 }, 5*time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool { return len(b.CriticalEvents()) == 0 }, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, heartbeat.ModeLive, m.Health().Mode)
	require.Eventually(t, func() bool { return !m.Health().LastHeartbeatAt.IsZero() }, 5*time.Second, 10*time.Millisecond)
}
