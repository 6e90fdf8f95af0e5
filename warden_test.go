//go:build !windows

package warden

import (
	"context"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loykin/warden/internal/events"
	"github.com/loykin/warden/pkg/client"
)

func testConfig(t *testing.T, stateDir string) *Config {
	t.Helper()
	c, err := LoadConfig("")
	require.NoError(t, err)
	c.StateDir = stateDir
	c.Events.ActivityRate = -1
	return c
}

func freePort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := ln.Addr().(*net.TCPAddr).Port
	_ = ln.Close()
	return port
}

// serve runs app on a random port and returns a client for it.
func serve(t *testing.T, app *App) *client.Client {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- app.Serve(ctx, ln, false) }()
	t.Cleanup(func() {
		cancel()
		assert.NoError(t, <-done)
	})
	return client.New(client.Config{BaseURL: "http://" + ln.Addr().String() + "/api", Timeout: 10 * time.Second})
}

func TestAppLifecycleAndCriticalReplay(t *testing.T) {
	stateDir := t.TempDir()
	script := filepath.Join(t.TempDir(), "backend.sh")
	require.NoError(t, os.WriteFile(script, []byte("#!/bin/sh\nexec sleep 30\n"), 0o755))

	app, err := NewApp(context.Background(), testConfig(t, stateDir), nil)
	require.NoError(t, err)
	c := serve(t, app)
	ctx := context.Background()

	ping, err := c.Ping(ctx)
	require.NoError(t, err)
	assert.Equal(t, "stopped", ping.Status)

	spec := &Spec{BinaryPath: script, Port: freePort(t), HealthCommand: "true"}
	resp, err := c.Start(ctx, spec)
	require.NoError(t, err)
	assert.Equal(t, "running", resp.Status)

	info, err := c.Info(ctx)
	require.NoError(t, err)
	assert.Greater(t, info.PID, 0)

	resp, err = c.Stop(ctx)
	require.NoError(t, err)
	assert.Equal(t, "stopped", resp.Status)

	critical, err := c.CriticalEvents(ctx)
	require.NoError(t, err)
	require.Len(t, critical, 1)
	stopped := critical[0]
	sc, ok := stopped.Payload.(events.StatusChanged)
	require.True(t, ok)
	assert.Equal(t, "stopped", sc.To)
	assert.FileExists(t, filepath.Join(stateDir, "critical_events.json"))

	require.NoError(t, app.Close(ctx))

	// a new process picks up the unacknowledged event
	app2, err := NewApp(ctx, testConfig(t, stateDir), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = app2.Close(context.Background()) })
	c2 := serve(t, app2)

	critical, err = c2.CriticalEvents(ctx)
	require.NoError(t, err)
	require.Len(t, critical, 1)
	assert.Equal(t, stopped.ID, critical[0].ID)

	removed, err := c2.AckEvents(ctx, []string{stopped.ID})
	require.NoError(t, err)
	assert.Equal(t, []string{stopped.ID}, removed)
	critical, err = c2.CriticalEvents(ctx)
	require.NoError(t, err)
	assert.Empty(t, critical)
}

func TestAppStartValidation(t *testing.T) {
	app, err := NewApp(context.Background(), testConfig(t, t.TempDir()), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = app.Close(context.Background()) })
	c := serve(t, app)

	_, err = c.Start(context.Background(), nil)
	assert.True(t, client.IsStatus(err, 400), "start without config: %v", err)

	_, err = c.Start(context.Background(), &Spec{BinaryPath: "/definitely/missing", Port: freePort(t)})
	var ae *client.APIError
	require.ErrorAs(t, err, &ae)
	assert.Equal(t, 422, ae.StatusCode)
	assert.Equal(t, "binary not found", ae.Reason)
	assert.Equal(t, StatusStopped, app.Supervisor().Status())
}
