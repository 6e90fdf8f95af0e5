package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"

	"github.com/spf13/cobra"

	"github.com/loykin/warden"
	"github.com/loykin/warden/internal/logger"
	"github.com/loykin/warden/internal/process"
	"github.com/loykin/warden/pkg/client"
)

type command struct {
	flags *GlobalFlags
	out   io.Writer
}

func newCommand(cmd *cobra.Command, flags *GlobalFlags) command {
	return command{flags: flags, out: cmd.OutOrStdout()}
}

// loadConfig returns the config named by --config, or nil without one.
func (c command) loadConfig() (*warden.Config, error) {
	if c.flags.ConfigPath == "" {
		return nil, nil
	}
	return warden.LoadConfig(c.flags.ConfigPath)
}

// apiURL picks --api-url, then the [delivery] section of --config, then
// the local default.
func (c command) apiURL() (string, error) {
	if c.flags.APIUrl != "" {
		return strings.TrimRight(c.flags.APIUrl, "/"), nil
	}
	cfg, err := c.loadConfig()
	if err != nil {
		return "", err
	}
	if cfg == nil {
		return client.DefaultBaseURL, nil
	}
	return apiURLFromListen(cfg.Delivery.Listen, cfg.Delivery.BasePath)
}

func apiURLFromListen(listen, basePath string) (string, error) {
	host, port, err := net.SplitHostPort(listen)
	if err != nil {
		return "", fmt.Errorf("delivery.listen %q: %w", listen, err)
	}
	if ip := net.ParseIP(host); host == "" || (ip != nil && ip.IsUnspecified()) {
		host = "127.0.0.1"
	}
	basePath = strings.TrimRight(basePath, "/")
	if basePath != "" && !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	return "http://" + net.JoinHostPort(host, port) + basePath, nil
}

func (c command) client(subscriber string) (*client.Client, error) {
	base, err := c.apiURL()
	if err != nil {
		return nil, err
	}
	return client.New(client.Config{
		BaseURL:    base,
		Timeout:    c.flags.Timeout,
		Subscriber: subscriber,
		Logger:     logger.Config{Slog: logger.SlogConfig{Level: c.flags.LogLevel}}.NewSlogger(nil),
	}), nil
}

// spec turns the start flags into the body of /start. A nil spec asks the
// daemon to reuse its current server config.
func (c command) spec(f StartFlags) (*process.Spec, error) {
	if f.FromConfig {
		cfg, err := c.loadConfig()
		if err != nil {
			return nil, err
		}
		if cfg == nil {
			return nil, errors.New("--from-config requires --config")
		}
		sp := cfg.Server
		return &sp, nil
	}
	if f.Binary == "" {
		return nil, nil
	}
	sp := process.Spec{
		Name:           f.Name,
		BinaryPath:     f.Binary,
		Args:           f.Args,
		Host:           f.Host,
		Port:           f.Port,
		WorkDir:        f.WorkDir,
		PIDFile:        f.PIDFile,
		HealthURL:      f.HealthURL,
		HealthCommand:  f.HealthCommand,
		StartupTimeout: f.StartupTimeout,
		GracePeriod:    f.GracePeriod,
	}.WithDefaults()
	if err := sp.Validate(); err != nil {
		return nil, err
	}
	return &sp, nil
}

func (c command) Start(ctx context.Context, f StartFlags) error {
	sp, err := c.spec(f)
	if err != nil {
		return err
	}
	cl, err := c.client("")
	if err != nil {
		return err
	}
	res, err := cl.Start(ctx, sp)
	if err != nil {
		return describe(err, cl)
	}
	printJSON(c.out, res)
	return nil
}

func (c command) Stop(ctx context.Context) error {
	cl, err := c.client("")
	if err != nil {
		return err
	}
	res, err := cl.Stop(ctx)
	if err != nil {
		return describe(err, cl)
	}
	printJSON(c.out, res)
	return nil
}

func (c command) Restart(ctx context.Context) error {
	cl, err := c.client("")
	if err != nil {
		return err
	}
	res, err := cl.Restart(ctx)
	if err != nil {
		return describe(err, cl)
	}
	printJSON(c.out, res)
	return nil
}

func (c command) Status(ctx context.Context) error {
	cl, err := c.client("")
	if err != nil {
		return err
	}
	info, err := cl.Info(ctx)
	if err != nil {
		return describe(err, cl)
	}
	printJSON(c.out, info)
	return nil
}

func (c command) Version(ctx context.Context) error {
	cl, err := c.client("")
	if err != nil {
		return err
	}
	v, err := cl.Version(ctx)
	if err != nil {
		return describe(err, cl)
	}
	_, _ = fmt.Fprintln(c.out, v)
	return nil
}

func (c command) Events(ctx context.Context, f EventsFlags) error {
	if f.Limit < 0 {
		return fmt.Errorf("--limit must not be negative")
	}
	cl, err := c.client("")
	if err != nil {
		return err
	}
	if f.Critical {
		evs, err := cl.CriticalEvents(ctx)
		if err != nil {
			return describe(err, cl)
		}
		printJSON(c.out, evs)
		return nil
	}
	page, err := cl.EventsPage(ctx, f.Since, f.Limit)
	if err != nil {
		return describe(err, cl)
	}
	printJSON(c.out, page)
	return nil
}

func (c command) Ack(ctx context.Context, subscriber string, ids []string) error {
	cl, err := c.client(subscriber)
	if err != nil {
		return err
	}
	removed, err := cl.AckEvents(ctx, ids)
	if err != nil {
		return describe(err, cl)
	}
	printJSON(c.out, client.AckResponse{Removed: removed})
	return nil
}

func (c command) Unsubscribe(ctx context.Context, subscriber string) error {
	cl, err := c.client("")
	if err != nil {
		return err
	}
	removed, err := cl.Unregister(ctx, subscriber)
	if err != nil {
		return describe(err, cl)
	}
	printJSON(c.out, client.AckResponse{Removed: removed})
	return nil
}

func (c command) Ping(ctx context.Context) error {
	cl, err := c.client("")
	if err != nil {
		return err
	}
	res, err := cl.Ping(ctx)
	if err != nil {
		return describe(err, cl)
	}
	printJSON(c.out, res)
	return nil
}

// describe points at `warden serve` when the daemon could not be reached
// at all. API errors pass through unchanged.
func describe(err error, cl *client.Client) error {
	var apiErr *client.APIError
	if errors.As(err, &apiErr) || errors.Is(err, context.Canceled) {
		return err
	}
	return fmt.Errorf("daemon not reachable at %s - please start it first with 'warden serve': %w", cl.BaseURL(), err)
}
