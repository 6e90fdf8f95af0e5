package main

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/loykin/warden/internal/events"
	"github.com/loykin/warden/internal/heartbeat"
	"github.com/loykin/warden/internal/logger"
)

// printer writes what the monitor surfaces, one line each. The monitor
// calls it from a single goroutine.
type printer struct {
	w io.Writer
}

func (p printer) Event(ev events.Event) {
	_, _ = fmt.Fprintf(p.w, "%s %-8s %-15s %s (%s)\n",
		ev.Timestamp.Local().Format(time.TimeOnly), ev.Severity, ev.Kind, ev, ev.ID)
}

func (p printer) Status(status string) {
	_, _ = fmt.Fprintf(p.w, "status: %s\n", status)
}

func (p printer) ModeChanged(mode heartbeat.Mode) {
	_, _ = fmt.Fprintf(p.w, "channel: %s\n", mode)
}

func (p printer) Degraded(err *heartbeat.ChannelError) {
	_, _ = fmt.Fprintf(p.w, "channel degraded: %v\n", err)
}

func (p printer) Recovered() {
	_, _ = fmt.Fprintln(p.w, "channel recovered")
}

// Watch follows the daemon until ctx is done or f.Duration elapses.
func (c command) Watch(ctx context.Context, f WatchFlags) error {
	hb := heartbeat.DefaultConfig()
	cfg, err := c.loadConfig()
	if err != nil {
		return err
	}
	if cfg != nil {
		hb = cfg.Heartbeat
	}
	if f.Interval > 0 {
		hb.Interval = f.Interval
		if hb.Timeout >= hb.Interval {
			hb.Timeout = hb.Interval / 2
		}
	}

	cl, err := c.client(f.Subscriber)
	if err != nil {
		return err
	}
	if f.Duration > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, f.Duration)
		defer cancel()
	}
	log := logger.Config{Slog: logger.SlogConfig{Level: c.flags.LogLevel}}.NewSlogger(nil)
	return heartbeat.New(cl, printer{w: c.out}, hb, log).Run(ctx)
}
