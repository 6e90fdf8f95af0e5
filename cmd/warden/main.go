package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/loykin/warden/pkg/client"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	root := buildRoot()
	if err := root.ExecuteContext(ctx); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		stop()
		os.Exit(1)
	}
}

// buildRoot creates the root command with every subcommand attached.
func buildRoot() *cobra.Command {
	globalFlags := &GlobalFlags{}
	startFlags := &StartFlags{}
	eventsFlags := &EventsFlags{}
	serveFlags := &ServeFlags{}
	watchFlags := &WatchFlags{}

	root := createRootCommand(globalFlags)
	root.AddCommand(
		createServeCommand(globalFlags, serveFlags),
		createStartCommand(globalFlags, startFlags),
		createStopCommand(globalFlags),
		createRestartCommand(globalFlags),
		createStatusCommand(globalFlags),
		createVersionCommand(globalFlags),
		createEventsCommand(globalFlags, eventsFlags),
		createAckCommand(globalFlags),
		createUnsubscribeCommand(globalFlags),
		createPingCommand(globalFlags),
		createWatchCommand(globalFlags, watchFlags),
	)
	return root
}

// createRootCommand creates the root command with the persistent flags
// shared by all subcommands.
func createRootCommand(flags *GlobalFlags) *cobra.Command {
	root := &cobra.Command{
		Use:   "warden",
		Short: "Backend server supervisor",
		Long: `Warden supervises one backend server process, restarts it when it
crashes and delivers its status and errors to a presentation layer.

Examples:
  warden serve --config warden.toml          # Start the supervisor daemon
  warden start --binary ./server --port 9000 # Start the backend
  warden status
  warden watch                               # Follow events with heartbeat monitoring`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.PersistentFlags().StringVar(&flags.ConfigPath, "config", "", "path to TOML config file (optional)")
	root.PersistentFlags().StringVar(&flags.APIUrl, "api-url", "", "daemon API URL (default derived from config or "+client.DefaultBaseURL+")")
	root.PersistentFlags().DurationVar(&flags.Timeout, "timeout", client.DefaultTimeout, "API request timeout")
	root.PersistentFlags().StringVar(&flags.LogLevel, "log-level", "", "log level: debug, info, warn or error")

	return root
}

func createServeCommand(globalFlags *GlobalFlags, serveFlags *ServeFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the supervisor and its API",
		Long: `Run the supervisor daemon. The configured backend is started once the
API is listening unless --no-autostart is given.

Examples:
  warden serve --config warden.toml
  warden serve --listen 127.0.0.1:9090 --no-autostart`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), *globalFlags, *serveFlags)
		},
	}

	cmd.Flags().StringVar(&serveFlags.Listen, "listen", "", "API listen address (overrides [delivery].listen)")
	cmd.Flags().BoolVar(&serveFlags.NoAutostart, "no-autostart", false, "do not start the configured backend")

	return cmd
}

func createStartCommand(globalFlags *GlobalFlags, startFlags *StartFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "start",
		Short: "Start the backend",
		Long: `Start the backend server and wait until its first health check passes.
Without --binary or --from-config the daemon reuses its current server
configuration.

Examples:
  warden start
  warden start --binary /opt/app/server --port 9000 --health-url http://127.0.0.1:9000/health
  warden start --from-config --config warden.toml`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return newCommand(cmd, globalFlags).Start(cmd.Context(), *startFlags)
		},
	}

	cmd.Flags().StringVar(&startFlags.Binary, "binary", "", "absolute path of the backend binary")
	cmd.Flags().StringSliceVar(&startFlags.Args, "arg", nil, "argument passed to the backend (repeatable)")
	cmd.Flags().StringVar(&startFlags.Name, "name", "", "backend name")
	cmd.Flags().StringVar(&startFlags.Host, "host", "", "backend listen host")
	cmd.Flags().IntVar(&startFlags.Port, "port", 0, "backend listen port")
	cmd.Flags().StringVar(&startFlags.WorkDir, "work-dir", "", "working directory")
	cmd.Flags().StringVar(&startFlags.PIDFile, "pid-file", "", "pid file written for the backend")
	cmd.Flags().StringVar(&startFlags.HealthURL, "health-url", "", "HTTP health check URL")
	cmd.Flags().StringVar(&startFlags.HealthCommand, "health-command", "", "shell command used as health check")
	cmd.Flags().DurationVar(&startFlags.StartupTimeout, "startup-timeout", 0, "time allowed to pass the first health check")
	cmd.Flags().DurationVar(&startFlags.GracePeriod, "grace-period", 0, "time between SIGTERM and SIGKILL on stop")
	cmd.Flags().BoolVar(&startFlags.FromConfig, "from-config", false, "send the [server] section of --config")

	return cmd
}

func createStopCommand(globalFlags *GlobalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "stop",
		Short: "Stop the backend",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return newCommand(cmd, globalFlags).Stop(cmd.Context())
		},
	}
}

func createRestartCommand(globalFlags *GlobalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "restart",
		Short: "Stop and start the backend",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return newCommand(cmd, globalFlags).Restart(cmd.Context())
		},
	}
}

func createStatusCommand(globalFlags *GlobalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show the backend status",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return newCommand(cmd, globalFlags).Status(cmd.Context())
		},
	}
}

func createVersionCommand(globalFlags *GlobalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the backend version",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return newCommand(cmd, globalFlags).Version(cmd.Context())
		},
	}
}

func createEventsCommand(globalFlags *GlobalFlags, eventsFlags *EventsFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "events",
		Short: "List recent or unacknowledged critical events",
		Long: `List buffered events after --since, or the critical events that are
still waiting for acknowledgement.

Examples:
  warden events --limit 20
  warden events --since 6f1c...
  warden events --critical`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return newCommand(cmd, globalFlags).Events(cmd.Context(), *eventsFlags)
		},
	}

	cmd.Flags().BoolVar(&eventsFlags.Critical, "critical", false, "list unacknowledged critical events")
	cmd.Flags().StringVar(&eventsFlags.Since, "since", "", "only events after this id")
	cmd.Flags().IntVar(&eventsFlags.Limit, "limit", 0, "maximum number of events")

	return cmd
}

func createAckCommand(globalFlags *GlobalFlags) *cobra.Command {
	var subscriber string
	cmd := &cobra.Command{
		Use:   "ack <id>...",
		Short: "Acknowledge critical events",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return newCommand(cmd, globalFlags).Ack(cmd.Context(), subscriber, args)
		},
	}
	cmd.Flags().StringVar(&subscriber, "subscriber", "", "acknowledge on behalf of this subscriber only")
	return cmd
}

func createUnsubscribeCommand(globalFlags *GlobalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "unsubscribe <subscriber>",
		Short: "Stop waiting for a subscriber's acknowledgements",
		Long: `Forget a named subscriber that will not come back. Critical events
that every remaining subscriber already acknowledged are removed.

Examples:
  warden unsubscribe tray`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return newCommand(cmd, globalFlags).Unsubscribe(cmd.Context(), args[0])
		},
	}
}

func createPingCommand(globalFlags *GlobalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "ping",
		Short: "Check that the daemon answers",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return newCommand(cmd, globalFlags).Ping(cmd.Context())
		},
	}
}

func createWatchCommand(globalFlags *GlobalFlags, watchFlags *WatchFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Follow events with heartbeat monitoring",
		Long: `Subscribe to the event stream and print every event. Heartbeats detect
a lost channel; while it is down events are polled until the stream is
back. Critical events are acknowledged as they are printed.

Examples:
  warden watch
  warden watch --subscriber desktop --interval 10s`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return newCommand(cmd, globalFlags).Watch(cmd.Context(), *watchFlags)
		},
	}

	cmd.Flags().StringVar(&watchFlags.Subscriber, "subscriber", "cli", "subscriber name used to acknowledge critical events")
	cmd.Flags().DurationVar(&watchFlags.Interval, "interval", 0, "heartbeat interval (overrides [heartbeat].interval)")
	cmd.Flags().DurationVar(&watchFlags.Duration, "duration", 0, "stop watching after this long (0 watches until interrupted)")

	return cmd
}
