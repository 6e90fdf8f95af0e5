package main

import "time"

// GlobalFlags are the persistent flags shared by every subcommand.
type GlobalFlags struct {
	ConfigPath string
	APIUrl     string
	Timeout    time.Duration
	LogLevel   string
}

// StartFlags Flag structs to decouple cobra from logic for testing.
type StartFlags struct {
	Binary         string
	Args           []string
	Name           string
	Host           string
	Port           int
	WorkDir        string
	PIDFile        string
	HealthURL      string
	HealthCommand  string
	StartupTimeout time.Duration
	GracePeriod    time.Duration
	// FromConfig sends the [server] section of the config file instead of
	// the flags above.
	FromConfig bool
}

type EventsFlags struct {
	Critical bool
	Since    string
	Limit    int
}

type ServeFlags struct {
	Listen      string
	NoAutostart bool
}

type WatchFlags struct {
	Subscriber string
	Interval   time.Duration
	Duration   time.Duration
}
