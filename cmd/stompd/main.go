// Command stompd runs the STOMP broker: flag parsing, config load, logger
// init, optional daemonization, core construction, then the blocking
// reactor loop (SPEC_FULL.md §8).
package main

import (
	"fmt"
	"os"

	"github.com/spf13/pflag"

	"github.com/clark15b/stompd/internal/broker"
	"github.com/clark15b/stompd/internal/config"
	"github.com/clark15b/stompd/internal/daemon"
	"github.com/clark15b/stompd/internal/logging"
	"github.com/clark15b/stompd/internal/metrics"
	"github.com/clark15b/stompd/internal/store"
	"github.com/clark15b/stompd/internal/users"
)

func main() {
	os.Exit(run())
}

func run() int {
	var (
		configPath string
		terminate  bool
		foreground bool
		help       bool
	)

	flags := pflag.NewFlagSet("stompd", pflag.ContinueOnError)
	flags.StringVarP(&configPath, "config", "c", "", "path to the configuration file (required)")
	flags.BoolVarP(&terminate, "terminate", "t", false, "signal the running daemon (from its pid file) to stop")
	flags.BoolVarP(&foreground, "foreground", "f", false, "stay attached to the controlling terminal instead of daemonizing")
	flags.BoolVarP(&help, "help", "h", false, "show usage")
	flags.BoolVarP(&help, "?", "?", false, "show usage")

	args, daemonized := daemon.IsDaemonized(os.Args[1:])
	if err := flags.Parse(args); err != nil {
		return 2
	}
	if help {
		fmt.Fprintln(os.Stderr, "usage: stompd -c config [-f] [-t]")
		flags.PrintDefaults()
		return 0
	}
	if configPath == "" {
		fmt.Fprintln(os.Stderr, "stompd: -c config is required")
		return 1
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "stompd: %v\n", err)
		return 1
	}

	if terminate {
		if err := daemon.Terminate(cfg.PidFile); err != nil {
			fmt.Fprintf(os.Stderr, "stompd: %v\n", err)
			return 1
		}
		return 0
	}

	if !foreground && !daemonized {
		if err := daemon.Daemonize(); err != nil {
			fmt.Fprintf(os.Stderr, "stompd: %v\n", err)
			return 1
		}
		// unreachable: Daemonize exits the parent
	}

	logFormat := logging.Format(cfg.LogFormat)
	log := logging.New(logging.Config{Level: cfg.LogLevel, Format: logFormat}, "stompd")

	if err := daemon.WritePIDFile(cfg.PidFile); err != nil {
		log.Error().Err(err).Msg("failed to write pid file")
		return 1
	}
	defer daemon.RemovePIDFile(cfg.PidFile)

	st, err := store.Open(cfg.PersistDB, uint32(cfg.DBMaxQueueSize), true)
	if err != nil {
		log.Error().Err(err).Msg("failed to open durable store")
		return 1
	}
	defer st.Close(false)

	ud, err := users.Open(cfg.UsersDB)
	if err != nil {
		log.Error().Err(err).Msg("failed to open user directory")
		return 1
	}

	eng := broker.New(cfg, log, st, ud)

	m := metrics.New()
	eng.Metrics = m
	go m.Serve(cfg.MetricsListen, log)

	if err := eng.Listen(cfg.Listen); err != nil {
		log.Error().Err(err).Msg("failed to start listener")
		return 1
	}

	eng.Run()
	return 0
}
