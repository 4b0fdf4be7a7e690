package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/fako1024/blescale/pkg/api"
	"github.com/fako1024/blescale/pkg/config"
	"github.com/fako1024/blescale/pkg/decoder"
	"github.com/fako1024/blescale/pkg/manager"
	"github.com/fako1024/blescale/pkg/scale"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

func main() {

	// Parse command line options
	var configPath string
	flag.StringVar(&configPath, "config", "", "path to YAML config file (environment variables only if empty)")
	flag.Usage = func() {
		fmt.Fprintf(flag.CommandLine.Output(), "Usage of %s:\n", os.Args[0])
		flag.PrintDefaults()
		fmt.Fprintf(flag.CommandLine.Output(), "\n%s", config.Usage())
	}
	flag.Parse()

	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", err)
		os.Exit(1)
	}

	logger, err := cfg.NewLogger()
	if err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", err)
		os.Exit(1)
	}
	defer logger.Sync() // nolint:errcheck

	if err := run(cfg, logger); err != nil {
		logger.Error(err)
		logger.Sync() // nolint:errcheck
		os.Exit(1)
	}
}

func run(cfg *config.Config, logger *zap.SugaredLogger) error {

	t, release, err := cfg.Scale.NewTransport(logger)
	if err != nil {
		return err
	}
	defer release()

	profile, err := decoder.Lookup(cfg.Scale.Profile)
	if err != nil {
		return err
	}

	m, err := manager.New(cfg.Scale.Address, t,
		manager.WithProfile(profile),
		manager.WithLogger(logger),
		manager.WithRetryInterval(cfg.Scale.RetryInterval),
		manager.WithIdleTimeout(cfg.Scale.IdleTimeout),
	)
	if err != nil {
		return fmt.Errorf("failed to initialize connection manager: %w", err)
	}
	defer m.Teardown() // nolint:errcheck

	stateChan := make(chan scale.ConnectionStatus, 16)
	m.SetStateChangeChannel(stateChan)
	go func() {
		for st := range stateChan {
			logger.Infow("state change", "phase", st.Phase, "available", st.Available, "reading", st.LastReading)
		}
	}()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ensureConnected := func() {
		if err := m.EnsureConnected(ctx); err != nil {
			logger.Debugf("scale not reachable: %s", err)
		}
	}

	// Periodically make sure the scale is connected (e.g. after an idle disconnect)
	c := cron.New()
	if cfg.API.PollSchedule != "" {
		if _, err := c.AddFunc(cfg.API.PollSchedule, ensureConnected); err != nil {
			return fmt.Errorf("failed to schedule connection poll: %w", err)
		}
	}
	c.Start()
	defer func() {
		<-c.Stop().Done()
	}()

	go ensureConnected()

	restAPI := api.New(m, api.WithLogger(logger))
	errChan := make(chan error, 1)
	go func() {
		errChan <- restAPI.Listen(cfg.API.Listen)
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGTERM, os.Interrupt)

	select {
	case sig := <-sigChan:
		logger.Infof("got signal %s, terminating connection to device", sig)
	case err := <-errChan:
		return fmt.Errorf("REST API failed: %w", err)
	}

	cancel()
	if err := restAPI.Shutdown(); err != nil {
		logger.Warnf("failed to shut down REST API: %s", err)
	}

	return m.Teardown()
}
