package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fako1024/blescale/pkg/config"
	"github.com/fako1024/blescale/pkg/decoder"
	"github.com/fako1024/blescale/pkg/manager"
	"github.com/fako1024/blescale/pkg/scale"
	"go.uber.org/zap"
)

const reconnectInterval = 5 * time.Second

type cliConfig struct {
	addr      string
	profile   string
	transport string
	timeout   time.Duration
	follow    bool
	debug     bool
}

func main() {

	// Parse command line options
	var cfg cliConfig
	flag.StringVar(&cfg.addr, "addr", "", "address of remote peripheral (MAC on Linux, UUID on OS X)")
	flag.StringVar(&cfg.profile, "profile", decoder.DefaultProfile, fmt.Sprintf("packet layout of the scale %v", decoder.Profiles()))
	flag.StringVar(&cfg.transport, "transport", config.TransportHCI, "BLE transport (hci, bluez, mock)")
	flag.DurationVar(&cfg.timeout, "timeout", time.Minute, "time to wait for a stable reading (ignored with -follow)")
	flag.BoolVar(&cfg.follow, "follow", false, "continuously print stable readings until interrupted")
	flag.BoolVar(&cfg.debug, "debug", false, "enable debug logging")
	flag.Parse()

	logger, err := scale.NewDefaultLogger(cfg.debug)
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

func run(cfg cliConfig, logger *zap.SugaredLogger) (err error) {

	scaleCfg := config.ScaleConfig{
		Address:       cfg.addr,
		Profile:       cfg.profile,
		Transport:     cfg.transport,
		HCIDevice:     -1,
		RetryInterval: manager.DefaultRetryInterval,
		IdleTimeout:   manager.DefaultIdleTimeout,
	}
	if err := scaleCfg.Validate(); err != nil {
		return err
	}

	t, release, err := scaleCfg.NewTransport(logger)
	if err != nil {
		return err
	}
	defer release()

	profile, err := decoder.Lookup(cfg.profile)
	if err != nil {
		return err
	}

	m, err := manager.New(scaleCfg.Address, t,
		manager.WithProfile(profile),
		manager.WithLogger(logger),
	)
	if err != nil {
		return fmt.Errorf("failed to initialize connection manager: %w", err)
	}
	defer func() {
		if terr := m.Teardown(); terr != nil && err == nil {
			err = terr
		}
	}()

	dataChan := make(chan scale.WeightReading, 256)
	m.SetDataChannel(dataChan)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if !cfg.follow {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, cfg.timeout)
		defer cancel()
	}

	if err := m.EnsureConnected(ctx); err != nil && !cfg.follow {
		return err
	}

	// Reconnect periodically while following (the scale is disconnected when idle)
	ticker := time.NewTicker(reconnectInterval)
	defer ticker.Stop()

	for {
		select {
		case reading := <-dataChan:
			fmt.Println(reading)
			if !cfg.follow {
				return nil
			}
		case <-ticker.C:
			if !cfg.follow {
				continue
			}
			if err := m.EnsureConnected(ctx); err != nil {
				logger.Debugf("scale not reachable: %s", err)
			}
		case <-ctx.Done():
			if cfg.follow {
				return nil
			}
			return fmt.Errorf("no stable reading received within %v", cfg.timeout)
		}
	}
}
