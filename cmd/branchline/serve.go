package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/branchline/branchline/pkg/api"
	"github.com/branchline/branchline/pkg/config"
	"github.com/branchline/branchline/pkg/credstore"
	"github.com/branchline/branchline/pkg/log"
	"github.com/branchline/branchline/pkg/publisher"
	"github.com/branchline/branchline/pkg/router"
	"github.com/branchline/branchline/pkg/supervisor"
	"github.com/branchline/branchline/pkg/transport"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the fleet supervisor and dashboard API",
	RunE: func(cmd *cobra.Command, args []string) error {
		configPath, _ := cmd.Flags().GetString("config")

		cfg, err := config.Load(configPath)
		if err != nil {
			return err
		}

		log.Init(log.Config{
			Level:      log.Level(cfg.Log.Level),
			JSONOutput: cfg.Log.JSON,
		})
		logger := log.WithComponent("main")

		store, err := credstore.NewBoltStore(cfg.DataDir, cfg.Defaults.BackupRing)
		if err != nil {
			return fmt.Errorf("opening credential store: %w", err)
		}
		defer store.Close()

		var dialer transport.Dialer
		switch cfg.Transport.Mode {
		case config.TransportMemory:
			dialer = transport.NewMemoryDialer(true)
		default:
			dialer = transport.NewMQTTDialer(transport.MQTTConfig{
				BrokerURL:      cfg.Transport.BrokerURL,
				Username:       cfg.Transport.Username,
				Password:       cfg.Transport.Password,
				ConnectTimeout: cfg.Transport.ConnectTimeout,
				SendTimeout:    cfg.Transport.SendTimeout,
			})
		}

		broker := publisher.NewBroker()
		broker.Start()
		defer broker.Stop()

		rtr := router.New(nil, nil)

		fleet, err := supervisor.New(supervisor.Options{
			Branches:       cfg.Branches,
			Defaults:       cfg.Defaults,
			Store:          store,
			Dialer:         dialer,
			Broker:         broker,
			Router:         rtr,
			ConnectTimeout: cfg.Transport.ConnectTimeout,
		})
		if err != nil {
			return fmt.Errorf("building supervisor: %w", err)
		}

		// Inbound messages land in the router; replies go back out through
		// the supervisor's per-branch sessions.
		rtr.SetSender(fleet)
		rtr.Start()
		defer rtr.Stop()

		fleet.Start()
		defer fleet.Stop()

		apiServer := api.NewServer(cfg.ListenAddr, fleet, store, broker)
		errCh := make(chan error, 1)
		go func() { errCh <- apiServer.Start() }()

		logger.Info().
			Str("listen_addr", cfg.ListenAddr).
			Int("branches", len(cfg.Branches)).
			Str("transport", string(cfg.Transport.Mode)).
			Msg("branchline running")

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

		select {
		case sig := <-sigCh:
			logger.Info().Str("signal", sig.String()).Msg("shutting down")
		case err := <-errCh:
			if err != nil {
				logger.Error().Err(err).Msg("api server failed")
			}
		}

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := apiServer.Shutdown(shutdownCtx); err != nil {
			logger.Error().Err(err).Msg("api shutdown failed")
		}
		return nil
	},
}

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate a fleet configuration file",
	RunE: func(cmd *cobra.Command, args []string) error {
		configPath, _ := cmd.Flags().GetString("config")

		cfg, err := config.Load(configPath)
		if err != nil {
			return err
		}

		fmt.Printf("Configuration OK: %d branch(es), transport %s\n",
			len(cfg.Branches), cfg.Transport.Mode)
		return nil
	},
}

func init() {
	serveCmd.Flags().String("config", "branchline.yaml", "Path to fleet configuration file")
	validateCmd.Flags().String("config", "branchline.yaml", "Path to fleet configuration file")
}
