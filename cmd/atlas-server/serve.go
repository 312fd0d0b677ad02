package main

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/atlasworld/atlasnet/pkg/api"
	"github.com/atlasworld/atlasnet/pkg/crypto"
	"github.com/atlasworld/atlasnet/pkg/network"
	"github.com/atlasworld/atlasnet/pkg/service"
)

const shutdownTimeout = 15 * time.Second

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Accept connections until interrupted",
	RunE:  runServe,
}

func init() {
	serveCmd.Flags().String("listen", "", "listen address override")
	serveCmd.Flags().Bool("api", false, "enable the HTTP API")
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, _ []string) error {
	if addr, _ := cmd.Flags().GetString("listen"); addr != "" {
		cfg.Listen.Addr = addr
	}
	if on, _ := cmd.Flags().GetBool("api"); on {
		cfg.API.Enabled = true
	}

	key, generated, err := crypto.LoadOrGenerateKey(cfg.Key.Path, cfg.Key.Bits)
	if err != nil {
		return fmt.Errorf("failed to load server key: %w", err)
	}
	if generated {
		log.WithField("path", cfg.Key.Path).Info("generated server key")
	}

	keys, err := openKeyStore()
	if err != nil {
		return fmt.Errorf("failed to open key store: %w", err)
	}
	defer keys.Close()

	sc, err := cfg.ServerConfig(keys)
	if err != nil {
		return err
	}
	sc.Logger = log
	sc.Registry = service.NewRegistry()

	server, err := network.NewServer(key, sc)
	if err != nil {
		return err
	}
	if err := server.Start(cfg.Listen.Addr); err != nil {
		return err
	}

	log.WithFields(logrus.Fields{
		"addr":        server.Addr().String(),
		"fingerprint": server.Fingerprint(),
		"version":     version,
	}).Info("atlas server running")

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)
	if cfg.API.Enabled {
		httpAPI := api.NewServer(server, keys, cfg.APIServerConfig(version), log)
		g.Go(func() error { return httpAPI.Start(gctx) })
	}
	g.Go(func() error {
		<-gctx.Done()
		log.Info("shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := server.Shutdown(shutdownCtx, "server shutting down"); err != nil && !errors.Is(err, network.ErrServerClosed) {
			return err
		}
		return nil
	})

	return g.Wait()
}
