package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"pasofino/internal/config"
	"pasofino/internal/constants"
	"pasofino/internal/logger"
	"pasofino/internal/platform"
	"pasofino/internal/push"
	"pasofino/internal/server"
	"pasofino/internal/telemetry"
)

var (
	configFile string
	port       string
)

var rootCmd = &cobra.Command{
	Use:   "pasofino-server",
	Short: "Realtime, cache and push backend for the Paso Fino community portal",
	Long: `Serves the realtime socket, the shared cache, push subscriptions and
the admin status page.

Every external service is optional: without Redis the cache and push
registry run disabled, without VAPID keys push is off, and without an
identity provider admin pages always redirect.`,
	Version:      constants.Version,
	SilenceUsage: true,
	RunE:         runServe,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP server (default)",
	RunE:  runServe,
}

var vapidCmd = &cobra.Command{
	Use:   "vapid-keys",
	Short: "Generate a VAPID key pair for Web Push",
	Long: `Generate a VAPID key pair and print it in .env format.

Example:
  pasofino-server vapid-keys >> .env`,
	RunE: runVAPIDKeys,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "", "YAML config file (overrides "+config.EnvConfigFile+")")
	rootCmd.PersistentFlags().StringVarP(&port, "port", "p", "", "Listen port (overrides PORT)")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(vapidCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func runServe(cmd *cobra.Command, _ []string) error {
	if configFile != "" {
		if err := os.Setenv(config.EnvConfigFile, configFile); err != nil {
			return err
		}
	}
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if port != "" {
		cfg.Port = port
	}

	log := logger.New(cfg.Log, os.Stderr)
	logger.SetDefault(log)

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	shutdown := telemetry.Setup(ctx, cfg.Telemetry, log)
	defer func() {
		if err := shutdown(context.Background()); err != nil {
			log.WithError(err).Warnf("Tracer shutdown")
		}
	}()

	clients := platform.Build(ctx, cfg, log)
	s, err := server.NewServer(ctx, cfg, clients, log)
	if err != nil {
		clients.Close()
		return fmt.Errorf("failed to initialize server: %w", err)
	}
	return s.Run(ctx)
}

func runVAPIDKeys(cmd *cobra.Command, _ []string) error {
	public, private, err := push.GenerateVAPIDKeys()
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "VAPID_PUBLIC_KEY=%s\n", public)
	fmt.Fprintf(out, "VAPID_PRIVATE_KEY=%s\n", private)
	return nil
}
