package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"

	"github.com/spf13/cobra"

	"github.com/agentcast/agentcast/internal/config"
	"github.com/agentcast/agentcast/internal/logger"
	"github.com/agentcast/agentcast/internal/relay"
)

func main() {
	root := &cobra.Command{
		Use:   "agentcast",
		Short: "agentcast — live coding-agent session relay",
		Long:  "Archives and replays coding-agent sessions, and streams in-progress sessions from a local daemon to browser observers.",
	}

	root.AddCommand(
		serveCmd(),
		tokenCmd(),
	)

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	var configFlag string
	var addrFlag string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the relay server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configFlag)
			if err != nil {
				return err
			}
			if addrFlag != "" {
				cfg.Server.Addr = addrFlag
			}
			if err := logger.Init(cfg.Logging.Level, cfg.Logging.File); err != nil {
				return err
			}

			store, err := relay.Open(cfg.Database.Path)
			if err != nil {
				return fmt.Errorf("open ledger: %w", err)
			}
			defer store.Close()

			srv, err := relay.NewServer(store, cfg)
			if err != nil {
				return err
			}

			httpSrv := &http.Server{
				Addr:    cfg.Server.Addr,
				Handler: srv,
			}

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
			defer stop()

			errCh := make(chan error, 1)
			go func() {
				fmt.Printf("agentcast serve listening on %s\n", cfg.Server.Addr)
				errCh <- httpSrv.ListenAndServe()
			}()

			select {
			case <-ctx.Done():
				fmt.Println("shutting down...")
				srv.Shutdown()
				return httpSrv.Close()
			case err := <-errCh:
				return err
			}
		},
	}

	cmd.Flags().StringVar(&configFlag, "config", "", "path to config YAML")
	cmd.Flags().StringVar(&addrFlag, "addr", "", "listen address (overrides config)")

	return cmd
}

func tokenCmd() *cobra.Command {
	var dbFlag string
	var hostFlag string

	cmd := &cobra.Command{
		Use:   "token <client-id>",
		Short: "Mint a daemon connection token",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := relay.Open(dbFlag)
			if err != nil {
				return fmt.Errorf("open ledger: %w", err)
			}
			defer store.Close()

			secret, err := relay.GenerateOrLoadSecret(store, os.Getenv("AGENTCAST_JWT_SECRET"))
			if err != nil {
				return err
			}
			signed, exp, err := relay.IssueDaemonJWT(secret, args[0], hostFlag)
			if err != nil {
				return err
			}
			fmt.Println(signed)
			fmt.Fprintf(os.Stderr, "expires %s\n", exp.Format("2006-01-02"))
			return nil
		},
	}

	cmd.Flags().StringVar(&dbFlag, "db", "agentcast.db", "ledger database path")
	cmd.Flags().StringVar(&hostFlag, "host", "", "daemon hostname claim")

	return cmd
}
