package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/AshfordSecurity/carousel/internal/api"
	"github.com/AshfordSecurity/carousel/internal/database"
	"github.com/AshfordSecurity/carousel/pkg/shutdown"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the status API over a recorded store",
	Long: `Serve the read-only status API without running a campaign.

Campaign and result endpoints answer from the store; the websocket stream
is unavailable because nothing is producing results. Binds to loopback
unless api.addr says otherwise.`,
	Example: `  carousel serve
  carousel serve --addr 127.0.0.1:9000`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().String("addr", "", "listen address (host:port)")
}

func runServe(cmd *cobra.Command, args []string) error {
	if addr, _ := cmd.Flags().GetString("addr"); addr != "" {
		cfg.API.Addr = addr
	}

	store, err := database.NewStore(cfg.Database, log)
	if err != nil {
		return fmt.Errorf("open result store: %w", err)
	}

	handler := shutdown.NewHandler(log)
	ctx, cancel := handler.Context(context.Background())
	defer cancel()
	defer handler.Shutdown()
	handler.Register(store.Close)

	srv := api.NewServer(cfg.API, api.Deps{Store: store, Version: Version}, log)
	if err := srv.Start(); err != nil {
		return err
	}
	handler.Register(func() error {
		sctx, scancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer scancel()
		return srv.Shutdown(sctx)
	})

	color.White("Status API on http://%s (Ctrl+C to stop)\n", srv.Addr())
	<-ctx.Done()
	return nil
}
