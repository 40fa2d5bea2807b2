package cmd

import (
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/tapedeck/tapedeck/internal/server"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the remote-control server",
	Long: `Run the deck headless and expose it over HTTP so any device on the
network can select channels, toggle playback and recording, and follow
status over a websocket.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if port, _ := cmd.Flags().GetInt("port"); port != 0 {
			cfg.Server.Port = port
		}

		d, cat, err := openDeck()
		if err != nil {
			return err
		}
		defer cat.Close()

		sig := make(chan os.Signal, 1)
		signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
		go func() {
			<-sig
			slog.Info("Shutting down")
			d.Close()
			os.Exit(0)
		}()

		srv := server.New(d, cfg)
		if err := srv.Start(); err != nil {
			d.Close()
			return fmt.Errorf("server failed: %w", err)
		}
		return nil
	},
}

func init() {
	serveCmd.Flags().Int("port", 0, "port for the control server (overrides config)")
}
