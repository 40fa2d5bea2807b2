package cmd

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/tapedeck/tapedeck/internal/catalog"
	"github.com/tapedeck/tapedeck/internal/config"
	"github.com/tapedeck/tapedeck/internal/deck"
	"github.com/tapedeck/tapedeck/internal/engine"
	"github.com/tapedeck/tapedeck/internal/recorder"
	"github.com/tapedeck/tapedeck/internal/tracklog"
)

var (
	cfg          *config.Config
	cfgFile      string
	verboseLevel int
)

var rootCmd = &cobra.Command{
	Use:   "tapedeck",
	Short: "Internet radio player and recorder",
	Long: `TapeDeck plays internet radio channels and records the active stream
to disk through ffmpeg, with automatic reconnection and a per-recording
track log derived from stream metadata.

Channels are defined in a YAML catalog; see 'tapedeck channels'.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		setupLogging(verboseLevel)

		if cfgFile == "" {
			cfgFile = os.ExpandEnv("$HOME/.config/tapedeck.yaml")
		}

		var err error
		cfg, err = config.Load(cfgFile)
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		return nil
	},
	RunE: func(cmd *cobra.Command, args []string) error {
		return cmd.Help()
	},
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.config/tapedeck.yaml)")
	rootCmd.PersistentFlags().IntVarP(&verboseLevel, "verbose", "v", 0, "verbose level: 0=info, 1=debug")

	rootCmd.AddCommand(playCmd)
	rootCmd.AddCommand(recordCmd)
	rootCmd.AddCommand(channelsCmd)
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(configCmd)
}

// setupLogging configures slog based on the verbose level
func setupLogging(level int) {
	slogLevel := slog.LevelInfo
	if level >= 1 {
		slogLevel = slog.LevelDebug
	}

	opts := &slog.HandlerOptions{
		Level: slogLevel,
	}
	handler := slog.NewTextHandler(os.Stderr, opts)
	slog.SetDefault(slog.New(handler))
}

// openDeck builds a running deck against the real ICY engine and ffmpeg
// launcher. Leftover encoder processes from a crashed run are killed first
// so they cannot hold output files open.
func openDeck() (*deck.Deck, *catalog.Catalog, error) {
	recorder.KillOrphans()

	cat, err := catalog.Load(cfg.ChannelsFile)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load channel catalog: %w", err)
	}
	if err := cat.Watch(func() {
		slog.Info("Channel catalog reloaded", "path", cfg.ChannelsFile)
	}); err != nil {
		slog.Warn("Channel catalog watch unavailable", "error", err)
	}

	eng := engine.NewICY(cfg.Playback.ConnectTimeout, engine.WithUserAgent(cfg.Playback.UserAgent))
	d := deck.New(cfg, cat, eng, recorder.FFmpegLauncher{}, tracklog.NewSRProvider(cfg.Playback.UserAgent))
	return d, cat, nil
}
