package cmd

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/tapedeck/tapedeck/internal/deck"
)

var playCmd = &cobra.Command{
	Use:   "play [channel-id]",
	Short: "Play a channel and follow now-playing metadata",
	Long: `Connect to a channel's stream and print status and track changes until
interrupted. Without an argument the configured default channel is used.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		d, cat, err := openDeck()
		if err != nil {
			return err
		}
		defer d.Close()
		defer cat.Close()

		if len(args) == 1 {
			if err := d.SelectChannel(args[0]); err != nil {
				return err
			}
		}
		if err := d.ToggleAir(); err != nil {
			return err
		}

		updates, cancel := d.Subscribe()
		defer cancel()

		sig := make(chan os.Signal, 1)
		signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)

		var lastConn deck.ConnState
		var lastTrack string
		for {
			select {
			case st := <-updates:
				if st.Conn != lastConn {
					lastConn = st.Conn
					fmt.Printf("[%s] %s\n", st.Channel.Name, st.Conn)
					if st.Conn == deck.ConnFailed {
						return fmt.Errorf("connection lost: %s", st.LastError)
					}
				}
				if key := st.Track.Key(); st.Track.Title != "" && key != lastTrack {
					lastTrack = key
					fmt.Printf("  ♪ %s\n", key)
				}
			case <-sig:
				fmt.Println("Stopping")
				return nil
			}
		}
	},
}
