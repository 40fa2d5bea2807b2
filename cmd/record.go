package cmd

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/tapedeck/tapedeck/internal/deck"
	"github.com/tapedeck/tapedeck/internal/recorder"
)

var recordCmd = &cobra.Command{
	Use:   "record [channel-id]",
	Short: "Record a channel to disk",
	Long: `Connect to a channel and record its stream until interrupted or until
--duration elapses. The recording and its track log land in the configured
output directory; a partial file is kept when the stream or the encoder
fails.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		duration, _ := cmd.Flags().GetDuration("duration")

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

		var deadline <-chan time.Time
		if duration > 0 {
			deadline = time.After(duration)
		}

		recording := false
		announced := false
		for {
			select {
			case st := <-updates:
				switch {
				case st.Conn == deck.ConnFailed:
					return fmt.Errorf("connection lost: %s", st.LastError)
				case st.Recording == recorder.StateError:
					return fmt.Errorf("recording failed: %s", st.LastError)
				case !recording && st.Conn == deck.ConnConnected:
					if err := d.StartRecording(); err != nil {
						return err
					}
					recording = true
				case recording && st.Recording == recorder.StateActive && !announced:
					announced = true
					fmt.Printf("Recording %s to %s\n", st.Channel.Name, st.RecordPath)
				case recording && st.Recording == recorder.StateStopped && st.Conn != deck.ConnConnected:
					// stream loss stopped the session; rearm for the reconnect
					recording = false
					announced = false
				}
			case <-deadline:
				fmt.Println("Duration reached, stopping")
				return d.StopRecording()
			case <-sig:
				fmt.Println("Stopping")
				return d.StopRecording()
			}
		}
	},
}

func init() {
	recordCmd.Flags().DurationP("duration", "d", 0, "stop after this duration (0 = until interrupted)")
}
