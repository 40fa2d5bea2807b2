package cmd

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/tapedeck/tapedeck/internal/catalog"
)

var channelsCmd = &cobra.Command{
	Use:   "channels",
	Short: "List the configured channels",
	RunE: func(cmd *cobra.Command, args []string) error {
		cat, err := catalog.Load(cfg.ChannelsFile)
		if err != nil {
			return fmt.Errorf("failed to load channel catalog: %w", err)
		}
		defer cat.Close()

		channels := cat.All()
		if len(channels) == 0 {
			fmt.Printf("No channels defined in %s\n", cfg.ChannelsFile)
			return nil
		}

		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tNAME\tURL\tMETADATA")
		for _, ch := range channels {
			meta := "-"
			if ch.MetaProvider != "" {
				meta = ch.MetaProvider
			}
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", ch.ID, ch.Name, ch.URL, meta)
		}
		if def := cfg.DefaultChannel; def != "" {
			fmt.Fprintf(w, "\ndefault: %s\n", def)
		}
		return w.Flush()
	},
}
