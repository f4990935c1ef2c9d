package cmd

import (
	"fmt"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/JakeFAU/linkcascade/internal/promotion"
	"github.com/JakeFAU/linkcascade/internal/server"
)

// newCatalogCmd creates the 'catalog' subcommand, which lists the adapters
// eligible for each level in scheduling order.
func newCatalogCmd() *cobra.Command {
	var all bool
	cmd := &cobra.Command{
		Use:   "catalog",
		Short: "Lists adapters per level",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := resolveConfig(cmd.Context())
			if err != nil {
				return err
			}
			catalog, err := server.LoadCatalog(cfg.Registry)
			if err != nil {
				return err
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "LEVEL\tSLUG\tKIND\tCONTENT\tPRIORITY\tENABLED")
			if all {
				for _, d := range catalog.All() {
					fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%d\t%t\n",
						levelList(d.Levels), d.Slug, d.Kind, d.Content, d.Priority, d.Enabled)
				}
				return tw.Flush()
			}
			for _, lvl := range []promotion.Level{promotion.Level1, promotion.Level2, promotion.Level3, promotion.LevelCrowd} {
				for _, d := range catalog.Eligible(lvl, promotion.PageMeta{}) {
					fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%d\t%t\n",
						lvl, d.Slug, d.Kind, d.Content, d.Priority, d.Enabled)
				}
			}
			return tw.Flush()
		},
	}
	cmd.Flags().BoolVar(&all, "all", false, "include disabled adapters")
	return cmd
}

func levelList(levels []promotion.Level) string {
	parts := make([]string, 0, len(levels))
	for _, l := range levels {
		parts = append(parts, l.String())
	}
	return strings.Join(parts, ",")
}
