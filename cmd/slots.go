package cmd

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/example/venue-scheduler/internal/config"
	"github.com/example/venue-scheduler/internal/monitor"
	"github.com/example/venue-scheduler/internal/sports"
)

func newSlotsCmd() *cobra.Command {
	var venue, fieldType, date, account string
	var all bool

	c := &cobra.Command{
		Use:   "slots",
		Short: "Show availability for a venue",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			client, err := platformClient(cfg)
			if err != nil {
				return err
			}

			var names []string
			if account != "" {
				names = []string{account}
			}
			usable, err := credStore(cfg).Usable(names, time.Now())
			if err != nil {
				return err
			}
			if len(usable) == 0 {
				return fmt.Errorf("no usable account session; run 'venuesched account login' first")
			}
			authed := client.WithSession(sports.Session{Cookie: usable[0].Cookie, Token: usable[0].Token})

			ctx := cmd.Context()
			resolved, err := authed.ResolveTarget(ctx, targetFrom(venue, fieldType))
			if err != nil {
				return err
			}
			fmt.Fprintf(os.Stdout, "%s / %s\n", resolved.VenueName, resolved.FieldTypeName)

			mon := monitor.New(authed, resolved)
			if !all {
				if date == "" {
					date = time.Now().Format("2006-01-02")
				}
				slots, err := mon.FetchDay(ctx, date)
				if err != nil {
					return err
				}
				printWindows(date, monitor.Aggregate(slots))
				return nil
			}

			for day := range mon.StreamAll(ctx) {
				if day.Err != nil {
					fmt.Fprintf(os.Stdout, "%s  error: %v\n", day.Date, day.Err)
					continue
				}
				printWindows(day.Date, day.Windows)
			}
			return nil
		},
	}

	c.Flags().StringVar(&venue, "venue", "", "venue id or keyword")
	c.Flags().StringVar(&fieldType, "field-type", "", "field type id or keyword")
	c.Flags().StringVar(&date, "date", "", "YYYY-MM-DD (default today)")
	c.Flags().BoolVar(&all, "all", false, "scan every open booking date")
	c.Flags().StringVar(&account, "account", "", "account nickname to query as")
	_ = c.MarkFlagRequired("venue")
	return c
}

func printWindows(date string, windows []monitor.AvailabilityWindow) {
	for _, w := range windows {
		mark := " "
		if w.AvailableCount > 0 {
			mark = "*"
		}
		fmt.Fprintf(os.Stdout, "%s %s  %s-%s  sites=%d open=%d remain=%d price=%.0f-%.0f\n",
			mark, date, w.Start, w.End, w.SiteCount, w.AvailableCount, w.TotalRemain, w.MinPrice, w.MaxPrice)
	}
}
