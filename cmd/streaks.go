package cmd

import (
	"fmt"
	"time"

	"github.com/cweska/DiscordEventBot/eventbot"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
)

const timeFormat = time.RFC3339

var (
	streaksFile  string
	streaksLimit int
)

var streaksCmd = &cobra.Command{
	Use:   "streaks",
	Short: "Print meal streaks, highest count first",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		path := streaksFile
		if path == "" {
			path = cfg.Meal.StreakFile
		}
		streaks, err := eventbot.LoadStreakBook(path)
		if err != nil {
			return fmt.Errorf("error reading %s: %w", path, err)
		}
		if streaksLimit > 0 && len(streaks) > streaksLimit {
			streaks = streaks[:streaksLimit]
		}

		tw := table.NewWriter()
		tw.SetOutputMirror(cmd.OutOrStdout())
		tw.AppendHeader(table.Row{"User", "Meals", "Current", "Best", "Last Meal"})
		for _, s := range streaks {
			tw.AppendRow(
				table.Row{
					s.SubjectID,
					s.Count,
					s.StreakCurrent,
					s.StreakBest,
					s.LastActivityDate.String(),
				},
			)
		}
		tw.Render()
		return nil
	},
}

//nolint:gochecknoinits
func init() {
	streaksCmd.Flags().StringVar(
		&streaksFile,
		"file",
		"",
		"Streak file to read (defaults to meal.streak_file)",
	)
	streaksCmd.Flags().IntVar(&streaksLimit, "limit", 0, "Only print the top N users")
	rootCmd.AddCommand(streaksCmd)
}
