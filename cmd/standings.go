package cmd

import (
	"fmt"
	"strings"

	"github.com/cweska/DiscordEventBot/eventbot"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
)

var standingsFile string

var standingsCmd = &cobra.Command{
	Use:   "standings [session-id]",
	Short: "Print food fight sessions, or the standings of one session",
	Long: "Reads the tally file without modifying it. With no arguments, lists " +
		"every session. With a session ID, prints its ranked team totals.",
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		path := standingsFile
		if path == "" {
			path = cfg.FoodFight.TallyFile
		}
		book, err := eventbot.LoadTallyBook(path)
		if err != nil {
			return fmt.Errorf("error reading %s: %w", path, err)
		}

		tw := table.NewWriter()
		tw.SetOutputMirror(cmd.OutOrStdout())

		if len(args) == 0 {
			tw.AppendHeader(table.Row{"Session", "Status", "Started", "Ended"})
			for _, id := range book.SessionIDs() {
				tallies, tallyErr := book.TalliesFor(id, nil)
				if tallyErr != nil {
					return tallyErr
				}
				status := "completed"
				ended := ""
				if tallies.Active {
					status = "active"
				}
				if tallies.EndInstant != nil {
					ended = tallies.EndInstant.Format(timeFormat)
				}
				tw.AppendRow(
					table.Row{
						id,
						status,
						tallies.StartInstant.Format(timeFormat),
						ended,
					},
				)
			}
			tw.Render()
			return nil
		}

		tallies, err := book.TalliesFor(args[0], nil)
		if err != nil {
			return err
		}
		tw.SetTitle(tallies.SessionID)
		tw.AppendHeader(table.Row{"#", "Team", "Total", "Participants"})
		for i, team := range tallies.Ranked().Teams {
			participants := make([]string, 0, len(team.Participants))
			for _, p := range team.Participants {
				participants = append(participants, fmt.Sprintf("%s (%d)", p.SubjectID, p.Count))
			}
			tw.AppendRow(
				table.Row{
					i + 1,
					team.Team,
					team.Total,
					strings.Join(participants, ", "),
				},
			)
		}
		tw.Render()
		return nil
	},
}

//nolint:gochecknoinits
func init() {
	standingsCmd.Flags().StringVar(
		&standingsFile,
		"file",
		"",
		"Tally file to read (defaults to food_fight.tally_file)",
	)
	rootCmd.AddCommand(standingsCmd)
}
