package main

import (
	"encoding/json"
	"os"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var (
	researchMeetingID string
	researchOutput    string
)

var researchCmd = &cobra.Command{
	Use:   "research",
	Short: "Research a meeting's external attendees and store its prep note",
	Long:  "Loads the meeting, researches every external attendee and company concurrently, meters each call against the meeting owner's credits, and prints the stored prep note as JSON.",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		env, err := initResearchEnv(ctx, "research")
		if err != nil {
			return err
		}
		defer env.Close()

		start := time.Now()
		note, err := env.Pipeline.ResearchMeeting(ctx, researchMeetingID)
		if err != nil {
			return eris.Wrapf(err, "research meeting %s", researchMeetingID)
		}

		zap.L().Info("prep note ready",
			zap.String("meeting_id", researchMeetingID),
			zap.Int("attendees", len(note.Attendees)),
			zap.Int("companies", len(note.Companies)),
			zap.Int("talking_points", len(note.TalkingPoints)),
			zap.Int("failed", note.FailedCount()),
			zap.Duration("elapsed", time.Since(start)),
		)

		out := cmd.OutOrStdout()
		if researchOutput != "" {
			f, err := os.Create(researchOutput)
			if err != nil {
				return eris.Wrap(err, "create output file")
			}
			defer f.Close() //nolint:errcheck
			out = f
		}

		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return eris.Wrap(enc.Encode(note), "write prep note")
	},
}

func init() {
	researchCmd.Flags().StringVar(&researchMeetingID, "meeting-id", "", "meeting to research (required)")
	researchCmd.Flags().StringVarP(&researchOutput, "output", "o", "", "write the prep note to a file instead of stdout")
	_ = researchCmd.MarkFlagRequired("meeting-id")
	rootCmd.AddCommand(researchCmd)
}
