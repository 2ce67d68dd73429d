package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/prep-cli/internal/model"
)

var meetingsCmd = &cobra.Command{
	Use:   "meetings",
	Short: "Manage meetings",
}

var meetingsImportCmd = &cobra.Command{
	Use:   "import FILE",
	Short: "Import meetings and attendees from a JSON file",
	Long:  "Reads one meeting object or an array of them. Meetings without an id get a new UUID; existing meetings are replaced along with their attendee list.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		data, err := os.ReadFile(args[0])
		if err != nil {
			return eris.Wrap(err, "read meetings file")
		}
		meetings, err := parseMeetings(data)
		if err != nil {
			return err
		}

		ctx := cmd.Context()
		env, err := initEnv(ctx, "meetings")
		if err != nil {
			return err
		}
		defer env.Close()

		for _, m := range meetings {
			if err := env.Store.SaveMeeting(ctx, m); err != nil {
				return eris.Wrapf(err, "save meeting %s", m.ID)
			}
			zap.L().Info("meeting imported",
				zap.String("meeting_id", m.ID),
				zap.Int("attendees", len(m.Attendees)),
			)
			fmt.Fprintln(cmd.OutOrStdout(), m.ID)
		}
		return nil
	},
}

func init() {
	meetingsCmd.AddCommand(meetingsImportCmd)
	rootCmd.AddCommand(meetingsCmd)
}

// parseMeetings decodes a single meeting or an array and fills defaults.
func parseMeetings(data []byte) ([]*model.Meeting, error) {
	data = bytes.TrimSpace(data)
	var meetings []*model.Meeting
	if len(data) > 0 && data[0] == '[' {
		if err := json.Unmarshal(data, &meetings); err != nil {
			return nil, eris.Wrap(err, "decode meetings")
		}
	} else {
		var m model.Meeting
		if err := json.Unmarshal(data, &m); err != nil {
			return nil, eris.Wrap(err, "decode meeting")
		}
		meetings = append(meetings, &m)
	}

	for i, m := range meetings {
		if m == nil {
			return nil, eris.Errorf("meeting %d is null", i)
		}
		if strings.TrimSpace(m.UserID) == "" {
			return nil, eris.Errorf("meeting %d: user_id is required", i)
		}
		if m.ID == "" {
			m.ID = uuid.NewString()
		}
		if m.Status == "" {
			m.Status = model.MeetingStatusPending
		}
	}
	return meetings, nil
}
