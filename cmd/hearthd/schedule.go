package main

import (
	"fmt"
	"sort"
	"time"

	"github.com/olebedev/when"
	"github.com/olebedev/when/rules/common"
	"github.com/olebedev/when/rules/en"
	"github.com/spf13/cobra"

	"github.com/hearth-app/hearth/internal/config"
	"github.com/hearth-app/hearth/internal/coordinator"
	"github.com/hearth-app/hearth/internal/event"
	"github.com/hearth-app/hearth/internal/eventlog"
	"github.com/hearth-app/hearth/internal/projection"
	"github.com/hearth-app/hearth/internal/store"
	"github.com/hearth-app/hearth/internal/ui"
)

var scheduleCmd = &cobra.Command{
	Use:     "schedule",
	GroupID: "data",
	Short:   "Inspect and edit family schedules",
}

var scheduleAddCmd = &cobra.Command{
	Use:   "add <title>",
	Short: "Add a schedule item with a natural-language time",
	Long: `Create a schedule item, parsing --when as natural language. The item
goes through the sync coordinator, so overlap rules apply exactly as
they do for device writes.

Example usage:
  hearthd schedule add "Soccer practice" --family fam-1 --child c1 --when "tomorrow at 3pm"
  hearthd schedule add "Dentist" --family fam-1 --child c1 --when "friday 9am" --duration 30m`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(configPath)
		if err != nil {
			return err
		}
		return runScheduleAdd(cmd, cfg, args[0])
	},
}

var scheduleListCmd = &cobra.Command{
	Use:   "list",
	Short: "List a family's upcoming schedule",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(configPath)
		if err != nil {
			return err
		}
		return runScheduleList(cmd, cfg)
	},
}

func init() {
	scheduleAddCmd.Flags().String("family", "", "Family id (required)")
	scheduleAddCmd.Flags().String("child", "", "Child id (required)")
	scheduleAddCmd.Flags().String("when", "", "Start time in natural language (required)")
	scheduleAddCmd.Flags().Duration("duration", time.Hour, "Item duration")
	scheduleAddCmd.Flags().String("notes", "", "Free-form notes")
	_ = scheduleAddCmd.MarkFlagRequired("family")
	_ = scheduleAddCmd.MarkFlagRequired("child")
	_ = scheduleAddCmd.MarkFlagRequired("when")

	scheduleListCmd.Flags().String("family", "", "Family id (required)")
	_ = scheduleListCmd.MarkFlagRequired("family")

	scheduleCmd.AddCommand(scheduleAddCmd)
	scheduleCmd.AddCommand(scheduleListCmd)
	rootCmd.AddCommand(scheduleCmd)
}

// parseWhen resolves natural-language times like "tomorrow at 3pm".
func parseWhen(text string, base time.Time) (time.Time, error) {
	w := when.New(nil)
	w.Add(en.All...)
	w.Add(common.All...)

	result, err := w.Parse(text, base)
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to parse time: %w", err)
	}
	if result == nil {
		return time.Time{}, fmt.Errorf("could not understand %q as a time", text)
	}
	return result.Time, nil
}

func runScheduleAdd(cmd *cobra.Command, cfg *config.Config, title string) error {
	familyID, _ := cmd.Flags().GetString("family")
	childID, _ := cmd.Flags().GetString("child")
	whenText, _ := cmd.Flags().GetString("when")
	duration, _ := cmd.Flags().GetDuration("duration")
	notes, _ := cmd.Flags().GetString("notes")

	startsAt, err := parseWhen(whenText, time.Now())
	if err != nil {
		return err
	}
	endsAt := startsAt.Add(duration)

	st, err := store.Open(cfg.ResolvedDBPath())
	if err != nil {
		return err
	}
	defer st.Close()
	if err := st.InitSchema(cmd.Context()); err != nil {
		return err
	}

	payload, err := event.MarshalPayload(&event.ScheduleCreate{
		ItemID:   event.NewID(),
		ChildID:  childID,
		Title:    title,
		Notes:    notes,
		StartsAt: startsAt,
		EndsAt:   endsAt,
	})
	if err != nil {
		return err
	}

	coord := coordinator.New(eventlog.New(st, nil), st, nil)
	resp, err := coord.Sync(cmd.Context(), coordinator.Request{
		DeviceID: "hearthd-cli",
		FamilyID: familyID,
		Platform: "cli",
		Mutations: []event.Mutation{{
			Kind:           event.KindScheduleCreate,
			IdempotencyKey: event.NewID(),
			ClientTS:       time.Now().UTC(),
			Payload:        payload,
		}},
	})
	if err != nil {
		return err
	}

	r := resp.Results[0]
	switch r.Status {
	case coordinator.StatusApplied:
		fmt.Printf("%s %s at %s (seq %d)\n",
			ui.Pass("✓"), ui.Accent(title), startsAt.Format("Mon Jan 2 15:04"), r.Seq)
	case coordinator.StatusRejected:
		if r.Reason == "overlap" {
			return fmt.Errorf("overlaps existing item %s", r.ConflictingID)
		}
		return fmt.Errorf("rejected: %s", r.Reason)
	default:
		return fmt.Errorf("unexpected outcome %s, retry", r.Status)
	}
	return nil
}

func runScheduleList(cmd *cobra.Command, cfg *config.Config) error {
	familyID, _ := cmd.Flags().GetString("family")

	st, err := store.Open(cfg.ResolvedDBPath())
	if err != nil {
		return err
	}
	defer st.Close()
	if err := st.InitSchema(cmd.Context()); err != nil {
		return err
	}

	proj, err := projection.Rebuild(cmd.Context(), eventlog.New(st, nil), familyID)
	if err != nil {
		return err
	}

	items := make([]*projection.ScheduleItem, 0, len(proj.Schedule))
	for _, item := range proj.Schedule {
		if !item.Deleted {
			items = append(items, item)
		}
	}
	sort.Slice(items, func(i, j int) bool { return items[i].StartsAt.Before(items[j].StartsAt) })

	if len(items) == 0 {
		fmt.Println(ui.Faint("no schedule items"))
		return nil
	}
	fmt.Println(ui.Header(fmt.Sprintf("schedule for %s", familyID)))
	now := time.Now()
	for _, item := range items {
		line := fmt.Sprintf("  %s - %s  %s (%s)",
			item.StartsAt.Format("Jan 2 15:04"), item.EndsAt.Format("15:04"),
			item.Title, item.ChildID)
		if item.EndsAt.Before(now) {
			fmt.Println(ui.Faint(line))
		} else {
			fmt.Println(line)
		}
	}
	return nil
}
