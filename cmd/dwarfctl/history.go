package main

import (
	"fmt"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/styelz/dwarf-scheduler-sub000/internal/history"
	"github.com/styelz/dwarf-scheduler-sub000/internal/models"
)

func newHistoryCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{Use: "history", Short: "Read the per-night history log"}
	cmd.AddCommand(newHistoryShowCmd(a))
	cmd.AddCommand(newHistoryDaysCmd(a))
	return cmd
}

func newHistoryShowCmd(a *app) *cobra.Command {
	var day string
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Show the history of one observing night",
		Long: `Show the outcome rows of one observing night. A night runs from the
configured day change hour to the same hour on the next day, so rows written
after midnight belong to the night before.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			rec, err := a.history()
			if err != nil {
				return err
			}
			if day == "" {
				loc, err := a.cfg.Location()
				if err != nil {
					return err
				}
				day = history.LogDay(time.Now(), a.cfg.DayChangeHour, loc)
			}
			records, err := rec.Read(day)
			if err != nil {
				return err
			}
			if a.jsonOutput {
				if records == nil {
					records = []models.HistoryRecord{}
				}
				return a.printJSON(records)
			}
			rows := make([][]string, 0, len(records))
			for _, r := range records {
				rows = append(rows, []string{
					formatTime(r.Timestamp),
					r.SessionName,
					string(r.Status),
					r.Target,
					fmt.Sprintf("%d/%d", r.FramesCaptured, r.Capture.Frames),
					strconv.FormatFloat(r.TotalExposureSeconds(), 'f', -1, 64),
					r.Duration.Round(time.Second).String(),
					orDash(r.Error),
				})
			}
			return a.printTable([]string{"TIME", "SESSION", "STATUS", "TARGET", "FRAMES", "EXPOSURE(S)", "DURATION", "ERROR"}, rows)
		},
	}
	cmd.Flags().StringVar(&day, "day", "", "night to show as YYYY-MM-DD (default: current night)")
	return cmd
}

func newHistoryDaysCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "days",
		Short: "List nights with history",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			rec, err := a.history()
			if err != nil {
				return err
			}
			days, err := rec.Days()
			if err != nil {
				return err
			}
			if a.jsonOutput {
				if days == nil {
					days = []string{}
				}
				return a.printJSON(days)
			}
			for _, d := range days {
				fmt.Fprintln(a.out, d)
			}
			return nil
		},
	}
}
