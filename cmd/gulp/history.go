package main

import (
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"github.com/spf13/cobra"

	"github.com/CZERTAINLY/gulp/internal/history"
	"github.com/CZERTAINLY/gulp/internal/report"
)

func (g *gulp) historyCmd() *cobra.Command {
	var limit, prune int
	cmd := &cobra.Command{
		Use:   "history",
		Short: "history prints the latest task invocations recorded in service.history",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			if err := g.load(ctx); err != nil {
				return err
			}
			path := g.config.Service.History
			if path == "" {
				return errors.New("service.history is not set in the gulpfile")
			}
			db, err := history.InitDB(ctx, path)
			if err != nil {
				return fmt.Errorf("opening history: %w", err)
			}
			defer func() {
				_ = db.Close()
			}()

			if cmd.Flags().Changed("prune") {
				if prune < 0 {
					return fmt.Errorf("--prune must not be negative: %d", prune)
				}
				n, err := history.Prune(ctx, db, prune)
				if err != nil {
					return err
				}
				slog.InfoContext(ctx, "history pruned", "deleted", n, "kept", prune)
			}

			rows, err := history.List(ctx, db, limit)
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), historyTable(rows))
			return err
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 20, "number of invocations to print, 0 prints all")
	cmd.Flags().IntVar(&prune, "prune", 0, "delete all but the N most recent invocations before printing")
	return cmd
}

func historyTable(rows []history.InvocationRow) string {
	t := table.New().
		Border(lipgloss.NormalBorder()).
		Headers("STARTED", "TASK", "STATUS", "DURATION", "REASON")
	for _, r := range rows {
		status, duration, reason := "running", "", ""
		if r.Success != nil {
			status = "ok"
			if !*r.Success {
				status = "failed"
			}
			duration = report.Duration(r.Duration)
		}
		if r.FailureReason != nil {
			reason = *r.FailureReason
		}
		t.Row(
			r.Started.Local().Format(time.DateTime),
			r.Task,
			status,
			duration,
			reason,
		)
	}
	return t.String() + "\n" + strconv.Itoa(len(rows)) + " invocations"
}
