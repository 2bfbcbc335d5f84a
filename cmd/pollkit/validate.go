package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"
	"github.com/spf13/cobra"

	"pollkit/internal/config"
	"pollkit/internal/poll"
	"pollkit/internal/probe"
)

func newValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Check the config and print the resolved poll table",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.NewConfigManager(cfgPath).Load()
			if err != nil {
				return err
			}
			out, err := renderPolls(cfg)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), out)
			return nil
		},
	}
}

func fmtDuration(d time.Duration) string {
	if d == poll.Never {
		return "never"
	}
	return d.String()
}

// renderPolls lists every poll with its effective frequency after defaults.
func renderPolls(cfg *config.Config) (string, error) {
	t := table.NewWriter()
	t.SetStyle(table.StyleRounded)
	t.Style().Format.Footer = text.FormatDefault
	t.AppendHeader(table.Row{"Name", "Kind", "Target", "Interval", "Min", "Max", "Jitter", "Standby", "Schedule"})

	for _, pc := range cfg.Polls {
		f, err := pc.Frequency("polls[" + pc.Name + "]")
		if err != nil {
			return "", err
		}
		target := strings.TrimSpace(pc.Target)
		switch strings.ToLower(strings.TrimSpace(pc.Kind)) {
		case config.KindExec:
			target = strings.Join(pc.Command, " ")
		case config.KindSystemd:
			target = probe.UnitName(pc.Unit)
		}
		mode := string(pc.StandbyMode())
		if pc.Manual {
			mode += " (manual)"
		}
		t.AppendRow(table.Row{
			pc.Name,
			strings.ToLower(pc.Kind),
			target,
			fmtDuration(f.Interval),
			fmtDuration(f.Min),
			fmtDuration(f.Max),
			fmt.Sprintf("%.2f", f.Jitter),
			mode,
			strings.TrimSpace(pc.Schedule),
		})
	}
	t.AppendFooter(table.Row{"", "", fmt.Sprintf("%d polls", len(cfg.Polls)), "", "", "", "", "", ""})
	return t.Render(), nil
}
