package bridge

import (
	"context"
	"fmt"
	"strings"

	"github.com/mattn/go-runewidth"
	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/goclaw-bridge/internal/config"
	"github.com/nextlevelbuilder/goclaw-bridge/internal/mcpbridge"
)

// statusCmd connects to every configured upstream once and prints a
// snapshot table, for operators who want a one-shot health view without
// tailing logs. It does not run the health supervisor's periodic loops.
func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Connect to all configured upstreams once and print their status",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgPath := config.ResolvePath(cfgFile)
			file, err := config.Load(cfgPath)
			if err != nil {
				return fmt.Errorf("status: %w", err)
			}

			sup := mcpbridge.NewSupervisor()
			servers, bridgeCfg := file.Snapshot()
			ctx := context.Background()
			sup.ConnectAll(ctx, servers, bridgeCfg)
			defer sup.Stop()

			printStatusTable(cmd, sup.Status())
			return nil
		},
	}
}

func printStatusTable(cmd *cobra.Command, entries []mcpbridge.StatusEntry) {
	cols := []string{"NAME", "STATUS", "TOOLS", "RESOURCES", "PROMPTS", "RESTARTS", "LAST ERROR"}
	widths := make([]int, len(cols))
	for i, c := range cols {
		widths[i] = runewidth.StringWidth(c)
	}

	rows := make([][]string, 0, len(entries))
	for _, e := range entries {
		row := []string{
			e.Name,
			e.Status,
			fmt.Sprintf("%d", e.ToolCount),
			fmt.Sprintf("%d", e.ResourceCount),
			fmt.Sprintf("%d", e.PromptCount),
			fmt.Sprintf("%d", e.RestartCount),
			e.LastError,
		}
		rows = append(rows, row)
		for i, v := range row {
			if w := runewidth.StringWidth(v); w > widths[i] {
				widths[i] = w
			}
		}
	}

	cmd.Println(formatRow(cols, widths))
	var rule strings.Builder
	for i, w := range widths {
		if i > 0 {
			rule.WriteString("  ")
		}
		rule.WriteString(strings.Repeat("-", w))
	}
	cmd.Println(rule.String())
	for _, row := range rows {
		cmd.Println(formatRow(row, widths))
	}
}

func formatRow(cells []string, widths []int) string {
	var b strings.Builder
	for i, c := range cells {
		if i > 0 {
			b.WriteString("  ")
		}
		b.WriteString(c)
		b.WriteString(strings.Repeat(" ", widths[i]-runewidth.StringWidth(c)))
	}
	return strings.TrimRight(b.String(), " ")
}
