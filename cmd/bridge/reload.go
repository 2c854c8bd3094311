package bridge

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/goclaw-bridge/internal/config"
)

// reloadCmd re-reads and validates the bridge config file without starting
// any upstream connections, for operators who want to check a config edit
// before a running bridge picks it up (the fsnotify watcher inside `serve`
// is the live reload path; this is the offline check).
func reloadCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reload",
		Short: "Validate the bridge config file without starting upstreams",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgPath := config.ResolvePath(cfgFile)
			file, err := config.Load(cfgPath)
			if err != nil {
				return fmt.Errorf("reload: %w", err)
			}

			servers, _ := file.Snapshot()
			cmd.Printf("config %s is valid: %d upstream(s) configured\n", cfgPath, len(servers))
			return nil
		},
	}
}
