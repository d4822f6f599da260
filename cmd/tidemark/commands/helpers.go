package commands

import (
	"github.com/spf13/cobra"

	"github.com/tidemark/tidemark/config"
)

// loadConfig resolves configuration for a command: an explicit --config
// path wins, otherwise the project config found by walking upward, with
// env overrides applied either way.
func loadConfig(cmd *cobra.Command) (*config.Config, string, error) {
	path, _ := cmd.Flags().GetString("config")
	if path == "" {
		path = config.FindProjectConfig()
	}
	if path != "" {
		cfg, err := config.LoadFromFile(path)
		return cfg, path, err
	}
	cfg, err := config.Load()
	return cfg, "", err
}
