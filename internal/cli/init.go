package cli

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
)

const defaultConfigYAML = `# maintflow config
# Priority: CLI flag > MAINTFLOW_* env > this file > default.

# home: ~/.maintflow          # socket (.tm.socket) and tasks.db live here
log_level:  "info"
log_format: "console"         # console | json

shutdown_timeout: "30s"
purge_interval:   "1m"
metrics_addr:     ":9090"
http_addr:        ":8080"

workers:
  vacuum:
    pool_size: 10
  command:
    pool_size: 2
    allow: []                 # executables the command worker may run

postgres:
  host:   "localhost"
  port:   5432
  user:   "postgres"
  dbname: "postgres"
  # password: ""              # or MAINTFLOW_POSTGRES_PASSWORD

api:
  rate_limit: 20
  rate_burst: 40

# Tasks scheduled on every start. An entry keeps its id across restarts, so a
# recurring entry that is still pending is left alone; a finished one-shot
# entry runs again.
# bootstrap:
#   - worker: vacuum
#     options: {dbname: app, schema: public, table: events, mode: analyze}
#     redo: "0 3 * * *"
#     expire: "168h"
`

func newInitCmd() *cobra.Command {
	var force bool

	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default config file",
		Long: `Write the default configuration.

If --config is given the file is written to that path.
Otherwise it is written to ~/.maintflow/maintflow.yaml.
Fails if the file already exists unless --force is passed.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			dest := cfgFile
			if dest == "" {
				home, err := os.UserHomeDir()
				if err != nil {
					return fmt.Errorf("home dir: %w", err)
				}
				dest = filepath.Join(home, ".maintflow", "maintflow.yaml")
			}

			if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
				return fmt.Errorf("mkdir: %w", err)
			}

			if !force {
				if _, err := os.Stat(dest); err == nil {
					return fmt.Errorf("%s already exists (use --force to overwrite)", dest)
				} else if !errors.Is(err, os.ErrNotExist) {
					return fmt.Errorf("stat %s: %w", dest, err)
				}
			}

			if err := os.WriteFile(dest, []byte(defaultConfigYAML), 0o644); err != nil {
				return fmt.Errorf("write config: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "config written to %s\n", dest)
			return nil
		},
	}

	cmd.Flags().BoolVar(&force, "force", false, "overwrite existing config file")
	return cmd
}
