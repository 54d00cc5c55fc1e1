// Package cli holds the maintflow cobra commands.
package cli

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"maintflow/internal/config"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:          "maintflow",
	Short:        "maintflow schedules and runs deferred database maintenance tasks",
	SilenceUsage: true,
}

// Execute is the entry point called from cmd/maintflow/main.go.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)
	config.SetDefaults(viper.GetViper())

	pf := rootCmd.PersistentFlags()
	pf.StringVar(&cfgFile, "config", "", "config file path (default: ./maintflow.yaml)")
	pf.String("home", "", "state directory holding the socket and the task database")
	pf.String("socket", "", "IPC socket path (default: <home>/.tm.socket)")
	pf.String("log-level", "info", "log level: trace | debug | info | warn | error")
	pf.String("log-format", "console", "log format: console | json")
	bindFlag("home", pf, "home")
	bindFlag("socket_path", pf, "socket")
	bindFlag("log_level", pf, "log-level")
	bindFlag("log_format", pf, "log-format")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(apiCmd)
	rootCmd.AddCommand(newTasksCmd())
	rootCmd.AddCommand(newVacuumCmd())
	rootCmd.AddCommand(newInitCmd())
}

func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		home, _ := os.UserHomeDir()
		viper.SetConfigName("maintflow")
		viper.SetConfigType("yaml")
		viper.AddConfigPath(".")
		viper.AddConfigPath(filepath.Join(home, ".maintflow"))
		viper.AddConfigPath("/etc/maintflow")
	}

	config.BindEnv(viper.GetViper())

	if err := viper.ReadInConfig(); err != nil {
		_, notFound := err.(viper.ConfigFileNotFoundError)
		if !notFound && !os.IsNotExist(err) {
			fmt.Fprintln(os.Stderr, "error reading config file:", err)
			os.Exit(1)
		}
	}
}

// loadConfig returns the validated configuration.
func loadConfig() (config.Config, error) {
	cfg, err := config.Load(viper.GetViper())
	if err != nil {
		return cfg, err
	}
	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

func bindFlag(viperKey string, fs *pflag.FlagSet, flagName string) {
	if err := viper.BindPFlag(viperKey, fs.Lookup(flagName)); err != nil {
		panic(fmt.Sprintf("bindFlag %q → %q: %v", flagName, viperKey, err))
	}
}
