package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/aretw0/transfer/internal/config"
	"github.com/aretw0/transfer/internal/logging"
	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "transfer",
	Short: "Transfer receives files over HTTP and hands back URLs for them",
	Long: `Transfer is a small HTTP file drop. Run without a subcommand it starts the
server, so "transfer -p 8080" and "transfer serve -p 8080" are equivalent.`,
	SilenceUsage: true,
	RunE:         runServe,
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	addConfigFlags(rootCmd)
	addServeFlags(rootCmd)
}

// addConfigFlags registers the flags every subcommand inherits.
func addConfigFlags(cmd *cobra.Command) {
	cmd.PersistentFlags().String("config", "", "Path to a YAML config file")
	cmd.PersistentFlags().String("log-level", "", "Log level: debug, info, warn or error")
	cmd.PersistentFlags().String("log-format", "", "Log format: text or json")
}

// addServeFlags registers the flags that override server settings.
func addServeFlags(cmd *cobra.Command) {
	cmd.Flags().IntP("port", "p", 0, "Port to listen on")
	cmd.Flags().String("host", "", "Interface to listen on")
	cmd.Flags().String("data-dir", "", "Directory for stored files (file backend)")
	cmd.Flags().String("public-url", "", "Base URL used in returned links")
}

// loadConfig layers defaults, the config file, .env, the environment and
// finally flags that were set explicitly.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	if err := config.LoadDotEnv(".env"); err != nil {
		return nil, err
	}

	flags := cmd.Flags()
	path, _ := flags.GetString("config")
	cfg, err := config.Load(path, nil)
	if err != nil {
		return nil, err
	}

	if flags.Changed("port") {
		cfg.Port, _ = flags.GetInt("port")
	}
	for flag, dst := range map[string]*string{
		"host":       &cfg.Host,
		"data-dir":   &cfg.DataDir,
		"public-url": &cfg.PublicURL,
		"log-level":  &cfg.LogLevel,
		"log-format": &cfg.LogFormat,
	} {
		if flags.Lookup(flag) != nil && flags.Changed(flag) {
			*dst, _ = flags.GetString(flag)
		}
	}
	return cfg, nil
}

func newLogger(cfg *config.Config) (*slog.Logger, error) {
	level, err := logging.ParseLevel(cfg.LogLevel)
	if err != nil {
		return nil, err
	}
	return logging.New(level, cfg.LogFormat), nil
}
