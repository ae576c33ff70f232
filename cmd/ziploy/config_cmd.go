package main

import (
	"fmt"
	"log/slog"

	"github.com/BadgerOps/ziploy/internal/config"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

func newConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect configuration",
		Long: `Inspect the ziploy configuration resolved from the config file,
environment variables and defaults.`,
		Example: `  ziploy config show
  ziploy config path --project ./site`,
	}

	cmd.AddCommand(
		newConfigShowCmd(),
		newConfigPathCmd(),
	)

	return cmd
}

func newConfigShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Display the effective configuration",
		Long: `Display the effective configuration in YAML format, after the config
file and environment overrides have been applied.`,
		Example: `  ziploy config show
  ZIPLOY_CHUNK_SIZE=1MiB ziploy config show`,
		Args: cobra.NoArgs,
		RunE: configShowRun,
	}
}

func configShowRun(cmd *cobra.Command, args []string) error {
	log := slog.Default()

	if globalCfg == nil {
		return fmt.Errorf("config not loaded")
	}

	log.Debug("showing configuration")

	data, err := yaml.Marshal(globalCfg)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	fmt.Println("Current Configuration:")
	fmt.Println("======================")
	fmt.Println(string(data))

	return nil
}

func newConfigPathCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "path",
		Short: "Print the config file that would be used",
		Args:  cobra.NoArgs,
		RunE:  configPathRun,
	}
}

func configPathRun(cmd *cobra.Command, args []string) error {
	if cfgPath != "" {
		fmt.Println(cfgPath)
		return nil
	}
	path, err := config.FindConfigFile(projectDir)
	if err != nil {
		return err
	}
	fmt.Println(path)
	return nil
}
