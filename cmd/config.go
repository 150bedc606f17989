package cmd

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/conneroisu/hotwatch/internal/config"
)

func newConfigCmd(v *viper.Viper) *cobra.Command {
	configCmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect hotwatch configuration",
		Long: `Inspect the configuration hotwatch would run with.

Examples:
  hotwatch config show                  # Show resolved configuration as YAML
  hotwatch config show --format json    # Show it as JSON
  hotwatch config validate              # Check configuration without serving`,
	}

	var format string
	showCmd := &cobra.Command{
		Use:   "show",
		Short: "Show the resolved configuration",
		Long: `Display the configuration after merging the config file, HOTWATCH_
environment variables, flags and defaults.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadFrom(v)
			if err != nil {
				return err
			}
			return showConfig(cmd.OutOrStdout(), cfg, format)
		},
	}
	showCmd.Flags().StringVarP(&format, "format", "f", "yaml", "Output format (yaml, json)")

	validateCmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate the configuration",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := config.LoadFrom(v); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "Configuration is valid")
			return nil
		},
	}

	configCmd.AddCommand(showCmd, validateCmd)
	return configCmd
}

func showConfig(w io.Writer, cfg *config.Config, format string) error {
	switch format {
	case "yaml", "yml":
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(cfg); err != nil {
			return fmt.Errorf("failed to encode configuration: %w", err)
		}
		return enc.Close()
	case "json":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(cfg)
	default:
		return fmt.Errorf("unsupported format: %s (supported: yaml, json)", format)
	}
}
