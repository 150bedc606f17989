package cmd

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/conneroisu/hotwatch/internal/version"
)

func newVersionCmd() *cobra.Command {
	var (
		format string
		short  bool
	)

	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Long: `Display version information for hotwatch: version, git commit,
build time, Go version and platform.

Examples:
  hotwatch version                # Show version details
  hotwatch version --short        # Show the version only
  hotwatch version --format json  # Output as JSON`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			info := version.Get()

			switch format {
			case "json":
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				return enc.Encode(info)
			case "yaml":
				return yaml.NewEncoder(out).Encode(info)
			case "text":
			default:
				return fmt.Errorf("unsupported format: %s (supported: text, json, yaml)", format)
			}

			if short {
				fmt.Fprintln(out, version.Short())
				return nil
			}
			fmt.Fprintf(out, "hotwatch %s\n", version.Short())
			if !info.BuildTime.IsZero() {
				fmt.Fprintf(out, "  built:    %s\n", info.BuildTime.Format("2006-01-02 15:04:05 MST"))
			}
			if info.Dirty {
				fmt.Fprintln(out, "  modified: true")
			}
			fmt.Fprintf(out, "  go:       %s\n", info.GoVersion)
			fmt.Fprintf(out, "  platform: %s\n", info.Platform)
			return nil
		},
	}

	versionCmd.Flags().StringVarP(&format, "format", "f", "text", "Output format (text, json, yaml)")
	versionCmd.Flags().BoolVar(&short, "short", false, "Show the version only")
	return versionCmd
}
