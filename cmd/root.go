// Package cmd provides the hotwatch command-line interface.
//
// Configuration is resolved by Viper with this precedence (highest first):
//
//  1. Command-line flags (-watch, -serve, -run, -port, ...)
//  2. HOTWATCH_<SECTION>_<KEY> environment variables, e.g. HOTWATCH_SERVER_PORT
//  3. The config file: --config, else HOTWATCH_CONFIG_FILE, else .hotwatch.yml
//  4. Built-in defaults
package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/conneroisu/hotwatch/internal/config"
	hwerrors "github.com/conneroisu/hotwatch/internal/errors"
	"github.com/conneroisu/hotwatch/internal/logging"
	"github.com/conneroisu/hotwatch/internal/server"
)

// Execute runs the CLI with the process arguments.
func Execute() error {
	root := NewRootCmd(viper.GetViper())
	root.SetArgs(NormalizeArgs(root, os.Args[1:]))

	err := root.ExecuteContext(context.Background())
	if err != nil {
		fmt.Fprintln(root.ErrOrStderr(), "Error:", hwerrors.FormatErrorWithSuggestions(err))
	}
	return err
}

// ExitCode maps an error returned by Execute to a process exit status: 1
// when hotwatch could not start, 2 for usage mistakes.
func ExitCode(err error) int {
	switch {
	case err == nil:
		return 0
	case hwerrors.IsFatalError(err):
		return 1
	default:
		return 2
	}
}

// NewRootCmd builds the command tree around v.
func NewRootCmd(v *viper.Viper) *cobra.Command {
	var cfgFile string

	root := &cobra.Command{
		Use:   "hotwatch",
		Short: "Live-reload development server",
		Long: `hotwatch watches a directory, runs a build command when files change,
serves a directory over HTTP and tells connected browsers to reload.

Browsers subscribe on /sse (Server-Sent Events) or /ws (WebSocket). Directory
index pages get a small reload script injected automatically.

Examples:
  hotwatch -watch ./src -serve ./dist -run "make build"
  hotwatch -serve ./public -port 3000
  hotwatch config show`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig(v, cfgFile, cmd.ErrOrStderr())
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), v, cmd.OutOrStdout())
		},
	}

	flags := root.PersistentFlags()
	flags.StringVar(&cfgFile, "config", "", "config file (default is .hotwatch.yml, can also use HOTWATCH_CONFIG_FILE)")
	flags.String("watch", ".", "Directory to watch for changes")
	flags.String("serve", ".", "Directory to serve over HTTP")
	flags.String("run", "", "Command to run on change (no shell)")
	flags.Int("port", 8080, "Port to serve on")
	flags.String("host", "0.0.0.0", "Host to bind to")
	flags.Bool("no-keys", false, "Don't listen for the quit key on stdin")
	flags.String("log-level", "info", "Log level (debug, info, warn, error)")
	flags.String("log-format", "text", "Log format (text, json)")

	bindings := map[string]string{
		"watch.dir":        "watch",
		"serve.dir":        "serve",
		"run.command":      "run",
		"server.port":      "port",
		"server.host":      "host",
		"shutdown.no_keys": "no-keys",
		"log.level":        "log-level",
		"log.format":       "log-format",
	}
	for key, name := range bindings {
		_ = v.BindPFlag(key, flags.Lookup(name))
	}

	root.AddCommand(newConfigCmd(v), newVersionCmd())
	return root
}

// initConfig points v at the config file and enables HOTWATCH_ overrides.
// A missing default file is fine; an explicitly named one must load.
func initConfig(v *viper.Viper, cfgFile string, stderr io.Writer) error {
	explicit := true
	switch {
	case cfgFile != "":
		v.SetConfigFile(cfgFile)
	case os.Getenv("HOTWATCH_CONFIG_FILE") != "":
		v.SetConfigFile(os.Getenv("HOTWATCH_CONFIG_FILE"))
	default:
		explicit = false
		v.AddConfigPath(".")
		v.SetConfigType("yaml")
		v.SetConfigName(".hotwatch")
	}

	v.SetEnvPrefix(config.EnvPrefix)
	v.SetEnvKeyReplacer(config.EnvKeyReplacer())
	v.AutomaticEnv()

	err := v.ReadInConfig()
	if err == nil {
		fmt.Fprintln(stderr, "Using config file:", v.ConfigFileUsed())
		return nil
	}

	var notFound viper.ConfigFileNotFoundError
	if !explicit && errors.As(err, &notFound) {
		return nil
	}
	return hwerrors.WrapConfig(err, hwerrors.ErrCodeConfigInvalid, "failed to read config file")
}

func runServe(ctx context.Context, v *viper.Viper, out io.Writer) error {
	cfg, err := config.LoadFrom(v)
	if err != nil {
		return err
	}

	logger, closeLog, err := newLogger(cfg)
	if err != nil {
		return err
	}
	defer closeLog()

	srv, err := server.New(cfg, logger, server.WithOutput(out))
	if err != nil {
		return err
	}
	return srv.Start(ctx)
}

// newLogger builds the console logger, teeing into a dated file when
// log.dir is set.
func newLogger(cfg *config.Config) (logging.Logger, func(), error) {
	console := logging.NewLogger(cfg.Log.LoggerConfig())
	if cfg.Log.Dir == "" {
		return console, func() {}, nil
	}

	fileLogger, err := logging.NewFileLogger(cfg.Log.LoggerConfig(), cfg.Log.Dir)
	if err != nil {
		return nil, nil, hwerrors.WrapConfig(err, hwerrors.ErrCodeConfigInvalid, "failed to open log directory")
	}
	console.Info(context.Background(), "Writing log file", "path", fileLogger.Path())
	return logging.NewMultiLogger(console, fileLogger), func() { _ = fileLogger.Close() }, nil
}
