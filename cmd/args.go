package cmd

import (
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
)

// NormalizeArgs rewrites single-dash long flags such as -watch or -port=80
// into their double-dash form so the classic invocation style keeps working.
// Shorthand flags, unknown names and everything after "--" are left alone.
func NormalizeArgs(root *cobra.Command, args []string) []string {
	names := longFlagNames(root)

	out := make([]string, 0, len(args))
	for i, arg := range args {
		if arg == "--" {
			return append(out, args[i:]...)
		}
		if len(arg) > 2 && arg[0] == '-' && arg[1] != '-' {
			name, _, _ := strings.Cut(arg[1:], "=")
			if _, ok := names[name]; ok {
				arg = "-" + arg
			}
		}
		out = append(out, arg)
	}
	return out
}

func longFlagNames(root *cobra.Command) map[string]struct{} {
	names := make(map[string]struct{})
	collect := func(fs *pflag.FlagSet) {
		fs.VisitAll(func(f *pflag.Flag) {
			if len(f.Name) > 1 {
				names[f.Name] = struct{}{}
			}
		})
	}

	var walk func(c *cobra.Command)
	walk = func(c *cobra.Command) {
		collect(c.PersistentFlags())
		collect(c.Flags())
		for _, sub := range c.Commands() {
			walk(sub)
		}
	}
	walk(root)
	// cobra adds --help lazily
	names["help"] = struct{}{}
	return names
}
