package main

import (
	"fmt"
	"io"
	"log/slog"
	"slices"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// RootOptions holds global flags for all commands.
type RootOptions struct {
	ConfigFile string
	Server     string
	Verbose    bool
	Format     string // "text" | "json" | "yaml"

	config *viper.Viper
}

// ValidFormats defines the allowed output formats.
var ValidFormats = []string{"text", "json", "yaml"}

// NewRootCommand creates the root command for storectl.
func NewRootCommand() *cobra.Command {
	opts := &RootOptions{}

	cmd := &cobra.Command{
		Use:   "storectl",
		Short: "Serve and edit replicated entity stores",
		Long: `storectl serves a replicated entity store over RPC and edits it through
remote proxies. Every edit is a CRDT operation, so any number of clients can
write to the same store concurrently.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if !slices.Contains(ValidFormats, opts.Format) {
				return fmt.Errorf("invalid format %q: must be one of %v", opts.Format, ValidFormats)
			}

			v, err := loadConfig(opts.ConfigFile)
			if err != nil {
				return err
			}
			if flag := cmd.Flags().Lookup("server"); flag != nil {
				if err := v.BindPFlag(cfgKeyServer, flag); err != nil {
					return fmt.Errorf("bind server flag: %w", err)
				}
			}
			opts.config = v
			opts.Server = v.GetString(cfgKeyServer)
			return nil
		},
	}

	cmd.PersistentFlags().StringVar(&opts.ConfigFile, "config", "", "config file (default: ./storectl.yaml)")
	cmd.PersistentFlags().StringVar(&opts.Server, "server", defaultServer, "store server base URL")
	cmd.PersistentFlags().BoolVarP(&opts.Verbose, "verbose", "v", false, "verbose logging to stderr")
	cmd.PersistentFlags().StringVar(&opts.Format, "format", "text", "output format (text|json|yaml)")

	cmd.AddCommand(NewServeCommand(opts))
	cmd.AddCommand(NewAddCommand(opts))
	cmd.AddCommand(NewRemoveCommand(opts))
	cmd.AddCommand(NewDumpCommand(opts))
	cmd.AddCommand(NewKeyCommand(opts))
	cmd.AddCommand(NewVersionCommand())

	return cmd
}

func newLogger(w io.Writer, verbose bool) *slog.Logger {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: level}))
}
