package main

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/tailored-agentic-units/replica/host"
	"github.com/tailored-agentic-units/replica/storagekey"
)

type keyView struct {
	Protocol  string `json:"protocol" yaml:"protocol"`
	Key       string `json:"key" yaml:"key"`
	Backing   string `json:"backing,omitempty" yaml:"backing,omitempty"`
	Container string `json:"container,omitempty" yaml:"container,omitempty"`
}

func viewKey(key storagekey.StorageKey) keyView {
	v := keyView{Protocol: key.Protocol(), Key: key.String()}
	if ref, ok := key.(storagekey.ReferenceModeKey); ok {
		v.Backing = ref.Backing.String()
		v.Container = ref.Container.String()
	}
	return v
}

func (v keyView) text(w io.Writer) error {
	if _, err := fmt.Fprintf(w, "%s\t%s\n", v.Protocol, v.Key); err != nil {
		return err
	}
	if v.Backing != "" {
		_, err := fmt.Fprintf(w, "  backing\t%s\n  container\t%s\n", v.Backing, v.Container)
		return err
	}
	return nil
}

// NewKeyCommand creates the key command group.
func NewKeyCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "key",
		Short: "Inspect and derive storage keys",
	}
	cmd.AddCommand(newKeyParseCommand(rootOpts))
	cmd.AddCommand(newKeyForCommand(rootOpts))
	return cmd
}

func newKeyParseCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "parse <storage-key>",
		Short: "Parse a storage key and print its canonical form",
		Long: `Parse validates a storage key and prints its protocol and canonical form.

Example:
  storectl key parse volatile://arc/notes
  storectl key parse 'reference-mode://{sqlite://people/entities}{volatile://arc/refs}'`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			key, err := storagekey.Parse(args[0])
			if err != nil {
				return err
			}
			v := viewKey(key)
			return writeOutput(cmd.OutOrStdout(), rootOpts.Format, v, v.text)
		},
	}
}

func newKeyForCommand(rootOpts *RootOptions) *cobra.Command {
	var reference bool

	cmd := &cobra.Command{
		Use:   "for <name>",
		Short: "Derive the volatile key a host gives a store name",
		Long: `For prints the key the configured arc derives for a store name. Set
arc_id in the config, or STORECTL_ARC_ID, to derive stable keys.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := hostConfig(rootOpts.config)
			cfg.Observer = "noop"

			h, err := host.New(&cfg)
			if err != nil {
				return err
			}
			defer h.Close()

			var key storagekey.StorageKey = h.StorageKeyFor(args[0])
			if reference {
				key = h.ReferenceKeyFor(args[0])
			}
			v := viewKey(key)
			return writeOutput(cmd.OutOrStdout(), rootOpts.Format, v, v.text)
		},
	}
	cmd.Flags().BoolVar(&reference, "reference", false, "derive a reference-mode key")
	return cmd
}
