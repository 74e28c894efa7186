package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/spf13/cobra"

	"github.com/tailored-agentic-units/replica/crdt"
	"github.com/tailored-agentic-units/replica/proxy"
	"github.com/tailored-agentic-units/replica/store"
	"github.com/tailored-agentic-units/replica/transport"
)

var (
	errRejected = errors.New("store rejected the change")
	errNotFound = errors.New("entity not found")
)

type entityProxy = proxy.StorageProxy[store.EntityCollection, store.EntityOperation]

// dial connects a proxy to the configured server. The subscription handshake
// carries the store's model, so the proxy is synced on return.
func dial(ctx context.Context, opts *RootOptions) (*entityProxy, error) {
	client := transport.NewClient[store.EntityCollection, store.EntityOperation](http.DefaultClient, opts.Server)
	p, err := proxy.New(ctx, client, crdt.CollectionFactory[store.Entity]())
	if err != nil {
		return nil, fmt.Errorf("connect to %s: %w", opts.Server, err)
	}
	return p, nil
}

// NewAddCommand creates the add command.
func NewAddCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "add <id> [field=value...]",
		Short: "Add or replace an entity",
		Long: `Add writes an entity to the served store. Adding an id that already exists
replaces its fields.

Fields are name=value pairs; values that parse as JSON keep their type.

Example:
  storectl add ada name=Ada born=1815
  storectl add ada tags='["math","poetry"]'`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAdd(cmd, rootOpts, args[0], args[1:])
		},
	}
}

func runAdd(cmd *cobra.Command, opts *RootOptions, id string, fieldArgs []string) error {
	fields, err := parseFields(fieldArgs)
	if err != nil {
		return err
	}

	ctx := cmd.Context()
	p, err := dial(ctx, opts)
	if err != nil {
		return err
	}
	defer p.Close(context.WithoutCancel(ctx))

	entity := store.Entity{ID: id, Fields: fields}
	op := crdt.NewCollection(p.Data()).AddOp(p.Actor(), entity)

	ok, err := p.Apply(ctx, op)
	if err != nil {
		return fmt.Errorf("add %s: %w", id, err)
	}
	if !ok {
		return fmt.Errorf("add %s: %w", id, errRejected)
	}

	fmt.Fprintf(cmd.OutOrStdout(), "added %s\n", id)
	return nil
}

// NewRemoveCommand creates the remove command.
func NewRemoveCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:     "remove <id>",
		Aliases: []string{"rm"},
		Short:   "Remove an entity",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRemove(cmd, rootOpts, args[0])
		},
	}
}

func runRemove(cmd *cobra.Command, opts *RootOptions, id string) error {
	ctx := cmd.Context()
	p, err := dial(ctx, opts)
	if err != nil {
		return err
	}
	defer p.Close(context.WithoutCancel(ctx))

	c := crdt.NewCollection(p.Data())
	if !c.Has(id) {
		return fmt.Errorf("remove %s: %w", id, errNotFound)
	}

	ok, err := p.Apply(ctx, c.RemoveOp(p.Actor(), store.Entity{ID: id}))
	if err != nil {
		return fmt.Errorf("remove %s: %w", id, err)
	}
	if !ok {
		return fmt.Errorf("remove %s: %w", id, errRejected)
	}

	fmt.Fprintf(cmd.OutOrStdout(), "removed %s\n", id)
	return nil
}

// NewDumpCommand creates the dump command.
func NewDumpCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "dump",
		Short: "Print every entity in the served store",
		Long: `Dump prints the store's entities ordered by id. Entities a reference-mode
store has not received yet are shown as placeholders.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDump(cmd, rootOpts)
		},
	}
}

func runDump(cmd *cobra.Command, opts *RootOptions) error {
	ctx := cmd.Context()
	p, err := dial(ctx, opts)
	if err != nil {
		return err
	}
	defer p.Close(context.WithoutCancel(ctx))

	views := viewEntities(crdt.NewCollection(p.Data()).Values())
	return writeOutput(cmd.OutOrStdout(), opts.Format, views, textEntities(views))
}
