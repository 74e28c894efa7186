package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/spf13/cobra"

	"github.com/tailored-agentic-units/replica/crdt"
	"github.com/tailored-agentic-units/replica/driver"
	"github.com/tailored-agentic-units/replica/host"
	"github.com/tailored-agentic-units/replica/observability"
	"github.com/tailored-agentic-units/replica/storagekey"
	"github.com/tailored-agentic-units/replica/store"
	"github.com/tailored-agentic-units/replica/transport"
)

const (
	defaultStoreName = "entities"
	shutdownTimeout  = 5 * time.Second
)

var entityType = store.Type{Kind: "Collection", Schema: "Entity"}

type serveOptions struct {
	listen string
	exists string
	id     string
	name   string
	buffer int
}

// NewServeCommand creates the serve command.
func NewServeCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &serveOptions{}

	cmd := &cobra.Command{
		Use:   "serve [storage-key]",
		Short: "Serve an entity store over RPC",
		Long: `Serve activates an entity store and exposes it to proxies until interrupted.

Without a key the store lives in the arc's volatile memory. Reference-mode keys
keep entities in the backing key and the collection of references in the
container key.

Example:
  storectl serve
  storectl serve sqlite://people/main --exists create
  storectl serve 'reference-mode://{leveldb://people/entities}{file://people/refs.json}'`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := rootOpts.config.BindPFlag(cfgKeyListen, cmd.Flags().Lookup("listen")); err != nil {
				return fmt.Errorf("bind listen flag: %w", err)
			}
			opts.listen = rootOpts.config.GetString(cfgKeyListen)
			return runServe(cmd, rootOpts, opts, args)
		},
	}

	cmd.Flags().StringVar(&opts.listen, "listen", defaultListen, "address to listen on")
	cmd.Flags().StringVar(&opts.exists, "exists", "may", "existing data policy (may|should|create)")
	cmd.Flags().StringVar(&opts.id, "id", "", "store id (default: generated)")
	cmd.Flags().StringVar(&opts.name, "name", defaultStoreName, "store name")
	cmd.Flags().IntVar(&opts.buffer, "buffer", 64, "messages queued per subscriber before it is dropped")
	return cmd
}

func parseExists(s string) (driver.Exists, error) {
	switch s {
	case "may":
		return driver.MayExist, nil
	case "should":
		return driver.ShouldExist, nil
	case "create":
		return driver.ShouldCreate, nil
	default:
		return 0, fmt.Errorf("invalid exists policy %q: must be one of may, should, create", s)
	}
}

func runServe(cmd *cobra.Command, rootOpts *RootOptions, opts *serveOptions, args []string) error {
	exists, err := parseExists(opts.exists)
	if err != nil {
		return err
	}

	logger := newLogger(cmd.ErrOrStderr(), rootOpts.Verbose)
	observability.RegisterObserver("slog", observability.NewSlogObserver(logger))

	cfg := hostConfig(rootOpts.config)
	h, err := host.New(&cfg)
	if err != nil {
		return fmt.Errorf("create host: %w", err)
	}
	defer h.Close()

	var key storagekey.StorageKey = h.StorageKeyFor(opts.name)
	if len(args) == 1 {
		if key, err = storagekey.Parse(args[0]); err != nil {
			return err
		}
	}

	desc := host.NewStore(h, key, exists, entityType, opts.id, crdt.CollectionFactory[store.Entity](),
		store.WithName(opts.name),
		store.WithSource("storectl"),
	)
	if _, err := h.RegisterStore(desc, host.TagShared); err != nil {
		return err
	}

	ctx := cmd.Context()
	active, err := desc.Activate(ctx)
	if err != nil {
		return fmt.Errorf("activate %s: %w", key, err)
	}
	defer active.Close()

	server := transport.NewServer(active,
		transport.WithBufferSize(opts.buffer),
		transport.WithServerObserver(h.Observer()),
	)
	mux := http.NewServeMux()
	mux.Handle(server.Handler())

	srv := &http.Server{
		Addr:              opts.listen,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	logger.Info("serving store", "addr", opts.listen, "mode", active.Mode().String(), "manifest", h.Manifest())

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("serve: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return active.Idle(shutdownCtx)
}
