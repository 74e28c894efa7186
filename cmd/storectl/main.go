// Command storectl serves a replicated entity store over RPC and edits it
// through remote proxies.
//
//	storectl serve sqlite://notes/main --listen :8470
//	storectl add ada name=Ada born=1815
//	storectl dump --format yaml
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	if err := NewRootCommand().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		stop()
		os.Exit(1)
	}
}
