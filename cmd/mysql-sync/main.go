// Command mysql-sync runs one node of the replication daemon (§7
// "CLI"). It takes exactly one argument: the path to its JSON
// configuration file.
package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/sync/errgroup"

	"github.com/calii23/mysql-sync/pkg/mysqlsync/config"
	"github.com/calii23/mysql-sync/pkg/mysqlsync/daemon"
)

const (
	exitUsage       = -1
	exitStartup     = -2
	exitUnreachable = -128 // the tick loop runs until signaled; falling past it without an error is a bug
)

func main() {
	os.Exit(run())
}

func run() int {
	if len(os.Args) != 2 {
		fmt.Fprintf(os.Stderr, "usage: %s <config-file>\n", os.Args[0])
		return exitUsage
	}

	cfg, err := config.Load(os.Args[1])
	if err != nil {
		fmt.Fprintf(os.Stderr, "mysql-sync: %v\n", err)
		return exitStartup
	}

	d, err := daemon.New(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "mysql-sync: %v\n", err)
		return exitStartup
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error { return d.Run(groupCtx) })
	if handler := d.MetricsHandler(); handler != nil {
		group.Go(func() error { return serveMetrics(groupCtx, cfg.MetricsAddr, handler) })
	}

	err = group.Wait()
	switch {
	case err != nil:
		fmt.Fprintf(os.Stderr, "mysql-sync: %v\n", err)
		return exitStartup
	case ctx.Err() != nil:
		return 0
	default:
		return exitUnreachable
	}
}

// serveMetrics runs the optional /metrics HTTP server (§3 "Metrics")
// alongside the tick loop, shutting down cleanly when ctx is canceled.
func serveMetrics(ctx context.Context, addr string, handler http.Handler) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", handler)
	server := &http.Server{Addr: addr, Handler: mux}

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		<-groupCtx.Done()
		return server.Shutdown(context.Background())
	})
	group.Go(func() error {
		err := server.ListenAndServe()
		if errors.Is(err, http.ErrServerClosed) || errors.Is(err, net.ErrClosed) {
			return nil
		}
		return err
	})
	return group.Wait()
}
