// Command kvstore runs the multi-client, in-memory key/value server: a
// TCP listener handing connections to the worker-lifecycle layer, an
// operator console on standard input, and a signal monitor, all
// supervised together and torn down by the shutdown sequence on
// end-of-input.
package main

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"

	"github.com/demile-15/ConcurrentDB/internal/command"
	"github.com/demile-15/ConcurrentDB/internal/control"
	"github.com/demile-15/ConcurrentDB/internal/logging"
	"github.com/demile-15/ConcurrentDB/internal/metrics"
	"github.com/demile-15/ConcurrentDB/internal/store"
	"github.com/demile-15/ConcurrentDB/internal/worker"
)

func main() {
	verbose := pflag.BoolP("verbose", "v", false, "enable debug-level logging")
	metricsAddr := pflag.String("metrics-addr", "", "if set, serve Prometheus metrics on this address (e.g. :9090)")
	maxReply := pflag.Int("max-reply", worker.DefaultMaxReply, "maximum reply length, in bytes, sent to a client")
	pflag.Parse()

	if pflag.NArg() != 1 {
		fmt.Fprintln(os.Stderr, "usage: kvstore [flags] PORT")
		os.Exit(1)
	}
	port := pflag.Arg(0)

	logger := logging.New(*verbose)
	control.IgnoreBrokenPipe()

	metricsReg := metrics.New()
	tree := store.New()
	tree.SetObserver(metricsReg)
	interp := command.New(tree, metricsReg)

	registry := worker.NewRegistry(metricsReg)
	gate := worker.NewGate()
	accept := worker.NewAcceptFlag()

	listener, err := net.Listen("tcp", net.JoinHostPort("", port))
	if err != nil {
		logger.Fatalf("kvstore: cannot listen on port %s: %v", port, err)
	}

	var g errgroup.Group

	listenerCtx, cancelListener := context.WithCancel(context.Background())
	context.AfterFunc(listenerCtx, func() { listener.Close() })
	g.Go(func() error {
		return acceptLoop(listenerCtx, listener, registry, gate, accept, interp, logger, *maxReply)
	})

	signalCtx, cancelSignalMonitor := context.WithCancel(context.Background())
	g.Go(func() error {
		control.MonitorSignals(signalCtx, registry, logger)
		return nil
	})

	var metricsSrv *http.Server
	if *metricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(metricsReg.Gatherer(), promhttp.HandlerOpts{}))
		metricsSrv = &http.Server{Addr: *metricsAddr, Handler: mux}
		g.Go(func() error {
			if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				return err
			}
			return nil
		})
	}

	logger.Infof("kvstore: listening on port %s", port)

	console := control.NewConsole(os.Stdin, os.Stdout, tree, gate, logger)
	console.Run()

	sd := &control.Shutdown{
		CancelSignalMonitor: cancelSignalMonitor,
		CancelListener:      cancelListener,
		Accept:              accept,
		Registry:            registry,
		Tree:                tree,
		Logger:              logger,
	}
	sd.Run()

	if metricsSrv != nil {
		metricsSrv.Close()
	}

	if err := g.Wait(); err != nil {
		logger.Fatalf("kvstore: %v", err)
	}
}

// acceptLoop is the listener task: it blocks
// in accept, handing each connection to a new worker goroutine, until ctx
// is cancelled, at which point the AfterFunc registered by main closes
// the listener and unblocks the pending Accept call.
func acceptLoop(
	ctx context.Context,
	listener net.Listener,
	registry *worker.Registry,
	gate *worker.Gate,
	accept *worker.AcceptFlag,
	interp *command.Interpreter,
	logger logging.Logger,
	maxReply int,
) error {
	for {
		conn, err := listener.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		go worker.Serve(ctx, conn, registry, gate, accept, interp, logger, maxReply)
	}
}
