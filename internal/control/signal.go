package control

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/demile-15/ConcurrentDB/internal/logging"
	"github.com/demile-15/ConcurrentDB/internal/worker"
)

// IgnoreBrokenPipe ignores SIGPIPE process-wide: broken-pipe faults on
// client sockets must never terminate the process. It should be called
// once, at startup, before any socket I/O begins.
func IgnoreBrokenPipe() {
	signal.Ignore(syscall.SIGPIPE)
}

// MonitorSignals is the dedicated signal-monitor task. It blocks waiting
// for interrupt delivery; on receipt it logs a line and cancels every
// registered worker, then resumes waiting, since interrupt does not
// itself tear down the listener or operator console. It returns when ctx
// is cancelled, which is how shutdown retires this task.
func MonitorSignals(ctx context.Context, registry *worker.Registry, logger logging.Logger) {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt)
	defer signal.Stop(sigCh)

	for {
		select {
		case <-ctx.Done():
			return
		case <-sigCh:
			logger.Infof("SIGINT received, cancelling all clients")
			registry.CancelAll()
		}
	}
}
