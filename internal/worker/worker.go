package worker

import (
	"container/list"
	"context"
	"errors"
	"io"

	"github.com/demile-15/ConcurrentDB/internal/command"
	"github.com/demile-15/ConcurrentDB/internal/logging"
	"github.com/demile-15/ConcurrentDB/internal/netio"
)

// DefaultMaxReply is the reply buffer length used when a server does not
// override it. Truncation to this length is correct behavior, not an
// error.
const DefaultMaxReply = 4096

// Worker is the per-connection record: a handle to the worker's goroutine
// (here, its cancel function), the client byte-stream handle, and the
// registry's linked-list element that anchors it.
type Worker struct {
	conn   netio.Conn
	cancel context.CancelFunc
	elem   *list.Element
}

// Serve runs one client connection to completion: admission, registration,
// the read/interpret/reply loop, and cleanup on every exit path. It never
// returns an error; failures are logged and simply end the connection.
//
// parentCtx is the server's root context; Serve derives its own cancellable
// child so that registry.CancelAll can single out this connection without
// affecting any other worker.
func Serve(
	parentCtx context.Context,
	conn netio.Conn,
	registry *Registry,
	gate *Gate,
	accept *AcceptFlag,
	interp *command.Interpreter,
	logger logging.Logger,
	maxReply int,
) {
	if !accept.Accepting() {
		conn.Close()
		return
	}

	ctx, cancel := context.WithCancel(parentCtx)
	defer cancel()

	w := &Worker{conn: conn, cancel: cancel}
	registry.register(w)
	defer registry.unregister(w)
	defer conn.Close()

	// Bridges asynchronous cancellation into the otherwise non-context-
	// aware blocking read: closing the connection is what actually
	// unblocks it. The other cancellation point, the condition-variable
	// wait inside the pause gate, is handled directly by Gate.Enter.
	stopBridge := context.AfterFunc(ctx, func() { conn.Close() })
	defer stopBridge()

	reader := netio.NewReader(conn)

	for {
		line, eof, err := reader.ReadCommand()
		if err != nil {
			if !errors.Is(err, io.EOF) {
				logger.Debugf("worker: read error: %v", err)
			}
			return
		}
		if eof {
			return
		}

		if err := gate.Enter(ctx); err != nil {
			return
		}

		reply, err := interp.Interpret(ctx, line, maxReply)
		if err != nil {
			return
		}

		if err := netio.WriteReply(conn, reply); err != nil {
			logger.Debugf("worker: write error: %v", err)
			return
		}
	}
}
