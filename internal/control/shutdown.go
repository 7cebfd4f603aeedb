package control

import (
	"context"

	"github.com/demile-15/ConcurrentDB/internal/logging"
	"github.com/demile-15/ConcurrentDB/internal/store"
	"github.com/demile-15/ConcurrentDB/internal/worker"
)

// Shutdown holds the collaborators the seven-step shutdown sequence
// coordinates across: every long-lived task's cancel function, the
// lifecycle primitives, and the tree itself.
type Shutdown struct {
	CancelSignalMonitor context.CancelFunc
	CancelListener      context.CancelFunc
	Accept              *worker.AcceptFlag
	Registry            *worker.Registry
	Tree                *store.Tree
	Logger              logging.Logger
}

// Run executes the shutdown sequence in the load-bearing order: disabling
// admission before cancel-all is what lets the quiescence wait terminate,
// and the quiescence wait is what proves it is safe to free the tree.
func (s *Shutdown) Run() {
	s.Logger.Infof("shutdown: initiating")

	s.CancelSignalMonitor()

	s.Accept.Stop()

	s.Registry.CancelAll()

	s.Registry.WaitQuiescent()

	if n := s.Registry.Len(); n != 0 {
		s.Logger.Fatalf("shutdown: registry not empty after quiescence wait: %d workers remain", n)
	}

	s.Tree.Shutdown()

	s.CancelListener()

	s.Logger.Infof("shutdown: complete")
}
