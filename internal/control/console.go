// Package control implements the operator-facing and signal-driven half of
// the server: the console command loop, the interrupt monitor, and the
// shutdown sequence that ties every long-lived task together.
package control

import (
	"bufio"
	"io"
	"os"
	"strings"

	"github.com/demile-15/ConcurrentDB/internal/logging"
	"github.com/demile-15/ConcurrentDB/internal/store"
	"github.com/demile-15/ConcurrentDB/internal/worker"
)

// Console runs the operator command loop on standard input: `p [PATH]`,
// `s`, `g`, with blank lines ignored. Command-string parsing beyond this
// grammar is out of scope here; the operator console's line editor is a
// separate concern.
type Console struct {
	in     io.Reader
	out    io.Writer
	tree   *store.Tree
	gate   *worker.Gate
	logger logging.Logger
}

// NewConsole returns a Console reading operator commands from in and
// writing stdout-targeted snapshots to out.
func NewConsole(in io.Reader, out io.Writer, tree *store.Tree, gate *worker.Gate, logger logging.Logger) *Console {
	return &Console{in: in, out: out, tree: tree, gate: gate, logger: logger}
}

// Run reads and dispatches operator commands until in reaches end-of-file,
// then returns. The caller treats Run's return as the end-of-input event
// that initiates full shutdown; Run itself performs no shutdown steps.
func (c *Console) Run() {
	scanner := bufio.NewScanner(c.in)
	for scanner.Scan() {
		c.dispatch(scanner.Text())
	}
}

func (c *Console) dispatch(line string) {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return
	}

	switch fields[0] {
	case "p":
		c.snapshot(fields[1:])
	case "s":
		c.gate.Pause()
		c.logger.Debugf("operator: paused all workers")
	case "g":
		c.gate.Resume()
		c.logger.Debugf("operator: resumed all workers")
	default:
		c.logger.Warnf("operator: unrecognized command %q", line)
	}
}

func (c *Console) snapshot(args []string) {
	if len(args) == 0 || args[0] == "" {
		if err := c.tree.Snapshot(c.out); err != nil {
			c.logger.Errorf("snapshot to stdout failed: %v", err)
		}
		return
	}

	f, err := os.Create(args[0])
	if err != nil {
		c.logger.Errorf("snapshot: cannot create %s: %v", args[0], err)
		return
	}
	defer f.Close()
	if err := c.tree.Snapshot(f); err != nil {
		c.logger.Errorf("snapshot to %s failed: %v", args[0], err)
	}
}
