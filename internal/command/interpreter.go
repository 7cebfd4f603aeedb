// Package command implements the line-oriented command grammar: it parses
// one command line, invokes the ordered map, and formats the fixed-string
// or value reply. Parsing beyond this grammar (the communication layer's
// framing) is out of scope here.
package command

import (
	"bufio"
	"context"
	"os"
	"strings"

	"github.com/demile-15/ConcurrentDB/internal/store"
)

// MaxTokenLen is the maximum length, in bytes, of a single whitespace-
// separated argument token. It matches store.MaxLen: a key or value of
// exactly 256 bytes is a valid argument, and only length 257 and beyond
// is rejected.
const MaxTokenLen = store.MaxLen

const (
	replyIllFormed      = "ill-formed command"
	replyAdded          = "added"
	replyAlreadyPresent = "already in database"
	replyRemoved        = "removed"
	replyNotInDatabase  = "not in database"
	replyNotFound       = "not found"
	replyFileProcessed  = "file processed"
	replyBadFileName    = "bad file name"
)

// Observer records per-command outcomes, e.g. for internal/metrics. New
// substitutes noopObserver when it is given a nil Observer.
type Observer interface {
	ObserveCommand(verb, result string)
}

type noopObserver struct{}

func (noopObserver) ObserveCommand(string, string) {}

// Interpreter binds the command grammar to a concurrent ordered map.
type Interpreter struct {
	tree     *store.Tree
	observer Observer
}

// New returns an Interpreter backed by tree. A nil observer installs a
// no-op one.
func New(tree *store.Tree, observer Observer) *Interpreter {
	if observer == nil {
		observer = noopObserver{}
	}
	return &Interpreter{tree: tree, observer: observer}
}

// Interpret parses and executes one command line, returning the reply
// truncated to maxReply bytes. It returns a non-nil error only when ctx is
// cancelled before or during execution (relevant to the long-running `f`
// verb, which must check for cancellation between file lines); in that
// case the returned string is meaningless and must not be sent to the
// client, since the connection is being torn down.
func (in *Interpreter) Interpret(ctx context.Context, line string, maxReply int) (string, error) {
	reply, err := in.interpret(ctx, line)
	if err != nil {
		return "", err
	}
	return truncate(reply, maxReply), nil
}

func (in *Interpreter) interpret(ctx context.Context, line string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	verb, args, ok := parse(line)
	if !ok {
		in.observer.ObserveCommand("?", "ill-formed")
		return replyIllFormed, nil
	}

	switch verb {
	case "q":
		return in.query(args)
	case "a":
		return in.add(args)
	case "d":
		return in.del(args)
	case "f":
		return in.file(ctx, args)
	default:
		in.observer.ObserveCommand(verb, "ill-formed")
		return replyIllFormed, nil
	}
}

func (in *Interpreter) query(args []string) (string, error) {
	if len(args) != 1 {
		in.observer.ObserveCommand("q", "ill-formed")
		return replyIllFormed, nil
	}
	value, ok := in.tree.Query(args[0])
	if !ok {
		in.observer.ObserveCommand("q", "not-found")
		return replyNotFound, nil
	}
	in.observer.ObserveCommand("q", "found")
	return value, nil
}

func (in *Interpreter) add(args []string) (string, error) {
	if len(args) != 2 {
		in.observer.ObserveCommand("a", "ill-formed")
		return replyIllFormed, nil
	}
	key, value := args[0], args[1]
	if len(key) > MaxTokenLen || len(value) > MaxTokenLen {
		in.observer.ObserveCommand("a", "ill-formed")
		return replyIllFormed, nil
	}
	res, err := in.tree.Insert(key, value)
	if err != nil {
		// Resource-limit failure (key/value too long for the map's own
		// 256-byte cap, store.ErrTooLong): not the same outcome as
		// "already present", surfaced as a parse-time-style rejection.
		in.observer.ObserveCommand("a", "ill-formed")
		return replyIllFormed, nil
	}
	if res == store.AlreadyPresent {
		in.observer.ObserveCommand("a", "already-present")
		return replyAlreadyPresent, nil
	}
	in.observer.ObserveCommand("a", "added")
	return replyAdded, nil
}

func (in *Interpreter) del(args []string) (string, error) {
	if len(args) != 1 {
		in.observer.ObserveCommand("d", "ill-formed")
		return replyIllFormed, nil
	}
	if in.tree.Remove(args[0]) == store.Removed {
		in.observer.ObserveCommand("d", "removed")
		return replyRemoved, nil
	}
	in.observer.ObserveCommand("d", "not-in-database")
	return replyNotInDatabase, nil
}

func (in *Interpreter) file(ctx context.Context, args []string) (string, error) {
	if len(args) != 1 {
		in.observer.ObserveCommand("f", "ill-formed")
		return replyIllFormed, nil
	}

	f, err := os.Open(args[0])
	if err != nil {
		in.observer.ObserveCommand("f", "bad-file-name")
		return replyBadFileName, nil
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		default:
		}
		// The per-line reply is computed and discarded: the client only
		// ever sees the single final reply for the `f` command itself.
		if _, err := in.interpret(ctx, scanner.Text()); err != nil {
			return "", err
		}
	}

	in.observer.ObserveCommand("f", "processed")
	return replyFileProcessed, nil
}

// parse splits a command line into a verb and its whitespace-separated
// arguments. It returns ok=false for anything shorter than two bytes, a
// blank line, or an argument token longer than MaxTokenLen.
func parse(line string) (verb string, args []string, ok bool) {
	if len(line) < 2 {
		return "", nil, false
	}
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return "", nil, false
	}
	verb = fields[0]
	if len(verb) != 1 {
		return "", nil, false
	}
	for _, a := range fields[1:] {
		if len(a) > MaxTokenLen {
			return "", nil, false
		}
	}

	switch verb {
	case "a":
		// The value may itself contain no further whitespace per this
		// grammar (arguments are whitespace-separated tokens), so a
		// well-formed `a` line is exactly three fields.
		if len(fields) != 3 {
			return "", nil, false
		}
		return verb, fields[1:3], true
	case "q", "d", "f":
		if len(fields) != 2 {
			return "", nil, false
		}
		return verb, fields[1:2], true
	default:
		return "", nil, false
	}
}

func truncate(s string, maxReply int) string {
	if maxReply <= 0 || len(s) <= maxReply {
		return s
	}
	return s[:maxReply]
}
