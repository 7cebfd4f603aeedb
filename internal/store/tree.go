// Package store implements the concurrent ordered map: an unbalanced binary
// search tree whose nodes are locked hand-over-hand with the intention-lock
// primitive in internal/ilock. No operation ever holds a single global lock;
// correctness instead comes from always acquiring a child's lock before
// releasing its parent's, in a fixed root-to-leaf order.
package store

import (
	"bufio"
	"errors"
	"io"
	"strings"
	"sync/atomic"

	"github.com/demile-15/ConcurrentDB/internal/ilock"
)

// MaxLen is the maximum length, in bytes, of a key or value, excluding any
// terminator the wire protocol might add.
const MaxLen = 256

// ErrTooLong is returned by Insert when a key or value exceeds MaxLen bytes.
var ErrTooLong = errors.New("store: key or value exceeds maximum length")

// Result enumerates the non-error outcomes of the map's mutating
// operations. Query reports its outcome as a (value, ok) pair instead.
type Result int

const (
	Inserted Result = iota
	AlreadyPresent
	Removed
	Absent
)

// Node is one entry in the tree. The sentinel root has an empty key and
// value and is never deleted. Every other node is owned by exactly one
// parent link and is reachable from the tree only through it.
type Node struct {
	mu    *ilock.Mutex
	key   string
	value string
	left  *Node
	right *Node
}

func newNode(key, value string) *Node {
	return &Node{mu: ilock.New(), key: key, value: value}
}

// sizeObserver receives a delta (+1 / -1) whenever a node is linked into or
// unlinked from the tree. internal/metrics implements it; a nil observer is
// a valid, no-op default.
type sizeObserver interface {
	AddTreeNodes(delta int64)
}

type noopObserver struct{}

func (noopObserver) AddTreeNodes(int64) {}

// Tree is the concurrent ordered map: an unbalanced BST with per-node
// hand-over-hand locking.
type Tree struct {
	root     *Node
	count    int64
	observer sizeObserver
}

// New returns an empty Tree, rooted at a fresh sentinel node.
func New() *Tree {
	return &Tree{root: newNode("", ""), observer: noopObserver{}}
}

// SetObserver installs a size observer (see internal/metrics.Registry). It
// is not safe to call concurrently with tree operations; callers install it
// once at startup before serving any client.
func (t *Tree) SetObserver(o sizeObserver) {
	if o == nil {
		o = noopObserver{}
	}
	t.observer = o
}

// Len reports the approximate number of non-sentinel nodes currently in the
// tree. It is maintained with a plain atomic counter rather than a tree
// walk, so it is exact immediately after any single serialized mutation but
// may be momentarily stale under concurrent inserts/removes racing the
// reader of Len itself; this is acceptable, Len backs an operator metric,
// not a correctness-critical read.
func (t *Tree) Len() int64 {
	return atomic.LoadInt64(&t.count)
}

// descendRead performs the query/snapshot descent: hand-over-hand read
// locks, escalating from the intention-to-share state (IS) to the shared
// state (S) only on the node actually being inspected. It returns the
// locked node holding key (in the S state, which the caller must release)
// and true, or (nil, false) if no such node exists, in which case no lock
// is held on return.
func (t *Tree) descendRead(key string) (*Node, bool) {
	cur := t.root
	cur.mu.ISLock()
	for {
		var child *Node
		if key < cur.key {
			child = cur.left
		} else {
			child = cur.right
		}
		if child == nil {
			cur.mu.ISUnlock()
			return nil, false
		}
		child.mu.ISLock()
		switch {
		case key == child.key:
			child.mu.SLock()
			child.mu.ISUnlock()
			cur.mu.ISUnlock()
			return child, true
		default:
			cur.mu.ISUnlock()
			cur = child
		}
	}
}

// descendWrite performs the insert/remove descent. It always returns with
// the terminal parent locked in the X state. If key is already present,
// the node holding it is also returned locked in the X state; otherwise the
// returned node is nil and parent is the node whose child link an insert
// must rewrite.
//
// Every node the descent merely passes through is held IX, coupled
// hand-over-hand exactly like descendRead's IS. Which node turns out to be
// terminal (the parent of a nil child, or a found target) is only known
// once that node's own children have been inspected, by which point the
// descent is already holding it in IX — so the terminal node is escalated
// to X via Mutex.UpgradeToX rather than taking a fresh XLock on a node this
// same goroutine already holds.
func (t *Tree) descendWrite(key string) (parent *Node, target *Node) {
	cur := t.root
	cur.mu.IXLock()
	for {
		goLeft := key < cur.key
		var child *Node
		if goLeft {
			child = cur.left
		} else {
			child = cur.right
		}
		if child == nil {
			cur.mu.UpgradeToX()
			return cur, nil
		}
		child.mu.IXLock()
		if key == child.key {
			cur.mu.UpgradeToX()
			child.mu.UpgradeToX()
			return cur, child
		}
		cur.mu.IXUnlock()
		cur = child
	}
}

// Query looks up key and returns its value. It never mutates the tree and
// may run concurrently with any number of other queries and snapshots.
func (t *Tree) Query(key string) (string, bool) {
	n, ok := t.descendRead(key)
	if !ok {
		return "", false
	}
	value := n.value
	n.mu.SUnlock()
	return value, true
}

// Insert adds key/value to the tree. It returns AlreadyPresent, leaving the
// tree unchanged, if key is already present.
func (t *Tree) Insert(key, value string) (Result, error) {
	if len(key) > MaxLen || len(value) > MaxLen {
		return Result(-1), ErrTooLong
	}

	parent, target := t.descendWrite(key)
	if target != nil {
		target.mu.XUnlock()
		parent.mu.XUnlock()
		return AlreadyPresent, nil
	}

	n := newNode(key, value)
	if key < parent.key {
		parent.left = n
	} else {
		parent.right = n
	}
	parent.mu.XUnlock()

	atomic.AddInt64(&t.count, 1)
	t.observer.AddTreeNodes(1)
	return Inserted, nil
}

// Remove deletes key from the tree, if present.
func (t *Tree) Remove(key string) Result {
	parent, target := t.descendWrite(key)
	if target == nil {
		parent.mu.XUnlock()
		return Absent
	}

	switch {
	case target.left == nil || target.right == nil:
		t.removeSingleChild(parent, target)
	default:
		t.removeTwoChildren(parent, target)
	}

	atomic.AddInt64(&t.count, -1)
	t.observer.AddTreeNodes(-1)
	return Removed
}

// removeSingleChild implements the case where D has at most one child.
// Both parent and target are already held in the X state.
func (t *Tree) removeSingleChild(parent, target *Node) {
	child := target.left
	if child == nil {
		child = target.right
	}
	if parent.left == target {
		parent.left = child
	} else {
		parent.right = child
	}
	target.mu.XUnlock()
	parent.mu.XUnlock()
}

// removeTwoChildren implements the case where D has two children. D's
// in-order successor is spliced out of D's right subtree and its key/
// value are copied into D.
func (t *Tree) removeTwoChildren(parent, target *Node) {
	succParent := target
	cur := target.right
	cur.mu.XLock()
	// Target is not being relinked (only its key/value are overwritten
	// below), so its parent's lock can be released now that D's right
	// child is held.
	parent.mu.XUnlock()
	for cur.left != nil {
		next := cur.left
		next.mu.XLock()
		if succParent != target {
			succParent.mu.XUnlock()
		}
		succParent = cur
		cur = next
	}
	successor := cur

	if succParent == target {
		succParent.right = successor.right
	} else {
		succParent.left = successor.right
	}

	target.key = successor.key
	target.value = successor.value

	successor.mu.XUnlock()
	if succParent != target {
		succParent.mu.XUnlock()
	}
	target.mu.XUnlock()
}

// Snapshot walks the tree in pre-order, writing a textual rendering to w.
// Each node is visited under a read lock. A left child is locked before its
// parent is released; a right child is locked only after its parent has
// been released (see snapshotNode). The walk as a whole is not a single atomic view
// of the tree: once it has left a subtree it does not prevent further
// concurrent mutation there.
func (t *Tree) Snapshot(w io.Writer) error {
	bw := bufio.NewWriter(w)
	t.snapshotNode(bw, t.root, 0, true)
	return bw.Flush()
}

func (t *Tree) snapshotNode(w *bufio.Writer, n *Node, depth int, isRoot bool) {
	n.mu.SLock()
	left, right := n.left, n.right
	if isRoot {
		writeSnapshotLine(w, depth, "(root)")
	} else {
		writeSnapshotLine(w, depth, n.key+" "+n.value)
	}
	if left != nil {
		left.mu.SLock()
	}
	n.mu.SUnlock()

	if left != nil {
		t.snapshotNode(w, left, depth+1, false)
	} else {
		writeSnapshotLine(w, depth+1, "(null)")
	}

	// right is locked after n has already been released above, so this
	// half of the walk is not hand-over-hand coupled to n the way left
	// was: a concurrent mutator could splice a new node under n.right (or
	// remove it) between the SUnlock above and this SLock. That is within
	// the walk's documented non-atomicity (it is not a single consistent
	// view of the whole tree) and is safe here only because no node is
	// ever freed before Shutdown.
	if right != nil {
		right.mu.SLock()
	}
	if right != nil {
		t.snapshotNode(w, right, depth+1, false)
	} else {
		writeSnapshotLine(w, depth+1, "(null)")
	}
}

func writeSnapshotLine(w *bufio.Writer, depth int, text string) {
	w.WriteString(strings.Repeat(" ", depth))
	w.WriteString(text)
	w.WriteByte('\n')
}

// Shutdown frees every node in the tree. It must be called exactly once,
// after the worker-lifecycle layer has proven (via its quiescence barrier)
// that no worker holds any tree lock; this is asserted by checking that
// every node's lock IsFree before letting it go.
func (t *Tree) Shutdown() {
	assertFree(t.root)
	t.root = nil
}

func assertFree(n *Node) {
	if n == nil {
		return
	}
	if !n.mu.IsFree() {
		panic("store: shutdown invariant violated: node lock held during shutdown")
	}
	assertFree(n.left)
	assertFree(n.right)
	n.left = nil
	n.right = nil
}
