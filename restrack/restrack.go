// Package restrack provides a stack-based resource tracker: register
// heterogeneous resources as they are acquired, release them all in
// reverse order on any exit path. This is the Go analogue of the
// original framework's manual cleanup stack, backed by linear-capability
// close funcs instead of a raw union-by-kind pointer.
package restrack

import (
	"io"
	"sync"

	"github.com/charmbracelet/log"
)

// Kind tags a tracked resource for logging. Releasing is always done by
// the release func passed to Add, whatever the kind.
type Kind int

const (
	KindPort Kind = iota
	KindMemory
	KindQueue
	KindThread
	KindMutex
	KindPool
	KindCustom
)

func (k Kind) String() string {
	switch k {
	case KindPort:
		return "port"
	case KindMemory:
		return "memory"
	case KindQueue:
		return "queue"
	case KindThread:
		return "thread"
	case KindMutex:
		return "mutex"
	case KindPool:
		return "pool"
	case KindCustom:
		return "custom"
	default:
		return "unknown"
	}
}

type tracked struct {
	kind      Kind
	debugName string
	active    bool
	release   func() error
}

// Tracker is a process-internal stack of tracked resources. It is never
// shared across processes and carries no wire representation.
type Tracker struct {
	mu        sync.Mutex
	resources []tracked
	log       *log.Logger
}

// New creates an empty tracker. logger may be nil, in which case a
// discarding logger is used.
func New(logger *log.Logger) *Tracker {
	if logger == nil {
		logger = log.NewWithOptions(io.Discard, log.Options{Prefix: "restrack"})
	}
	return &Tracker{log: logger}
}

// Add registers resource under kind with a release func invoked during
// cleanup. release must tolerate being called on an already-released
// resource (e.g. a double-close) by returning nil; the tracker does not
// distinguish "already gone" from "nothing to do".
func (t *Tracker) Add(kind Kind, debugName string, release func() error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.resources = append(t.resources, tracked{
		kind:      kind,
		debugName: debugName,
		active:    true,
		release:   release,
	})
	t.log.Debug("tracked resource", "index", len(t.resources)-1, "kind", kind, "name", debugName)
}

// Remove marks a previously tracked resource inactive without running its
// releaser, for callers that have already released it by hand and want
// CleanupAll to skip it. It matches by debugName since Go resources
// don't share a single pointer-identity type the way the C union did;
// the most recently added active match wins.
func (t *Tracker) Remove(debugName string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	for i := len(t.resources) - 1; i >= 0; i-- {
		if t.resources[i].active && t.resources[i].debugName == debugName {
			t.resources[i].active = false
			t.log.Debug("untracked resource", "index", i, "name", debugName)
			return true
		}
	}
	t.log.Warn("resource not found in tracker", "name", debugName)
	return false
}

// CleanupAll releases every still-active resource in reverse registration
// order, like stack unwinding. A releaser error is logged and tolerated
// so that one failure never blocks the rest of the teardown.
func (t *Tracker) CleanupAll() {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.log.Info("cleaning up tracked resources", "count", len(t.resources))
	for i := len(t.resources) - 1; i >= 0; i-- {
		res := &t.resources[i]
		if !res.active {
			continue
		}
		t.log.Debug("cleaning up resource", "index", i, "kind", res.kind, "name", res.debugName)
		if res.release != nil {
			if err := res.release(); err != nil {
				t.log.Error("resource cleanup failed", "index", i, "kind", res.kind, "name", res.debugName, "error", err)
			}
		}
		res.active = false
	}
	t.resources = t.resources[:0]
	t.log.Info("resource cleanup complete")
}

// Len reports how many resources, active or not, have ever been
// registered since the last CleanupAll.
func (t *Tracker) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.resources)
}
