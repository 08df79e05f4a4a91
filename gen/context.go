package gen

import (
	"fmt"
	"math/bits"
	"strings"

	"github.com/pkg/errors"
	"golang.org/x/exp/slices"

	"havoc/history"
)

// A Thread is a logical execution slot standing in for one potential
// concurrent actor. Worker threads are numbered 0..concurrency-1; nemesis
// threads are tagged and numbered separately.
type Thread struct {
	N       int
	Nemesis bool
}

func (t Thread) String() string {
	if t.Nemesis {
		if t.N == 0 {
			return "nemesis"
		}
		return fmt.Sprintf("nemesis-%d", t.N)
	}
	return fmt.Sprintf("%d", t.N)
}

// Errors returned by Context operations. A generator or interpreter that
// observes one of these has violated the scheduling contract; they are
// programmer errors and abort the run.
var (
	ErrNoSuchThread  = errors.New("gen: thread is not part of this context")
	ErrNoSuchProcess = errors.New("gen: no thread is assigned to that process")
	ErrThreadBusy    = errors.New("gen: thread already has an operation in flight")
	ErrThreadFree    = errors.New("gen: thread is already free")
)

// A Context is an immutable snapshot of scheduling state: the virtual clock,
// the fixed set of logical threads, which of them are currently free, and the
// process currently occupying each thread.
//
// A Context is never mutated. Every transition returns a new value, and the
// interpreter holds the single authoritative copy. Restricted views expose
// only a subset of the threads; the underlying assignment is shared.
type Context struct {
	time    int64
	threads []Thread
	procs   []history.Process
	free    bitset
	view    bitset

	// rotation stride for worker processes, fixed at construction
	stride int
}

// NewContext builds the initial context for a run: concurrency worker
// threads plus nemeses reserved nemesis threads, all free, with worker
// thread n initially occupied by process n, at time zero.
func NewContext(concurrency, nemeses int) Context {
	n := concurrency + nemeses
	threads := make([]Thread, 0, n)
	procs := make([]history.Process, 0, n)
	for i := 0; i < concurrency; i++ {
		threads = append(threads, Thread{N: i})
		procs = append(procs, history.Process{N: i})
	}
	for i := 0; i < nemeses; i++ {
		threads = append(threads, Thread{N: i, Nemesis: true})
		procs = append(procs, history.Process{N: i, Nemesis: true})
	}

	all := newBitset(n)
	for i := 0; i < n; i++ {
		all.set(i)
	}
	return Context{
		threads: threads,
		procs:   procs,
		free:    all,
		view:    all.clone(),
		stride:  concurrency,
	}
}

// Time returns the virtual clock in nanoseconds.
func (c Context) Time() int64 { return c.time }

// WithTime returns the context with the clock advanced to at. The clock never
// moves backwards.
func (c Context) WithTime(at int64) Context {
	if at > c.time {
		c.time = at
	}
	return c
}

func (c Context) index(t Thread) (int, bool) {
	for i, th := range c.threads {
		if th == t && c.view.has(i) {
			return i, true
		}
	}
	return 0, false
}

// Threads returns the threads visible in this context, workers first.
func (c Context) Threads() []Thread {
	out := make([]Thread, 0, len(c.threads))
	for i, t := range c.threads {
		if c.view.has(i) {
			out = append(out, t)
		}
	}
	return out
}

// ThreadCount returns the number of visible threads.
func (c Context) ThreadCount() int {
	return c.view.count()
}

// FreeThreads returns the visible threads with no operation in flight.
func (c Context) FreeThreads() []Thread {
	out := make([]Thread, 0, len(c.threads))
	for i, t := range c.threads {
		if c.view.has(i) && c.free.has(i) {
			out = append(out, t)
		}
	}
	return out
}

// FreeCount returns the number of visible free threads.
func (c Context) FreeCount() int {
	n := 0
	for i := range c.threads {
		if c.view.has(i) && c.free.has(i) {
			n++
		}
	}
	return n
}

// AllFree reports whether every visible thread is free. Barriers use this.
func (c Context) AllFree() bool {
	return c.FreeCount() == c.ThreadCount()
}

// FreeProcesses returns the processes occupying the visible free threads.
func (c Context) FreeProcesses() []history.Process {
	out := make([]history.Process, 0, len(c.procs))
	for i := range c.threads {
		if c.view.has(i) && c.free.has(i) {
			out = append(out, c.procs[i])
		}
	}
	return out
}

// SomeFreeProcess picks the process of the lowest-numbered visible free
// thread. The deterministic choice keeps runs replayable.
func (c Context) SomeFreeProcess() (history.Process, bool) {
	for i := range c.threads {
		if c.view.has(i) && c.free.has(i) {
			return c.procs[i], true
		}
	}
	return history.Process{}, false
}

// ProcessForThread returns the process currently occupying t.
func (c Context) ProcessForThread(t Thread) (history.Process, error) {
	i, ok := c.index(t)
	if !ok {
		return history.Process{}, errors.Wrapf(ErrNoSuchThread, "thread %s", t)
	}
	return c.procs[i], nil
}

// ThreadForProcess returns the thread currently occupied by p.
func (c Context) ThreadForProcess(p history.Process) (Thread, error) {
	for i := range c.threads {
		if c.view.has(i) && c.procs[i] == p {
			return c.threads[i], nil
		}
	}
	return Thread{}, errors.Wrapf(ErrNoSuchProcess, "process %s", p)
}

// Occupy marks t as having an operation in flight and advances the clock.
func (c Context) Occupy(t Thread, at int64) (Context, error) {
	i, ok := c.index(t)
	if !ok {
		return c, errors.Wrapf(ErrNoSuchThread, "occupy %s", t)
	}
	if !c.free.has(i) {
		return c, errors.Wrapf(ErrThreadBusy, "occupy %s", t)
	}
	c.free = c.free.clone()
	c.free.clear(i)
	return c.WithTime(at), nil
}

// Release marks t as free again and advances the clock.
func (c Context) Release(t Thread, at int64) (Context, error) {
	i, ok := c.index(t)
	if !ok {
		return c, errors.Wrapf(ErrNoSuchThread, "release %s", t)
	}
	if c.free.has(i) {
		return c, errors.Wrapf(ErrThreadFree, "release %s", t)
	}
	c.free = c.free.clone()
	c.free.set(i)
	return c.WithTime(at), nil
}

// RotateProcess replaces the process occupying t with a freshly minted one.
// The interpreter calls this after an indeterminate completion: a client
// whose last request may or may not have happened must reconnect as a
// logically distinct actor. Nemesis threads never rotate.
func (c Context) RotateProcess(t Thread) (Context, error) {
	i, ok := c.index(t)
	if !ok {
		return c, errors.Wrapf(ErrNoSuchThread, "rotate %s", t)
	}
	if t.Nemesis {
		return c, nil
	}
	c.procs = slices.Clone(c.procs)
	c.procs[i] = history.Process{N: c.procs[i].N + c.stride}
	return c, nil
}

// Restrict returns a view of the context exposing only the threads for which
// keep returns true. Clock, occupancy and assignment are shared with the
// parent.
func (c Context) Restrict(keep func(Thread) bool) Context {
	view := c.view.clone()
	for i, t := range c.threads {
		if c.view.has(i) && !keep(t) {
			view.clear(i)
		}
	}
	c.view = view
	return c
}

// RestrictTo is Restrict with an explicit thread set.
func (c Context) RestrictTo(threads ...Thread) Context {
	return c.Restrict(func(t Thread) bool {
		return slices.Contains(threads, t)
	})
}

func (c Context) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "Context{time: %d, free: [", c.time)
	for i, t := range c.FreeThreads() {
		if i > 0 {
			b.WriteString(" ")
		}
		b.WriteString(t.String())
	}
	b.WriteString("], workers: {")
	first := true
	for i, t := range c.threads {
		if !c.view.has(i) {
			continue
		}
		if !first {
			b.WriteString(" ")
		}
		first = false
		fmt.Fprintf(&b, "%s->%s", t, c.procs[i])
	}
	b.WriteString("}}")
	return b.String()
}

// A bitset over thread indices. Contexts copy it on write, so transitions
// stay cheap without a persistent-collection dependency.
type bitset []uint64

func newBitset(n int) bitset {
	return make(bitset, (n+63)/64)
}

func (b bitset) set(i int)      { b[i/64] |= 1 << (i % 64) }
func (b bitset) clear(i int)    { b[i/64] &^= 1 << (i % 64) }
func (b bitset) has(i int) bool { return b[i/64]&(1<<(i%64)) != 0 }

func (b bitset) count() int {
	n := 0
	for _, w := range b {
		n += bits.OnesCount64(w)
	}
	return n
}

func (b bitset) clone() bitset {
	return slices.Clone(b)
}
