package runner

import (
	"context"
	"fmt"

	"havoc"
	"havoc/gen"
	"havoc/history"
)

// a dispatched invocation, together with the process the worker should be
// acting as when it executes it
type dispatch struct {
	op      history.Op
	process history.Process
}

// a completion reported back to the coordinating loop
type completion struct {
	thread gen.Thread
	op     history.Op
}

// A worker owns one logical thread: it receives invocations on its channel,
// performs the real blocking I/O against its collaborator and reports exactly
// one completion per invocation. Everything else in the runner is
// non-blocking.
type worker interface {
	thread() gen.Thread
	dispatch() chan<- dispatch
	// run executes until the dispatch channel is closed, then tears the
	// collaborator down.
	run(ctx context.Context, t *havoc.Test, out chan<- completion)
}

// invokeSafe converts every possible outcome of a collaborator invocation
// into a completion op. A returned error or a panic becomes an indeterminate
// completion carrying an error tag; dispatch failures never escape the
// runner.
func invokeSafe(ctx context.Context, t *havoc.Test, op history.Op,
	invoke func(context.Context, *havoc.Test, history.Op) (history.Op, error)) (comp history.Op) {

	defer func() {
		if r := recover(); r != nil {
			comp = op
			comp.Type = history.Info
			comp.Error = fmt.Sprintf("panic: %v", r)
		}
	}()

	res, err := invoke(ctx, t, op)
	if err != nil {
		comp = op
		comp.Type = history.Info
		comp.Error = err.Error()
		return comp
	}
	if !res.Type.Complete() {
		comp = op
		comp.Type = history.Info
		comp.Error = fmt.Sprintf("collaborator returned %s instead of a completion", res.Type)
		return comp
	}
	res.Process = op.Process
	res.F = op.F
	return res
}

// clientWorker binds a Client instance to a worker thread. After a process
// rotation the next dispatch carries a new process identity and the worker
// reopens its client against the node bound to that process.
type clientWorker struct {
	th  gen.Thread
	in  chan dispatch
	log func(format string, args ...any)

	client  havoc.Client
	process history.Process
}

func newClientWorker(t *havoc.Test, th gen.Thread) *clientWorker {
	return &clientWorker{
		th:  th,
		in:  make(chan dispatch),
		log: t.Logger().Debugf,
	}
}

func (w *clientWorker) thread() gen.Thread        { return w.th }
func (w *clientWorker) dispatch() chan<- dispatch { return w.in }

func nodeFor(t *havoc.Test, p history.Process) string {
	if len(t.Nodes) == 0 {
		return ""
	}
	return t.Nodes[p.N%len(t.Nodes)]
}

// rebind closes the current client, if any, and opens a fresh instance for
// the given process. Returns an error if the open or setup fails; the caller
// converts it into an indeterminate completion.
func (w *clientWorker) rebind(ctx context.Context, t *havoc.Test, p history.Process) error {
	if w.client != nil {
		if err := w.client.Close(ctx, t); err != nil {
			w.log("worker %s: closing client for %s: %v", w.th, w.process, err)
		}
		w.client = nil
	}
	node := nodeFor(t, p)
	c, err := t.Client.Open(ctx, node)
	if err != nil {
		return err
	}
	if err := c.Setup(ctx, t); err != nil {
		_ = c.Close(ctx, t)
		return err
	}
	w.client = c
	w.process = p
	return nil
}

func (w *clientWorker) run(ctx context.Context, t *havoc.Test, out chan<- completion) {
	for d := range w.in {
		if w.client == nil || d.process != w.process {
			if err := w.rebind(ctx, t, d.process); err != nil {
				comp := d.op
				comp.Type = history.Info
				comp.Error = fmt.Sprintf("open: %v", err)
				out <- completion{thread: w.th, op: comp}
				continue
			}
		}
		comp := invokeSafe(ctx, t, d.op, w.client.Invoke)
		out <- completion{thread: w.th, op: comp}
	}
	if w.client != nil {
		if err := w.client.Teardown(context.Background(), t); err != nil {
			w.log("worker %s: teardown: %v", w.th, err)
		}
		if err := w.client.Close(context.Background(), t); err != nil {
			w.log("worker %s: close: %v", w.th, err)
		}
	}
}

// nemesisWorker drives the shared long-lived nemesis on a reserved thread.
// Its process identity never changes and setup/teardown happen once, in the
// runner, not per worker.
type nemesisWorker struct {
	th      gen.Thread
	in      chan dispatch
	nemesis havoc.Nemesis
}

func newNemesisWorker(th gen.Thread, n havoc.Nemesis) *nemesisWorker {
	return &nemesisWorker{th: th, in: make(chan dispatch), nemesis: n}
}

func (w *nemesisWorker) thread() gen.Thread        { return w.th }
func (w *nemesisWorker) dispatch() chan<- dispatch { return w.in }

func (w *nemesisWorker) run(ctx context.Context, t *havoc.Test, out chan<- completion) {
	for d := range w.in {
		comp := invokeSafe(ctx, t, d.op, w.nemesis.Invoke)
		out <- completion{thread: w.th, op: comp}
	}
}
