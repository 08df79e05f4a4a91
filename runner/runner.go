// Package runner is the concurrent interpreter: it turns the decisions of a
// generator tree into real dispatch against the test's Client and Nemesis
// collaborators and produces the ordered history of what happened.
//
// One coordinating goroutine owns the generator, the context and the
// in-flight set; one worker goroutine per logical thread performs the actual
// blocking I/O. The coordinating loop is the only writer of scheduling state,
// so the runner needs no locks beyond the channels connecting it to its
// workers.
package runner

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"

	"havoc"
	"havoc/gen"
	"havoc/history"
)

// Errors classifying why a run could not complete. A generator failure is
// distinguishable from the system under test misbehaving: the latter never
// aborts a run.
var (
	ErrGenerator = errors.New("runner: fatal generator failure")
	ErrContract  = errors.New("runner: scheduling contract violation")
)

type Option interface {
	runnerOpt()
}

// WithPollInterval sets how often the coordinating loop re-asks a pending
// generator when no completion has arrived. Time-based generators wake up on
// this tick. Default is 1ms.
func WithPollInterval(d time.Duration) Option { return pollOption{d} }

type pollOption struct{ d time.Duration }

func (pollOption) runnerOpt() {}

type runState int

const (
	running runState = iota
	draining
	aborting
)

// Run validates g, spins up one worker per logical thread and drives the
// dispatch loop until the generator is exhausted and all in-flight
// operations have completed, the test's time limit expires, or ctx is
// canceled. Cancellation aborts in-flight invocations through the context
// handed to the collaborators; the time limit merely drains them.
//
// The returned history is complete unless the error is non-nil, in which
// case it holds everything appended before the failure.
func Run(ctx context.Context, t *havoc.Test, g gen.Generator, opts ...Option) (*history.History, error) {
	poll := time.Millisecond
	for _, opt := range opts {
		switch o := opt.(type) {
		case pollOption:
			poll = o.d
		}
	}

	if t.Concurrency <= 0 {
		return nil, errors.New("runner: test needs at least one client thread")
	}
	if t.Client == nil {
		return nil, errors.New("runner: test has no client")
	}
	if t.NemesisThreads > 0 && t.Nemesis == nil {
		return nil, errors.New("runner: nemesis threads reserved but no nemesis given")
	}

	c := gen.NewContext(t.Concurrency, t.NemesisThreads)
	if err := gen.ValidateIn(g, c); err != nil {
		return nil, err
	}

	if t.Nemesis != nil && t.NemesisThreads > 0 {
		if err := t.Nemesis.Setup(ctx, t); err != nil {
			return nil, errors.Wrap(err, "runner: nemesis setup")
		}
		defer func() {
			if err := t.Nemesis.Teardown(context.Background(), t); err != nil {
				t.Logger().Warnf("runner: nemesis teardown: %v", err)
			}
		}()
	}

	// Invocations run under a context detached from the time limit: the
	// deadline drains in-flight operations, only cancellation aborts them.
	invokeCtx, abort := context.WithCancel(ctx)
	defer abort()

	workers := make(map[gen.Thread]worker, c.ThreadCount())
	completions := make(chan completion, c.ThreadCount())
	var wg sync.WaitGroup
	for _, th := range c.Threads() {
		var w worker
		if th.Nemesis {
			w = newNemesisWorker(th, t.Nemesis)
		} else {
			w = newClientWorker(t, th)
		}
		workers[th] = w
		wg.Add(1)
		go func(w worker) {
			defer wg.Done()
			w.run(invokeCtx, t, completions)
		}(w)
	}

	t.Logger().WithField("test", t.Name).Infof("runner: starting with %d client threads, %d nemesis threads", t.Concurrency, t.NemesisThreads)

	h := history.New()
	err := dispatchLoop(ctx, t, g, c, h, workers, completions, abort, poll)

	for _, w := range workers {
		close(w.dispatch())
	}
	wg.Wait()

	t.Logger().WithField("test", t.Name).Infof("runner: finished with %d history entries", h.Len())
	return h, err
}

// loopState bundles everything the coordinating loop owns. The loop is the
// only goroutine reading or writing any of it; workers communicate with it
// exclusively through the completion channel.
type loopState struct {
	t        *havoc.Test
	g        gen.Generator
	ctx      gen.Context
	h        *history.History
	inflight map[gen.Thread]history.Op
	start    time.Time
}

func (s *loopState) now() int64 {
	return time.Since(s.start).Nanoseconds()
}

// handle processes one completion: append it, release the thread, rotate the
// process on an indeterminate outcome and inform the generator.
func (s *loopState) handle(comp completion) error {
	op := comp.op
	op.Time = s.now()
	op = s.h.Append(op)
	delete(s.inflight, comp.thread)

	var err error
	s.ctx, err = s.ctx.Release(comp.thread, op.Time)
	if err != nil {
		return errors.Wrapf(ErrContract, "releasing %s: %v", comp.thread, err)
	}
	if op.Type == history.Info {
		s.ctx, err = s.ctx.RotateProcess(comp.thread)
		if err != nil {
			return errors.Wrapf(ErrContract, "rotating %s: %v", comp.thread, err)
		}
	}
	s.g, err = s.g.Update(s.t, s.ctx, op)
	if err != nil {
		return errors.Wrapf(ErrGenerator, "update(%T) at %s: %v", s.g, s.ctx, err)
	}
	return nil
}

// commit makes an emitted invocation real: occupy the thread, append the
// invocation, inform the generator and hand the op to its worker.
func (s *loopState) commit(nxt gen.Next, workers map[gen.Thread]worker) error {
	op := nxt.Op
	th, err := s.ctx.ThreadForProcess(op.Process)
	if err != nil {
		return errors.Wrapf(ErrContract, "op for unknown process %s at %s", op.Process, s.ctx)
	}
	if op.Time < s.now() {
		op.Time = s.now()
	}
	s.ctx, err = s.ctx.Occupy(th, op.Time)
	if err != nil {
		return errors.Wrapf(ErrContract, "op for busy thread %s at %s", th, s.ctx)
	}
	op = s.h.Append(op)
	s.inflight[th] = op

	s.g = nxt.Gen
	s.g, err = s.g.Update(s.t, s.ctx, op)
	if err != nil {
		return errors.Wrapf(ErrGenerator, "update(%T) at %s: %v", s.g, s.ctx, err)
	}

	proc, err := s.ctx.ProcessForThread(th)
	if err != nil {
		return errors.Wrapf(ErrContract, "no process for %s", th)
	}
	workers[th].dispatch() <- dispatch{op: op, process: proc}
	return nil
}

func dispatchLoop(ctx context.Context, t *havoc.Test, g gen.Generator, c gen.Context,
	h *history.History, workers map[gen.Thread]worker, completions chan completion,
	abort context.CancelFunc, poll time.Duration) error {

	s := &loopState{
		t:        t,
		g:        g,
		ctx:      c,
		h:        h,
		inflight: map[gen.Thread]history.Op{},
		start:    time.Now(),
	}
	deadline := int64(0)
	if t.TimeLimit > 0 {
		deadline = t.TimeLimit.Nanoseconds()
	}
	state := running

	for {
		if state == running {
			select {
			case <-ctx.Done():
				// Explicit cancellation: abort in-flight dispatches.
				state = aborting
				abort()
			default:
			}
			if state == running && deadline > 0 && s.now() >= deadline {
				t.Logger().Infof("runner: time limit reached, draining %d in-flight ops", len(s.inflight))
				state = draining
			}
		}

		if state != running {
			if len(s.inflight) == 0 {
				if state == aborting {
					return ctx.Err()
				}
				return nil
			}
			if err := s.handle(<-completions); err != nil {
				return err
			}
			continue
		}

		s.ctx = s.ctx.WithTime(s.now())
		nxt, err := s.g.Next(t, s.ctx)
		if err != nil {
			return errors.Wrapf(ErrGenerator, "next(%T) at %s: %v", s.g, s.ctx, err)
		}

		switch nxt.Kind {
		case gen.NextDone:
			state = draining

		case gen.NextPending:
			s.g = nxt.Gen
			select {
			case comp := <-completions:
				if err := s.handle(comp); err != nil {
					return err
				}
			case <-time.After(poll):
				// Re-ask; time-based generators may be ready now.
			case <-ctx.Done():
				state = aborting
				abort()
			}

		case gen.NextOp:
			if wait := nxt.Op.Time - s.now(); wait > 0 {
				// The op is scheduled in the future. If a completion arrives
				// first the context changes, so discard this decision and
				// ask the generator again.
				select {
				case comp := <-completions:
					if err := s.handle(comp); err != nil {
						return err
					}
					continue
				case <-time.After(time.Duration(wait)):
				case <-ctx.Done():
					state = aborting
					abort()
					continue
				}
			}
			if err := s.commit(nxt, workers); err != nil {
				return err
			}
		}
	}
}
