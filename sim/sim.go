// Package sim is a synchronous interpreter over simulated dispatch: every
// invocation completes after a configurable latency with a configurable
// outcome, the virtual clock jumps instead of waiting, and no goroutines are
// involved. It implements the same loop semantics as the concurrent runner,
// so a generator tree can be replayed deterministically: the same tree, seed
// and dispatch function always produce the same history.
package sim

import (
	"container/heap"

	"github.com/pkg/errors"

	"havoc"
	"havoc/gen"
	"havoc/history"
)

// Dispatch turns an invocation into its completion. The returned op's Type
// must be one of the completion types; Time is assigned by the simulator.
type Dispatch func(op history.Op) history.Op

// Ok is the perfect dispatch function: every operation succeeds and keeps its
// value.
func Ok(op history.Op) history.Op {
	op.Type = history.Ok
	return op
}

// The clock quantum applied when the generator is pending and nothing is in
// flight, so time-based generators such as Sleep can make progress.
const idleQuantum = int64(1e6)

// After this much virtual time pending with nothing in flight, the generator
// is considered stalled and the run aborts.
const maxIdle = int64(60e9)

type Option interface {
	simOpt()
}

// WithLatency fixes the virtual latency applied to every dispatched
// operation. Default is zero.
func WithLatency(nanos int64) Option { return latencyOption{nanos} }

// WithDispatch replaces the completion function. Default is Ok.
func WithDispatch(d Dispatch) Option { return dispatchOption{d} }

type latencyOption struct{ nanos int64 }

func (latencyOption) simOpt() {}

type dispatchOption struct{ d Dispatch }

func (dispatchOption) simOpt() {}

// a completion scheduled to arrive at a future virtual time
type arrival struct {
	at     int64
	seq    int
	thread gen.Thread
	op     history.Op
}

type arrivals []arrival

func (a arrivals) Len() int { return len(a) }
func (a arrivals) Less(i, j int) bool {
	if a[i].at != a[j].at {
		return a[i].at < a[j].at
	}
	return a[i].seq < a[j].seq
}
func (a arrivals) Swap(i, j int)      { a[i], a[j] = a[j], a[i] }
func (a *arrivals) Push(x any)        { *a = append(*a, x.(arrival)) }
func (a *arrivals) Pop() any {
	old := *a
	n := len(old)
	x := old[n-1]
	*a = old[:n-1]
	return x
}

// Run drives g to exhaustion against simulated collaborators and returns the
// resulting history. Errors from the generator are fatal and abort the run
// with the context snapshot attached.
func Run(t *havoc.Test, g gen.Generator, opts ...Option) (*history.History, error) {
	var (
		latency  = int64(0)
		dispatch = Dispatch(Ok)
	)
	for _, opt := range opts {
		switch o := opt.(type) {
		case latencyOption:
			latency = o.nanos
		case dispatchOption:
			dispatch = o.d
		}
	}

	ctx := gen.NewContext(t.Concurrency, t.NemesisThreads)
	if err := gen.ValidateIn(g, ctx); err != nil {
		return nil, err
	}

	var (
		h       = history.New()
		pending arrivals
		seq     int
		genDone bool
		idle    int64
		limit   = int64(0)
	)
	if t.TimeLimit > 0 {
		limit = t.TimeLimit.Nanoseconds()
	}
	heap.Init(&pending)

	// Process the soonest scheduled completion: append it, release the
	// thread, rotate the process on an indeterminate outcome and inform the
	// generator.
	complete := func() error {
		ar := heap.Pop(&pending).(arrival)
		ctx = ctx.WithTime(ar.at)
		op := ar.op
		op.Time = ctx.Time()
		op = h.Append(op)
		var err error
		ctx, err = ctx.Release(ar.thread, op.Time)
		if err != nil {
			return errors.Wrapf(err, "sim: releasing %s at %s", ar.thread, ctx)
		}
		if op.Type == history.Info {
			ctx, err = ctx.RotateProcess(ar.thread)
			if err != nil {
				return errors.Wrapf(err, "sim: rotating %s at %s", ar.thread, ctx)
			}
		}
		g, err = g.Update(t, ctx, op)
		if err != nil {
			return errors.Wrapf(err, "sim: generator update failed at %s", ctx)
		}
		return nil
	}

	for {
		if limit > 0 && ctx.Time() >= limit {
			genDone = true
		}
		if genDone {
			if pending.Len() == 0 {
				return h, nil
			}
			if err := complete(); err != nil {
				return h, err
			}
			continue
		}

		nxt, err := g.Next(t, ctx)
		if err != nil {
			return h, errors.Wrapf(err, "sim: generator failure at %s", ctx)
		}
		switch nxt.Kind {
		case gen.NextDone:
			genDone = true

		case gen.NextPending:
			g = nxt.Gen
			if pending.Len() > 0 {
				if err := complete(); err != nil {
					return h, err
				}
				idle = 0
				break
			}
			// Nothing in flight: let time pass for Sleep and friends.
			ctx = ctx.WithTime(ctx.Time() + idleQuantum)
			idle += idleQuantum
			if idle > maxIdle {
				return h, errors.Errorf("sim: generator pending with no operations in flight at %s", ctx)
			}

		case gen.NextOp:
			op := nxt.Op
			if op.Time < ctx.Time() {
				op.Time = ctx.Time()
			}
			// If a completion would arrive before this op's scheduled time,
			// deliver it first and ask the generator again.
			if pending.Len() > 0 && pending[0].at <= op.Time {
				if err := complete(); err != nil {
					return h, err
				}
				break
			}
			idle = 0
			th, err := ctx.ThreadForProcess(op.Process)
			if err != nil {
				return h, errors.Wrapf(err, "sim: generator emitted op for unknown process at %s", ctx)
			}
			ctx = ctx.WithTime(op.Time)
			op.Time = ctx.Time()
			ctx, err = ctx.Occupy(th, op.Time)
			if err != nil {
				return h, errors.Wrapf(err, "sim: generator emitted op for busy thread at %s", ctx)
			}
			op = h.Append(op)
			g = nxt.Gen
			g, err = g.Update(t, ctx, op)
			if err != nil {
				return h, errors.Wrapf(err, "sim: generator update failed at %s", ctx)
			}
			comp := dispatch(op)
			seq++
			heap.Push(&pending, arrival{at: op.Time + latency, seq: seq, thread: th, op: comp})
		}
	}
}
