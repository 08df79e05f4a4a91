package gen

import (
	"math/rand"
	"time"

	"github.com/pkg/errors"

	"havoc"
	"havoc/history"
)

// Stagger spaces the invocations of g so that each thread emits roughly one
// per dt of virtual time. The aggregate rate across c visible threads is c/dt,
// so n instantaneous operations on c threads take about dt*n/c. Spacing is
// uniform random in [0, 2*dt/c), which approaches the target rate for large n
// without lockstepping the threads.
//
// Rather than holding the interpreter in a pending loop, Stagger emits
// operations stamped with a future time; the interpreter waits until the
// virtual clock reaches them.
func Stagger(dt time.Duration, rnd *rand.Rand, g Generator) Generator {
	return staggerGen{dt: dt.Nanoseconds(), rnd: rnd, g: g}
}

type staggerGen struct {
	dt   int64
	next int64
	rnd  *rand.Rand
	g    Generator
}

func (s staggerGen) Next(t *havoc.Test, ctx Context) (Next, error) {
	nxt, err := s.g.Next(t, ctx)
	if err != nil {
		return Next{}, err
	}
	switch nxt.Kind {
	case NextOp:
		op := nxt.Op
		if op.Time < s.next {
			op.Time = s.next
		}
		interval := int64(0)
		if n := int64(ctx.ThreadCount()); n > 0 && s.dt > 0 {
			interval = s.rnd.Int63n(2*s.dt/n + 1)
		}
		return emit(op, staggerGen{dt: s.dt, next: op.Time + interval, rnd: s.rnd, g: nxt.Gen}), nil
	case NextPending:
		return pending(staggerGen{dt: s.dt, next: s.next, rnd: s.rnd, g: nxt.Gen}), nil
	default:
		return exhausted(), nil
	}
}

func (s staggerGen) Update(t *havoc.Test, ctx Context, ev history.Op) (Generator, error) {
	g, err := s.g.Update(t, ctx, ev)
	if err != nil {
		return nil, err
	}
	return staggerGen{dt: s.dt, next: s.next, rnd: s.rnd, g: g}, nil
}

func (s staggerGen) children() []Generator { return []Generator{s.g} }

func (s staggerGen) validate() error {
	if s.dt < 0 {
		return errors.Errorf("gen: Stagger with negative interval %d", s.dt)
	}
	if s.rnd == nil {
		return errors.New("gen: Stagger requires a random source")
	}
	return nil
}

// DelayTil enforces a fixed dt between consecutive invocations of this
// generator instance, regardless of how many threads are available. The delay
// is measured from the previously scheduled time, not per thread.
func DelayTil(dt time.Duration, g Generator) Generator {
	return delayTilGen{dt: dt.Nanoseconds(), g: g}
}

type delayTilGen struct {
	dt   int64
	next int64
	g    Generator
}

func (d delayTilGen) Next(t *havoc.Test, ctx Context) (Next, error) {
	nxt, err := d.g.Next(t, ctx)
	if err != nil {
		return Next{}, err
	}
	switch nxt.Kind {
	case NextOp:
		op := nxt.Op
		if op.Time < d.next {
			op.Time = d.next
		}
		return emit(op, delayTilGen{dt: d.dt, next: op.Time + d.dt, g: nxt.Gen}), nil
	case NextPending:
		return pending(delayTilGen{dt: d.dt, next: d.next, g: nxt.Gen}), nil
	default:
		return exhausted(), nil
	}
}

func (d delayTilGen) Update(t *havoc.Test, ctx Context, ev history.Op) (Generator, error) {
	g, err := d.g.Update(t, ctx, ev)
	if err != nil {
		return nil, err
	}
	return delayTilGen{dt: d.dt, next: d.next, g: g}, nil
}

func (d delayTilGen) children() []Generator { return []Generator{d.g} }

func (d delayTilGen) validate() error {
	if d.dt < 0 {
		return errors.Errorf("gen: DelayTil with negative interval %d", d.dt)
	}
	return nil
}

// Sleep emits nothing for dt of virtual time and is then exhausted. The
// clock starts on the first call. Useful between phases.
func Sleep(dt time.Duration) Generator {
	return &sleepGen{dt: dt.Nanoseconds()}
}

type sleepGen struct {
	dt    int64
	until int64
	armed bool
}

func (s *sleepGen) Next(t *havoc.Test, ctx Context) (Next, error) {
	g := s
	if !g.armed {
		g = &sleepGen{dt: s.dt, until: ctx.Time() + s.dt, armed: true}
	}
	if ctx.Time() >= g.until {
		return exhausted(), nil
	}
	return pending(g), nil
}

func (s *sleepGen) Update(t *havoc.Test, ctx Context, ev history.Op) (Generator, error) {
	return s, nil
}

func (s *sleepGen) validate() error {
	if s.dt < 0 {
		return errors.Errorf("gen: Sleep with negative duration %d", s.dt)
	}
	return nil
}

// TimeLimit cuts g off once dt of virtual time has passed, measured from the
// first call. Operations already in flight are unaffected; the generator
// simply reports exhaustion afterwards.
func TimeLimit(dt time.Duration, g Generator) Generator {
	return &timeLimitGen{dt: dt.Nanoseconds(), g: g}
}

type timeLimitGen struct {
	dt       int64
	deadline int64
	armed    bool
	g        Generator
}

func (l *timeLimitGen) Next(t *havoc.Test, ctx Context) (Next, error) {
	g := l
	if !g.armed {
		g = &timeLimitGen{dt: l.dt, deadline: ctx.Time() + l.dt, armed: true, g: l.g}
	}
	if ctx.Time() >= g.deadline {
		return exhausted(), nil
	}
	nxt, err := g.g.Next(t, ctx)
	if err != nil {
		return Next{}, err
	}
	switch nxt.Kind {
	case NextOp:
		if nxt.Op.Time >= g.deadline {
			// The sub-generator scheduled past the deadline; stop here.
			return exhausted(), nil
		}
		return emit(nxt.Op, &timeLimitGen{dt: g.dt, deadline: g.deadline, armed: true, g: nxt.Gen}), nil
	case NextPending:
		return pending(&timeLimitGen{dt: g.dt, deadline: g.deadline, armed: true, g: nxt.Gen}), nil
	default:
		return exhausted(), nil
	}
}

func (l *timeLimitGen) Update(t *havoc.Test, ctx Context, ev history.Op) (Generator, error) {
	g, err := l.g.Update(t, ctx, ev)
	if err != nil {
		return nil, err
	}
	return &timeLimitGen{dt: l.dt, deadline: l.deadline, armed: l.armed, g: g}, nil
}

func (l *timeLimitGen) children() []Generator { return []Generator{l.g} }

func (l *timeLimitGen) validate() error {
	if l.dt < 0 {
		return errors.Errorf("gen: TimeLimit with negative duration %d", l.dt)
	}
	return nil
}
