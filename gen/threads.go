package gen

import (
	"github.com/pkg/errors"
	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"

	"havoc"
	"havoc/history"
)

// OnThreads scopes g to the threads for which keep returns true: g only sees
// (and can only schedule on) those threads, and only observes events that
// happened on them.
func OnThreads(keep func(Thread) bool, g Generator) Generator {
	return onThreadsGen{keep: keep, g: g}
}

// Clients scopes g to the worker threads, hiding the nemesis threads.
func Clients(g Generator) Generator {
	return OnThreads(func(t Thread) bool { return !t.Nemesis }, g)
}

// OnNemesis scopes g to the reserved nemesis threads.
func OnNemesis(g Generator) Generator {
	return OnThreads(func(t Thread) bool { return t.Nemesis }, g)
}

type onThreadsGen struct {
	keep func(Thread) bool
	g    Generator
}

func (o onThreadsGen) Next(t *havoc.Test, ctx Context) (Next, error) {
	nxt, err := o.g.Next(t, ctx.Restrict(o.keep))
	if err != nil {
		return Next{}, err
	}
	switch nxt.Kind {
	case NextOp:
		return emit(nxt.Op, onThreadsGen{keep: o.keep, g: nxt.Gen}), nil
	case NextPending:
		return pending(onThreadsGen{keep: o.keep, g: nxt.Gen}), nil
	default:
		return exhausted(), nil
	}
}

func (o onThreadsGen) Update(t *havoc.Test, ctx Context, ev history.Op) (Generator, error) {
	scoped := ctx.Restrict(o.keep)
	if th, err := scoped.ThreadForProcess(ev.Process); err != nil || !o.keep(th) {
		// Event on a hidden thread; the scoped generator never sees it.
		return o, nil
	}
	g, err := o.g.Update(t, scoped, ev)
	if err != nil {
		return nil, err
	}
	return onThreadsGen{keep: o.keep, g: g}, nil
}

func (o onThreadsGen) children() []Generator { return []Generator{o.g} }

// Synchronize is a barrier: it holds g back until every visible thread is
// simultaneously free, so g's first operation starts only after everything
// scheduled before it has completed. Once the barrier has been crossed it
// adds no further constraint.
func Synchronize(g Generator) Generator {
	return syncGen{g: g}
}

type syncGen struct {
	g Generator
}

func (s syncGen) Next(t *havoc.Test, ctx Context) (Next, error) {
	if !ctx.AllFree() {
		return pending(s), nil
	}
	// Barrier crossed: hand over to the wrapped generator for good.
	return s.g.Next(t, ctx)
}

func (s syncGen) Update(t *havoc.Test, ctx Context, ev history.Op) (Generator, error) {
	g, err := s.g.Update(t, ctx, ev)
	if err != nil {
		return nil, err
	}
	return syncGen{g: g}, nil
}

func (s syncGen) children() []Generator { return []Generator{s.g} }

// Phases runs each generator to exhaustion in order, with a barrier in
// between: generator i+1 sees a context in which all of generator i's
// operations have completed.
func Phases(gens ...Generator) Generator {
	seq := make([]Generator, len(gens))
	for i, g := range gens {
		seq[i] = Synchronize(g)
	}
	return Concat(seq...)
}

// Any interleaves several generators with no ordering constraints between
// them, always choosing the one whose next operation is soonest. Each is
// typically scoped to its own threads via OnThreads. Any is exhausted only
// when every sub-generator is.
func Any(gens ...Generator) Generator {
	return anyGen{gens: gens}
}

type anyGen struct {
	gens []Generator
}

func (a anyGen) Next(t *havoc.Test, ctx Context) (Next, error) {
	best := -1
	var bestNext Next
	sawPending := false
	for i, g := range a.gens {
		nxt, err := g.Next(t, ctx)
		if err != nil {
			return Next{}, err
		}
		switch nxt.Kind {
		case NextOp:
			if best < 0 || nxt.Op.Time < bestNext.Op.Time {
				best, bestNext = i, nxt
			}
		case NextPending:
			sawPending = true
		}
	}
	if best >= 0 {
		gens := slices.Clone(a.gens)
		gens[best] = bestNext.Gen
		return emit(bestNext.Op, anyGen{gens: gens}), nil
	}
	if sawPending {
		return pending(a), nil
	}
	return exhausted(), nil
}

func (a anyGen) Update(t *havoc.Test, ctx Context, ev history.Op) (Generator, error) {
	gens := slices.Clone(a.gens)
	for i, g := range gens {
		g2, err := g.Update(t, ctx, ev)
		if err != nil {
			return nil, err
		}
		gens[i] = g2
	}
	return anyGen{gens: gens}, nil
}

func (a anyGen) children() []Generator { return a.gens }

// EachThread gives every thread its own independent copy of the template
// generator instead of sharing one instance across all threads. It is
// exhausted once every per-thread copy is.
func EachThread(template Generator) Generator {
	return eachThreadGen{template: template, instances: map[Thread]Generator{}}
}

type eachThreadGen struct {
	template  Generator
	instances map[Thread]Generator
}

func (e eachThreadGen) instance(t Thread) Generator {
	if g, ok := e.instances[t]; ok {
		return g
	}
	return e.template
}

func (e eachThreadGen) with(t Thread, g Generator) eachThreadGen {
	instances := maps.Clone(e.instances)
	instances[t] = g
	return eachThreadGen{template: e.template, instances: instances}
}

func (e eachThreadGen) Next(t *havoc.Test, ctx Context) (Next, error) {
	found := false
	var bestNext Next
	var bestThread Thread
	alive := false

	for _, th := range ctx.Threads() {
		g := e.instance(th)
		if g == nil {
			continue
		}
		nxt, err := g.Next(t, ctx.RestrictTo(th))
		if err != nil {
			return Next{}, err
		}
		switch nxt.Kind {
		case NextOp:
			if !found || nxt.Op.Time < bestNext.Op.Time {
				found, bestNext, bestThread = true, nxt, th
			}
			alive = true
		case NextPending:
			alive = true
		case NextDone:
			// Record exhaustion so the thread drops out for good.
			e = e.with(th, nil)
		}
	}
	switch {
	case found:
		return emit(bestNext.Op, e.with(bestThread, bestNext.Gen)), nil
	case alive:
		return pending(e), nil
	default:
		return exhausted(), nil
	}
}

func (e eachThreadGen) Update(t *havoc.Test, ctx Context, ev history.Op) (Generator, error) {
	th, err := ctx.ThreadForProcess(ev.Process)
	if err != nil {
		// The process already rotated away or lives outside this view.
		return e, nil
	}
	g := e.instance(th)
	if g == nil {
		return e, nil
	}
	g2, err := g.Update(t, ctx.RestrictTo(th), ev)
	if err != nil {
		return nil, err
	}
	return e.with(th, g2), nil
}

func (e eachThreadGen) children() []Generator { return []Generator{e.template} }

// A ReserveRange dedicates a fixed number of worker threads to one generator.
type ReserveRange struct {
	Threads int
	Gen     Generator
}

// Reserve statically partitions the worker threads: the first range claims
// the lowest-numbered threads, the next range the following ones, and def
// serves every thread left over (including nemesis threads, if visible). The
// partition is validated against the thread pool before the run starts.
func Reserve(ranges []ReserveRange, def Generator) Generator {
	return reserveGen{ranges: ranges, def: def}
}

type reserveGen struct {
	ranges []ReserveRange
	def    Generator
}

// rangeFor returns the index of the range owning worker thread t, or -1 for
// the default generator.
func (r reserveGen) rangeFor(t Thread) int {
	if t.Nemesis {
		return -1
	}
	off := 0
	for i, rng := range r.ranges {
		if t.N < off+rng.Threads {
			return i
		}
		off += rng.Threads
	}
	return -1
}

func (r reserveGen) keep(i int) func(Thread) bool {
	return func(t Thread) bool { return r.rangeFor(t) == i }
}

func (r reserveGen) Next(t *havoc.Test, ctx Context) (Next, error) {
	type candidate struct {
		rng int
		nxt Next
	}
	best := candidate{rng: -2}
	sawPending := false

	consider := func(rng int, g Generator) error {
		nxt, err := g.Next(t, ctx.Restrict(r.keep(rng)))
		if err != nil {
			return err
		}
		switch nxt.Kind {
		case NextOp:
			if best.rng == -2 || nxt.Op.Time < best.nxt.Op.Time {
				best = candidate{rng: rng, nxt: nxt}
			}
		case NextPending:
			sawPending = true
		}
		return nil
	}

	for i, rng := range r.ranges {
		if err := consider(i, rng.Gen); err != nil {
			return Next{}, err
		}
	}
	if err := consider(-1, r.def); err != nil {
		return Next{}, err
	}

	if best.rng != -2 {
		out := reserveGen{ranges: slices.Clone(r.ranges), def: r.def}
		if best.rng == -1 {
			out.def = best.nxt.Gen
		} else {
			out.ranges[best.rng].Gen = best.nxt.Gen
		}
		return emit(best.nxt.Op, out), nil
	}
	if sawPending {
		return pending(r), nil
	}
	return exhausted(), nil
}

func (r reserveGen) Update(t *havoc.Test, ctx Context, ev history.Op) (Generator, error) {
	th, err := ctx.ThreadForProcess(ev.Process)
	if err != nil {
		return r, nil
	}
	rng := r.rangeFor(th)
	out := reserveGen{ranges: slices.Clone(r.ranges), def: r.def}
	if rng == -1 {
		g, err := r.def.Update(t, ctx.Restrict(r.keep(-1)), ev)
		if err != nil {
			return nil, err
		}
		out.def = g
		return out, nil
	}
	g, err := r.ranges[rng].Gen.Update(t, ctx.Restrict(r.keep(rng)), ev)
	if err != nil {
		return nil, err
	}
	out.ranges[rng].Gen = g
	return out, nil
}

func (r reserveGen) children() []Generator {
	out := make([]Generator, 0, len(r.ranges)+1)
	for _, rng := range r.ranges {
		out = append(out, rng.Gen)
	}
	return append(out, r.def)
}

func (r reserveGen) validate() error {
	for _, rng := range r.ranges {
		if rng.Threads <= 0 {
			return errors.Errorf("gen: Reserve range of %d threads", rng.Threads)
		}
	}
	if r.def == nil {
		return errors.New("gen: Reserve requires a default generator")
	}
	return nil
}

func (r reserveGen) validateIn(ctx Context) error {
	total := 0
	for _, rng := range r.ranges {
		total += rng.Threads
	}
	workers := 0
	for _, t := range ctx.Threads() {
		if !t.Nemesis {
			workers++
		}
	}
	if total > workers {
		return errors.Errorf("gen: Reserve claims %d threads but only %d worker threads exist", total, workers)
	}
	return nil
}

// ProcessLimit restricts g so that at most n distinct worker process
// identities are ever used, modeling systems with a bounded connection
// budget. Once n identities have been seen, threads whose process rotated to
// a fresh identity become invisible to g.
func ProcessLimit(n int, g Generator) Generator {
	return processLimitGen{n: n, seen: map[history.Process]bool{}, g: g}
}

type processLimitGen struct {
	n    int
	seen map[history.Process]bool
	g    Generator
}

func (p processLimitGen) keep(ctx Context) func(Thread) bool {
	return func(t Thread) bool {
		if t.Nemesis {
			return true
		}
		proc, err := ctx.ProcessForThread(t)
		if err != nil {
			return false
		}
		return p.seen[proc] || len(p.seen) < p.n
	}
}

func (p processLimitGen) Next(t *havoc.Test, ctx Context) (Next, error) {
	nxt, err := p.g.Next(t, ctx.Restrict(p.keep(ctx)))
	if err != nil {
		return Next{}, err
	}
	switch nxt.Kind {
	case NextOp:
		out := processLimitGen{n: p.n, seen: p.seen, g: nxt.Gen}
		if !nxt.Op.Process.Nemesis && !p.seen[nxt.Op.Process] {
			out.seen = maps.Clone(p.seen)
			out.seen[nxt.Op.Process] = true
		}
		return emit(nxt.Op, out), nil
	case NextPending:
		return pending(processLimitGen{n: p.n, seen: p.seen, g: nxt.Gen}), nil
	default:
		return exhausted(), nil
	}
}

func (p processLimitGen) Update(t *havoc.Test, ctx Context, ev history.Op) (Generator, error) {
	g, err := p.g.Update(t, ctx.Restrict(p.keep(ctx)), ev)
	if err != nil {
		return nil, err
	}
	return processLimitGen{n: p.n, seen: p.seen, g: g}, nil
}

func (p processLimitGen) children() []Generator { return []Generator{p.g} }

func (p processLimitGen) validate() error {
	if p.n <= 0 {
		return errors.Errorf("gen: ProcessLimit of %d processes", p.n)
	}
	return nil
}
