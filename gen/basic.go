package gen

import (
	"github.com/pkg/errors"

	"havoc"
	"havoc/history"
)

// Once emits the operation template exactly one time, assigned to the first
// free process, and is exhausted afterwards.
func Once(f string, value any) Generator {
	return Limit(1, Op(f, value))
}

// OnceGen bounds an arbitrary generator to a single invocation.
func OnceGen(g Generator) Generator {
	return Limit(1, g)
}

// Limit passes through up to n invocations from g, then reports exhaustion
// regardless of how many more g could produce.
func Limit(n int, g Generator) Generator {
	return limitGen{remaining: n, g: g}
}

type limitGen struct {
	remaining int
	g         Generator
}

func (l limitGen) Next(t *havoc.Test, ctx Context) (Next, error) {
	if l.remaining <= 0 {
		return exhausted(), nil
	}
	nxt, err := l.g.Next(t, ctx)
	if err != nil {
		return Next{}, err
	}
	switch nxt.Kind {
	case NextOp:
		return emit(nxt.Op, limitGen{remaining: l.remaining - 1, g: nxt.Gen}), nil
	case NextPending:
		return pending(limitGen{remaining: l.remaining, g: nxt.Gen}), nil
	default:
		return exhausted(), nil
	}
}

func (l limitGen) Update(t *havoc.Test, ctx Context, ev history.Op) (Generator, error) {
	g, err := l.g.Update(t, ctx, ev)
	if err != nil {
		return nil, err
	}
	return limitGen{remaining: l.remaining, g: g}, nil
}

func (l limitGen) children() []Generator { return []Generator{l.g} }

func (l limitGen) validate() error {
	if l.remaining < 0 {
		return errors.Errorf("gen: Limit with negative count %d", l.remaining)
	}
	return nil
}

// Filter passes through only the invocations of g satisfying pred. Skipped
// invocations are consumed from g but never dispatched; process and time
// assignment of the surviving ones is untouched.
func Filter(pred func(history.Op) bool, g Generator) Generator {
	return filterGen{pred: pred, g: g}
}

type filterGen struct {
	pred func(history.Op) bool
	g    Generator
}

func (f filterGen) Next(t *havoc.Test, ctx Context) (Next, error) {
	g := f.g
	for {
		nxt, err := g.Next(t, ctx)
		if err != nil {
			return Next{}, err
		}
		switch nxt.Kind {
		case NextOp:
			if f.pred(nxt.Op) {
				return emit(nxt.Op, filterGen{pred: f.pred, g: nxt.Gen}), nil
			}
			// Drop the op and keep drawing from the successor.
			g = nxt.Gen
		case NextPending:
			return pending(filterGen{pred: f.pred, g: nxt.Gen}), nil
		default:
			return exhausted(), nil
		}
	}
}

func (f filterGen) Update(t *havoc.Test, ctx Context, ev history.Op) (Generator, error) {
	g, err := f.g.Update(t, ctx, ev)
	if err != nil {
		return nil, err
	}
	return filterGen{pred: f.pred, g: g}, nil
}

func (f filterGen) children() []Generator { return []Generator{f.g} }

// FMap rewrites the operation name of every invocation emitted by g through
// table; names without an entry pass through unchanged. Events fed back via
// Update are reverse-mapped so that g observes its own names.
func FMap(table map[string]string, g Generator) Generator {
	inverse := make(map[string]string, len(table))
	for from, to := range table {
		inverse[to] = from
	}
	return fmapGen{table: table, inverse: inverse, g: g}
}

type fmapGen struct {
	table   map[string]string
	inverse map[string]string
	g       Generator
}

func (f fmapGen) Next(t *havoc.Test, ctx Context) (Next, error) {
	nxt, err := f.g.Next(t, ctx)
	if err != nil {
		return Next{}, err
	}
	switch nxt.Kind {
	case NextOp:
		op := nxt.Op
		if to, ok := f.table[op.F]; ok {
			op.F = to
		}
		return emit(op, fmapGen{table: f.table, inverse: f.inverse, g: nxt.Gen}), nil
	case NextPending:
		return pending(fmapGen{table: f.table, inverse: f.inverse, g: nxt.Gen}), nil
	default:
		return exhausted(), nil
	}
}

func (f fmapGen) Update(t *havoc.Test, ctx Context, ev history.Op) (Generator, error) {
	if from, ok := f.inverse[ev.F]; ok {
		ev.F = from
	}
	g, err := f.g.Update(t, ctx, ev)
	if err != nil {
		return nil, err
	}
	return fmapGen{table: f.table, inverse: f.inverse, g: g}, nil
}

func (f fmapGen) children() []Generator { return []Generator{f.g} }

// Concat runs each generator to exhaustion in order, with no barrier in
// between: the next generator may start while operations of the previous one
// are still in flight. Use Phases for a barrier between elements.
func Concat(gens ...Generator) Generator {
	return concatGen{gens: gens}
}

type concatGen struct {
	gens []Generator
}

func (c concatGen) Next(t *havoc.Test, ctx Context) (Next, error) {
	gens := c.gens
	for len(gens) > 0 {
		nxt, err := gens[0].Next(t, ctx)
		if err != nil {
			return Next{}, err
		}
		switch nxt.Kind {
		case NextOp:
			rest := append([]Generator{nxt.Gen}, gens[1:]...)
			return emit(nxt.Op, concatGen{gens: rest}), nil
		case NextPending:
			rest := append([]Generator{nxt.Gen}, gens[1:]...)
			return pending(concatGen{gens: rest}), nil
		default:
			gens = gens[1:]
		}
	}
	return exhausted(), nil
}

func (c concatGen) Update(t *havoc.Test, ctx Context, ev history.Op) (Generator, error) {
	if len(c.gens) == 0 {
		return c, nil
	}
	g, err := c.gens[0].Update(t, ctx, ev)
	if err != nil {
		return nil, err
	}
	rest := append([]Generator{g}, c.gens[1:]...)
	return concatGen{gens: rest}, nil
}

func (c concatGen) children() []Generator { return c.gens }

// Log is a generator that emits no operations: when reached it writes msg to
// the test's logger once and is then exhausted. Useful as a marker between
// phases.
func Log(msg string) Generator {
	return logGen{msg: msg}
}

type logGen struct {
	msg string
}

func (l logGen) Next(t *havoc.Test, ctx Context) (Next, error) {
	t.Logger().Info(l.msg)
	return exhausted(), nil
}

func (l logGen) Update(t *havoc.Test, ctx Context, ev history.Op) (Generator, error) {
	return l, nil
}
