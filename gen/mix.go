package gen

import (
	"math/rand"

	"github.com/pkg/errors"
	"golang.org/x/exp/slices"

	"havoc"
	"havoc/history"
)

// Mix draws the next operation from a uniformly random sub-generator. The
// distribution is uniform over the sub-generators still alive: exhausted ones
// drop out of the pool, and the mixture is exhausted once the pool is empty.
//
// The random source is supplied by the caller so that runs are reproducible
// given the same seed. The source is shared mutable state; determinism holds
// as long as the same tree is driven through the same sequence of calls,
// which the interpreter guarantees.
func Mix(rnd *rand.Rand, gens ...Generator) Generator {
	return mixGen{rnd: rnd, gens: gens}
}

type mixGen struct {
	rnd  *rand.Rand
	gens []Generator
}

func (m mixGen) Next(t *havoc.Test, ctx Context) (Next, error) {
	gens := m.gens
	for len(gens) > 0 {
		i := m.rnd.Intn(len(gens))
		nxt, err := gens[i].Next(t, ctx)
		if err != nil {
			return Next{}, err
		}
		switch nxt.Kind {
		case NextOp:
			rest := slices.Clone(gens)
			rest[i] = nxt.Gen
			return emit(nxt.Op, mixGen{rnd: m.rnd, gens: rest}), nil
		case NextPending:
			rest := slices.Clone(gens)
			rest[i] = nxt.Gen
			return pending(mixGen{rnd: m.rnd, gens: rest}), nil
		default:
			// Exhausted: drop it from the pool and draw again.
			gens = append(slices.Clone(gens[:i]), gens[i+1:]...)
		}
	}
	return exhausted(), nil
}

func (m mixGen) Update(t *havoc.Test, ctx Context, ev history.Op) (Generator, error) {
	gens := slices.Clone(m.gens)
	for i, g := range gens {
		g2, err := g.Update(t, ctx, ev)
		if err != nil {
			return nil, err
		}
		gens[i] = g2
	}
	return mixGen{rnd: m.rnd, gens: gens}, nil
}

func (m mixGen) children() []Generator { return m.gens }

func (m mixGen) validate() error {
	if m.rnd == nil {
		return errors.New("gen: Mix requires a random source")
	}
	if len(m.gens) == 0 {
		return errors.New("gen: Mix over no generators")
	}
	return nil
}
