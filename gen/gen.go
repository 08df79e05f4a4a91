// Package gen is a composable, deterministic source of operations for a
// fault-injection test.
//
// A Generator is an immutable value describing what operation should run on
// which logical thread at what virtual time. Generators compose: most of the
// package is a library of combinators wrapping other generators. The
// interpreter repeatedly asks the top-level generator for the next invocation
// and feeds every invocation and completion back in, threading an immutable
// Context through each call. Given the same generator tree, seed and
// collaborator behavior, a run schedules identically.
package gen

import (
	"github.com/pkg/errors"

	"havoc"
	"havoc/history"
)

// NextKind says what a generator produced when asked for its next operation.
type NextKind int

const (
	// NextOp: the generator produced an invocation to dispatch.
	NextOp NextKind = iota
	// NextPending: no eligible thread right now; ask again after the next
	// completion or after time has passed.
	NextPending
	// NextDone: the generator is exhausted and will never produce again.
	NextDone
)

func (k NextKind) String() string {
	switch k {
	case NextOp:
		return "op"
	case NextPending:
		return "pending"
	case NextDone:
		return "done"
	}
	return "invalid"
}

// Next is the result of asking a generator for its next operation. Gen is the
// successor state of the generator. For NextDone, Gen is nil.
type Next struct {
	Kind NextKind
	Op   history.Op
	Gen  Generator
}

// A Generator is a pure, immutable source of operations.
//
// Next either produces the next invocation (choosing a process from the free
// processes of ctx and a time at or after ctx.Time()), reports pending, or
// reports exhaustion. Update informs the generator that an invocation or
// completion occurred; generators that track in-flight state react to it.
// Neither call may mutate the receiver in place or block, and neither may
// perform I/O. Errors from either are fatal to the run.
type Generator interface {
	Next(t *havoc.Test, ctx Context) (Next, error)
	Update(t *havoc.Test, ctx Context, ev history.Op) (Generator, error)
}

func emit(op history.Op, g Generator) Next {
	return Next{Kind: NextOp, Op: op, Gen: g}
}

func pending(g Generator) Next {
	return Next{Kind: NextPending, Gen: g}
}

func exhausted() Next {
	return Next{Kind: NextDone}
}

// Op returns a generator that emits the given operation template forever, one
// invocation per free thread slot, at the current virtual time. Wrap it in
// Limit, TimeLimit or Once to bound it.
//
// If value is a func() any it is evaluated anew for every emitted invocation,
// so templates can carry randomized payloads.
func Op(f string, value any) Generator {
	return opGen{f: f, value: value}
}

type opGen struct {
	f     string
	value any
}

func (g opGen) Next(t *havoc.Test, ctx Context) (Next, error) {
	p, ok := ctx.SomeFreeProcess()
	if !ok {
		return pending(g), nil
	}
	v := g.value
	if fn, ok := v.(func() any); ok {
		v = fn()
	}
	op := history.Op{
		Process: p,
		Type:    history.Invoke,
		F:       g.f,
		Value:   v,
		Time:    ctx.Time(),
	}
	return emit(op, g), nil
}

func (g opGen) Update(t *havoc.Test, ctx Context, ev history.Op) (Generator, error) {
	return g, nil
}

// wrapper is implemented by combinators that contain sub-generators, so that
// Validate can walk the tree.
type wrapper interface {
	children() []Generator
}

// validatable is implemented by combinators with construction-time
// constraints that should be checked before a run starts.
type validatable interface {
	validate() error
}

// contextValidatable is implemented by combinators whose constraints depend
// on the thread pool of the run, such as Reserve.
type contextValidatable interface {
	validateIn(ctx Context) error
}

// Validate walks a generator tree eagerly and reports structural problems:
// nil sub-generators, negative limits, empty mixtures. A tree that validates
// cleanly can still exhaust or stall, but it cannot be malformed.
func Validate(g Generator) error {
	return walkValidate(g, nil)
}

// ValidateIn additionally checks constraints that depend on the run's thread
// pool, such as Reserve ranges fitting the worker thread count. The
// interpreter calls it before the first dispatch.
func ValidateIn(g Generator, ctx Context) error {
	return walkValidate(g, &ctx)
}

func walkValidate(g Generator, ctx *Context) error {
	if g == nil {
		return errors.New("gen: nil generator")
	}
	if v, ok := g.(validatable); ok {
		if err := v.validate(); err != nil {
			return err
		}
	}
	if ctx != nil {
		if v, ok := g.(contextValidatable); ok {
			if err := v.validateIn(*ctx); err != nil {
				return err
			}
		}
	}
	if w, ok := g.(wrapper); ok {
		for _, child := range w.children() {
			if err := walkValidate(child, ctx); err != nil {
				return errors.Wrapf(err, "in %T", g)
			}
		}
	}
	return nil
}
