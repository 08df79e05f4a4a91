package history

import (
	"fmt"
	"sync"

	"golang.org/x/exp/slices"
)

// A Process identifies one incarnation of an actor performing operations.
//
// Worker processes are numbered. When the outcome of a request is unknown the
// worker must reconnect as a logically distinct actor, so the thread it runs
// on is assigned a fresh process number. Nemesis processes are long-lived
// controllers and are never replaced.
type Process struct {
	N       int
	Nemesis bool
}

func (p Process) String() string {
	if p.Nemesis {
		if p.N == 0 {
			return "nemesis"
		}
		return fmt.Sprintf("nemesis-%d", p.N)
	}
	return fmt.Sprintf("%d", p.N)
}

// The type of an operation record.
//
// Invoke marks the start of an operation. Ok, Fail and Info are the three
// possible completions: Ok means the operation definitely happened, Fail
// means it definitely did not, and Info means the outcome is unknown, for
// instance because the request timed out or the connection was lost.
type OpType int8

const (
	Invoke OpType = iota
	Ok
	Fail
	Info
)

func (t OpType) String() string {
	switch t {
	case Invoke:
		return "invoke"
	case Ok:
		return "ok"
	case Fail:
		return "fail"
	case Info:
		return "info"
	}
	return fmt.Sprintf("OpType(%d)", int8(t))
}

// Complete reports whether the type is one of the three completion types.
func (t OpType) Complete() bool {
	return t == Ok || t == Fail || t == Info
}

// An Op is a single record in a history: either the invocation of an
// operation or its completion.
//
// Index is the position of the record in the history and is assigned when the
// record is appended. Time is in virtual nanoseconds since the start of the
// run. Value is opaque to the scheduling machinery. Error carries a
// descriptive tag on info completions that were produced from a failed or
// interrupted dispatch.
type Op struct {
	Index   int
	Process Process
	Type    OpType
	F       string
	Value   any
	Time    int64
	Error   string
}

func (op Op) String() string {
	if op.Error != "" {
		return fmt.Sprintf("{%d %s %s %s %v (%s)}", op.Index, op.Process, op.Type, op.F, op.Value, op.Error)
	}
	return fmt.Sprintf("{%d %s %s %s %v}", op.Index, op.Process, op.Type, op.F, op.Value)
}

// A History is the ordered sequence of invocation and completion records
// produced by a run.
//
// It is append-only and owned by the interpreter: records receive a strictly
// increasing index when appended, and timestamps are clamped so that time
// never decreases between consecutive records. Checkers consume it after the
// run has finished.
type History struct {
	mu  sync.Mutex
	ops []Op
}

func New() *History {
	return &History{ops: make([]Op, 0, 1024)}
}

// Append stamps op with the next sequence index, clamps its timestamp to keep
// the history monotonic, stores it and returns the stamped record.
func (h *History) Append(op Op) Op {
	h.mu.Lock()
	defer h.mu.Unlock()

	op.Index = len(h.ops)
	if n := len(h.ops); n > 0 && op.Time < h.ops[n-1].Time {
		op.Time = h.ops[n-1].Time
	}
	h.ops = append(h.ops, op)
	return op
}

func (h *History) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.ops)
}

// Ops returns a copy of the records appended so far, in order.
func (h *History) Ops() []Op {
	h.mu.Lock()
	defer h.mu.Unlock()
	return slices.Clone(h.ops)
}

// A Pair couples an invocation with its completion. Complete has type Invoke
// if the run ended while the operation was still in flight.
type Pair struct {
	Invoke   Op
	Complete Op
}

// Open reports whether the invocation never completed.
func (p Pair) Open() bool {
	return !p.Complete.Type.Complete()
}

// Pairs matches every invocation with the completion that follows it on the
// same process. The result is ordered by invocation index.
func (h *History) Pairs() []Pair {
	ops := h.Ops()

	pairs := make([]Pair, 0, len(ops)/2)
	at := make(map[Process]int)
	for _, op := range ops {
		switch {
		case op.Type == Invoke:
			at[op.Process] = len(pairs)
			pairs = append(pairs, Pair{Invoke: op})
		case op.Type.Complete():
			if i, ok := at[op.Process]; ok {
				pairs[i].Complete = op
				delete(at, op.Process)
			}
		}
	}
	return pairs
}
