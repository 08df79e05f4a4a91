package runner

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"havoc"
	"havoc/gen"
	"havoc/history"
)

func quietLogger() *logrus.Logger {
	log := logrus.New()
	log.SetLevel(logrus.ErrorLevel)
	return log
}

// mockClient behaves according to the operation name: "ok" succeeds, "fail"
// fails definitely, "err" returns an error, "boom" panics, "slow" blocks
// until its context is canceled. A shared recorder tracks opens and closes
// across all instances spawned from the prototype.
type mockClient struct {
	rec  *recorder
	node string
}

type recorder struct {
	mu     sync.Mutex
	opens  []string
	closes int
}

func (r *recorder) openCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.opens)
}

func (r *recorder) closeCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.closes
}

func (c *mockClient) Open(ctx context.Context, node string) (havoc.Client, error) {
	c.rec.mu.Lock()
	defer c.rec.mu.Unlock()
	c.rec.opens = append(c.rec.opens, node)
	return &mockClient{rec: c.rec, node: node}, nil
}

func (c *mockClient) Setup(ctx context.Context, t *havoc.Test) error { return nil }

func (c *mockClient) Invoke(ctx context.Context, t *havoc.Test, op history.Op) (history.Op, error) {
	switch op.F {
	case "fail":
		op.Type = history.Fail
		return op, nil
	case "err":
		return op, assert.AnError
	case "boom":
		panic("client exploded")
	case "slow":
		<-ctx.Done()
		op.Type = history.Info
		op.Error = ctx.Err().Error()
		return op, nil
	default:
		op.Type = history.Ok
		return op, nil
	}
}

func (c *mockClient) Teardown(ctx context.Context, t *havoc.Test) error { return nil }

func (c *mockClient) Close(ctx context.Context, t *havoc.Test) error {
	c.rec.mu.Lock()
	defer c.rec.mu.Unlock()
	c.rec.closes++
	return nil
}

// mockNemesis flips a flag so tests can see it was set up, invoked and torn
// down on the reserved thread.
type mockNemesis struct {
	mu       sync.Mutex
	setup    bool
	teardown bool
	invoked  []string
}

func (n *mockNemesis) Setup(ctx context.Context, t *havoc.Test) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.setup = true
	return nil
}

func (n *mockNemesis) Invoke(ctx context.Context, t *havoc.Test, op history.Op) (history.Op, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.invoked = append(n.invoked, op.F)
	op.Type = history.Info
	return op, nil
}

func (n *mockNemesis) Teardown(ctx context.Context, t *havoc.Test) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.teardown = true
	return nil
}

func newTest(concurrency int) (*havoc.Test, *recorder) {
	rec := &recorder{}
	return &havoc.Test{
		Name:        "runner-test",
		Nodes:       []string{"n1", "n2"},
		Concurrency: concurrency,
		Log:         quietLogger(),
		Client:      &mockClient{rec: rec},
	}, rec
}

func requireAlternation(t *testing.T, h *history.History) {
	t.Helper()
	open := map[history.Process]bool{}
	for _, op := range h.Ops() {
		if op.Type == history.Invoke {
			require.False(t, open[op.Process], "two in-flight invocations for %s", op.Process)
			open[op.Process] = true
		} else {
			require.True(t, open[op.Process], "completion without invocation for %s", op.Process)
			open[op.Process] = false
		}
	}
}

func TestRunCompletesHistory(t *testing.T) {
	tst, rec := newTest(3)
	g := gen.Limit(12, gen.Op("ok", "v"))

	h, err := Run(context.Background(), tst, g)
	require.NoError(t, err)
	requireAlternation(t, h)

	ops := h.Ops()
	require.Len(t, ops, 24)
	for i, op := range ops {
		assert.Equal(t, i, op.Index)
		if i > 0 {
			assert.GreaterOrEqual(t, op.Time, ops[i-1].Time, "time went backwards at %d", i)
		}
	}
	for _, pair := range h.Pairs() {
		require.False(t, pair.Open())
		assert.Equal(t, history.Ok, pair.Complete.Type)
	}
	// One client per thread, all closed at teardown.
	assert.Equal(t, 3, rec.openCount())
	assert.Equal(t, 3, rec.closeCount())
}

func TestFailCompletion(t *testing.T) {
	tst, _ := newTest(1)
	h, err := Run(context.Background(), tst, gen.Once("fail", nil))
	require.NoError(t, err)

	pairs := h.Pairs()
	require.Len(t, pairs, 1)
	assert.Equal(t, history.Fail, pairs[0].Complete.Type)
}

// An error returned by Invoke becomes an indeterminate completion and the
// thread's process rotates before its next invocation.
func TestErrorRotatesProcess(t *testing.T) {
	tst, rec := newTest(1)
	g := gen.Concat(gen.Once("err", nil), gen.Once("ok", nil))

	h, err := Run(context.Background(), tst, g)
	require.NoError(t, err)
	requireAlternation(t, h)

	ops := h.Ops()
	require.Len(t, ops, 4)
	assert.Equal(t, history.Info, ops[1].Type)
	assert.NotEmpty(t, ops[1].Error)
	// The follow-up op runs as a fresh process.
	assert.Equal(t, history.Process{N: 0}, ops[0].Process)
	assert.Equal(t, history.Process{N: 1}, ops[2].Process)
	// The worker reopened its client for the new incarnation.
	assert.Equal(t, 2, rec.openCount())
}

// A panic inside a dispatched invocation is local: it converts to an info
// completion and the run continues.
func TestPanicBecomesInfo(t *testing.T) {
	tst, _ := newTest(1)
	g := gen.Concat(gen.Once("boom", nil), gen.Once("ok", nil))

	h, err := Run(context.Background(), tst, g)
	require.NoError(t, err)

	ops := h.Ops()
	require.Len(t, ops, 4)
	assert.Equal(t, history.Info, ops[1].Type)
	assert.Contains(t, ops[1].Error, "panic")
	assert.Equal(t, history.Ok, ops[3].Type)
}

// A generator error is fatal, aborts the run and surfaces the context.
func TestGeneratorErrorIsFatal(t *testing.T) {
	tst, _ := newTest(1)
	_, err := Run(context.Background(), tst, errGen{})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrGenerator)
	assert.Contains(t, err.Error(), "Context{")
}

type errGen struct{}

func (errGen) Next(t *havoc.Test, ctx gen.Context) (gen.Next, error) {
	return gen.Next{}, assert.AnError
}

func (errGen) Update(t *havoc.Test, ctx gen.Context, ev history.Op) (gen.Generator, error) {
	return errGen{}, nil
}

// The time limit behaves like generator exhaustion: in-flight operations
// drain, nothing is aborted.
func TestTimeLimitDrains(t *testing.T) {
	tst, _ := newTest(2)
	tst.TimeLimit = 50 * time.Millisecond

	h, err := Run(context.Background(), tst, gen.Op("ok", nil))
	require.NoError(t, err)
	requireAlternation(t, h)
	require.NotZero(t, h.Len())
	for _, pair := range h.Pairs() {
		assert.False(t, pair.Open())
	}
}

// Explicit cancellation aborts in-flight dispatches via their context.
func TestCancelAborts(t *testing.T) {
	tst, _ := newTest(2)
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(30 * time.Millisecond)
		cancel()
	}()

	start := time.Now()
	h, err := Run(ctx, tst, gen.Op("slow", nil))
	assert.ErrorIs(t, err, context.Canceled)
	assert.Less(t, time.Since(start), 5*time.Second)

	// The blocked invocations resolved into indeterminate completions.
	for _, pair := range h.Pairs() {
		if !pair.Open() {
			assert.Equal(t, history.Info, pair.Complete.Type)
		}
	}
}

// Nemesis operations flow through the same scheduling machinery on the
// reserved thread, and the nemesis never rotates.
func TestNemesisScheduling(t *testing.T) {
	tst, _ := newTest(2)
	nem := &mockNemesis{}
	tst.Nemesis = nem
	tst.NemesisThreads = 1

	g := gen.Any(
		gen.Clients(gen.Limit(4, gen.Op("ok", nil))),
		gen.OnNemesis(gen.Limit(2, gen.Op("partition", nil))),
	)
	h, err := Run(context.Background(), tst, g)
	require.NoError(t, err)
	requireAlternation(t, h)

	assert.True(t, nem.setup)
	assert.True(t, nem.teardown)
	assert.Equal(t, []string{"partition", "partition"}, nem.invoked)

	nemOps := 0
	for _, op := range h.Ops() {
		if op.Process.Nemesis {
			nemOps++
			// Info completions on the nemesis must not rotate it.
			assert.Equal(t, 0, op.Process.N)
		}
	}
	assert.Equal(t, 4, nemOps)
}

// Stagger spreads invocations over wall-clock time in the runner.
func TestStaggerWallClock(t *testing.T) {
	tst, _ := newTest(2)
	g := gen.DelayTil(10*time.Millisecond, gen.Limit(5, gen.Op("ok", nil)))

	start := time.Now()
	h, err := Run(context.Background(), tst, g)
	require.NoError(t, err)
	elapsed := time.Since(start)

	require.Len(t, h.Pairs(), 5)
	// 5 ops spaced 10ms apart need at least 40ms.
	assert.GreaterOrEqual(t, elapsed, 40*time.Millisecond)
}

func TestRunValidation(t *testing.T) {
	tst, _ := newTest(0)
	_, err := Run(context.Background(), tst, gen.Op("ok", nil))
	assert.Error(t, err)

	tst, _ = newTest(2)
	tst.NemesisThreads = 1
	_, err = Run(context.Background(), tst, gen.Op("ok", nil))
	assert.Error(t, err, "nemesis threads without a nemesis")

	tst, _ = newTest(2)
	_, err = Run(context.Background(), tst, gen.Limit(-1, gen.Op("ok", nil)))
	assert.Error(t, err, "validation failed")
}
