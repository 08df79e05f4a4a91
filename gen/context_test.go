package gen

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"havoc/history"
)

func TestNewContext(t *testing.T) {
	ctx := NewContext(3, 1)

	require.Equal(t, 4, ctx.ThreadCount())
	require.Equal(t, 4, ctx.FreeCount())
	assert.True(t, ctx.AllFree())
	assert.Equal(t, int64(0), ctx.Time())

	threads := ctx.Threads()
	require.Len(t, threads, 4)
	assert.Equal(t, Thread{N: 0}, threads[0])
	assert.Equal(t, Thread{N: 2}, threads[2])
	assert.Equal(t, Thread{N: 0, Nemesis: true}, threads[3])

	// Every thread has a process, and worker n starts as process n.
	for _, th := range threads {
		p, err := ctx.ProcessForThread(th)
		require.NoError(t, err)
		assert.Equal(t, th.N, p.N)
		assert.Equal(t, th.Nemesis, p.Nemesis)
	}
}

func TestContextOccupyRelease(t *testing.T) {
	ctx := NewContext(2, 0)

	occupied, err := ctx.Occupy(Thread{N: 0}, 10)
	require.NoError(t, err)
	assert.Equal(t, 1, occupied.FreeCount())
	assert.Equal(t, int64(10), occupied.Time())
	// The original snapshot is untouched.
	assert.Equal(t, 2, ctx.FreeCount())
	assert.Equal(t, int64(0), ctx.Time())

	// Occupying a busy thread is a contract violation.
	_, err = occupied.Occupy(Thread{N: 0}, 11)
	assert.ErrorIs(t, err, ErrThreadBusy)

	released, err := occupied.Release(Thread{N: 0}, 5)
	require.NoError(t, err)
	assert.Equal(t, 2, released.FreeCount())
	// The clock never runs backwards.
	assert.Equal(t, int64(10), released.Time())

	_, err = released.Release(Thread{N: 0}, 12)
	assert.ErrorIs(t, err, ErrThreadFree)

	_, err = ctx.Occupy(Thread{N: 9}, 0)
	assert.ErrorIs(t, err, ErrNoSuchThread)
}

func TestContextFreeProcesses(t *testing.T) {
	ctx := NewContext(3, 1)
	ctx, err := ctx.Occupy(Thread{N: 1}, 0)
	require.NoError(t, err)

	free := ctx.FreeProcesses()
	require.Len(t, free, 3)
	assert.Equal(t, history.Process{N: 0}, free[0])
	assert.Equal(t, history.Process{N: 2}, free[1])
	assert.Equal(t, history.Process{N: 0, Nemesis: true}, free[2])

	p, ok := ctx.SomeFreeProcess()
	require.True(t, ok)
	assert.Equal(t, history.Process{N: 0}, p)
}

func TestContextRotateProcess(t *testing.T) {
	ctx := NewContext(3, 1)

	rotated, err := ctx.RotateProcess(Thread{N: 1})
	require.NoError(t, err)
	p, err := rotated.ProcessForThread(Thread{N: 1})
	require.NoError(t, err)
	// Rotation strides by the concurrency, so a thread never reuses an id.
	assert.Equal(t, history.Process{N: 4}, p)

	again, err := rotated.RotateProcess(Thread{N: 1})
	require.NoError(t, err)
	p, err = again.ProcessForThread(Thread{N: 1})
	require.NoError(t, err)
	assert.Equal(t, history.Process{N: 7}, p)

	// The old process is gone.
	_, err = again.ThreadForProcess(history.Process{N: 1})
	assert.ErrorIs(t, err, ErrNoSuchProcess)

	// Nemesis threads never rotate.
	same, err := ctx.RotateProcess(Thread{N: 0, Nemesis: true})
	require.NoError(t, err)
	p, err = same.ProcessForThread(Thread{N: 0, Nemesis: true})
	require.NoError(t, err)
	assert.Equal(t, history.Process{N: 0, Nemesis: true}, p)
}

func TestContextRestrict(t *testing.T) {
	ctx := NewContext(4, 1)

	clients := ctx.Restrict(func(th Thread) bool { return !th.Nemesis })
	assert.Equal(t, 4, clients.ThreadCount())
	_, err := clients.ProcessForThread(Thread{N: 0, Nemesis: true})
	assert.ErrorIs(t, err, ErrNoSuchThread)

	nemesis := ctx.Restrict(func(th Thread) bool { return th.Nemesis })
	require.Equal(t, 1, nemesis.ThreadCount())
	p, ok := nemesis.SomeFreeProcess()
	require.True(t, ok)
	assert.True(t, p.Nemesis)

	// Restriction of a restriction intersects.
	none := clients.Restrict(func(th Thread) bool { return th.Nemesis })
	assert.Equal(t, 0, none.ThreadCount())

	pair := ctx.RestrictTo(Thread{N: 1}, Thread{N: 3})
	assert.Equal(t, 2, pair.ThreadCount())

	// Occupancy is shared with the parent view.
	busy, err := ctx.Occupy(Thread{N: 1}, 0)
	require.NoError(t, err)
	assert.Equal(t, 1, busy.RestrictTo(Thread{N: 1}, Thread{N: 3}).FreeCount())
}

// Free threads are always a subset of the context's threads, and every
// visible thread maps to a process.
func TestContextInvariants(t *testing.T) {
	ctx := NewContext(5, 2)
	var err error
	ctx, err = ctx.Occupy(Thread{N: 2}, 3)
	require.NoError(t, err)
	ctx, err = ctx.Occupy(Thread{N: 0, Nemesis: true}, 7)
	require.NoError(t, err)
	ctx, err = ctx.RotateProcess(Thread{N: 4})
	require.NoError(t, err)

	threads := ctx.Threads()
	for _, th := range ctx.FreeThreads() {
		assert.Contains(t, threads, th)
	}
	for _, th := range threads {
		_, err := ctx.ProcessForThread(th)
		assert.NoError(t, err)
	}
	assert.Equal(t, len(ctx.FreeThreads()), ctx.FreeCount())
}
