package history

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAppendAssignsIndexes(t *testing.T) {
	h := New()

	a := h.Append(Op{Process: Process{N: 0}, Type: Invoke, F: "w", Time: 5})
	b := h.Append(Op{Process: Process{N: 1}, Type: Invoke, F: "r", Time: 9})
	assert.Equal(t, 0, a.Index)
	assert.Equal(t, 1, b.Index)
	assert.Equal(t, 2, h.Len())
}

func TestAppendClampsTime(t *testing.T) {
	h := New()
	h.Append(Op{Type: Invoke, Time: 100})
	late := h.Append(Op{Type: Ok, Time: 40})
	// Virtual time never decreases across consecutive entries.
	assert.Equal(t, int64(100), late.Time)

	ops := h.Ops()
	for i := 1; i < len(ops); i++ {
		assert.GreaterOrEqual(t, ops[i].Time, ops[i-1].Time)
	}
}

func TestOpsReturnsCopy(t *testing.T) {
	h := New()
	h.Append(Op{Type: Invoke, F: "w"})

	ops := h.Ops()
	ops[0].F = "mutated"
	assert.Equal(t, "w", h.Ops()[0].F)
}

func TestPairs(t *testing.T) {
	h := New()
	p0, p1 := Process{N: 0}, Process{N: 1}
	h.Append(Op{Process: p0, Type: Invoke, F: "w"})
	h.Append(Op{Process: p1, Type: Invoke, F: "r"})
	h.Append(Op{Process: p1, Type: Ok, F: "r"})
	h.Append(Op{Process: p0, Type: Info, F: "w"})
	h.Append(Op{Process: p1, Type: Invoke, F: "r"})

	pairs := h.Pairs()
	require.Len(t, pairs, 3)
	assert.Equal(t, Info, pairs[0].Complete.Type)
	assert.Equal(t, Ok, pairs[1].Complete.Type)
	assert.True(t, pairs[2].Open())
}

func TestConcurrentAppend(t *testing.T) {
	h := New()
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				h.Append(Op{Type: Invoke})
			}
		}()
	}
	wg.Wait()

	ops := h.Ops()
	require.Len(t, ops, 800)
	for i, op := range ops {
		assert.Equal(t, i, op.Index)
	}
}

func TestOpString(t *testing.T) {
	op := Op{Index: 3, Process: Process{N: 2}, Type: Ok, F: "read", Value: 7}
	assert.Contains(t, op.String(), "read")
	assert.Contains(t, op.String(), "ok")

	nem := Process{Nemesis: true}
	assert.Equal(t, "nemesis", nem.String())
	assert.Equal(t, "invoke", Invoke.String())
	assert.True(t, Info.Complete())
	assert.False(t, Invoke.Complete())
}
