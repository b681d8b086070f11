package delivery

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSequenceAssigner_StartsAtOne(t *testing.T) {
	a := NewSequenceAssigner()

	assert.Equal(t, uint64(1), a.Next("session-a"))
	assert.Equal(t, uint64(2), a.Next("session-a"))
	assert.Equal(t, uint64(3), a.Next("session-a"))
}

func TestSequenceAssigner_SessionsAreIndependent(t *testing.T) {
	a := NewSequenceAssigner()

	assert.Equal(t, uint64(1), a.Next("session-a"))
	assert.Equal(t, uint64(2), a.Next("session-a"))
	assert.Equal(t, uint64(1), a.Next("session-b"))
	assert.Equal(t, uint64(2), a.Last("session-a"))
	assert.Equal(t, uint64(1), a.Last("session-b"))
}

func TestSequenceAssigner_ConcurrentCallsNeverDuplicate(t *testing.T) {
	a := NewSequenceAssigner()

	const workers = 8
	const perWorker = 500

	var wg sync.WaitGroup
	results := make([][]uint64, workers)

	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			for j := 0; j < perWorker; j++ {
				results[idx] = append(results[idx], a.Next("session-a"))
			}
		}(i)
	}
	wg.Wait()

	seen := make(map[uint64]bool)
	for _, r := range results {
		for _, seq := range r {
			assert.False(t, seen[seq], "duplicate sequence %d", seq)
			seen[seq] = true
		}
	}
	assert.Len(t, seen, workers*perWorker)
	assert.Equal(t, uint64(workers*perWorker), a.Last("session-a"))
}

func TestSequenceAssigner_DropResetsNothingForOthers(t *testing.T) {
	a := NewSequenceAssigner()

	a.Next("session-a")
	a.Next("session-b")
	a.Drop("session-a")

	assert.Equal(t, uint64(0), a.Last("session-a"))
	assert.Equal(t, uint64(1), a.Last("session-b"))
}
