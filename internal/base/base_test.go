package base

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSectorConversions(t *testing.T) {
	assert.Equal(t, int64(1024), SectorsToBytes(2))
	assert.Equal(t, int64(2), BytesToSectors(1024))
	assert.Equal(t, int64(1), BytesToSectors(1023))
}

func TestDivRoundUp(t *testing.T) {
	assert.Equal(t, int64(0), DivRoundUp(0, 8))
	assert.Equal(t, int64(1), DivRoundUp(1, 8))
	assert.Equal(t, int64(1), DivRoundUp(8, 8))
	assert.Equal(t, int64(2), DivRoundUp(9, 8))
}

func TestRoundUp(t *testing.T) {
	assert.Equal(t, int64(0), RoundUp(0, 128))
	assert.Equal(t, int64(128), RoundUp(1, 128))
	assert.Equal(t, int64(128), RoundUp(128, 128))
	assert.Equal(t, int64(256), RoundUp(129, 128))
}

func TestAtomicSeqNum(t *testing.T) {
	var s AtomicSeqNum
	assert.Equal(t, SeqNum(0), s.Load())
	assert.Equal(t, SeqNum(1), s.Add(1))
	s.Store(10)
	assert.Equal(t, SeqNum(10), s.Load())
	assert.True(t, s.CompareAndSwap(10, 11))
	assert.False(t, s.CompareAndSwap(10, 12))
	assert.Equal(t, SeqNum(11), s.Load())
}

func TestAtomicSeqNumConcurrentAdd(t *testing.T) {
	var s AtomicSeqNum
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 1000; j++ {
				s.Add(1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, SeqNum(8000), s.Load())
}
