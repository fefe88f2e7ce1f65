package lockmap

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMutualExclusion(t *testing.T) {
	lm := New()
	var counter int
	var wg sync.WaitGroup
	const n = 64
	wg.Add(n)
	for i := 0; i < n; i++ {
		go func() {
			lm.Acquire(7)
			counter++
			lm.Release(7)
			wg.Done()
		}()
	}
	wg.Wait()
	assert.Equal(t, n, counter)
}

func TestIndependentInos(t *testing.T) {
	lm := New()
	lm.Acquire(1)
	done := make(chan struct{})
	go func() {
		lm.Acquire(2)
		lm.Release(2)
		close(done)
	}()
	<-done
	lm.Release(1)
}

func TestReleaseUnheldPanics(t *testing.T) {
	lm := New()
	assert.Panics(t, func() { lm.Release(3) })
}
