package internal

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestConflictCounter(t *testing.T) {
	var c ConflictCounter
	assert.Equal(t, uint64(0), c.Count())
	assert.Equal(t, uint64(1), c.Signal())

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c.Signal()
		}()
	}
	wg.Wait()
	assert.Equal(t, uint64(11), c.Count())
}
