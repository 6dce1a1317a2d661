package registry

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestKeyedMutexSerializesSameKey(t *testing.T) {
	locks := newKeyedMutex()

	var counter int
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock := locks.lock("foo")
			defer unlock()
			counter++
		}()
	}
	wg.Wait()
	assert.Equal(t, 50, counter)
}

func TestKeyedMutexDistinctKeysDoNotBlock(t *testing.T) {
	locks := newKeyedMutex()

	unlockA := locks.lock("a")
	done := make(chan struct{})
	go func() {
		unlockB := locks.lock("b")
		unlockB()
		close(done)
	}()
	<-done // key "b" proceeds while "a" is held
	unlockA()
}

func TestKeyedMutexReleasesEntries(t *testing.T) {
	locks := newKeyedMutex()
	unlock := locks.lock("foo")
	unlock()

	locks.mu.Lock()
	defer locks.mu.Unlock()
	assert.Empty(t, locks.entries)
}
