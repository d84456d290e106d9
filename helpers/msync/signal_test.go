package msync

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestSignalCoalesce(t *testing.T) {
	t.Parallel()

	s := NewSignal()
	s.Set()
	s.Set()
	s.Set()
	assert.True(t, s.Clear())
	assert.False(t, s.Clear())
}

func TestSignalWait(t *testing.T) {
	t.Parallel()

	s := NewSignal()
	done := make(chan Nothing)
	go func() {
		s.Wait()
		close(done)
	}()
	s.Set()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Wait() did not return after Set()")
	}
}
