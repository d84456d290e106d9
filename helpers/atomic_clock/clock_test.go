package atomic_clock

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestApi(t *testing.T) {
	var c Clock
	tim := time.Unix(1700000000, 250)
	c.SetTime(tim)
	assert.Equal(t, tim.UnixNano(), c.UnixNano())
	assert.True(t, tim.Equal(c.Time()))
	c.Reset()
	assert.Equal(t, int64(0), c.UnixNano())
}

func TestZero(t *testing.T) {
	var c Clock
	assert.Equal(t, int64(0), c.UnixNano())
	assert.True(t, c.Time().IsZero())
}

func TestCompareAndReset(t *testing.T) {
	var c Clock
	c.SetTime(time.Unix(0, 100))
	assert.False(t, c.CompareAndReset(99))
	assert.Equal(t, int64(100), c.UnixNano())
	assert.True(t, c.CompareAndReset(100))
	assert.True(t, c.Time().IsZero())
}
