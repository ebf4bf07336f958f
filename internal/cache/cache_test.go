package cache

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestCacheGetSetEvict(t *testing.T) {
	c := New(10, time.Minute)

	_, ok := c.Get("r1")
	assert.False(t, ok)

	c.Set("r1", []byte("payload"))
	payload, ok := c.Get("r1")
	assert.True(t, ok)
	assert.Equal(t, []byte("payload"), payload)

	c.Evict("r1")
	_, ok = c.Get("r1")
	assert.False(t, ok)
}

func TestCacheCapacityBound(t *testing.T) {
	c := New(3, time.Minute)

	for i := 0; i < 10; i++ {
		c.Set(fmt.Sprintf("r%d", i), []byte("x"))
	}
	assert.LessOrEqual(t, c.Len(), 3)

	// The most recently used entries survive.
	_, ok := c.Get("r9")
	assert.True(t, ok)
}

func TestCacheTTLExpiry(t *testing.T) {
	c := New(10, 20*time.Millisecond)

	c.Set("r1", []byte("payload"))
	time.Sleep(60 * time.Millisecond)

	_, ok := c.Get("r1")
	assert.False(t, ok)
}

func TestCachePurge(t *testing.T) {
	c := New(10, time.Minute)
	c.Set("r1", []byte("x"))
	c.Set("r2", []byte("y"))

	c.Purge()
	assert.Equal(t, 0, c.Len())
}
