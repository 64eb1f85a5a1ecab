package cache

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestCacheSetGet(t *testing.T) {
	c := New()
	c.Set("a", 42, time.Minute)

	v, ok := c.Get("a")
	assert.True(t, ok)
	assert.Equal(t, 42, v)

	_, ok = c.Get("missing")
	assert.False(t, ok)
}

func TestCacheExpiry(t *testing.T) {
	c := New()
	c.Set("a", "x", 10*time.Millisecond)

	time.Sleep(25 * time.Millisecond)

	_, ok := c.Get("a")
	assert.False(t, ok)

	c.Purge()
	assert.Equal(t, 0, c.Len())
}

func TestCacheInvalidatePrefix(t *testing.T) {
	c := New()
	c.Set(Key("sess1", "workouts"), 1, time.Minute)
	c.Set(Key("sess1", "goals"), 2, time.Minute)
	c.Set(Key("sess2", "workouts"), 3, time.Minute)

	c.Invalidate("sess1")

	_, ok := c.Get(Key("sess1", "workouts"))
	assert.False(t, ok)
	_, ok = c.Get(Key("sess1", "goals"))
	assert.False(t, ok)
	_, ok = c.Get(Key("sess2", "workouts"))
	assert.True(t, ok)
}
