package seen

import (
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAddAndHas(t *testing.T) {
	c := New(10 * time.Second)
	defer c.Stop()
	k := uuid.NewString()

	assert.False(t, c.Has(k), "fresh cache should not have key")
	assert.True(t, c.Add(k), "first Add reports new traffic")
	assert.True(t, c.Has(k))
	assert.False(t, c.Add(k), "second Add is a duplicate")
}

func TestExpiry(t *testing.T) {
	c := New(50 * time.Millisecond)
	defer c.Stop()
	k := uuid.NewString()
	c.Add(k)
	require.True(t, c.Has(k))

	time.Sleep(100 * time.Millisecond)
	assert.False(t, c.Has(k), "key should have expired")
	assert.True(t, c.Add(k), "expired key is new again")
}

func TestReaperBoundsMemory(t *testing.T) {
	c := New(20 * time.Millisecond)
	defer c.Stop()
	for i := 0; i < 10; i++ {
		c.Add(fmt.Sprintf("k%d", i))
	}
	assert.Eventually(t, func() bool { return c.Len() == 0 }, time.Second, 10*time.Millisecond)
}

func TestMultipleKeys(t *testing.T) {
	c := New(10 * time.Second)
	defer c.Stop()
	keys := make([]string, 100)
	for i := range keys {
		keys[i] = uuid.NewString()
		c.Add(keys[i])
	}
	assert.Equal(t, 100, c.Len())
	for _, k := range keys {
		assert.True(t, c.Has(k))
	}
	assert.False(t, c.Has(uuid.NewString()))
}

func TestForget(t *testing.T) {
	c := New(10 * time.Second)
	defer c.Stop()
	c.Add("a")
	c.Forget("a")
	assert.False(t, c.Has("a"))
	assert.True(t, c.Add("a"))
}

func TestStopIsIdempotent(t *testing.T) {
	c := New(0)
	c.Stop()
	c.Stop()
	assert.True(t, c.Add("still usable"))
}
