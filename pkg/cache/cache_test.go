package cache

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCache_AddIsPendingSet(t *testing.T) {
	c := New[struct{}](time.Minute)
	defer c.Stop()

	assert.True(t, c.Add("a_offer_1", struct{}{}))
	assert.False(t, c.Add("a_offer_1", struct{}{}))
	assert.True(t, c.Add("a_offer_2", struct{}{}))
	assert.Equal(t, 2, c.Size())
}

func TestCache_Expiry(t *testing.T) {
	c := New[int](time.Minute)
	defer c.Stop()

	now := time.Now()
	c.now = func() time.Time { return now }
	c.Set("k", 1)

	v, ok := c.Get("k")
	require.True(t, ok)
	assert.Equal(t, 1, v)

	now = now.Add(2 * time.Minute)
	_, ok = c.Get("k")
	assert.False(t, ok)
	assert.True(t, c.Add("k", 2), "expired key can be re-added")
}

func TestCache_InvalidatePrefix(t *testing.T) {
	c := New[string](time.Minute)
	defer c.Stop()

	c.Set("room/a", "1")
	c.Set("room/b", "2")
	c.Set("other", "3")
	c.Invalidate("room/")

	assert.Equal(t, 1, c.Size())
	_, ok := c.Get("other")
	assert.True(t, ok)
}

func TestCache_GetOrSet(t *testing.T) {
	c := New[string](time.Minute)
	defer c.Stop()

	calls := 0
	fallback := func(context.Context) (string, error) {
		calls++
		return "teacher", nil
	}

	for i := 0; i < 3; i++ {
		v, err := c.GetOrSet(context.Background(), "user_a", fallback)
		require.NoError(t, err)
		assert.Equal(t, "teacher", v)
	}
	assert.Equal(t, 1, calls)

	_, err := c.GetOrSet(context.Background(), "user_b", func(context.Context) (string, error) {
		return "", errors.New("boom")
	})
	assert.Error(t, err)
	_, ok := c.Get("user_b")
	assert.False(t, ok)
}

func TestCache_StopTwice(t *testing.T) {
	c := New[int](time.Second)
	c.Stop()
	assert.NotPanics(t, c.Stop)
}
