package store

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSetGet(t *testing.T) {
	s := New(nil)
	s.Set("k", "v", 0)
	got, ok := s.Get("k")
	assert.True(t, ok)
	assert.Equal(t, "v", got)
}

func TestGetMissing(t *testing.T) {
	s := New(nil)
	_, ok := s.Get("nope")
	assert.False(t, ok)
}

// Lazy expiry: a SET with a PX expiry must be invisible to GET once the
// clock passes the expiry, and must no longer appear in Keys().
func TestLazyExpiry(t *testing.T) {
	now := int64(1000)
	clock := func() int64 { return now }
	s := New(clock)

	s.Set("k", "v", 1100) // expires at t=1100
	got, ok := s.Get("k")
	assert.True(t, ok)
	assert.Equal(t, "v", got)

	now = 1100 // now >= expiry
	_, ok = s.Get("k")
	assert.False(t, ok)

	assert.NotContains(t, s.Keys(), "k")
}

func TestSetOverwritesExpiry(t *testing.T) {
	s := New(nil)
	s.Set("k", "v1", 1)
	s.Set("k", "v2", 0)
	got, ok := s.Get("k")
	assert.True(t, ok)
	assert.Equal(t, "v2", got)
}

func TestKeysEnumeratesAll(t *testing.T) {
	s := New(nil)
	s.Set("a", "1", 0)
	s.Set("b", "2", 0)
	assert.ElementsMatch(t, []string{"a", "b"}, s.Keys())
}
