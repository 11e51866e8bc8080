package respcache

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestKeyNormalization(t *testing.T) {
	require.Equal(t, Key("  Hello   World "), Key("hello world"))
}

func TestGetSetRoundTrip(t *testing.T) {
	c := New(10, time.Hour)
	k := Key("qué es el gdpr")
	_, ok := c.Get(k)
	require.False(t, ok)
	c.Set(k, "answer")
	v, ok := c.Get(k)
	require.True(t, ok)
	require.Equal(t, "answer", v)
}

func TestExpiredEntryIsAMiss(t *testing.T) {
	c := New(10, time.Nanosecond)
	k := Key("expires fast")
	c.Set(k, "answer")
	time.Sleep(time.Millisecond)
	_, ok := c.Get(k)
	require.False(t, ok)
}

func TestEvictionAtCapacity(t *testing.T) {
	c := New(1, time.Hour)
	c.Set("a", "1")
	c.Set("b", "2")
	_, ok := c.Get("a")
	require.False(t, ok)
	v, ok := c.Get("b")
	require.True(t, ok)
	require.Equal(t, "2", v)
}
