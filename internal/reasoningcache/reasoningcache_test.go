package reasoningcache

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRetrieveMissReturnsDefault(t *testing.T) {
	c := New(4)
	text, found := c.Retrieve([]byte("hello"))
	require.False(t, found)
	require.Equal(t, DefaultText, text)
}

func TestStoreThenRetrieve(t *testing.T) {
	c := New(4)
	c.Store([]byte("hello"), "thought about it")
	text, found := c.Retrieve([]byte("hello"))
	require.True(t, found)
	require.Equal(t, "thought about it", text)
}

func TestEmptyReasoningIsNotStored(t *testing.T) {
	c := New(4)
	c.Store([]byte("hello"), "")
	_, found := c.Retrieve([]byte("hello"))
	require.False(t, found)
}

func TestEvictionRespectsCapacity(t *testing.T) {
	c := New(2)
	c.Store([]byte("a"), "A")
	c.Store([]byte("b"), "B")
	c.Store([]byte("c"), "C")
	require.Equal(t, 2, c.Len())

	_, found := c.Retrieve([]byte("a"))
	require.False(t, found, "oldest entry should have been evicted")
}

func TestPurgeClearsEntries(t *testing.T) {
	c := New(4)
	c.Store([]byte("a"), "A")
	c.Purge()
	require.Equal(t, 0, c.Len())
}

func TestDefaultCapacityUsedForNonPositive(t *testing.T) {
	c := New(0)
	require.Equal(t, DefaultCapacity, c.cap)
}
