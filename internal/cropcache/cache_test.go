package cropcache

import (
	"encoding/base64"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAdd_Encodes(t *testing.T) {
	c := New(3)
	handle, ok := c.Add([]byte{0xff, 0xd8, 0xff}, "person", 87, Box{X: 1, Y: 2, W: 3, H: 4})
	require.True(t, ok)
	assert.Equal(t, base64.StdEncoding.EncodeToString([]byte{0xff, 0xd8, 0xff}), handle)

	entries := c.Dump()
	require.Len(t, entries, 1)
	assert.Equal(t, handle, entries[0].Image)
	assert.Equal(t, "person", entries[0].Label)
	assert.Equal(t, 87, entries[0].Confidence)
	assert.Equal(t, Box{X: 1, Y: 2, W: 3, H: 4}, entries[0].Box)
}

func TestAdd_EmptyPayload(t *testing.T) {
	c := New(3)
	c.Add([]byte{1}, "a", 50, Box{})

	handle, ok := c.Add(nil, "b", 50, Box{})
	assert.False(t, ok)
	assert.Empty(t, handle)
	assert.Equal(t, 1, c.Len())
	assert.Equal(t, "a", c.Dump()[0].Label)
}

func TestDump_NewestFirstAfterWrap(t *testing.T) {
	c := New(10)
	for i := 0; i < 12; i++ {
		_, ok := c.Add([]byte{byte(i)}, fmt.Sprintf("L%d", i), 50, Box{})
		require.True(t, ok)
	}

	entries := c.Dump()
	require.Len(t, entries, 10)
	for i, e := range entries {
		assert.Equal(t, fmt.Sprintf("L%d", 11-i), e.Label)
	}
	for _, e := range entries {
		assert.NotEqual(t, "L0", e.Label)
		assert.NotEqual(t, "L1", e.Label)
	}
}

func TestHandleSurvivesOverwrite(t *testing.T) {
	c := New(1)
	first, _ := c.Add([]byte("first"), "a", 1, Box{})
	c.Add([]byte("second"), "b", 1, Box{})

	decoded, err := base64.StdEncoding.DecodeString(first)
	require.NoError(t, err)
	assert.Equal(t, "first", string(decoded))
	assert.Equal(t, "b", c.Dump()[0].Label)
}

func TestDumpIsCopy(t *testing.T) {
	c := New(2)
	c.Add([]byte{1}, "a", 1, Box{})
	entries := c.Dump()
	entries[0].Label = "mutated"
	assert.Equal(t, "a", c.Dump()[0].Label)
}

func TestReset(t *testing.T) {
	c := New(4)
	c.Add([]byte{1}, "a", 1, Box{})
	c.Add([]byte{2}, "b", 1, Box{})
	c.Reset()

	assert.Empty(t, c.Dump())
	assert.Equal(t, 0, c.Len())

	c.Add([]byte{3}, "c", 1, Box{})
	assert.Equal(t, "c", c.Dump()[0].Label)
}

func TestNew_DefaultCapacity(t *testing.T) {
	assert.Equal(t, DefaultCapacity, New(0).Capacity())
}

func TestConcurrentAccess(t *testing.T) {
	c := New(10)
	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(2)
		go func(n int) {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				c.Add([]byte{byte(j)}, fmt.Sprintf("w%d", n), j, Box{})
			}
		}(i)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				assert.LessOrEqual(t, len(c.Dump()), 10)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 10, c.Len())
}
