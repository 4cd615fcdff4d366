// Package cropcache keeps a bounded history of recent crops for API readers.
package cropcache

import (
	"encoding/base64"
	"sync"
)

// DefaultCapacity is the ring size used when none is configured
const DefaultCapacity = 10

// Box is a detection rectangle relative to its crop, in pixels.
type Box struct {
	X int `json:"x"`
	Y int `json:"y"`
	W int `json:"w"`
	H int `json:"h"`
}

// Entry is one cached crop
type Entry struct {
	Image      string `json:"image"` // base64 JPEG
	Label      string `json:"label"`
	Confidence int    `json:"confidence"`
	Box
}

// Cache is a fixed-capacity ring of crops, newest overwriting oldest.
//
// Add returns the stored base64 string as a handle. Strings are immutable,
// so the handle stays valid after its slot is overwritten; the ring only
// drops its own reference.
type Cache struct {
	mu    sync.Mutex
	slots []Entry
	head  int
	count int
}

// New creates a cache holding up to capacity entries
func New(capacity int) *Cache {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Cache{slots: make([]Entry, capacity)}
}

// Add encodes jpeg and stores it in the next slot.
// An empty payload is treated as an encode failure and leaves the ring untouched.
func (c *Cache) Add(jpeg []byte, label string, confidence int, box Box) (string, bool) {
	if len(jpeg) == 0 {
		return "", false
	}
	encoded := base64.StdEncoding.EncodeToString(jpeg)

	c.mu.Lock()
	c.slots[c.head] = Entry{
		Image:      encoded,
		Label:      label,
		Confidence: confidence,
		Box:        box,
	}
	c.head = (c.head + 1) % len(c.slots)
	if c.count < len(c.slots) {
		c.count++
	}
	c.mu.Unlock()

	return encoded, true
}

// Dump returns a copy of the cached entries, newest first
func (c *Cache) Dump() []Entry {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]Entry, 0, c.count)
	n := len(c.slots)
	for i := 1; i <= c.count; i++ {
		out = append(out, c.slots[(c.head-i+n)%n])
	}
	return out
}

// Len returns the number of valid entries
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.count
}

// Capacity returns the ring size
func (c *Cache) Capacity() int {
	return len(c.slots)
}

// Reset clears every slot
func (c *Cache) Reset() {
	c.mu.Lock()
	clear(c.slots)
	c.head = 0
	c.count = 0
	c.mu.Unlock()
}
