package metadata

import (
	"container/list"
	"sync"
)

type entry struct {
	memberID string
	value    []byte
}

// Cache holds metadata fetched from remote members, keyed by member id. It
// is LRU-evicted by total bytes so a large cluster with big metadata cannot
// grow it without bound. An evicted entry is fetched again on demand.
type Cache struct {
	mu   sync.Mutex
	data map[string]*list.Element
	ll   *list.List
	used int
	cap  int
}

func NewCache(capacityBytes int) *Cache {
	return &Cache{
		data: make(map[string]*list.Element),
		ll:   list.New(),
		cap:  capacityBytes,
	}
}

func (c *Cache) Put(memberID string, val []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if el, ok := c.data[memberID]; ok {
		old := el.Value.(*entry)
		c.used -= len(old.value)
		old.value = append([]byte{}, val...)
		c.used += len(old.value)
		c.ll.MoveToFront(el)
	} else {
		e := &entry{memberID: memberID, value: append([]byte{}, val...)}
		c.data[memberID] = c.ll.PushFront(e)
		c.used += len(e.value)
	}
	c.evictIfNeeded()
}

func (c *Cache) Get(memberID string) ([]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if el, ok := c.data[memberID]; ok {
		c.ll.MoveToFront(el)
		return append([]byte{}, el.Value.(*entry).value...), true
	}
	return nil, false
}

// Delete evicts memberID and returns the value it held.
func (c *Cache) Delete(memberID string) ([]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if el, ok := c.data[memberID]; ok {
		val := el.Value.(*entry).value
		c.removeElement(el)
		return val, true
	}
	return nil, false
}

func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.data)
}

// Size returns the number of cached bytes.
func (c *Cache) Size() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.used
}

// evictIfNeeded keeps the most recent entry even when it alone exceeds cap.
func (c *Cache) evictIfNeeded() {
	for c.used > c.cap && c.ll.Len() > 1 {
		c.removeElement(c.ll.Back())
	}
}

func (c *Cache) removeElement(el *list.Element) {
	e := el.Value.(*entry)
	delete(c.data, e.memberID)
	c.used -= len(e.value)
	c.ll.Remove(el)
}
