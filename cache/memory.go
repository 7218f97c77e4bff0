package cache

import (
	"container/list"
	"sync"
)

// memoryTier is the bounded in-memory object map: entries larger than
// cache_max_object_bytes never enter it. Eviction is plain LRU by access
// order.
type memoryTier struct {
	mu       sync.Mutex
	max      int
	ll       *list.List
	items    map[string]*list.Element
}

type memoryEntry struct {
	key  string
	meta Meta
	body []byte
}

func newMemoryTier(max int) *memoryTier {
	return &memoryTier{
		max:   max,
		ll:    list.New(),
		items: make(map[string]*list.Element),
	}
}

func (m *memoryTier) get(key string) (Meta, []byte, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	el, ok := m.items[key]
	if !ok {
		return Meta{}, nil, false
	}
	m.ll.MoveToFront(el)
	e := el.Value.(*memoryEntry)
	return e.meta, e.body, true
}

func (m *memoryTier) put(key string, meta Meta, body []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if el, ok := m.items[key]; ok {
		m.ll.MoveToFront(el)
		el.Value.(*memoryEntry).meta = meta
		el.Value.(*memoryEntry).body = body
		return
	}

	el := m.ll.PushFront(&memoryEntry{key: key, meta: meta, body: body})
	m.items[key] = el

	if m.max > 0 {
		for m.ll.Len() > m.max {
			oldest := m.ll.Back()
			if oldest == nil {
				break
			}
			m.ll.Remove(oldest)
			delete(m.items, oldest.Value.(*memoryEntry).key)
		}
	}
}

func (m *memoryTier) delete(key string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if el, ok := m.items[key]; ok {
		m.ll.Remove(el)
		delete(m.items, key)
	}
}
