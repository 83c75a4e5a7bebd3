// Package idempotency replays completed responses for repeated
// Idempotency-Key requests.
package idempotency

import (
	"sync"
	"time"
)

// Record is a cached response: body, status and single-valued headers.
type Record struct {
	Body     []byte
	Status   int
	Header   map[string]string
	storedAt time.Time
}

// Cache is a TTL-bounded, size-capped in-memory response cache. A
// background goroutine sweeps expired records every ttl/2.
type Cache struct {
	mu      sync.Mutex
	records map[string]Record
	ttl     time.Duration
	cap     int
	stop    chan struct{}

	nowFunc func() time.Time // test hook
}

// New creates a Cache expiring records after ttl and evicting the oldest
// record once cap entries are held.
func New(ttl time.Duration, cap int) *Cache {
	c := &Cache{
		records: make(map[string]Record),
		ttl:     ttl,
		cap:     cap,
		stop:    make(chan struct{}),
		nowFunc: time.Now,
	}
	go c.sweepLoop()
	return c
}

// Get returns the unexpired record stored under key, if any.
func (c *Cache) Get(key string) (Record, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	rec, ok := c.records[key]
	if !ok {
		return Record{}, false
	}
	if c.nowFunc().Sub(rec.storedAt) > c.ttl {
		delete(c.records, key)
		return Record{}, false
	}
	return rec, true
}

// Set stores a response under key, evicting the oldest record when the
// cache is full.
func (c *Cache) Set(key string, body []byte, status int, header map[string]string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.records[key]; !exists && len(c.records) >= c.cap {
		c.evictOldest()
	}

	c.records[key] = Record{
		Body:     body,
		Status:   status,
		Header:   header,
		storedAt: c.nowFunc(),
	}
}

// Stop terminates the sweep goroutine.
func (c *Cache) Stop() {
	close(c.stop)
}

func (c *Cache) sweepLoop() {
	interval := c.ttl / 2
	if interval < time.Second {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			c.sweep()
		case <-c.stop:
			return
		}
	}
}

func (c *Cache) sweep() {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.nowFunc()
	for k, rec := range c.records {
		if now.Sub(rec.storedAt) > c.ttl {
			delete(c.records, k)
		}
	}
}

// evictOldest drops the record with the earliest storedAt. Caller holds c.mu.
func (c *Cache) evictOldest() {
	var victim string
	var oldest time.Time
	for k, rec := range c.records {
		if victim == "" || rec.storedAt.Before(oldest) {
			victim = k
			oldest = rec.storedAt
		}
	}
	if victim != "" {
		delete(c.records, victim)
	}
}
