package cache

import (
	"context"
	"sync"
	"time"
)

// keyLock coalesces fetches for one key. sem has capacity one and is held by
// the leader for the duration of its fetch. gen is bumped by every Delete of
// the key; fills counts published leader results.
type keyLock struct {
	sem  chan struct{}
	refs int

	mu       sync.Mutex
	gen      uint64
	fills    uint64
	value    []byte
	err      error
	valueGen uint64
}

func (l *keyLock) tryLock() bool {
	select {
	case l.sem <- struct{}{}:
		return true
	default:
		return false
	}
}

func (l *keyLock) unlock() {
	<-l.sem
}

// wait blocks until the current holder releases the lock.
func (l *keyLock) wait(ctx context.Context) error {
	select {
	case l.sem <- struct{}{}:
		<-l.sem
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (l *keyLock) generation() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.gen
}

func (l *keyLock) invalidate() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.gen++
}

func (l *keyLock) fillCount() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.fills
}

// publish records the result of a fill that started at generation gen.
func (l *keyLock) publish(value []byte, err error, gen uint64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.value = value
	l.err = err
	l.valueGen = gen
	l.fills++
}

// resultSince returns the latest fill result if it was published after the
// caller observed since fills and the key was not deleted during that fill.
func (l *keyLock) resultSince(since uint64) ([]byte, error, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.fills <= since || l.valueGen != l.gen {
		return nil, nil, false
	}
	return l.value, l.err, true
}

// lockTable owns the reference-counted per-key locks of one Cache.
type lockTable struct {
	mu      sync.Mutex
	locks   map[string]*keyLock
	gcDelay time.Duration
}

func newLockTable(gcDelay time.Duration) *lockTable {
	return &lockTable{
		locks:   make(map[string]*keyLock),
		gcDelay: gcDelay,
	}
}

func (t *lockTable) acquire(key string) *keyLock {
	t.mu.Lock()
	defer t.mu.Unlock()
	l, ok := t.locks[key]
	if !ok {
		l = &keyLock{sem: make(chan struct{}, 1)}
		t.locks[key] = l
	}
	l.refs++
	return l
}

// invalidate bumps the generation of key's lock, if one is live. A key
// without a lock has no fill in flight.
func (t *lockTable) invalidate(key string) {
	t.mu.Lock()
	l, ok := t.locks[key]
	t.mu.Unlock()
	if ok {
		l.invalidate()
	}
}

func (t *lockTable) release(key string, l *keyLock) {
	t.mu.Lock()
	l.refs--
	idle := l.refs == 0
	t.mu.Unlock()
	if !idle {
		return
	}
	if t.gcDelay <= 0 {
		t.collect(key, l)
		return
	}
	time.AfterFunc(t.gcDelay, func() { t.collect(key, l) })
}

func (t *lockTable) collect(key string, l *keyLock) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if l.refs == 0 && t.locks[key] == l {
		delete(t.locks, key)
	}
}

func (t *lockTable) size() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.locks)
}
