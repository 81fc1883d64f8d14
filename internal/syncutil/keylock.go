// Package syncutil serializes work per key: one source account's sequence
// number, one escrow's settlement.
package syncutil

import (
	"context"
	"hash/fnv"
	"sync"
)

const shardCount = 256

// KeyLock is a bounded pool of context-aware mutexes keyed by string. Keys
// that hash to the same shard share a lock; that only costs throughput.
type KeyLock struct {
	shards [shardCount]chan struct{}
	once   sync.Once
}

// NewKeyLock returns a ready KeyLock. The zero value is also usable.
func NewKeyLock() *KeyLock {
	l := &KeyLock{}
	l.init()
	return l
}

func (l *KeyLock) init() {
	l.once.Do(func() {
		for i := range l.shards {
			l.shards[i] = make(chan struct{}, 1)
			l.shards[i] <- struct{}{}
		}
	})
}

// Lock waits for key's lock or for ctx to end. On success the caller must
// call the returned unlock exactly once.
func (l *KeyLock) Lock(ctx context.Context, key string) (func(), error) {
	l.init()
	ch := l.shards[shard(key)]
	select {
	case <-ch:
		var once sync.Once
		return func() { once.Do(func() { ch <- struct{}{} }) }, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// TryLock acquires key's lock only if it is free.
func (l *KeyLock) TryLock(key string) (func(), bool) {
	l.init()
	ch := l.shards[shard(key)]
	select {
	case <-ch:
		var once sync.Once
		return func() { once.Do(func() { ch <- struct{}{} }) }, true
	default:
		return nil, false
	}
}

func shard(key string) uint32 {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return h.Sum32() % shardCount
}
