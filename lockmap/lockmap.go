// Package lockmap is a sharded lock service keyed by inode number. The API
// behaves as if there were one mutex per possible ino; the implementation
// keeps lock state only for inos that currently have a holder or waiters,
// sharded to keep contention on the shard maps low.
//
// The core takes the ino lock around file writes (log append, tree update
// and log garbage collection), size changes, directory entry changes and
// file reads, so a reader holding a pointer into a file log page is
// serialized against the GC that would unlink it.
package lockmap

import (
	"sync"

	"github.com/pmemfs/pmemfs/common"
)

const nShards = 43

type lockState struct {
	cond    *sync.Cond
	held    bool
	waiters uint64
}

type shard struct {
	mu    sync.Mutex
	state map[common.Ino]*lockState
}

type LockMap struct {
	shards [nShards]*shard
}

func New() *LockMap {
	lm := &LockMap{}
	for i := range lm.shards {
		lm.shards[i] = &shard{state: make(map[common.Ino]*lockState)}
	}
	return lm
}

func (lm *LockMap) shardOf(ino common.Ino) *shard {
	return lm.shards[ino%nShards]
}

// Acquire blocks until the caller holds the lock for ino.
func (lm *LockMap) Acquire(ino common.Ino) {
	s := lm.shardOf(ino)
	s.mu.Lock()
	st, ok := s.state[ino]
	if !ok {
		st = &lockState{cond: sync.NewCond(&s.mu)}
		s.state[ino] = st
	}
	for st.held {
		st.waiters++
		st.cond.Wait()
		st.waiters--
	}
	st.held = true
	s.mu.Unlock()
}

// Release drops the lock for ino; state is discarded once nobody waits.
func (lm *LockMap) Release(ino common.Ino) {
	s := lm.shardOf(ino)
	s.mu.Lock()
	st, ok := s.state[ino]
	if !ok || !st.held {
		s.mu.Unlock()
		panic("lockmap: release of unheld lock")
	}
	st.held = false
	if st.waiters > 0 {
		st.cond.Signal()
	} else {
		delete(s.state, ino)
	}
	s.mu.Unlock()
}
