package mdip

import (
	"sync"

	"github.com/emirpasic/gods/sets/hashset"
)

/*

Constraints:

- a goroutine must not take a second DID lock while holding one
- keys are DID suffixes, so differently-prefixed forms of a DID share a lock

*/

type didLocks struct {
	held *hashset.Set
	lock sync.Mutex
	cond *sync.Cond
}

func newDIDLocks() *didLocks {
	l := &didLocks{
		held: hashset.New(),
	}
	l.cond = sync.NewCond(&l.lock)
	return l
}

// blocks until no other caller holds the lock for did
func (l *didLocks) Lock(did string) {
	key := DIDSuffix(did)

	l.lock.Lock()
	defer l.lock.Unlock()

	for l.held.Contains(key) {
		l.cond.Wait()
	}
	l.held.Add(key)
}

func (l *didLocks) Unlock(did string) {
	key := DIDSuffix(did)

	l.lock.Lock()
	defer l.lock.Unlock()

	l.held.Remove(key)
	l.cond.Broadcast()
}

// returns the number of DIDs currently locked
func (l *didLocks) Len() int {
	l.lock.Lock()
	defer l.lock.Unlock()
	return l.held.Size()
}
