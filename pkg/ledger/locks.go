package ledger

import "sync"

// accountLocks serializes mutations per account inside one process. The store
// transaction provides the same guarantee across processes.
type accountLocks struct {
	mutex sync.Mutex
	locks map[string]*accountLock
}

type accountLock struct {
	mutex   sync.Mutex
	waiters int
}

func newAccountLocks() *accountLocks {
	return &accountLocks{locks: make(map[string]*accountLock)}
}

// lock blocks until the account is exclusively held and returns its unlock func.
func (registry *accountLocks) lock(accountID AccountID) func() {
	key := accountID.String()
	registry.mutex.Lock()
	lock, ok := registry.locks[key]
	if !ok {
		lock = &accountLock{}
		registry.locks[key] = lock
	}
	lock.waiters++
	registry.mutex.Unlock()

	lock.mutex.Lock()
	return func() {
		lock.mutex.Unlock()
		registry.mutex.Lock()
		lock.waiters--
		if lock.waiters == 0 {
			delete(registry.locks, key)
		}
		registry.mutex.Unlock()
	}
}
