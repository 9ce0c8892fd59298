package memory

import "sync"

// UserLocks hands out one mutex per user. Entries are dropped once no
// goroutine holds or waits on them, so the map stays bounded by the number
// of users with work in flight.
type UserLocks struct {
	mu    sync.Mutex
	locks map[UserID]*userLock
}

type userLock struct {
	mu   sync.Mutex
	refs int
}

func NewUserLocks() *UserLocks {
	return &UserLocks{locks: make(map[UserID]*userLock)}
}

// Lock blocks until user's mutex is held and returns its release func.
func (l *UserLocks) Lock(user UserID) func() {
	l.mu.Lock()
	ul, ok := l.locks[user]
	if !ok {
		ul = &userLock{}
		l.locks[user] = ul
	}
	ul.refs++
	l.mu.Unlock()

	ul.mu.Lock()
	var once sync.Once
	return func() {
		once.Do(func() {
			ul.mu.Unlock()
			l.mu.Lock()
			ul.refs--
			if ul.refs == 0 {
				delete(l.locks, user)
			}
			l.mu.Unlock()
		})
	}
}

// Len reports how many users currently hold or wait on a lock.
func (l *UserLocks) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.locks)
}
