package chats

import "sync"

// Locks provides per-chat advisory locks so at most one generation
// and at most one structural truncation runs against a chat at a
// time. Acquisition never blocks: the loser of a race gets false and
// surfaces ErrConflict to its caller.
type Locks struct {
	mu   sync.Mutex
	held map[string]struct{}
}

func NewLocks() *Locks {
	return &Locks{held: make(map[string]struct{})}
}

// TryLock claims the chat's lock, reporting false when it is already
// held.
func (l *Locks) TryLock(id string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, taken := l.held[id]; taken {
		return false
	}
	l.held[id] = struct{}{}
	return true
}

// Unlock releases the chat's lock. Unlocking a chat that is not held
// panics; that is always a pairing bug.
func (l *Locks) Unlock(id string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, taken := l.held[id]; !taken {
		panic("chats: unlock of unheld chat lock " + id)
	}
	delete(l.held, id)
}
