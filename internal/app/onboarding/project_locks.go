package onboarding

import (
	"sync"

	"github.com/google/uuid"
)

// projectLock is a mutex shared by every in-flight action on one project.
type projectLock struct {
	mu   sync.Mutex
	refs int
}

// projectLocks serializes actions per project while letting actions on
// different projects run concurrently. Entries are dropped once no caller
// holds or waits on them.
type projectLocks struct {
	mu    sync.Mutex
	locks map[uuid.UUID]*projectLock
}

func newProjectLocks() *projectLocks {
	return &projectLocks{locks: make(map[uuid.UUID]*projectLock)}
}

// Lock blocks until the caller holds the lock for projectID and returns the
// function that releases it.
func (l *projectLocks) Lock(projectID uuid.UUID) (unlock func()) {
	l.mu.Lock()
	pl, exists := l.locks[projectID]
	if !exists {
		pl = new(projectLock)
		l.locks[projectID] = pl
	}
	pl.refs++
	l.mu.Unlock()

	pl.mu.Lock()
	return func() {
		pl.mu.Unlock()

		l.mu.Lock()
		defer l.mu.Unlock()
		pl.refs--
		if pl.refs == 0 {
			delete(l.locks, projectID)
		}
	}
}

// size reports the number of tracked projects.
func (l *projectLocks) size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.locks)
}
